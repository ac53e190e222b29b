//go:build integration

package containers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"caseguard/migrations"
	id "caseguard/pkg/domain"
)

// PostgresContainer wraps a testcontainers Postgres instance. Both the
// application and audit schemas are applied to the same test database; the
// table sets do not overlap.
type PostgresContainer struct {
	Container testcontainers.Container
	DSN       string
	DB        *sql.DB
}

// NewPostgresContainer starts a new Postgres container with migrations applied.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("caseguard_test"),
		postgres.WithUsername("caseguard"),
		postgres.WithPassword("caseguard_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to connect to postgres: %v", err)
	}

	pc := &PostgresContainer{
		Container: container,
		DSN:       dsn,
		DB:        db,
	}

	if err := pc.runMigrations(ctx); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("failed to run migrations: %v", err)
	}

	// Note: We don't register t.Cleanup here because the container is managed
	// by the singleton Manager and shared across test suites. Ryuk (testcontainers'
	// cleanup sidecar) handles container cleanup when the test process exits.

	return pc
}

// runMigrations executes all *.sql migrations from the embedded migrations.FS
// in filename order.
func (p *PostgresContainer) runMigrations(ctx context.Context) error {
	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := fs.ReadFile(migrations.FS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		if _, err := p.DB.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("execute migration %s: %w", file, err)
		}
	}

	return nil
}

// TruncateTables clears all data from the specified tables.
// Use between tests to ensure isolation without restarting the container.
func (p *PostgresContainer) TruncateTables(ctx context.Context, tables ...string) error {
	for _, table := range tables {
		_, err := p.DB.ExecContext(ctx, "TRUNCATE TABLE "+table+" CASCADE")
		if err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	return nil
}

// TruncateModuleTables truncates all module tables for full integration test
// isolation. Tables are truncated with CASCADE to handle foreign key
// dependencies.
func (p *PostgresContainer) TruncateModuleTables(ctx context.Context) error {
	tables := []string{
		"audit_entries",
		"erasure_requests",
		"client_access_blocks",
		"plans",
		"notes",
		"clients",
		"principals",
		"programs",
	}
	return p.TruncateTables(ctx, tables...)
}

// Exec runs a SQL statement and returns the result.
func (p *PostgresContainer) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return p.DB.ExecContext(ctx, query, args...)
}

// Query runs a SQL query and returns rows.
func (p *PostgresContainer) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return p.DB.QueryContext(ctx, query, args...)
}

// QueryRow runs a SQL query expected to return a single row.
func (p *PostgresContainer) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return p.DB.QueryRowContext(ctx, query, args...)
}

// CreateTestProgram inserts a program and returns its ID.
// Fails the test if insertion fails.
func (p *PostgresContainer) CreateTestProgram(ctx context.Context, t testing.TB, name string, confidential bool) id.ProgramID {
	t.Helper()
	programID := id.NewProgramID()
	_, err := p.Exec(ctx, `
		INSERT INTO programs (id, name, confidential)
		VALUES ($1, $2, $3)
	`, uuid.UUID(programID), name, confidential)
	if err != nil {
		t.Fatalf("CreateTestProgram: %v", err)
	}
	return programID
}

// CreateTestPrincipal inserts an active principal with staff membership in
// the given programs and returns its ID. Fails the test if insertion fails.
func (p *PostgresContainer) CreateTestPrincipal(ctx context.Context, t testing.TB, role string, programs ...id.ProgramID) id.PrincipalID {
	t.Helper()
	principalID := id.NewPrincipalID()
	memberships := make(map[string]string, len(programs))
	for _, programID := range programs {
		memberships[programID.String()] = "staff"
	}
	encoded, err := json.Marshal(memberships)
	if err != nil {
		t.Fatalf("CreateTestPrincipal: marshal programs: %v", err)
	}
	_, err = p.Exec(ctx, `
		INSERT INTO principals (id, display_name, role, programs, demo, active, secret_hash, created_at)
		VALUES ($1, $2, $3, $4, false, true, 'integration-test-hash', NOW())
	`, uuid.UUID(principalID), "Test Staffer "+uuid.NewString(), role, encoded)
	if err != nil {
		t.Fatalf("CreateTestPrincipal: %v", err)
	}
	return principalID
}

// CreateRole creates a login role inside the container for privilege tests.
// Fails the test if creation fails.
func (p *PostgresContainer) CreateRole(ctx context.Context, t testing.TB, name, password string) {
	t.Helper()
	if _, err := p.Exec(ctx, fmt.Sprintf(`CREATE ROLE %q LOGIN PASSWORD '%s'`, name, password)); err != nil {
		t.Fatalf("CreateRole %s: %v", name, err)
	}
}

// OpenAs opens a second connection to the test database using different
// credentials. The caller owns the returned handle.
func (p *PostgresContainer) OpenAs(t testing.TB, user, password string) *sql.DB {
	t.Helper()
	parsed, err := url.Parse(p.DSN)
	if err != nil {
		t.Fatalf("OpenAs: parse DSN: %v", err)
	}
	parsed.User = url.UserPassword(user, password)
	db, err := sql.Open("pgx", parsed.String())
	if err != nil {
		t.Fatalf("OpenAs: %v", err)
	}
	return db
}
