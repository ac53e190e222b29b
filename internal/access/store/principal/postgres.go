package principal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"caseguard/internal/access/models"
	"caseguard/internal/sentinel"
	id "caseguard/pkg/domain"
)

const pgUniqueViolation = "23505"

// PostgresStore persists principals in PostgreSQL. Program memberships are
// stored as a jsonb map of program ID to sub-role.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, p *models.Principal) error {
	programs, err := marshalPrograms(p.Programs)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO principals (id, display_name, role, programs, demo, active, secret_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.db.ExecContext(ctx, query,
		uuid.UUID(p.ID), p.DisplayName, string(p.Role), programs,
		p.Demo, p.Active, p.SecretHash, p.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("save principal: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, principalID id.PrincipalID) (*models.Principal, error) {
	query := `
		SELECT id, display_name, role, programs, demo, active, secret_hash, created_at
		FROM principals
		WHERE id = $1
	`
	return scanPrincipal(s.db.QueryRowContext(ctx, query, uuid.UUID(principalID)))
}

func (s *PostgresStore) ListByProgram(ctx context.Context, programID id.ProgramID) ([]*models.Principal, error) {
	query := `
		SELECT id, display_name, role, programs, demo, active, secret_hash, created_at
		FROM principals
		WHERE active AND jsonb_exists(programs, $1)
	`
	rows, err := s.db.QueryContext(ctx, query, programID.String())
	if err != nil {
		return nil, fmt.Errorf("list principals by program: %w", err)
	}
	defer rows.Close()

	var out []*models.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate principals: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, principalID id.PrincipalID) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE principals SET active = false WHERE id = $1`, uuid.UUID(principalID))
	if err != nil {
		return fmt.Errorf("deactivate principal: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate principal: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row rowScanner) (*models.Principal, error) {
	var (
		p           models.Principal
		principalID uuid.UUID
		role        string
		programs    []byte
	)
	err := row.Scan(&principalID, &p.DisplayName, &role, &programs,
		&p.Demo, &p.Active, &p.SecretHash, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan principal: %w", err)
	}
	p.ID = id.PrincipalID(principalID)
	p.Role = models.Role(role)
	p.Programs, err = unmarshalPrograms(programs)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func marshalPrograms(programs map[id.ProgramID]models.SubRole) ([]byte, error) {
	flat := make(map[string]string, len(programs))
	for program, sub := range programs {
		flat[program.String()] = string(sub)
	}
	out, err := json.Marshal(flat)
	if err != nil {
		return nil, fmt.Errorf("marshal program memberships: %w", err)
	}
	return out, nil
}

func unmarshalPrograms(raw []byte) (map[id.ProgramID]models.SubRole, error) {
	flat := map[string]string{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &flat); err != nil {
			return nil, fmt.Errorf("unmarshal program memberships: %w", err)
		}
	}
	programs := make(map[id.ProgramID]models.SubRole, len(flat))
	for program, sub := range flat {
		parsed, err := id.ParseProgramID(program)
		if err != nil {
			return nil, fmt.Errorf("parse program membership: %w", err)
		}
		programs[parsed] = models.SubRole(sub)
	}
	return programs, nil
}
