package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// pgInsufficientPrivilege is SQLSTATE 42501, returned when the audit role
// attempts a statement its grants do not cover.
const pgInsufficientPrivilege = "42501"

// Lockdown applies the INSERT-only grant set to the audit role. It must run
// with an administrative credential after every fresh migration of the audit
// schema; the application's audit credential can only append afterwards.
func Lockdown(ctx context.Context, adminDB *sql.DB, auditRole string) error {
	statements := []string{
		fmt.Sprintf(`REVOKE ALL ON audit_entries FROM %q`, auditRole),
		fmt.Sprintf(`GRANT INSERT, SELECT ON audit_entries TO %q`, auditRole),
	}
	for _, stmt := range statements {
		if _, err := adminDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply audit lockdown %q: %w", stmt, err)
		}
	}
	return nil
}

// VerifyImmutable probes the audit store with the restricted credential and
// asserts that UPDATE and DELETE are structurally rejected (SQLSTATE 42501).
// A probe that succeeds means the lockdown is not in force and the deployment
// must be blocked.
func VerifyImmutable(ctx context.Context, restrictedDB *sql.DB) error {
	probes := []string{
		`UPDATE audit_entries SET action = 'tampered' WHERE false`,
		`DELETE FROM audit_entries WHERE false`,
	}
	for _, probe := range probes {
		_, err := restrictedDB.ExecContext(ctx, probe)
		if err == nil {
			return fmt.Errorf("audit store accepted mutation %q; lockdown not in force", probe)
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != pgInsufficientPrivilege {
			return fmt.Errorf("unexpected error probing audit store with %q: %w", probe, err)
		}
	}
	return nil
}
