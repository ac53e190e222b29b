package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	id "caseguard/pkg/domain"
)

// PostgresStore implements Store against the audit database. The pool it wraps
// must be built from the audit credential, whose role is INSERT-only after
// lockdown; this store never issues UPDATE or DELETE.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed audit store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append inserts one audit entry.
func (s *PostgresStore) Append(ctx context.Context, entry Entry) error {
	query := `
		INSERT INTO audit_entries (
			id, timestamp, principal_id, action, resource_type, resource_id,
			outcome, programs, metadata, demo
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`

	entryID := entry.ID
	if entryID == uuid.Nil {
		entryID = uuid.New()
	}

	programs, err := json.Marshal(programStrings(entry.Programs))
	if err != nil {
		return fmt.Errorf("marshal entry programs: %w", err)
	}
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal entry metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query,
		entryID,
		entry.Timestamp,
		uuid.UUID(entry.PrincipalID),
		entry.Action,
		entry.ResourceType,
		entry.ResourceID,
		string(entry.Outcome),
		programs,
		metadata,
		entry.Demo,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List returns entries matching the filter, newest first.
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]Entry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, cond+"$"+strconv.Itoa(len(args)))
	}

	if filter.PrincipalID != nil {
		add("principal_id = ", uuid.UUID(*filter.PrincipalID))
	}
	if filter.ResourceType != "" {
		add("resource_type = ", filter.ResourceType)
	}
	if filter.ResourceID != "" {
		add("resource_id = ", filter.ResourceID)
	}
	if filter.Action != "" {
		add("action = ", filter.Action)
	}
	if !filter.Since.IsZero() {
		add("timestamp >= ", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("timestamp <= ", filter.Until)
	}
	if len(filter.ScopePrograms) > 0 {
		exists := make([]string, 0, len(filter.ScopePrograms))
		for _, programID := range filter.ScopePrograms {
			args = append(args, programID.String())
			exists = append(exists, "jsonb_exists(programs, $"+strconv.Itoa(len(args))+")")
		}
		conds = append(conds, "("+strings.Join(exists, " OR ")+")")
	}

	query := `
		SELECT id, timestamp, principal_id, action, resource_type, resource_id,
			   outcome, programs, metadata, demo
		FROM audit_entries
	`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry

	for rows.Next() {
		var (
			entry       Entry
			principalID uuid.UUID
			outcome     string
			programs    []byte
			metadata    []byte
		)

		err := rows.Scan(
			&entry.ID,
			&entry.Timestamp,
			&principalID,
			&entry.Action,
			&entry.ResourceType,
			&entry.ResourceID,
			&outcome,
			&programs,
			&metadata,
			&entry.Demo,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}

		entry.PrincipalID = id.PrincipalID(principalID)
		entry.Outcome = Outcome(outcome)

		var programIDs []string
		if len(programs) > 0 {
			if err := json.Unmarshal(programs, &programIDs); err != nil {
				return nil, fmt.Errorf("unmarshal entry programs: %w", err)
			}
		}
		for _, p := range programIDs {
			parsed, err := id.ParseProgramID(p)
			if err != nil {
				return nil, fmt.Errorf("parse entry program: %w", err)
			}
			entry.Programs = append(entry.Programs, parsed)
		}

		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal entry metadata: %w", err)
			}
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}

	return entries, nil
}

func programStrings(programs []id.ProgramID) []string {
	out := make([]string, 0, len(programs))
	for _, p := range programs {
		out = append(out, p.String())
	}
	return out
}
