package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"caseguard/internal/client/models"
	"caseguard/internal/crypto"
	"caseguard/internal/sentinel"
	id "caseguard/pkg/domain"
)

const pgUniqueViolation = "23505"

// PostgresStore persists clients, notes and plans. Sealed columns hold
// envelope strings as produced by the keyring; the database never sees
// plaintext or key material.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) SaveClient(ctx context.Context, client *models.Client) error {
	programs, err := json.Marshal(programStrings(client.Programs))
	if err != nil {
		return fmt.Errorf("marshal programs: %w", err)
	}
	shared, err := json.Marshal(principalStrings(client.SharedWith))
	if err != nil {
		return fmt.Errorf("marshal shared_with: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clients (id, name_sealed, dob_sealed, contact_sealed, programs, shared_with, demo, anonymised, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		client.ID.String(), client.Name.Envelope(), client.DOB.Envelope(), client.Contact.Envelope(),
		programs, shared, client.Demo, client.Anonymised, client.Version, client.CreatedAt, client.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateClient(ctx context.Context, client *models.Client) error {
	programs, err := json.Marshal(programStrings(client.Programs))
	if err != nil {
		return fmt.Errorf("marshal programs: %w", err)
	}
	shared, err := json.Marshal(principalStrings(client.SharedWith))
	if err != nil {
		return fmt.Errorf("marshal shared_with: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE clients
		SET name_sealed = $1, dob_sealed = $2, contact_sealed = $3, programs = $4,
		    shared_with = $5, demo = $6, anonymised = $7, version = version + 1, updated_at = $8
		WHERE id = $9 AND version = $10`,
		client.Name.Envelope(), client.DOB.Envelope(), client.Contact.Envelope(), programs,
		shared, client.Demo, client.Anonymised, client.UpdatedAt,
		client.ID.String(), client.Version,
	)
	if err != nil {
		return fmt.Errorf("update client: %w", err)
	}
	if err := requireOneRow(res); err != nil {
		return err
	}
	client.Version++
	return nil
}

func (s *PostgresStore) FindClient(ctx context.Context, clientID id.ClientID) (*models.Client, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name_sealed, dob_sealed, contact_sealed, programs, shared_with, demo, anonymised, version, created_at, updated_at
		FROM clients WHERE id = $1`, clientID.String())
	return scanClient(row)
}

func (s *PostgresStore) ListClientsByProgram(ctx context.Context, programID id.ProgramID) ([]*models.Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name_sealed, dob_sealed, contact_sealed, programs, shared_with, demo, anonymised, version, created_at, updated_at
		FROM clients WHERE jsonb_exists(programs, $1) ORDER BY created_at`, programID.String())
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var out []*models.Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, client)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveNote(ctx context.Context, note *models.Note) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (id, client_id, author_id, body_sealed, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		note.ID.String(), note.ClientID.String(), note.AuthorID.String(),
		note.Body.Envelope(), note.Version, note.CreatedAt, note.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateNote(ctx context.Context, note *models.Note) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notes SET body_sealed = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		note.Body.Envelope(), note.UpdatedAt, note.ID.String(), note.Version,
	)
	if err != nil {
		return fmt.Errorf("update note: %w", err)
	}
	if err := requireOneRow(res); err != nil {
		return err
	}
	note.Version++
	return nil
}

func (s *PostgresStore) FindNote(ctx context.Context, noteID id.NoteID) (*models.Note, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, author_id, body_sealed, version, created_at, updated_at
		FROM notes WHERE id = $1`, noteID.String())
	return scanNote(row)
}

func (s *PostgresStore) ListNotesByClient(ctx context.Context, clientID id.ClientID) ([]*models.Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, author_id, body_sealed, version, created_at, updated_at
		FROM notes WHERE client_id = $1 ORDER BY created_at`, clientID.String())
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var out []*models.Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, note)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SavePlan(ctx context.Context, plan *models.Plan) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (id, client_id, narrative_sealed, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		plan.ID.String(), plan.ClientID.String(), plan.Narrative.Envelope(),
		plan.Version, plan.CreatedAt, plan.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePlan(ctx context.Context, plan *models.Plan) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE plans SET narrative_sealed = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		plan.Narrative.Envelope(), plan.UpdatedAt, plan.ID.String(), plan.Version,
	)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	if err := requireOneRow(res); err != nil {
		return err
	}
	plan.Version++
	return nil
}

func (s *PostgresStore) FindPlan(ctx context.Context, planID id.PlanID) (*models.Plan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, narrative_sealed, version, created_at, updated_at
		FROM plans WHERE id = $1`, planID.String())
	return scanPlan(row)
}

func (s *PostgresStore) ListPlansByClient(ctx context.Context, clientID id.ClientID) ([]*models.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, narrative_sealed, version, created_at, updated_at
		FROM plans WHERE client_id = $1 ORDER BY created_at`, clientID.String())
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []*models.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, plan)
	}
	return out, rows.Err()
}

// envelopeSource maps a protected field to the table and column holding it.
var envelopeSource = map[string]struct{ table, column string }{
	models.FieldName:      {"clients", "name_sealed"},
	models.FieldDOB:       {"clients", "dob_sealed"},
	models.FieldContact:   {"clients", "contact_sealed"},
	models.FieldBody:      {"notes", "body_sealed"},
	models.FieldNarrative: {"plans", "narrative_sealed"},
}

func (s *PostgresStore) ListEnvelopes(ctx context.Context) ([]crypto.EnvelopeRef, error) {
	var refs []crypto.EnvelopeRef
	for _, field := range []string{models.FieldName, models.FieldDOB, models.FieldContact, models.FieldBody, models.FieldNarrative} {
		src := envelopeSource[field]
		query := fmt.Sprintf(`SELECT id, %s, version FROM %s WHERE %s <> ''`, src.column, src.table, src.column)
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("list %s envelopes: %w", field, err)
		}
		for rows.Next() {
			ref := crypto.EnvelopeRef{Field: field}
			if err := rows.Scan(&ref.RecordID, &ref.Envelope, &ref.Version); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan envelope: %w", err)
			}
			refs = append(refs, ref)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return refs, nil
}

// ReplaceEnvelopes swaps every listed field of one record in a single
// conditional UPDATE, so a lost version race leaves the record fully on the
// old key rather than mixed.
func (s *PostgresStore) ReplaceEnvelopes(ctx context.Context, recordID string, version int64, sealed map[string]string) error {
	if len(sealed) == 0 {
		return nil
	}
	table := ""
	assignments := make([]string, 0, len(sealed))
	args := make([]any, 0, len(sealed)+2)
	for _, field := range []string{models.FieldName, models.FieldDOB, models.FieldContact, models.FieldBody, models.FieldNarrative} {
		env, ok := sealed[field]
		if !ok {
			continue
		}
		src := envelopeSource[field]
		if table == "" {
			table = src.table
		} else if table != src.table {
			return sentinel.ErrInvalidInput
		}
		args = append(args, env)
		assignments = append(assignments, fmt.Sprintf("%s = $%d", src.column, len(args)))
	}
	if len(assignments) != len(sealed) {
		return sentinel.ErrInvalidInput
	}
	args = append(args, recordID, version)
	query := fmt.Sprintf(`UPDATE %s SET %s, version = version + 1, updated_at = now()
		WHERE id = $%d AND version = $%d`,
		table, strings.Join(assignments, ", "), len(args)-1, len(args))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("replace envelopes: %w", err)
	}
	return requireOneRow(res)
}

func (s *PostgresStore) AnonymiseClient(ctx context.Context, clientID id.ClientID, placeholders Placeholders) (models.ErasureCounts, error) {
	var counts models.ErasureCounts
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE clients
			SET name_sealed = $1, dob_sealed = $2, contact_sealed = $3,
			    anonymised = true, version = version + 1, updated_at = now()
			WHERE id = $4`,
			placeholders.Name.Envelope(), placeholders.DOB.Envelope(), placeholders.Contact.Envelope(),
			clientID.String(),
		)
		if err != nil {
			return fmt.Errorf("anonymise client: %w", err)
		}
		if err := requireOneRow(res); errors.Is(err, sentinel.ErrStaleVersion) {
			return sentinel.ErrNotFound
		} else if err != nil {
			return err
		}
		counts.Clients = 1
		counts.Fields = 3

		res, err = tx.ExecContext(ctx, `
			UPDATE notes SET body_sealed = $1, version = version + 1, updated_at = now()
			WHERE client_id = $2`, placeholders.Body.Envelope(), clientID.String())
		if err != nil {
			return fmt.Errorf("anonymise notes: %w", err)
		}
		notes, _ := res.RowsAffected()
		counts.Notes = int(notes)
		counts.Fields += int(notes)

		res, err = tx.ExecContext(ctx, `
			UPDATE plans SET narrative_sealed = $1, version = version + 1, updated_at = now()
			WHERE client_id = $2`, placeholders.Narrative.Envelope(), clientID.String())
		if err != nil {
			return fmt.Errorf("anonymise plans: %w", err)
		}
		plans, _ := res.RowsAffected()
		counts.Plans = int(plans)
		counts.Fields += int(plans)
		return nil
	})
	if err != nil {
		return models.ErasureCounts{}, err
	}
	return counts, nil
}

func (s *PostgresStore) PurgeClinical(ctx context.Context, clientID id.ClientID) (models.ErasureCounts, error) {
	var counts models.ErasureCounts
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM clients WHERE id = $1)`, clientID.String()).Scan(&exists); err != nil {
			return fmt.Errorf("check client: %w", err)
		}
		if !exists {
			return sentinel.ErrNotFound
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE client_id = $1`, clientID.String())
		if err != nil {
			return fmt.Errorf("purge notes: %w", err)
		}
		notes, _ := res.RowsAffected()
		counts.Notes = int(notes)

		res, err = tx.ExecContext(ctx, `DELETE FROM plans WHERE client_id = $1`, clientID.String())
		if err != nil {
			return fmt.Errorf("purge plans: %w", err)
		}
		plans, _ := res.RowsAffected()
		counts.Plans = int(plans)
		return nil
	})
	if err != nil {
		return models.ErasureCounts{}, err
	}
	return counts, nil
}

func (s *PostgresStore) DeleteCascade(ctx context.Context, clientID id.ClientID) (models.ErasureCounts, error) {
	var counts models.ErasureCounts
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE client_id = $1`, clientID.String())
		if err != nil {
			return fmt.Errorf("delete notes: %w", err)
		}
		notes, _ := res.RowsAffected()
		counts.Notes = int(notes)

		res, err = tx.ExecContext(ctx, `DELETE FROM plans WHERE client_id = $1`, clientID.String())
		if err != nil {
			return fmt.Errorf("delete plans: %w", err)
		}
		plans, _ := res.RowsAffected()
		counts.Plans = int(plans)

		res, err = tx.ExecContext(ctx, `DELETE FROM clients WHERE id = $1`, clientID.String())
		if err != nil {
			return fmt.Errorf("delete client: %w", err)
		}
		clients, _ := res.RowsAffected()
		if clients == 0 {
			return sentinel.ErrNotFound
		}
		counts.Clients = int(clients)
		return nil
	})
	if err != nil {
		return models.ErasureCounts{}, err
	}
	return counts, nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*models.Client, error) {
	var (
		client                 models.Client
		clientID               string
		name, dob, contact     string
		programsRaw, sharedRaw []byte
	)
	err := row.Scan(&clientID, &name, &dob, &contact, &programsRaw, &sharedRaw,
		&client.Demo, &client.Anonymised, &client.Version, &client.CreatedAt, &client.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan client: %w", err)
	}
	client.ID, err = id.ParseClientID(clientID)
	if err != nil {
		return nil, fmt.Errorf("parse client id: %w", err)
	}
	client.Name = crypto.SealedFromStorage(name)
	client.DOB = crypto.SealedFromStorage(dob)
	client.Contact = crypto.SealedFromStorage(contact)

	var programs []string
	if err := json.Unmarshal(programsRaw, &programs); err != nil {
		return nil, fmt.Errorf("unmarshal programs: %w", err)
	}
	for _, p := range programs {
		programID, err := id.ParseProgramID(p)
		if err != nil {
			return nil, fmt.Errorf("parse program id: %w", err)
		}
		client.Programs = append(client.Programs, programID)
	}
	var shared []string
	if err := json.Unmarshal(sharedRaw, &shared); err != nil {
		return nil, fmt.Errorf("unmarshal shared_with: %w", err)
	}
	for _, p := range shared {
		principalID, err := id.ParsePrincipalID(p)
		if err != nil {
			return nil, fmt.Errorf("parse principal id: %w", err)
		}
		client.SharedWith = append(client.SharedWith, principalID)
	}
	return &client, nil
}

func scanNote(row rowScanner) (*models.Note, error) {
	var (
		note               models.Note
		noteID, clientID   string
		authorID, bodyText string
	)
	err := row.Scan(&noteID, &clientID, &authorID, &bodyText, &note.Version, &note.CreatedAt, &note.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan note: %w", err)
	}
	if note.ID, err = id.ParseNoteID(noteID); err != nil {
		return nil, fmt.Errorf("parse note id: %w", err)
	}
	if note.ClientID, err = id.ParseClientID(clientID); err != nil {
		return nil, fmt.Errorf("parse client id: %w", err)
	}
	if note.AuthorID, err = id.ParsePrincipalID(authorID); err != nil {
		return nil, fmt.Errorf("parse author id: %w", err)
	}
	note.Body = crypto.SealedFromStorage(bodyText)
	return &note, nil
}

func scanPlan(row rowScanner) (*models.Plan, error) {
	var (
		plan                        models.Plan
		planID, clientID, narrative string
	)
	err := row.Scan(&planID, &clientID, &narrative, &plan.Version, &plan.CreatedAt, &plan.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	if plan.ID, err = id.ParsePlanID(planID); err != nil {
		return nil, fmt.Errorf("parse plan id: %w", err)
	}
	if plan.ClientID, err = id.ParseClientID(clientID); err != nil {
		return nil, fmt.Errorf("parse client id: %w", err)
	}
	plan.Narrative = crypto.SealedFromStorage(narrative)
	return &plan, nil
}

// requireOneRow maps a zero-row conditional write to sentinel.ErrStaleVersion.
func requireOneRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrStaleVersion
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func programStrings(programs []id.ProgramID) []string {
	out := make([]string, 0, len(programs))
	for _, p := range programs {
		out = append(out, p.String())
	}
	return out
}

func principalStrings(principals []id.PrincipalID) []string {
	out := make([]string, 0, len(principals))
	for _, p := range principals {
		out = append(out, p.String())
	}
	return out
}
