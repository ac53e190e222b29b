package program

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"caseguard/internal/access/models"
	"caseguard/internal/sentinel"
	id "caseguard/pkg/domain"
)

// PostgresStore persists programs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Find(ctx context.Context, programID id.ProgramID) (*models.Program, error) {
	var (
		p    models.Program
		pgID uuid.UUID
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, confidential FROM programs WHERE id = $1`,
		uuid.UUID(programID),
	).Scan(&pgID, &p.Name, &p.Confidential)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find program: %w", err)
	}
	p.ID = id.ProgramID(pgID)
	return &p, nil
}

func (s *PostgresStore) Save(ctx context.Context, program models.Program) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO programs (id, name, confidential)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, confidential = EXCLUDED.confidential
	`, uuid.UUID(program.ID), program.Name, program.Confidential)
	if err != nil {
		return fmt.Errorf("save program: %w", err)
	}
	return nil
}
