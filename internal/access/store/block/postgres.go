package block

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

// PostgresStore persists blocks in PostgreSQL. A partial unique index on
// (client_id, blocked_principal) and (client_id, blocked_program) makes
// creation atomic against concurrent reads.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, block models.ClientAccessBlock) error {
	if err := block.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO client_access_blocks (
			id, client_id, blocked_principal, blocked_program,
			created_by, created_at, reason_category
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING
		RETURNING id
	`
	var blockedPrincipal, blockedProgram *uuid.UUID
	if block.BlockedPrincipal != nil {
		u := uuid.UUID(*block.BlockedPrincipal)
		blockedPrincipal = &u
	}
	if block.BlockedProgram != nil {
		u := uuid.UUID(*block.BlockedProgram)
		blockedProgram = &u
	}

	var storedID uuid.UUID
	err := s.db.QueryRowContext(ctx, query,
		uuid.UUID(block.ID),
		uuid.UUID(block.ClientID),
		blockedPrincipal,
		blockedProgram,
		uuid.UUID(block.CreatedBy),
		block.CreatedAt,
		block.ReasonCategory,
	).Scan(&storedID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create access block: %w", err)
	}
	return nil
}

func (s *PostgresStore) Remove(ctx context.Context, blockID id.BlockID) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM client_access_blocks WHERE id = $1`, uuid.UUID(blockID))
	if err != nil {
		return fmt.Errorf("remove access block: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove access block: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByClient(ctx context.Context, clientID id.ClientID) ([]models.ClientAccessBlock, error) {
	query := `
		SELECT id, client_id, blocked_principal, blocked_program,
			   created_by, created_at, reason_category
		FROM client_access_blocks
		WHERE client_id = $1
		ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(clientID))
	if err != nil {
		return nil, fmt.Errorf("list access blocks: %w", err)
	}
	defer rows.Close()

	var blocks []models.ClientAccessBlock
	for rows.Next() {
		var (
			block                            models.ClientAccessBlock
			blockID, client, createdBy       uuid.UUID
			blockedPrincipal, blockedProgram *uuid.UUID
		)
		err := rows.Scan(&blockID, &client, &blockedPrincipal, &blockedProgram,
			&createdBy, &block.CreatedAt, &block.ReasonCategory)
		if err != nil {
			return nil, fmt.Errorf("scan access block: %w", err)
		}
		block.ID = id.BlockID(blockID)
		block.ClientID = id.ClientID(client)
		block.CreatedBy = id.PrincipalID(createdBy)
		if blockedPrincipal != nil {
			p := id.PrincipalID(*blockedPrincipal)
			block.BlockedPrincipal = &p
		}
		if blockedProgram != nil {
			p := id.ProgramID(*blockedProgram)
			block.BlockedProgram = &p
		}
		blocks = append(blocks, block)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate access blocks: %w", err)
	}
	return blocks, nil
}
