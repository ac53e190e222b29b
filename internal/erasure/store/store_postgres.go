package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"caseguard/internal/erasure/models"
	"caseguard/internal/sentinel"
	id "caseguard/pkg/domain"
)

const pgUniqueViolation = "23505"

// PostgresStore persists erasure requests. Approver and approval sets are
// jsonb; the version column carries the compare-and-set token.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, request *models.Request) error {
	approvers, approvals, err := marshalSets(request)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO erasure_requests
			(id, client_id, tier, reason, requested_by, state, required_approvers, approvals,
			 rejected_by, cancelled_by, execute_after, executed_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		request.ID.String(), request.ClientID.String(), string(request.Tier), request.Reason,
		request.RequestedBy.String(), string(request.State), approvers, approvals,
		principalOrNil(request.RejectedBy), principalOrNil(request.CancelledBy),
		request.ExecuteAfter, request.ExecutedAt, request.Version, request.CreatedAt, request.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert erasure request: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, request *models.Request) error {
	approvers, approvals, err := marshalSets(request)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE erasure_requests
		SET state = $1, required_approvers = $2, approvals = $3, rejected_by = $4,
		    cancelled_by = $5, execute_after = $6, executed_at = $7,
		    version = version + 1, updated_at = $8
		WHERE id = $9 AND version = $10`,
		string(request.State), approvers, approvals,
		principalOrNil(request.RejectedBy), principalOrNil(request.CancelledBy),
		request.ExecuteAfter, request.ExecutedAt, request.UpdatedAt,
		request.ID.String(), request.Version,
	)
	if err != nil {
		return fmt.Errorf("update erasure request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrStaleVersion
	}
	request.Version++
	return nil
}

func (s *PostgresStore) Find(ctx context.Context, erasureID id.ErasureID) (*models.Request, error) {
	row := s.db.QueryRowContext(ctx, selectRequest+` WHERE id = $1`, erasureID.String())
	return scanRequest(row)
}

func (s *PostgresStore) ListByClient(ctx context.Context, clientID id.ClientID) ([]*models.Request, error) {
	return s.list(ctx, selectRequest+` WHERE client_id = $1 ORDER BY created_at DESC`, clientID.String())
}

func (s *PostgresStore) ListInState(ctx context.Context, state models.State) ([]*models.Request, error) {
	return s.list(ctx, selectRequest+` WHERE state = $1 ORDER BY created_at`, string(state))
}

const selectRequest = `
	SELECT id, client_id, tier, reason, requested_by, state, required_approvers, approvals,
	       rejected_by, cancelled_by, execute_after, executed_at, version, created_at, updated_at
	FROM erasure_requests`

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*models.Request, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list erasure requests: %w", err)
	}
	defer rows.Close()

	var out []*models.Request
	for rows.Next() {
		request, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, request)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.Request, error) {
	var (
		request                  models.Request
		requestID, clientID      string
		tier, state, requestedBy string
		approversRaw             []byte
		approvalsRaw             []byte
		rejectedBy, cancelledBy  sql.NullString
		executeAfter, executedAt sql.NullTime
	)
	err := row.Scan(&requestID, &clientID, &tier, &request.Reason, &requestedBy, &state,
		&approversRaw, &approvalsRaw, &rejectedBy, &cancelledBy,
		&executeAfter, &executedAt, &request.Version, &request.CreatedAt, &request.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan erasure request: %w", err)
	}
	if request.ID, err = id.ParseErasureID(requestID); err != nil {
		return nil, fmt.Errorf("parse erasure id: %w", err)
	}
	if request.ClientID, err = id.ParseClientID(clientID); err != nil {
		return nil, fmt.Errorf("parse client id: %w", err)
	}
	if request.RequestedBy, err = id.ParsePrincipalID(requestedBy); err != nil {
		return nil, fmt.Errorf("parse requested_by: %w", err)
	}
	request.Tier = models.Tier(tier)
	request.State = models.State(state)

	var approvers []string
	if err := json.Unmarshal(approversRaw, &approvers); err != nil {
		return nil, fmt.Errorf("unmarshal required_approvers: %w", err)
	}
	for _, a := range approvers {
		principalID, err := id.ParsePrincipalID(a)
		if err != nil {
			return nil, fmt.Errorf("parse approver id: %w", err)
		}
		request.RequiredApprovers = append(request.RequiredApprovers, principalID)
	}
	if err := json.Unmarshal(approvalsRaw, &request.Approvals); err != nil {
		return nil, fmt.Errorf("unmarshal approvals: %w", err)
	}
	if rejectedBy.Valid {
		principalID, err := id.ParsePrincipalID(rejectedBy.String)
		if err != nil {
			return nil, fmt.Errorf("parse rejected_by: %w", err)
		}
		request.RejectedBy = &principalID
	}
	if cancelledBy.Valid {
		principalID, err := id.ParsePrincipalID(cancelledBy.String)
		if err != nil {
			return nil, fmt.Errorf("parse cancelled_by: %w", err)
		}
		request.CancelledBy = &principalID
	}
	if executeAfter.Valid {
		t := executeAfter.Time
		request.ExecuteAfter = &t
	}
	if executedAt.Valid {
		t := executedAt.Time
		request.ExecutedAt = &t
	}
	return &request, nil
}

func marshalSets(request *models.Request) ([]byte, []byte, error) {
	approverIDs := make([]string, 0, len(request.RequiredApprovers))
	for _, a := range request.RequiredApprovers {
		approverIDs = append(approverIDs, a.String())
	}
	approvers, err := json.Marshal(approverIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal required_approvers: %w", err)
	}
	approvals := request.Approvals
	if approvals == nil {
		approvals = []models.Approval{}
	}
	approvalsRaw, err := json.Marshal(approvals)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal approvals: %w", err)
	}
	return approvers, approvalsRaw, nil
}

func principalOrNil(principalID *id.PrincipalID) any {
	if principalID == nil {
		return nil
	}
	return principalID.String()
}
