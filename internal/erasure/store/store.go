// Package store persists erasure requests. Update is a compare-and-set on
// the request version; the service relies on that for approval counting.
package store

import (
	"context"

	"caseguard/internal/erasure/models"
	id "caseguard/pkg/domain"
)

type Store interface {
	// Save inserts; sentinel.ErrConflict when the ID exists.
	Save(ctx context.Context, request *models.Request) error
	// Update is conditional on Version; sentinel.ErrStaleVersion when the
	// stored version moved. The stored version is bumped on success.
	Update(ctx context.Context, request *models.Request) error
	Find(ctx context.Context, erasureID id.ErasureID) (*models.Request, error)
	// ListByClient returns every request for the client, newest first.
	ListByClient(ctx context.Context, clientID id.ClientID) ([]*models.Request, error)
	// ListInState returns requests currently in the given state.
	ListInState(ctx context.Context, state models.State) ([]*models.Request, error)
}
