// Package block persists ClientAccessBlock records. Creation is an atomic
// conditional insert so a block racing an in-flight read is either fully
// visible or not yet created, never half-applied.
package block

import (
	"context"

	"caseguard/internal/access/models"
	id "caseguard/pkg/domain"
)

type Store interface {
	// Create inserts a block; sentinel.ErrConflict when an identical target
	// is already blocked for the client.
	Create(ctx context.Context, block models.ClientAccessBlock) error
	// Remove deletes a block by ID; sentinel.ErrNotFound when absent.
	Remove(ctx context.Context, blockID id.BlockID) error
	// ListByClient returns every block for the client.
	ListByClient(ctx context.Context, clientID id.ClientID) ([]models.ClientAccessBlock, error)
}
