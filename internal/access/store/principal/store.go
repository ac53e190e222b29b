// Package principal is the staff directory store. Principals are deactivated,
// never deleted, so audit attribution survives departures.
package principal

import (
	"context"

	"caseguard/internal/access/models"
	id "caseguard/pkg/domain"
)

type Store interface {
	// Save inserts a principal; sentinel.ErrConflict when the ID exists.
	Save(ctx context.Context, p *models.Principal) error
	// FindByID returns a principal; sentinel.ErrNotFound when absent.
	FindByID(ctx context.Context, principalID id.PrincipalID) (*models.Principal, error)
	// ListByProgram returns active principals with membership in the program.
	ListByProgram(ctx context.Context, programID id.ProgramID) ([]*models.Principal, error)
	// Deactivate marks a principal inactive; sentinel.ErrNotFound when absent.
	Deactivate(ctx context.Context, principalID id.PrincipalID) error
}
