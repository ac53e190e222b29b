// Package program is the program catalogue store. The engine consults it only
// for the confidential flag; program CRUD is ordinary plumbing elsewhere.
package program

import (
	"context"

	"caseguard/internal/access/models"
	id "caseguard/pkg/domain"
)

type Store interface {
	// Find returns a program; sentinel.ErrNotFound when absent.
	Find(ctx context.Context, programID id.ProgramID) (*models.Program, error)
	// Save inserts or replaces a program definition.
	Save(ctx context.Context, program models.Program) error
}
