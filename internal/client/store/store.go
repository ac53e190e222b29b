// Package store persists client records, notes and plans. Updates are
// conditional writes against the record version; callers retry on
// sentinel.ErrStaleVersion. The store also exposes the envelope slice the
// key rotator works over and the bulk operations the erasure tiers execute.
package store

import (
	"context"

	"caseguard/internal/client/models"
	"caseguard/internal/crypto"
	id "caseguard/pkg/domain"
)

// Placeholders carries the pre-sealed replacement values an anonymise pass
// writes over protected fields. They are sealed once by the caller so the
// store never touches key material.
type Placeholders struct {
	Name      crypto.Sealed
	DOB       crypto.Sealed
	Contact   crypto.Sealed
	Body      crypto.Sealed
	Narrative crypto.Sealed
}

type Store interface {
	// SaveClient inserts; sentinel.ErrConflict when the ID exists.
	SaveClient(ctx context.Context, client *models.Client) error
	// UpdateClient is a compare-and-set on Version; sentinel.ErrStaleVersion
	// when the stored version moved. The stored version is bumped on success.
	UpdateClient(ctx context.Context, client *models.Client) error
	FindClient(ctx context.Context, clientID id.ClientID) (*models.Client, error)
	ListClientsByProgram(ctx context.Context, programID id.ProgramID) ([]*models.Client, error)

	SaveNote(ctx context.Context, note *models.Note) error
	UpdateNote(ctx context.Context, note *models.Note) error
	FindNote(ctx context.Context, noteID id.NoteID) (*models.Note, error)
	ListNotesByClient(ctx context.Context, clientID id.ClientID) ([]*models.Note, error)

	SavePlan(ctx context.Context, plan *models.Plan) error
	UpdatePlan(ctx context.Context, plan *models.Plan) error
	FindPlan(ctx context.Context, planID id.PlanID) (*models.Plan, error)
	ListPlansByClient(ctx context.Context, clientID id.ClientID) ([]*models.Plan, error)

	// Rotation slice, see crypto.RotationStore.
	ListEnvelopes(ctx context.Context) ([]crypto.EnvelopeRef, error)
	ReplaceEnvelopes(ctx context.Context, recordID string, version int64, sealed map[string]string) error

	// Erasure tiers. Each returns the record counts it touched.
	AnonymiseClient(ctx context.Context, clientID id.ClientID, placeholders Placeholders) (models.ErasureCounts, error)
	PurgeClinical(ctx context.Context, clientID id.ClientID) (models.ErasureCounts, error)
	DeleteCascade(ctx context.Context, clientID id.ClientID) (models.ErasureCounts, error)
}
