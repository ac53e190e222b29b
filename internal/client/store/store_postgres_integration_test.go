//go:build integration

package store_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/suite"

	"caseguard/internal/client/models"
	"caseguard/internal/client/store"
	"caseguard/internal/crypto"
	"caseguard/internal/sentinel"
	id "caseguard/pkg/domain"
	"caseguard/pkg/testutil"
	"caseguard/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
	keyring  *crypto.Keyring
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
	s.keyring = testutil.Keyring(s.T())
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.postgres.TruncateModuleTables(context.Background())
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) saveClient(ctx context.Context, client *models.Client) {
	s.Require().NoError(s.store.SaveClient(ctx, client))
}

func (s *PostgresStoreSuite) TestClientRoundTrip() {
	ctx := context.Background()

	client := testutil.NewClientBuilder().
		WithName("Rosa Mendel").
		SharedWith(testutil.TestIDs.PrincipalID2).
		Build(s.T(), s.keyring)
	s.saveClient(ctx, client)

	found, err := s.store.FindClient(ctx, client.ID)
	s.Require().NoError(err)
	s.Equal(client.ID, found.ID)
	s.Equal(client.Programs, found.Programs)
	s.Equal(client.SharedWith, found.SharedWith)
	s.Equal(int64(1), found.Version)

	name, err := s.keyring.Open(found.Name)
	s.Require().NoError(err)
	s.Equal("Rosa Mendel", name)
}

func (s *PostgresStoreSuite) TestSaveClientDuplicateConflicts() {
	ctx := context.Background()

	client := testutil.NewClientBuilder().Build(s.T(), s.keyring)
	s.saveClient(ctx, client)

	err := s.store.SaveClient(ctx, client)
	s.ErrorIs(err, sentinel.ErrConflict)
}

func (s *PostgresStoreSuite) TestFindClientNotFound() {
	_, err := s.store.FindClient(context.Background(), id.NewClientID())
	s.ErrorIs(err, sentinel.ErrNotFound)
}

// TestNoPlaintextAtRest reads the raw sealed columns and asserts the
// plaintext never reaches the database.
func (s *PostgresStoreSuite) TestNoPlaintextAtRest() {
	ctx := context.Background()

	client := testutil.NewClientBuilder().
		WithName("Greta Holm").
		WithContact("greta@example.org").
		Build(s.T(), s.keyring)
	s.saveClient(ctx, client)

	var nameSealed, contactSealed string
	err := s.postgres.QueryRow(ctx,
		`SELECT name_sealed, contact_sealed FROM clients WHERE id = $1`,
		client.ID.String()).Scan(&nameSealed, &contactSealed)
	s.Require().NoError(err)

	s.NotContains(nameSealed, "Greta")
	s.NotContains(contactSealed, "greta@example.org")
	s.True(crypto.IsWellFormed(nameSealed))
	s.True(crypto.IsWellFormed(contactSealed))
}

// TestConcurrentUpdateSingleWinner verifies the version column makes client
// updates a conditional write: of N racers holding the same version, exactly
// one lands.
func (s *PostgresStoreSuite) TestConcurrentUpdateSingleWinner() {
	ctx := context.Background()

	client := testutil.NewClientBuilder().Build(s.T(), s.keyring)
	s.saveClient(ctx, client)

	const goroutines = 20
	result := testutil.RunConcurrent(goroutines, func(idx int) error {
		copied := *client
		copied.Contact = testutil.Seal(s.T(), s.keyring, "updated@example.org")
		return s.store.UpdateClient(ctx, &copied)
	})

	s.Equal(int32(1), result.Successes)
	s.Equal(int32(goroutines-1), result.Errors)

	found, err := s.store.FindClient(ctx, client.ID)
	s.Require().NoError(err)
	s.Equal(int64(2), found.Version)
}

func (s *PostgresStoreSuite) TestListClientsByProgram() {
	ctx := context.Background()

	inProgram := testutil.NewClientBuilder().WithPrograms(testutil.TestIDs.ProgramID1).Build(s.T(), s.keyring)
	outside := testutil.NewClientBuilder().WithPrograms(testutil.TestIDs.ProgramID2).Build(s.T(), s.keyring)
	s.saveClient(ctx, inProgram)
	s.saveClient(ctx, outside)

	listed, err := s.store.ListClientsByProgram(ctx, testutil.TestIDs.ProgramID1)
	s.Require().NoError(err)
	s.Require().Len(listed, 1)
	s.Equal(inProgram.ID, listed[0].ID)
}

func (s *PostgresStoreSuite) TestNotesAndPlansRoundTrip() {
	ctx := context.Background()

	client := testutil.NewClientBuilder().Build(s.T(), s.keyring)
	s.saveClient(ctx, client)

	note := &models.Note{
		ID:        id.NewNoteID(),
		ClientID:  client.ID,
		AuthorID:  testutil.TestIDs.PrincipalID1,
		Body:      testutil.Seal(s.T(), s.keyring, "intake completed"),
		Version:   1,
		CreatedAt: client.CreatedAt,
		UpdatedAt: client.CreatedAt,
	}
	s.Require().NoError(s.store.SaveNote(ctx, note))

	plan := &models.Plan{
		ID:        id.NewPlanID(),
		ClientID:  client.ID,
		Narrative: testutil.Seal(s.T(), s.keyring, "weekly check-ins"),
		Version:   1,
		CreatedAt: client.CreatedAt,
		UpdatedAt: client.CreatedAt,
	}
	s.Require().NoError(s.store.SavePlan(ctx, plan))

	notes, err := s.store.ListNotesByClient(ctx, client.ID)
	s.Require().NoError(err)
	s.Require().Len(notes, 1)
	body, err := s.keyring.Open(notes[0].Body)
	s.Require().NoError(err)
	s.Equal("intake completed", body)

	plans, err := s.store.ListPlansByClient(ctx, client.ID)
	s.Require().NoError(err)
	s.Require().Len(plans, 1)
	s.Equal(plan.ID, plans[0].ID)

	plan.Narrative = testutil.Seal(s.T(), s.keyring, "fortnightly check-ins")
	s.Require().NoError(s.store.UpdatePlan(ctx, plan))
	s.Equal(int64(2), plan.Version)

	updated, err := s.store.FindPlan(ctx, plan.ID)
	s.Require().NoError(err)
	narrative, err := s.keyring.Open(updated.Narrative)
	s.Require().NoError(err)
	s.Equal("fortnightly check-ins", narrative)

	// A stale version loses the conditional write.
	stale := *updated
	stale.Version = 1
	s.Require().ErrorIs(s.store.UpdatePlan(ctx, &stale), sentinel.ErrStaleVersion)
}

func (s *PostgresStoreSuite) TestAnonymiseClient() {
	ctx := context.Background()

	client := testutil.NewClientBuilder().WithName("Original Name").Build(s.T(), s.keyring)
	s.saveClient(ctx, client)

	note := &models.Note{
		ID:        id.NewNoteID(),
		ClientID:  client.ID,
		AuthorID:  testutil.TestIDs.PrincipalID1,
		Body:      testutil.Seal(s.T(), s.keyring, "sensitive detail"),
		Version:   1,
		CreatedAt: client.CreatedAt,
		UpdatedAt: client.CreatedAt,
	}
	s.Require().NoError(s.store.SaveNote(ctx, note))

	placeholders := store.Placeholders{
		Name:      testutil.Seal(s.T(), s.keyring, "Former Client"),
		DOB:       testutil.Seal(s.T(), s.keyring, ""),
		Contact:   testutil.Seal(s.T(), s.keyring, ""),
		Body:      testutil.Seal(s.T(), s.keyring, "[removed]"),
		Narrative: testutil.Seal(s.T(), s.keyring, "[removed]"),
	}
	counts, err := s.store.AnonymiseClient(ctx, client.ID, placeholders)
	s.Require().NoError(err)
	s.Equal(1, counts.Clients)
	s.Equal(1, counts.Notes)

	found, err := s.store.FindClient(ctx, client.ID)
	s.Require().NoError(err)
	s.True(found.Anonymised)
	name, err := s.keyring.Open(found.Name)
	s.Require().NoError(err)
	s.Equal("Former Client", name)
}

func (s *PostgresStoreSuite) TestPurgeClinical() {
	ctx := context.Background()

	client := testutil.NewClientBuilder().Build(s.T(), s.keyring)
	s.saveClient(ctx, client)

	note := &models.Note{
		ID:        id.NewNoteID(),
		ClientID:  client.ID,
		AuthorID:  testutil.TestIDs.PrincipalID1,
		Body:      testutil.Seal(s.T(), s.keyring, "to purge"),
		Version:   1,
		CreatedAt: client.CreatedAt,
		UpdatedAt: client.CreatedAt,
	}
	s.Require().NoError(s.store.SaveNote(ctx, note))

	counts, err := s.store.PurgeClinical(ctx, client.ID)
	s.Require().NoError(err)
	s.Equal(1, counts.Notes)

	// Identity record survives the purge tier.
	_, err = s.store.FindClient(ctx, client.ID)
	s.NoError(err)

	notes, err := s.store.ListNotesByClient(ctx, client.ID)
	s.Require().NoError(err)
	s.Empty(notes)
}

func (s *PostgresStoreSuite) TestPurgeClinicalUnknownClient() {
	_, err := s.store.PurgeClinical(context.Background(), id.NewClientID())
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestDeleteCascade() {
	ctx := context.Background()

	client := testutil.NewClientBuilder().Build(s.T(), s.keyring)
	s.saveClient(ctx, client)

	counts, err := s.store.DeleteCascade(ctx, client.ID)
	s.Require().NoError(err)
	s.Equal(1, counts.Clients)

	_, err = s.store.FindClient(ctx, client.ID)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestEnvelopeRotation() {
	ctx := context.Background()

	client := testutil.NewClientBuilder().WithName("Rosa Mendel").Build(s.T(), s.keyring)
	s.saveClient(ctx, client)

	refs, err := s.store.ListEnvelopes(ctx)
	s.Require().NoError(err)
	// name, dob and contact envelopes for one client
	s.Require().Len(refs, 3)

	// One pass migrates the whole record to the new key.
	rotated := testutil.RotatedKeyring(s.T())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	result, err := crypto.NewRotator(rotated, s.store, logger).Rotate(ctx)
	s.Require().NoError(err)
	s.Equal(1, result.Resealed)
	s.Equal(0, result.Stale)

	found, err := s.store.FindClient(ctx, client.ID)
	s.Require().NoError(err)
	s.Equal(client.Version+1, found.Version)
	for _, sealed := range []crypto.Sealed{found.Name, found.DOB, found.Contact} {
		s.Equal(rotated.CurrentID(), sealed.KeyID())
	}
	opened, err := rotated.Open(found.Name)
	s.Require().NoError(err)
	s.Equal("Rosa Mendel", opened)

	// A second pass over unchanged data is a no-op.
	again, err := crypto.NewRotator(rotated, s.store, logger).Rotate(ctx)
	s.Require().NoError(err)
	s.Equal(0, again.Resealed)
	s.Equal(1, again.Skipped)

	// Refs read before the migration lost the version race.
	err = s.store.ReplaceEnvelopes(ctx, refs[0].RecordID, refs[0].Version,
		map[string]string{refs[0].Field: refs[0].Envelope})
	s.ErrorIs(err, sentinel.ErrStaleVersion)
}
