//go:build integration

package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"caseguard/internal/audit"
	id "caseguard/pkg/domain"
	"caseguard/pkg/testutil"
	"caseguard/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *audit.PostgresStore
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
	s.store = audit.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.postgres.TruncateModuleTables(context.Background())
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) entry(action string, at time.Time) audit.Entry {
	return audit.Entry{
		ID:           uuid.New(),
		Timestamp:    at,
		PrincipalID:  testutil.TestIDs.PrincipalID1,
		Action:       action,
		ResourceType: "client",
		ResourceID:   testutil.TestIDs.ClientID1.String(),
		Outcome:      audit.OutcomeAllowed,
		Programs:     []id.ProgramID{testutil.TestIDs.ProgramID1},
		Metadata:     map[string]string{"request_id": "it-test"},
	}
}

func (s *PostgresStoreSuite) TestAppendAndList() {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	viewed := s.entry("client.view", now.Add(-time.Minute))
	edited := s.entry("client.edit", now)
	s.Require().NoError(s.store.Append(ctx, viewed))
	s.Require().NoError(s.store.Append(ctx, edited))

	entries, err := s.store.List(ctx, audit.Filter{})
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	// newest first
	s.Equal("client.edit", entries[0].Action)
	s.Equal("client.view", entries[1].Action)
	s.Equal(testutil.TestIDs.PrincipalID1, entries[0].PrincipalID)
	s.Equal([]id.ProgramID{testutil.TestIDs.ProgramID1}, entries[0].Programs)
	s.Equal("it-test", entries[0].Metadata["request_id"])
}

func (s *PostgresStoreSuite) TestAppendIsIdempotentPerID() {
	ctx := context.Background()

	entry := s.entry("client.view", time.Now().UTC())
	s.Require().NoError(s.store.Append(ctx, entry))
	s.Require().NoError(s.store.Append(ctx, entry))

	entries, err := s.store.List(ctx, audit.Filter{})
	s.Require().NoError(err)
	s.Len(entries, 1)
}

func (s *PostgresStoreSuite) TestListFilters() {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	old := s.entry("client.view", now.Add(-2*time.Hour))
	recent := s.entry("client.edit", now)
	other := s.entry("note.create", now)
	other.PrincipalID = testutil.TestIDs.PrincipalID2
	for _, e := range []audit.Entry{old, recent, other} {
		s.Require().NoError(s.store.Append(ctx, e))
	}

	byAction, err := s.store.List(ctx, audit.Filter{Action: "client.edit"})
	s.Require().NoError(err)
	s.Require().Len(byAction, 1)
	s.Equal(recent.ID, byAction[0].ID)

	principalID := testutil.TestIDs.PrincipalID2
	byPrincipal, err := s.store.List(ctx, audit.Filter{PrincipalID: &principalID})
	s.Require().NoError(err)
	s.Require().Len(byPrincipal, 1)
	s.Equal("note.create", byPrincipal[0].Action)

	since, err := s.store.List(ctx, audit.Filter{Since: now.Add(-time.Hour)})
	s.Require().NoError(err)
	s.Len(since, 2)

	limited, err := s.store.List(ctx, audit.Filter{Limit: 1})
	s.Require().NoError(err)
	s.Len(limited, 1)

	scoped, err := s.store.List(ctx, audit.Filter{
		ScopePrograms: []id.ProgramID{testutil.TestIDs.ProgramID1, testutil.TestIDs.ProgramID2},
	})
	s.Require().NoError(err)
	s.Len(scoped, 3)

	noScope, err := s.store.List(ctx, audit.Filter{
		ScopePrograms: []id.ProgramID{testutil.TestIDs.ProgramID2},
	})
	s.Require().NoError(err)
	s.Empty(noScope)
}

// TestLockdownMakesEntriesImmutable applies the INSERT-only grant set to a
// restricted role and verifies mutations are structurally rejected.
func (s *PostgresStoreSuite) TestLockdownMakesEntriesImmutable() {
	ctx := context.Background()

	s.postgres.CreateRole(ctx, s.T(), "caseguard_audit_it", "audit_it_password")
	s.Require().NoError(audit.Lockdown(ctx, s.postgres.DB, "caseguard_audit_it"))

	restricted := s.postgres.OpenAs(s.T(), "caseguard_audit_it", "audit_it_password")
	defer restricted.Close()

	s.Require().NoError(audit.VerifyImmutable(ctx, restricted))

	// The restricted credential can still append and read.
	restrictedStore := audit.NewPostgres(restricted)
	entry := s.entry("client.view", time.Now().UTC())
	s.NoError(restrictedStore.Append(ctx, entry))

	entries, err := restrictedStore.List(ctx, audit.Filter{})
	s.Require().NoError(err)
	s.Len(entries, 1)
}
