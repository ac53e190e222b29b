//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"caseguard/internal/erasure/models"
	"caseguard/internal/erasure/store"
	"caseguard/internal/sentinel"
	id "caseguard/pkg/domain"
	"caseguard/pkg/testutil"
	"caseguard/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
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
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.postgres.TruncateModuleTables(context.Background())
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) TestRoundTrip() {
	ctx := context.Background()
	approvedAt := time.Now().UTC().Truncate(time.Millisecond)

	request := testutil.NewErasureRequestBuilder().
		WithTier(models.TierDelete).
		WithApprovers(testutil.TestIDs.PrincipalID1, testutil.TestIDs.PrincipalID2).
		ApprovedBy(testutil.TestIDs.PrincipalID1, approvedAt).
		Build()
	s.Require().NoError(s.store.Save(ctx, request))

	found, err := s.store.Find(ctx, request.ID)
	s.Require().NoError(err)
	s.Equal(request.ClientID, found.ClientID)
	s.Equal(models.TierDelete, found.Tier)
	s.Equal(models.StatePendingApproval, found.State)
	s.Equal(request.RequiredApprovers, found.RequiredApprovers)
	s.Require().Len(found.Approvals, 1)
	s.Equal(testutil.TestIDs.PrincipalID1, found.Approvals[0].ApproverID)
	s.WithinDuration(approvedAt, found.Approvals[0].ApprovedAt, time.Millisecond)
}

func (s *PostgresStoreSuite) TestFindNotFound() {
	_, err := s.store.Find(context.Background(), id.NewErasureID())
	s.ErrorIs(err, sentinel.ErrNotFound)
}

// TestConcurrentFinalApproval exercises the conditional write on the
// pending to approved edge: racing updates from the same version cannot
// both land.
func (s *PostgresStoreSuite) TestConcurrentFinalApproval() {
	ctx := context.Background()

	request := testutil.NewErasureRequestBuilder().Build()
	s.Require().NoError(s.store.Save(ctx, request))

	const goroutines = 10
	result := testutil.RunConcurrent(goroutines, func(idx int) error {
		copied := *request
		copied.State = models.StateApproved
		copied.UpdatedAt = time.Now().UTC()
		return s.store.Update(ctx, &copied)
	})

	s.Equal(int32(1), result.Successes)
	s.Equal(int32(goroutines-1), result.Errors)

	found, err := s.store.Find(ctx, request.ID)
	s.Require().NoError(err)
	s.Equal(models.StateApproved, found.State)
	s.Equal(int64(2), found.Version)
}

func (s *PostgresStoreSuite) TestUpdateStaleVersion() {
	ctx := context.Background()

	request := testutil.NewErasureRequestBuilder().Build()
	s.Require().NoError(s.store.Save(ctx, request))

	stale := *request
	stale.Version = 99
	err := s.store.Update(ctx, &stale)
	s.ErrorIs(err, sentinel.ErrStaleVersion)
}

func (s *PostgresStoreSuite) TestListByClient() {
	ctx := context.Background()

	first := testutil.NewErasureRequestBuilder().WithClientID(testutil.TestIDs.ClientID1).Build()
	first.CreatedAt = time.Now().UTC().Add(-time.Hour)
	second := testutil.NewErasureRequestBuilder().WithClientID(testutil.TestIDs.ClientID1).Build()
	other := testutil.NewErasureRequestBuilder().WithClientID(testutil.TestIDs.ClientID2).Build()

	for _, r := range []*models.Request{first, second, other} {
		s.Require().NoError(s.store.Save(ctx, r))
	}

	listed, err := s.store.ListByClient(ctx, testutil.TestIDs.ClientID1)
	s.Require().NoError(err)
	s.Require().Len(listed, 2)
	// newest first
	s.Equal(second.ID, listed[0].ID)
	s.Equal(first.ID, listed[1].ID)
}

func (s *PostgresStoreSuite) TestListInState() {
	ctx := context.Background()

	pending := testutil.NewErasureRequestBuilder().Build()
	rejected := testutil.NewErasureRequestBuilder().
		WithClientID(testutil.TestIDs.ClientID2).
		WithState(models.StateRejected).
		Build()

	s.Require().NoError(s.store.Save(ctx, pending))
	s.Require().NoError(s.store.Save(ctx, rejected))

	listed, err := s.store.ListInState(ctx, models.StatePendingApproval)
	s.Require().NoError(err)
	s.Require().Len(listed, 1)
	s.Equal(pending.ID, listed[0].ID)
}
