package testutil

import (
	"bytes"
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/uuid"

	accmodels "caseguard/internal/access/models"
	clientmodels "caseguard/internal/client/models"
	"caseguard/internal/crypto"
	erasuremodels "caseguard/internal/erasure/models"
	id "caseguard/pkg/domain"
)

// TestIDs provides convenient pre-generated IDs for tests.
// Use these for deterministic test data.
var TestIDs = struct {
	PrincipalID1 id.PrincipalID
	PrincipalID2 id.PrincipalID
	ProgramID1   id.ProgramID
	ProgramID2   id.ProgramID
	ClientID1    id.ClientID
	ClientID2    id.ClientID
}{
	PrincipalID1: id.PrincipalID(uuid.MustParse("11111111-1111-1111-1111-111111111111")),
	PrincipalID2: id.PrincipalID(uuid.MustParse("22222222-2222-2222-2222-222222222222")),
	ProgramID1:   id.ProgramID(uuid.MustParse("aaaa0000-0000-0000-0000-000000000001")),
	ProgramID2:   id.ProgramID(uuid.MustParse("aaaa0000-0000-0000-0000-000000000002")),
	ClientID1:    id.ClientID(uuid.MustParse("cccc0000-0000-0000-0000-000000000001")),
	ClientID2:    id.ClientID(uuid.MustParse("cccc0000-0000-0000-0000-000000000002")),
}

// Keyring builds a single-key keyring with a fixed test key.
// Fails the test if construction fails.
func Keyring(t testing.TB) *crypto.Keyring {
	t.Helper()
	material := base64.StdEncoding.EncodeToString(make([]byte, 32))
	kr, err := crypto.LoadKeyring("test-key:"+material, nil)
	if err != nil {
		t.Fatalf("Keyring: %v", err)
	}
	return kr
}

// RotatedKeyring returns a keyring with a fresh current key and the Keyring
// test key retired, for exercising re-seal migrations.
func RotatedKeyring(t testing.TB) *crypto.Keyring {
	t.Helper()
	old := base64.StdEncoding.EncodeToString(make([]byte, 32))
	material := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x5a}, 32))
	kr, err := crypto.LoadKeyring("rotated-key:"+material, []string{"test-key:" + old})
	if err != nil {
		t.Fatalf("RotatedKeyring: %v", err)
	}
	return kr
}

// Seal envelopes a plaintext with the given keyring. Fails the test on error.
func Seal(t testing.TB, kr *crypto.Keyring, plaintext string) crypto.Sealed {
	t.Helper()
	sealed, err := kr.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return sealed
}

// PrincipalBuilder provides a fluent interface for building test principals.
type PrincipalBuilder struct {
	principal *accmodels.Principal
}

// NewPrincipalBuilder creates a new PrincipalBuilder with sensible defaults:
// an active direct-service staffer in ProgramID1.
func NewPrincipalBuilder() *PrincipalBuilder {
	return &PrincipalBuilder{
		principal: &accmodels.Principal{
			ID:          id.NewPrincipalID(),
			DisplayName: "Test Staffer",
			Role:        accmodels.RoleDirectService,
			Programs:    map[id.ProgramID]accmodels.SubRole{TestIDs.ProgramID1: accmodels.SubRoleStaff},
			Active:      true,
			SecretHash:  "$2a$10$testhash.not.a.real.credential.padding00000000000000",
			CreatedAt:   time.Now().UTC(),
		},
	}
}

func (b *PrincipalBuilder) WithID(principalID id.PrincipalID) *PrincipalBuilder {
	b.principal.ID = principalID
	return b
}

func (b *PrincipalBuilder) WithName(name string) *PrincipalBuilder {
	b.principal.DisplayName = name
	return b
}

func (b *PrincipalBuilder) WithRole(role accmodels.Role) *PrincipalBuilder {
	b.principal.Role = role
	return b
}

func (b *PrincipalBuilder) WithPrograms(programs map[id.ProgramID]accmodels.SubRole) *PrincipalBuilder {
	b.principal.Programs = programs
	return b
}

func (b *PrincipalBuilder) WithMembership(programID id.ProgramID, sub accmodels.SubRole) *PrincipalBuilder {
	if b.principal.Programs == nil {
		b.principal.Programs = map[id.ProgramID]accmodels.SubRole{}
	}
	b.principal.Programs[programID] = sub
	return b
}

func (b *PrincipalBuilder) Demo(demo bool) *PrincipalBuilder {
	b.principal.Demo = demo
	return b
}

func (b *PrincipalBuilder) Deactivated() *PrincipalBuilder {
	b.principal.Active = false
	return b
}

func (b *PrincipalBuilder) Build() *accmodels.Principal {
	return b.principal
}

// ClientBuilder provides a fluent interface for building test clients.
// Protected fields are held as plaintext until Build seals them.
type ClientBuilder struct {
	clientID   id.ClientID
	name       string
	dob        string
	contact    string
	programs   []id.ProgramID
	sharedWith []id.PrincipalID
	demo       bool
}

// NewClientBuilder creates a new ClientBuilder with sensible defaults.
func NewClientBuilder() *ClientBuilder {
	return &ClientBuilder{
		clientID: id.NewClientID(),
		name:     "Avery Quinn",
		dob:      "1987-04-12",
		contact:  "avery@example.org",
		programs: []id.ProgramID{TestIDs.ProgramID1},
	}
}

func (b *ClientBuilder) WithID(clientID id.ClientID) *ClientBuilder {
	b.clientID = clientID
	return b
}

func (b *ClientBuilder) WithName(name string) *ClientBuilder {
	b.name = name
	return b
}

func (b *ClientBuilder) WithDOB(dob string) *ClientBuilder {
	b.dob = dob
	return b
}

func (b *ClientBuilder) WithContact(contact string) *ClientBuilder {
	b.contact = contact
	return b
}

func (b *ClientBuilder) WithPrograms(programs ...id.ProgramID) *ClientBuilder {
	b.programs = programs
	return b
}

func (b *ClientBuilder) SharedWith(principals ...id.PrincipalID) *ClientBuilder {
	b.sharedWith = principals
	return b
}

func (b *ClientBuilder) Demo(demo bool) *ClientBuilder {
	b.demo = demo
	return b
}

// Build seals the protected fields and returns the client.
func (b *ClientBuilder) Build(t testing.TB, kr *crypto.Keyring) *clientmodels.Client {
	t.Helper()
	now := time.Now().UTC()
	return &clientmodels.Client{
		ID:         b.clientID,
		Name:       Seal(t, kr, b.name),
		DOB:        Seal(t, kr, b.dob),
		Contact:    Seal(t, kr, b.contact),
		Programs:   b.programs,
		SharedWith: b.sharedWith,
		Demo:       b.demo,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// ErasureRequestBuilder provides a fluent interface for building test
// erasure requests.
type ErasureRequestBuilder struct {
	request *erasuremodels.Request
}

// NewErasureRequestBuilder creates a pending anonymise request with one
// required approver.
func NewErasureRequestBuilder() *ErasureRequestBuilder {
	now := time.Now().UTC()
	return &ErasureRequestBuilder{
		request: &erasuremodels.Request{
			ID:                id.NewErasureID(),
			ClientID:          TestIDs.ClientID1,
			Tier:              erasuremodels.TierAnonymise,
			Reason:            "client_request",
			RequestedBy:       TestIDs.PrincipalID1,
			State:             erasuremodels.StatePendingApproval,
			RequiredApprovers: []id.PrincipalID{TestIDs.PrincipalID2},
			Version:           1,
			CreatedAt:         now,
			UpdatedAt:         now,
		},
	}
}

func (b *ErasureRequestBuilder) WithID(erasureID id.ErasureID) *ErasureRequestBuilder {
	b.request.ID = erasureID
	return b
}

func (b *ErasureRequestBuilder) WithClientID(clientID id.ClientID) *ErasureRequestBuilder {
	b.request.ClientID = clientID
	return b
}

func (b *ErasureRequestBuilder) WithTier(tier erasuremodels.Tier) *ErasureRequestBuilder {
	b.request.Tier = tier
	return b
}

func (b *ErasureRequestBuilder) RequestedBy(principalID id.PrincipalID) *ErasureRequestBuilder {
	b.request.RequestedBy = principalID
	return b
}

func (b *ErasureRequestBuilder) WithState(state erasuremodels.State) *ErasureRequestBuilder {
	b.request.State = state
	return b
}

func (b *ErasureRequestBuilder) WithApprovers(approvers ...id.PrincipalID) *ErasureRequestBuilder {
	b.request.RequiredApprovers = approvers
	return b
}

func (b *ErasureRequestBuilder) ApprovedBy(principalID id.PrincipalID, at time.Time) *ErasureRequestBuilder {
	b.request.Approvals = append(b.request.Approvals, erasuremodels.Approval{
		ApproverID: principalID,
		ApprovedAt: at,
	})
	return b
}

func (b *ErasureRequestBuilder) Build() *erasuremodels.Request {
	return b.request
}

// Quick helper functions for simple test cases

// NewTestPrincipal creates an active principal with the given role and
// program memberships.
func NewTestPrincipal(role accmodels.Role, programs ...id.ProgramID) *accmodels.Principal {
	b := NewPrincipalBuilder().WithRole(role).WithPrograms(map[id.ProgramID]accmodels.SubRole{})
	for _, p := range programs {
		b.WithMembership(p, accmodels.SubRoleStaff)
	}
	return b.Build()
}

// NewTestBlock creates a principal-targeted access block for the client.
func NewTestBlock(clientID id.ClientID, blocked id.PrincipalID, createdBy id.PrincipalID) accmodels.ClientAccessBlock {
	return accmodels.ClientAccessBlock{
		ID:               id.NewBlockID(),
		ClientID:         clientID,
		BlockedPrincipal: &blocked,
		CreatedBy:        createdBy,
		CreatedAt:        time.Now().UTC(),
		ReasonCategory:   "conflict_of_interest",
	}
}
