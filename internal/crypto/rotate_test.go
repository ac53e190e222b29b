package crypto

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseguard/internal/sentinel"
)

// fakeRotationStore is an in-memory RotationStore with per-record version
// checking, mirroring the client store's conditional-write semantics.
type fakeRotationStore struct {
	mu       sync.Mutex
	records  map[string]*fakeRecord
	staleIDs map[string]bool
}

type fakeRecord struct {
	version   int64
	envelopes map[string]string
}

func newFakeRotationStore() *fakeRotationStore {
	return &fakeRotationStore{records: map[string]*fakeRecord{}, staleIDs: map[string]bool{}}
}

func (s *fakeRotationStore) put(recordID, field, envelope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[recordID]
	if !ok {
		record = &fakeRecord{version: 1, envelopes: map[string]string{}}
		s.records[recordID] = record
	}
	record.envelopes[field] = envelope
}

func (s *fakeRotationStore) ListEnvelopes(_ context.Context) ([]EnvelopeRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var refs []EnvelopeRef
	for recordID, record := range s.records {
		for field, envelope := range record.envelopes {
			refs = append(refs, EnvelopeRef{
				RecordID: recordID,
				Field:    field,
				Envelope: envelope,
				Version:  record.version,
			})
		}
	}
	return refs, nil
}

func (s *fakeRotationStore) ReplaceEnvelopes(_ context.Context, recordID string, version int64, sealed map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staleIDs[recordID] {
		return sentinel.ErrStaleVersion
	}
	record, ok := s.records[recordID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if record.version != version {
		return sentinel.ErrStaleVersion
	}
	for field, envelope := range sealed {
		record.envelopes[field] = envelope
	}
	record.version++
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRotatePreservesReadabilityUnderNewKey(t *testing.T) {
	oldMaterial := testKeyMaterial(t, "k1")
	oldRing, err := LoadKeyring(oldMaterial, nil)
	require.NoError(t, err)

	store := newFakeRotationStore()
	plaintexts := map[string]string{"r1": "Jane Doe", "r2": "1987-04-12", "r3": "case note"}
	for id, p := range plaintexts {
		sealed, err := oldRing.Seal(p)
		require.NoError(t, err)
		store.put(id, "name", sealed.Envelope())
	}

	kr, err := LoadKeyring(testKeyMaterial(t, "k2"), []string{oldMaterial})
	require.NoError(t, err)

	result, err := NewRotator(kr, store, discardLogger()).Rotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Resealed)
	assert.Equal(t, 0, result.Skipped)

	refs, err := store.ListEnvelopes(context.Background())
	require.NoError(t, err)
	for _, ref := range refs {
		sealed := SealedFromStorage(ref.Envelope)
		assert.Equal(t, "k2", sealed.KeyID())
		opened, err := kr.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, plaintexts[ref.RecordID], opened)
	}
}

func TestRotateMigratesMultiFieldRecordInOnePass(t *testing.T) {
	oldMaterial := testKeyMaterial(t, "k1")
	oldRing, err := LoadKeyring(oldMaterial, nil)
	require.NoError(t, err)

	// One client-shaped record: three sealed fields sharing one version.
	store := newFakeRotationStore()
	fields := map[string]string{"name": "Rosa Mendel", "date_of_birth": "1987-04-12", "contact": "rosa@example.org"}
	for field, p := range fields {
		sealed, err := oldRing.Seal(p)
		require.NoError(t, err)
		store.put("c1", field, sealed.Envelope())
	}

	kr, err := LoadKeyring(testKeyMaterial(t, "k2"), []string{oldMaterial})
	require.NoError(t, err)
	rotator := NewRotator(kr, store, discardLogger())

	first, err := rotator.Rotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Resealed, "the record migrates whole, not field by field")
	assert.Equal(t, 0, first.Stale)

	refs, err := store.ListEnvelopes(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 3)
	for _, ref := range refs {
		sealed := SealedFromStorage(ref.Envelope)
		assert.Equal(t, "k2", sealed.KeyID())
		opened, err := kr.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, fields[ref.Field], opened)
	}

	second, err := rotator.Rotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Resealed)
	assert.Equal(t, 1, second.Skipped)
}

func TestRotateIsIdempotent(t *testing.T) {
	oldMaterial := testKeyMaterial(t, "k1")
	oldRing, err := LoadKeyring(oldMaterial, nil)
	require.NoError(t, err)

	store := newFakeRotationStore()
	sealed, err := oldRing.Seal("value")
	require.NoError(t, err)
	store.put("r1", "name", sealed.Envelope())

	kr, err := LoadKeyring(testKeyMaterial(t, "k2"), []string{oldMaterial})
	require.NoError(t, err)
	rotator := NewRotator(kr, store, discardLogger())

	first, err := rotator.Rotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Resealed)

	// Second pass with nothing changed re-seals zero records.
	second, err := rotator.Rotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Resealed)
	assert.Equal(t, 1, second.Skipped)

	refs, err := store.ListEnvelopes(context.Background())
	require.NoError(t, err)
	opened, err := kr.Open(SealedFromStorage(refs[0].Envelope))
	require.NoError(t, err)
	assert.Equal(t, "value", opened)
}

func TestRotateLeavesStaleRecordsForNextPass(t *testing.T) {
	oldMaterial := testKeyMaterial(t, "k1")
	oldRing, err := LoadKeyring(oldMaterial, nil)
	require.NoError(t, err)

	store := newFakeRotationStore()
	for _, id := range []string{"r1", "r2"} {
		sealed, err := oldRing.Seal("value " + id)
		require.NoError(t, err)
		store.put(id, "name", sealed.Envelope())
	}
	store.staleIDs["r2"] = true // concurrent edit wins on r2

	kr, err := LoadKeyring(testKeyMaterial(t, "k2"), []string{oldMaterial})
	require.NoError(t, err)

	result, err := NewRotator(kr, store, discardLogger()).Rotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Resealed)
	assert.Equal(t, 1, result.Stale)
}

func TestRotateFailsWhenEnvelopeUnreadable(t *testing.T) {
	// Envelope sealed under a key the ring does not carry: rotation must abort
	// loudly, not drop the record.
	strangerRing := testKeyring(t, "k0")
	sealed, err := strangerRing.Seal("orphaned")
	require.NoError(t, err)

	store := newFakeRotationStore()
	store.put("r1", "name", sealed.Envelope())

	kr := testKeyring(t, "k2")
	_, err = NewRotator(kr, store, discardLogger()).Rotate(context.Background())
	require.Error(t, err)
}
