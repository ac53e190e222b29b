package crypto

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"caseguard/internal/crypto/metrics"
	"caseguard/internal/sentinel"
	dErrors "caseguard/pkg/domain-errors"
)

// EnvelopeRef identifies one stored protected-field envelope for rotation.
// Version carries the record's optimistic concurrency token so a re-seal
// racing a concurrent edit loses cleanly instead of clobbering it.
type EnvelopeRef struct {
	RecordID string
	Field    string
	Envelope string
	Version  int64
}

// RotationStore is the slice of a store the rotator needs: enumerate every
// envelope and conditionally replace a record's envelopes. Implementations
// must make ReplaceEnvelopes a single conditional write (version
// compare-and-set covering every field in sealed) so a crash or a lost race
// leaves each record either fully old or fully new, never mixed.
type RotationStore interface {
	ListEnvelopes(ctx context.Context) ([]EnvelopeRef, error)
	ReplaceEnvelopes(ctx context.Context, recordID string, version int64, sealed map[string]string) error
}

// rotateWorkers bounds concurrent re-seals so rotation cannot saturate the pool.
const rotateWorkers = 4

// Rotator re-seals stored envelopes under the keyring's current key.
type Rotator struct {
	keyring *Keyring
	store   RotationStore
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRotator creates a rotator. Panics on nil dependencies - rotation is an
// operator action and misconfiguration should fail before any record is touched.
func NewRotator(kr *Keyring, store RotationStore, logger *slog.Logger, opts ...RotatorOption) *Rotator {
	if kr == nil {
		panic("crypto.NewRotator: keyring is required")
	}
	if store == nil {
		panic("crypto.NewRotator: rotation store is required")
	}
	r := &Rotator{keyring: kr, store: store, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RotatorOption configures the Rotator.
type RotatorOption func(*Rotator)

// WithMetrics sets the metrics collector for rotation.
func WithMetrics(m *metrics.Metrics) RotatorOption {
	return func(r *Rotator) { r.metrics = m }
}

// Result summarizes one rotation pass. Counts are per record: a client with
// three sealed fields re-sealed together is one Resealed.
type Result struct {
	Resealed int
	Skipped  int
	Stale    int
	Duration time.Duration
}

// recordEnvelopes is every sealed field of one record, bound to the version
// the fields were read at.
type recordEnvelopes struct {
	id      string
	version int64
	fields  []EnvelopeRef
}

// Rotate walks every stored record and re-seals the fields not already under
// the current key, all of a record's fields in one conditional write. Records
// fully on the current key are skipped, which makes a repeated run over
// unchanged data a no-op. Records whose version moved under us are counted as
// stale and left for the next pass; any other failure aborts the rotation so
// the operator sees it rather than a silently partial migration.
func (r *Rotator) Rotate(ctx context.Context) (Result, error) {
	start := time.Now()
	currentID := r.keyring.CurrentID()

	refs, err := r.store.ListEnvelopes(ctx)
	if err != nil {
		return Result{}, dErrors.Wrap(err, dErrors.CodeInternal, "could not enumerate envelopes")
	}
	records := groupByRecord(refs)

	var result Result
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rotateWorkers)

	resealed := make(chan struct{}, len(records))
	skipped := make(chan struct{}, len(records))
	stale := make(chan struct{}, len(records))

	for _, record := range records {
		g.Go(func() error {
			replacements := make(map[string]string, len(record.fields))
			for _, ref := range record.fields {
				sealed := SealedFromStorage(ref.Envelope)
				if sealed.KeyID() == currentID {
					continue
				}
				plaintext, err := r.keyring.Open(sealed)
				if err != nil {
					return dErrors.Wrap(err, dErrors.CodeDecryptFailed,
						"record "+ref.RecordID+" field "+ref.Field+" cannot be opened under any ring key")
				}
				newSealed, err := r.keyring.Seal(plaintext)
				if err != nil {
					return err
				}
				replacements[ref.Field] = newSealed.Envelope()
			}
			if len(replacements) == 0 {
				skipped <- struct{}{}
				return nil
			}

			if err := r.store.ReplaceEnvelopes(gctx, record.id, record.version, replacements); err != nil {
				if errors.Is(err, sentinel.ErrStaleVersion) {
					stale <- struct{}{}
					return nil
				}
				return dErrors.Wrap(err, dErrors.CodeInternal, "could not replace envelopes for record "+record.id)
			}
			resealed <- struct{}{}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	result.Resealed = len(resealed)
	result.Skipped = len(skipped)
	result.Stale = len(stale)
	result.Duration = time.Since(start)

	if r.metrics != nil {
		r.metrics.ObserveRotation(result.Resealed, result.Duration)
	}
	if r.logger != nil {
		r.logger.Info("key rotation pass complete",
			"current_key_id", currentID,
			"resealed", result.Resealed,
			"skipped", result.Skipped,
			"stale", result.Stale,
			"duration", result.Duration,
		)
	}
	return result, nil
}

// groupByRecord collects the per-field refs back into whole records so every
// record migrates in one conditional write.
func groupByRecord(refs []EnvelopeRef) []recordEnvelopes {
	index := make(map[string]int, len(refs))
	var records []recordEnvelopes
	for _, ref := range refs {
		i, ok := index[ref.RecordID]
		if !ok {
			i = len(records)
			index[ref.RecordID] = i
			records = append(records, recordEnvelopes{id: ref.RecordID, version: ref.Version})
		}
		records[i].fields = append(records[i].fields, ref)
	}
	return records
}
