// Package selfcheck is the deploy gate: it proves the trust boundary's
// security properties hold in the running environment before traffic is
// admitted. A hard failure must abort the deployment.
package selfcheck

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"caseguard/internal/crypto"
)

// EnvelopeSource enumerates every stored protected-field envelope. The client
// store's rotation slice satisfies it.
type EnvelopeSource interface {
	ListEnvelopes(ctx context.Context) ([]crypto.EnvelopeRef, error)
}

// ImmutabilityProbe asserts the audit store structurally rejects mutation.
// audit.VerifyImmutable satisfies it when bound to the restricted pool.
type ImmutabilityProbe func(ctx context.Context, restrictedDB *sql.DB) error

// Result is the outcome of one named check.
type Result struct {
	Name     string
	Err      error
	Duration time.Duration
}

func (r Result) OK() bool { return r.Err == nil }

type Option func(*Checker)

// Checker runs the deploy-gate checks concurrently.
type Checker struct {
	keyring   *crypto.Keyring
	envelopes EnvelopeSource
	auditDB   *sql.DB
	probe     ImmutabilityProbe
	logger    *slog.Logger
	timeout   time.Duration
}

const defaultTimeout = 30 * time.Second

func New(keyring *crypto.Keyring, envelopes EnvelopeSource, logger *slog.Logger, opts ...Option) *Checker {
	if keyring == nil {
		panic("selfcheck requires a keyring")
	}
	if envelopes == nil {
		panic("selfcheck requires an envelope source")
	}
	c := &Checker{
		keyring:   keyring,
		envelopes: envelopes,
		logger:    logger,
		timeout:   defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithAuditProbe enables the audit immutability check against the restricted
// credential's pool. Without it the check is skipped, which is only
// acceptable for local memory-store runs.
func WithAuditProbe(restrictedDB *sql.DB, probe ImmutabilityProbe) Option {
	return func(c *Checker) {
		c.auditDB = restrictedDB
		c.probe = probe
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Checker) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// Run executes all checks concurrently and returns every result. The error is
// non-nil when any check failed.
func (c *Checker) Run(ctx context.Context) ([]Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	checks := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"key_material", c.checkKeyMaterial},
		{"envelope_integrity", c.checkEnvelopes},
		{"audit_immutability", c.checkAuditImmutable},
	}

	results := make([]Result, len(checks))
	g, ctx := errgroup.WithContext(ctx)
	for i, check := range checks {
		g.Go(func() error {
			start := time.Now()
			err := check.fn(ctx)
			results[i] = Result{Name: check.name, Err: err, Duration: time.Since(start)}
			if c.logger != nil {
				if err != nil {
					c.logger.ErrorContext(ctx, "self-check failed", "check", check.name, "error", err)
				} else {
					c.logger.InfoContext(ctx, "self-check passed", "check", check.name, "duration", time.Since(start))
				}
			}
			return err
		})
	}
	err := g.Wait()
	return results, err
}

// checkKeyMaterial proves the current key can seal and open a probe value.
func (c *Checker) checkKeyMaterial(_ context.Context) error {
	if c.keyring.CurrentID() == "" {
		return fmt.Errorf("keyring has no current key")
	}
	probe := fmt.Sprintf("selfcheck-%d", time.Now().UnixNano())
	sealed, err := c.keyring.Seal(probe)
	if err != nil {
		return fmt.Errorf("seal probe: %w", err)
	}
	opened, err := c.keyring.Open(sealed)
	if err != nil {
		return fmt.Errorf("open probe: %w", err)
	}
	if opened != probe {
		return fmt.Errorf("round-trip mismatch")
	}
	return nil
}

// checkEnvelopes scans every stored protected field and fails on anything
// that is not a well-formed envelope. A malformed value means plaintext
// leaked into a sealed column.
func (c *Checker) checkEnvelopes(ctx context.Context) error {
	refs, err := c.envelopes.ListEnvelopes(ctx)
	if err != nil {
		return fmt.Errorf("list envelopes: %w", err)
	}
	malformed := 0
	for _, ref := range refs {
		if !crypto.IsWellFormed(ref.Envelope) {
			malformed++
			if c.logger != nil {
				// Log the location, never the value.
				c.logger.ErrorContext(ctx, "malformed protected-field envelope",
					"record_id", ref.RecordID,
					"field", ref.Field,
				)
			}
		}
	}
	if malformed > 0 {
		return fmt.Errorf("%d protected field(s) are not sealed envelopes", malformed)
	}
	return nil
}

func (c *Checker) checkAuditImmutable(ctx context.Context) error {
	if c.probe == nil || c.auditDB == nil {
		if c.logger != nil {
			c.logger.WarnContext(ctx, "audit immutability check skipped: no restricted pool configured")
		}
		return nil
	}
	return c.probe(ctx, c.auditDB)
}
