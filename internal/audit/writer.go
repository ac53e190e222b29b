package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"caseguard/internal/audit/metrics"
	dErrors "caseguard/pkg/domain-errors"
)

// Exporter fans completed entries out to an external compliance sink.
// Export failures never fail the recorded action; the store is the source of truth.
type Exporter interface {
	Export(ctx context.Context, entry Entry) error
}

// Writer is the single entry point for recording and querying the audit trail.
//
// Record is fail-closed: a state-changing action whose audit write fails must
// itself fail, because audit completeness is a compliance requirement, not a
// log line. Read paths use RecordBestEffort, which degrades to a surfaced
// operational warning.
type Writer struct {
	store    Store
	exporter Exporter
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// WriterOption configures the Writer.
type WriterOption func(*Writer)

// WithExporter attaches an external sink (e.g. the Kafka compliance topic).
func WithExporter(e Exporter) WriterOption {
	return func(w *Writer) { w.exporter = e }
}

// WithMetrics sets the metrics collector for the writer.
func WithMetrics(m *metrics.Metrics) WriterOption {
	return func(w *Writer) { w.metrics = m }
}

// WithClock injects time for deterministic tests.
func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

// NewWriter creates a Writer. Panics if the store is nil - running without an
// audit store is not a degraded mode, it is a misconfiguration.
func NewWriter(store Store, logger *slog.Logger, opts ...WriterOption) *Writer {
	if store == nil {
		panic("audit.NewWriter: store is required")
	}
	w := &Writer{store: store, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Record persists an entry, failing the surrounding action on error.
func (w *Writer) Record(ctx context.Context, entry Entry) error {
	entry = w.stamp(entry)
	if err := w.store.Append(ctx, entry); err != nil {
		if w.metrics != nil {
			w.metrics.WriteFailures.WithLabelValues("record").Inc()
		}
		if w.logger != nil {
			w.logger.ErrorContext(ctx, "audit write failed, failing action",
				"action", entry.Action,
				"resource_type", entry.ResourceType,
				"resource_id", entry.ResourceID,
				"error", err,
			)
		}
		return dErrors.Wrap(err, dErrors.CodeAuditFailed, "audit trail write failed")
	}
	w.afterAppend(ctx, entry)
	return nil
}

// RecordBestEffort persists an entry for a read-only action. Failure is
// surfaced as an operational warning instead of blocking the read.
func (w *Writer) RecordBestEffort(ctx context.Context, entry Entry) {
	entry = w.stamp(entry)
	if err := w.store.Append(ctx, entry); err != nil {
		if w.metrics != nil {
			w.metrics.WriteFailures.WithLabelValues("best_effort").Inc()
		}
		if w.logger != nil {
			w.logger.WarnContext(ctx, "best-effort audit write failed",
				"action", entry.Action,
				"resource_type", entry.ResourceType,
				"error", err,
			)
		}
		return
	}
	w.afterAppend(ctx, entry)
}

// Query returns entries matching the filter, intersected with the viewer's
// program scope. The scope is computed by the access engine; administrators
// and executives see everything, everyone else only entries for resources in
// their own programs. The scope rides into the store query itself, so
// Filter.Limit counts entries the viewer can actually see.
func (w *Writer) Query(ctx context.Context, filter Filter, viewer Viewer) ([]Entry, error) {
	if !viewer.SeesAll {
		if len(viewer.Programs) == 0 {
			return nil, nil
		}
		filter.ScopePrograms = viewer.Programs
	}
	entries, err := w.store.List(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "audit query failed")
	}
	return entries, nil
}

func (w *Writer) stamp(entry Entry) Entry {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = w.now()
	}
	return entry
}

func (w *Writer) afterAppend(ctx context.Context, entry Entry) {
	if w.metrics != nil {
		w.metrics.EntriesWritten.WithLabelValues(entry.Action, string(entry.Outcome)).Inc()
	}
	if w.exporter == nil {
		return
	}
	if err := w.exporter.Export(ctx, entry); err != nil {
		if w.metrics != nil {
			w.metrics.ExportFailures.Inc()
		}
		if w.logger != nil {
			w.logger.WarnContext(ctx, "audit export failed", "action", entry.Action, "error", err)
		}
	}
}
