// Package export publishes completed audit entries to a Kafka compliance topic
// so downstream SIEM tooling sees the same trail the audit store holds.
// The store remains the source of truth; export is strictly best-effort.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"caseguard/internal/audit"
	"caseguard/pkg/platform/circuit"
)

// probeTimeout bounds produce attempts while the circuit is open so a broker
// outage cannot stall callers for the full delivery timeout.
const probeTimeout = 2 * time.Second

// Config holds Kafka producer configuration.
type Config struct {
	Brokers         string
	Topic           string
	DeliveryTimeout time.Duration
}

// KafkaExporter implements audit.Exporter over a franz-go client. A circuit
// breaker tracks consecutive delivery failures; while open, attempts run
// under a short probe timeout until the broker recovers.
type KafkaExporter struct {
	client  *kgo.Client
	topic   string
	breaker *circuit.Breaker
	logger  *slog.Logger
	mu      sync.RWMutex
	closed  bool
}

// NewKafka creates a Kafka-backed exporter. Returns nil when no brokers are
// configured so callers can wire it unconditionally.
func NewKafka(cfg Config, logger *slog.Logger) (*KafkaExporter, error) {
	if cfg.Brokers == "" {
		return nil, nil
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka audit topic not configured")
	}

	timeout := cfg.DeliveryTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(strings.Split(cfg.Brokers, ",")...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProduceRequestTimeout(timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &KafkaExporter{
		client:  client,
		topic:   cfg.Topic,
		breaker: circuit.New("audit_export"),
		logger:  logger,
	}, nil
}

// exportedEntry is the wire shape. Mirrors audit.Entry; still content-free.
type exportedEntry struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	PrincipalID  string            `json:"principal_id"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Outcome      string            `json:"outcome"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Demo         bool              `json:"demo,omitempty"`
}

// Export publishes one entry, keyed by resource ID so per-resource ordering holds.
func (e *KafkaExporter) Export(ctx context.Context, entry audit.Entry) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return fmt.Errorf("exporter closed")
	}

	value, err := json.Marshal(exportedEntry{
		ID:           entry.ID.String(),
		Timestamp:    entry.Timestamp,
		PrincipalID:  entry.PrincipalID.String(),
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Outcome:      string(entry.Outcome),
		Metadata:     entry.Metadata,
		Demo:         entry.Demo,
	})
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	record := &kgo.Record{
		Topic: e.topic,
		Key:   []byte(entry.ResourceID),
		Value: value,
	}

	if e.breaker.IsOpen() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, probeTimeout)
		defer cancel()
	}

	if err := e.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		if e.breaker.RecordFailure() {
			e.logger.Error("audit export circuit opened",
				"circuit", e.breaker.Name(),
				"error", err,
			)
		}
		return fmt.Errorf("produce audit entry: %w", err)
	}

	if e.breaker.RecordSuccess() {
		e.logger.Info("audit export circuit closed", "circuit", e.breaker.Name())
	}
	return nil
}

// Close flushes and releases the Kafka client.
func (e *KafkaExporter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.client.Close()
}
