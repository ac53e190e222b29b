// Package config builds process configuration from the environment so main stays lean.
//
// Key material is fail-closed: a process with no usable data key must not start,
// because every protected field read/write depends on it.
package config

import (
	"os"
	"strings"
	"time"

	dErrors "caseguard/pkg/domain-errors"
	strutil "caseguard/pkg/platform/strings"
)

// Server captures process-level configuration.
type Server struct {
	Addr string

	// DataKey is the current sealing key in "keyID:base64" form.
	DataKey string
	// RetiredKeys are previously-valid keys, decrypt-only, in "keyID:base64" form.
	RetiredKeys []string

	// AppDBURL is the read/write application store credential.
	AppDBURL string
	// AuditDBURL is the insert-only audit store credential. Must be a distinct
	// database role from the application store.
	AuditDBURL string

	RedisURL     string
	KafkaBrokers string
	AuditTopic   string

	JWTSigningKey string

	// ErasureDeferWindow is the delay between approval and execution of the
	// delete tier, during which any required approver may cancel.
	ErasureDeferWindow time.Duration
}

const defaultErasureDefer = 72 * time.Hour

// FromEnv builds a Server config from environment variables.
// Returns CodeConfiguration when mandatory secrets are absent - the caller is
// expected to treat that as fatal, never to substitute a default key.
func FromEnv() (Server, error) {
	cfg := Server{
		Addr:               envOr("CASEGUARD_ADDR", ":8080"),
		DataKey:            os.Getenv("CASEGUARD_DATA_KEY"),
		AppDBURL:           os.Getenv("CASEGUARD_DB_URL"),
		AuditDBURL:         os.Getenv("CASEGUARD_AUDIT_DB_URL"),
		RedisURL:           os.Getenv("CASEGUARD_REDIS_URL"),
		KafkaBrokers:       os.Getenv("CASEGUARD_KAFKA_BROKERS"),
		AuditTopic:         envOr("CASEGUARD_AUDIT_TOPIC", "caseguard.audit"),
		JWTSigningKey:      os.Getenv("CASEGUARD_JWT_SIGNING_KEY"),
		ErasureDeferWindow: defaultErasureDefer,
	}

	if retired := os.Getenv("CASEGUARD_RETIRED_KEYS"); retired != "" {
		cfg.RetiredKeys = strutil.DedupeAndTrim(strings.Split(retired, ","))
	}

	if deferStr := os.Getenv("CASEGUARD_ERASURE_DEFER"); deferStr != "" {
		d, err := time.ParseDuration(deferStr)
		if err != nil {
			return Server{}, dErrors.Wrap(err, dErrors.CodeConfiguration, "invalid CASEGUARD_ERASURE_DEFER")
		}
		cfg.ErasureDeferWindow = d
	}

	if cfg.DataKey == "" {
		return Server{}, dErrors.New(dErrors.CodeConfiguration, "CASEGUARD_DATA_KEY is required")
	}
	if cfg.JWTSigningKey == "" {
		return Server{}, dErrors.New(dErrors.CodeConfiguration, "CASEGUARD_JWT_SIGNING_KEY is required")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
