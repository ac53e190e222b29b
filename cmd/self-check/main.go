// self-check is the deploy gate. It proves key material round-trips, stored
// envelopes are well formed and the audit store rejects mutation, then exits
// non-zero if anything failed so the pipeline blocks the rollout.
package main

import (
	"context"
	"os"

	"caseguard/internal/audit"
	clientstore "caseguard/internal/client/store"
	"caseguard/internal/crypto"
	"caseguard/internal/platform/config"
	"caseguard/internal/platform/database"
	"caseguard/internal/platform/logger"
	"caseguard/internal/selfcheck"
)

func main() {
	log := logger.New()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Error("configuration invalid", "error", err)
		os.Exit(1)
	}
	if cfg.AppDBURL == "" {
		log.Error("CASEGUARD_DB_URL is required for self-check")
		os.Exit(1)
	}

	keyring, err := crypto.LoadKeyring(cfg.DataKey, cfg.RetiredKeys)
	if err != nil {
		log.Error("key material unusable", "error", err)
		os.Exit(1)
	}

	appCfg := database.DefaultConfig()
	appCfg.URL = cfg.AppDBURL
	appPool, err := database.New(appCfg)
	if err != nil {
		log.Error("could not open application database", "error", err)
		os.Exit(1)
	}
	defer appPool.Close()

	opts := []selfcheck.Option{}
	if cfg.AuditDBURL != "" {
		auditCfg := database.DefaultConfig()
		auditCfg.URL = cfg.AuditDBURL
		auditPool, err := database.New(auditCfg)
		if err != nil {
			log.Error("could not open audit database", "error", err)
			os.Exit(1)
		}
		defer auditPool.Close()
		opts = append(opts, selfcheck.WithAuditProbe(auditPool.DB(), audit.VerifyImmutable))
	}

	checker := selfcheck.New(keyring, clientstore.NewPostgres(appPool.DB()), log, opts...)

	results, err := checker.Run(context.Background())
	for _, result := range results {
		if result.OK() {
			log.Info("check passed", "check", result.Name, "duration", result.Duration)
		} else {
			log.Error("check failed", "check", result.Name, "error", result.Err, "duration", result.Duration)
		}
	}
	if err != nil {
		log.Error("self-check failed, deployment must not proceed")
		os.Exit(1)
	}
	log.Info("all checks passed")
}
