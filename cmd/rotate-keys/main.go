// rotate-keys re-seals every stored protected field under a new data key.
// The new key is promoted to current and the old one stays in the keyring as
// a retired, decrypt-only key until the operator removes it from config.
package main

import (
	"context"
	"os"
	"time"

	clientstore "caseguard/internal/client/store"
	"caseguard/internal/crypto"
	cryptometrics "caseguard/internal/crypto/metrics"
	"caseguard/internal/platform/config"
	"caseguard/internal/platform/database"
	"caseguard/internal/platform/logger"
)

func main() {
	log := logger.New()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Error("configuration invalid", "error", err)
		os.Exit(1)
	}
	if cfg.AppDBURL == "" {
		log.Error("CASEGUARD_DB_URL is required for rotation")
		os.Exit(1)
	}

	newKeySpec := os.Getenv("CASEGUARD_NEW_DATA_KEY")
	if newKeySpec == "" {
		log.Error("CASEGUARD_NEW_DATA_KEY is required")
		os.Exit(1)
	}

	keyring, err := crypto.LoadKeyring(cfg.DataKey, cfg.RetiredKeys)
	if err != nil {
		log.Error("key material unusable", "error", err)
		os.Exit(1)
	}
	newKey, err := crypto.ParseKey(newKeySpec)
	if err != nil {
		log.Error("new key unusable", "error", err)
		os.Exit(1)
	}
	if err := keyring.Promote(newKey); err != nil {
		log.Error("could not promote new key", "error", err)
		os.Exit(1)
	}

	dbCfg := database.DefaultConfig()
	dbCfg.URL = cfg.AppDBURL
	pool, err := database.New(dbCfg)
	if err != nil {
		log.Error("could not open application database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	rotator := crypto.NewRotator(keyring, clientstore.NewPostgres(pool.DB()), log,
		crypto.WithMetrics(cryptometrics.New()),
	)

	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()

	result, err := rotator.Rotate(ctx)
	if err != nil {
		log.Error("rotation aborted", "error", err,
			"resealed", result.Resealed,
			"stale", result.Stale,
		)
		os.Exit(1)
	}

	log.Info("rotation complete",
		"resealed", result.Resealed,
		"skipped", result.Skipped,
		"stale", result.Stale,
		"duration", result.Duration,
		"current_key", keyring.CurrentID(),
	)
	if result.Stale > 0 {
		log.Warn("some records changed mid-rotation, run again to pick them up", "stale", result.Stale)
	}
}
