// audit-lockdown applies the INSERT-only grant set to the audit role and
// verifies, with the restricted credential, that mutations are structurally
// rejected. Run it with an administrative credential after every migration of
// the audit schema.
package main

import (
	"context"
	"os"
	"time"

	"caseguard/internal/audit"
	"caseguard/internal/platform/database"
	"caseguard/internal/platform/logger"
)

func main() {
	log := logger.New()

	adminURL := os.Getenv("CASEGUARD_AUDIT_ADMIN_DB_URL")
	restrictedURL := os.Getenv("CASEGUARD_AUDIT_DB_URL")
	auditRole := os.Getenv("CASEGUARD_AUDIT_ROLE")
	if adminURL == "" || restrictedURL == "" || auditRole == "" {
		log.Error("CASEGUARD_AUDIT_ADMIN_DB_URL, CASEGUARD_AUDIT_DB_URL and CASEGUARD_AUDIT_ROLE are required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	adminCfg := database.DefaultConfig()
	adminCfg.URL = adminURL
	adminPool, err := database.New(adminCfg)
	if err != nil {
		log.Error("could not open admin connection", "error", err)
		os.Exit(1)
	}
	defer adminPool.Close()

	if err := audit.Lockdown(ctx, adminPool.DB(), auditRole); err != nil {
		log.Error("lockdown failed", "error", err)
		os.Exit(1)
	}
	log.Info("lockdown applied", "role", auditRole)

	restrictedCfg := database.DefaultConfig()
	restrictedCfg.URL = restrictedURL
	restrictedPool, err := database.New(restrictedCfg)
	if err != nil {
		log.Error("could not open restricted connection", "error", err)
		os.Exit(1)
	}
	defer restrictedPool.Close()

	if err := audit.VerifyImmutable(ctx, restrictedPool.DB()); err != nil {
		log.Error("immutability probe failed", "error", err)
		os.Exit(1)
	}
	log.Info("audit store verified append-only")
}
