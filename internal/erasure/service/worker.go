package service

import (
	"context"
	"log/slog"
	"time"
)

const defaultDrainInterval = time.Minute

// Worker drains the deferral schedule in the background. One worker per
// process is enough; concurrent drains are safe but wasteful.
type Worker struct {
	svc      *Service
	logger   *slog.Logger
	interval time.Duration
}

func NewWorker(svc *Service, logger *slog.Logger, interval time.Duration) *Worker {
	if svc == nil {
		panic("erasure worker requires the erasure service")
	}
	if interval <= 0 {
		interval = defaultDrainInterval
	}
	return &Worker{svc: svc, logger: logger, interval: interval}
}

// Run blocks until the context is cancelled, draining due deletions on every
// tick.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			executed, err := w.svc.ExecuteDue(ctx)
			if err != nil {
				if w.logger != nil {
					w.logger.ErrorContext(ctx, "deferred erasure drain failed", "error", err)
				}
				continue
			}
			if executed > 0 && w.logger != nil {
				w.logger.InfoContext(ctx, "deferred erasures executed", "count", executed)
			}
		}
	}
}
