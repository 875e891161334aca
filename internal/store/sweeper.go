package store

import (
	"context"
	"log/slog"
	"time"
)

// RunSweeper deletes blacklist rows whose tokens have expired, once per
// interval, until ctx is done. onPurge (optional) receives the number of rows
// removed by each successful pass.
func RunSweeper(ctx context.Context, s Store, interval time.Duration, log *slog.Logger, onPurge func(int64)) {
	if interval <= 0 {
		log.Info("revocation.sweeper.disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("revocation.sweeper.start", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			log.Info("revocation.sweeper.stop")
			return
		case <-ticker.C:
			SweepOnce(ctx, s, time.Now(), log, onPurge)
		}
	}
}

// SweepOnce runs a single purge pass. Errors are logged and otherwise ignored.
func SweepOnce(ctx context.Context, s Store, now time.Time, log *slog.Logger, onPurge func(int64)) {
	n, err := s.PurgeRevokedTokens(ctx, now)
	if err != nil {
		log.Error("revocation.sweep.fail", "err", err)
		return
	}
	if n > 0 {
		log.Info("revocation.sweep", "purged", n)
	}
	if onPurge != nil {
		onPurge(n)
	}
}
