package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/nicktill/tinyhelm/pkg/config"
	"github.com/nicktill/tinyhelm/pkg/panel"
	"github.com/nicktill/tinyhelm/pkg/storage"
	"github.com/nicktill/tinyhelm/pkg/stream"
)

const maxBackoff = 5 * time.Minute

// errorBackoff suppresses repeated error logs: after n consecutive errors
// the next one is logged only once 2^(n-1) seconds have passed, up to
// maxBackoff.
type errorBackoff struct {
	consecutive int
	lastLogged  time.Time
}

// fail records an error and reports whether it should be logged.
func (b *errorBackoff) fail(now time.Time) (log bool, backoff time.Duration) {
	b.consecutive++
	backoff = time.Duration(1<<uint(min(b.consecutive-1, 8))) * time.Second
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	if b.lastLogged.IsZero() || now.Sub(b.lastLogged) >= backoff {
		b.lastLogged = now
		return true, backoff
	}
	return false, backoff
}

// reset clears the counter and returns how many errors preceded it.
func (b *errorBackoff) reset() int {
	n := b.consecutive
	b.consecutive = 0
	b.lastLogged = time.Time{}
	return n
}

// WriteCheckpoints persists the latest reading of every quantity on the panel.
func WriteCheckpoints(ctx context.Context, p *panel.Panel, store storage.Storage) (int, error) {
	readings := p.Snapshot()
	if len(readings) == 0 {
		return 0, nil
	}

	cps := make([]storage.Checkpoint, len(readings))
	for i, r := range readings {
		cps[i] = storage.Checkpoint{
			Handle:    r.Handle.String(),
			Kind:      r.Kind,
			Quantity:  r.Quantity,
			Value:     r.Value,
			Timestamp: r.Timestamp,
		}
	}

	ctx, cancel := context.WithTimeout(ctx, config.StorageTimeout)
	defer cancel()
	if err := store.Write(ctx, cps); err != nil {
		return 0, err
	}
	return len(cps), nil
}

// PruneCheckpoints deletes checkpoints not refreshed since before cutoff,
// which belong to devices from earlier runs.
func PruneCheckpoints(ctx context.Context, store storage.Storage, cutoff time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, config.StorageTimeout)
	defer cancel()
	return store.Delete(ctx, storage.DeleteOptions{Before: cutoff})
}

// RunCheckpoints writes checkpoints every interval until ctx is done, with a
// final write on the way out. Stale checkpoints are pruned at startup and
// hourly.
func RunCheckpoints(ctx context.Context, p *panel.Panel, store storage.Storage, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	doPrune := func() {
		if err := PruneCheckpoints(ctx, store, time.Now().Add(-config.StaleCheckpointAge)); err != nil {
			logger.Warn("Failed to prune stale checkpoints", "error", err)
		}
	}
	doPrune()

	var backoff errorBackoff
	for {
		select {
		case <-ctx.Done():
			n, err := WriteCheckpoints(context.WithoutCancel(ctx), p, store)
			if err != nil {
				logger.Error("Final checkpoint failed", "error", err)
				return
			}
			logger.Info("Final checkpoint written", "checkpoints", n)
			return

		case <-prune.C:
			doPrune()

		case <-ticker.C:
			n, err := WriteCheckpoints(ctx, p, store)
			if err != nil {
				if log, wait := backoff.fail(time.Now()); log {
					logger.Warn("Failed to write checkpoints",
						"consecutive_errors", backoff.consecutive, "backoff", wait, "error", err)
				}
				continue
			}
			if prev := backoff.reset(); prev > 0 {
				logger.Info("Checkpoint writes recovered", "after_errors", prev)
			}
			logger.Debug("Checkpoints written", "checkpoints", n)
		}
	}
}

// BroadcastReadings pushes the panel snapshot to websocket clients every
// interval. Nothing is sent while no client is connected.
func BroadcastReadings(ctx context.Context, p *panel.Panel, hub *stream.Hub, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var backoff errorBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !hub.HasClients() {
				continue
			}
			readings := p.Snapshot()
			if len(readings) == 0 {
				continue
			}
			if err := hub.Broadcast("readings", readings); err != nil {
				if log, wait := backoff.fail(time.Now()); log {
					logger.Warn("Failed to broadcast readings", "backoff", wait, "error", err)
				}
				continue
			}
			backoff.reset()
		}
	}
}

type garbageCollector interface {
	RunGC(discardRatio float64) error
}

// RunBadgerGC runs value log garbage collection every interval to reclaim
// space from overwritten checkpoints. It returns immediately when store is
// not BadgerDB.
func RunBadgerGC(ctx context.Context, store storage.Storage, interval time.Duration, logger *slog.Logger) {
	gc, ok := store.(garbageCollector)
	if !ok {
		logger.Debug("Storage is not BadgerDB, skipping GC")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Info("BadgerDB GC scheduler started", "interval", interval)

	var backoff errorBackoff
	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping BadgerDB GC scheduler")
			return
		case <-ticker.C:
			start := time.Now()
			// Rewrite files that are at least half garbage
			err := gc.RunGC(0.5)
			switch {
			case err == nil:
				backoff.reset()
				logger.Info("BadgerDB GC reclaimed space", "took", time.Since(start).Round(time.Millisecond))
			case errors.Is(err, badgerdb.ErrNoRewrite):
				backoff.reset()
				logger.Debug("BadgerDB GC found nothing to rewrite")
			default:
				if log, wait := backoff.fail(time.Now()); log {
					logger.Warn("BadgerDB GC failed", "backoff", wait, "error", err)
				}
			}
		}
	}
}
