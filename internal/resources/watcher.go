package resources

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/daybook/internal/cache"
)

// Pinger checks gateway reachability. Implemented by gateway.Client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Refresher refreshes cached collections. Implemented by Collections.
type Refresher interface {
	Refresh(ctx context.Context, trigger cache.Trigger) error
}

// Watcher polls the gateway and refreshes the caches when it comes back
// after being unreachable.
type Watcher struct {
	pinger    Pinger
	refresher Refresher
	poll      time.Duration
	logger    *slog.Logger

	online bool
}

// NewWatcher creates a Watcher. If pollInterval is <= 0, it defaults to 15s.
func NewWatcher(pinger Pinger, refresher Refresher, pollInterval time.Duration) *Watcher {
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	return &Watcher{
		pinger:    pinger,
		refresher: refresher,
		poll:      pollInterval,
		logger:    slog.Default(),
		online:    true,
	}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		w.RunOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce pings the gateway once. It returns true when a reconnect refresh
// was triggered.
func (w *Watcher) RunOnce(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, w.poll)
	err := w.pinger.Ping(pingCtx)
	cancel()

	if err != nil {
		if w.online {
			w.logger.Warn("gateway unreachable", "error", err)
		}
		w.online = false
		return false
	}
	if w.online {
		return false
	}

	w.online = true
	w.logger.Info("gateway reachable again, refreshing caches")
	if err := w.refresher.Refresh(ctx, cache.TriggerReconnect); err != nil {
		w.logger.Warn("reconnect refresh incomplete", "error", err)
	}
	return true
}
