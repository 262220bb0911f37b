package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/avatar-labs/internal/domain"
)

// StartSweeper launches the idle-session worker: sessions with no activity
// past idleTTL are ended, and sessions that have been ended for longer than
// idleTTL are evicted from memory (their durable copy remains in the store).
// The worker stops when ctx is cancelled.
//
// This runs at the server layer and only ever calls the engine's public
// End operation; the engine itself performs no background work.
func StartSweeper(ctx context.Context, eng *Engine, interval, idleTTL time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				slog.Info("Session sweeper stopped")
				return
			case <-ticker.C:
				eng.sweep(ctx, idleTTL)
			}
		}
	}()
}

func (e *Engine) sweep(ctx context.Context, idleTTL time.Duration) {
	cutoff := time.Now().Add(-idleTTL)

	e.mu.RLock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	ended, evicted := 0, 0
	for _, id := range ids {
		live, err := e.live(ctx, id)
		if err != nil {
			continue
		}

		live.mu.Lock()
		stale := live.s.LastActivityAt.Before(cutoff)
		isEnded := live.s.Status == domain.StatusEnded
		live.mu.Unlock()

		if !stale {
			continue
		}

		if isEnded {
			e.mu.Lock()
			delete(e.sessions, id)
			e.mu.Unlock()
			e.sink.SessionEnded(id)
			evicted++
			continue
		}

		if err := e.End(ctx, id); err != nil && !errors.Is(err, ErrSessionEnded) {
			slog.Warn("sweeper failed to end idle session", "session_id", id, "error", err)
			continue
		}
		ended++
	}

	if ended > 0 || evicted > 0 {
		slog.Info("Session sweep complete", "ended", ended, "evicted", evicted)
	}
}
