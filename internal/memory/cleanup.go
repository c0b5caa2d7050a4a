package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Entries this cold get compressed in place by the sweep.
const coldMaxAccess = 2

// RunCleanup drives the periodic maintenance sweep on the configured cron
// schedule until the context is cancelled.
func (m *Manager) RunCleanup(ctx context.Context) error {
	expr := m.cfg.CleanupSchedule
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("invalid cleanup schedule %q", expr)
	}

	slog.Info("memory cleanup started", "schedule", expr)

	for {
		next, err := gronx.NextTick(expr, false)
		if err != nil {
			return fmt.Errorf("compute next cleanup: %w", err)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("memory cleanup stopped")
			return nil
		case <-timer.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass: prune TTL-expired entries, enforce
// namespace retention policies, and compress cold entries in place.
func (m *Manager) Sweep(ctx context.Context) {
	now := time.Now()

	cachePruned := m.cache.PruneExpired(now)

	dbPruned, err := m.store.DeleteExpiredMemory(now)
	if err != nil {
		slog.Error("expired memory prune failed", "error", err)
	}

	retained := 0
	for name, policy := range m.namespaces.All() {
		switch policy.Kind {
		case PolicyTimeBased:
			if policy.TTL <= 0 {
				continue
			}
			n, err := m.store.PruneNamespaceOlderThan(name, now.Add(-policy.TTL))
			if err != nil {
				slog.Error("time-based retention failed", "namespace", name, "error", err)
				continue
			}
			retained += n
		case PolicySizeBased:
			if policy.MaxEntries <= 0 {
				continue
			}
			n, err := m.store.PruneNamespaceToSize(name, policy.MaxEntries)
			if err != nil {
				slog.Error("size-based retention failed", "namespace", name, "error", err)
				continue
			}
			retained += n
		}
	}

	compressed := m.compressCold(now)

	metricsPruned := 0
	if m.cfg.MetricsRetention > 0 {
		n, err := m.store.PruneMetrics(now.Add(-m.cfg.MetricsRetention))
		if err != nil {
			slog.Error("metrics prune failed", "error", err)
		} else {
			metricsPruned = n
		}
	}

	if cachePruned+dbPruned+retained+compressed+metricsPruned > 0 {
		slog.Info("memory sweep done",
			"cache_pruned", cachePruned,
			"db_pruned", dbPruned,
			"retention_pruned", retained,
			"compressed", compressed,
			"metrics_pruned", metricsPruned)
	}

	if hot := m.tracker.HotKeys(5); len(hot) > 0 {
		slog.Debug("hot memory keys", "top", hot)
	}
}

// compressCold rewrites old, large, rarely-accessed entries with zstd so
// the durable store stays small without touching hot data.
func (m *Manager) compressCold(now time.Time) int {
	if m.cfg.ColdAge <= 0 || m.cfg.CompressionThreshold <= 0 {
		return 0
	}

	cold, err := m.store.ListColdMemory(now.Add(-m.cfg.ColdAge), coldMaxAccess, m.cfg.CompressionThreshold)
	if err != nil {
		slog.Error("cold entry scan failed", "error", err)
		return 0
	}

	compressed := 0
	for _, e := range cold {
		packed := m.codec.Compress(e.Value)
		if len(packed) >= len(e.Value) {
			continue
		}
		if err := m.store.ReplaceMemoryValue(e.Namespace, e.Key, packed, true); err != nil {
			slog.Warn("in-place compression failed", "namespace", e.Namespace, "key", e.Key, "error", err)
			continue
		}
		compressed++
	}
	return compressed
}
