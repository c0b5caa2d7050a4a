package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hivegrid/hivegrid/internal/config"
	"github.com/hivegrid/hivegrid/internal/store"
)

// AnalyticsSink receives a best-effort record of every store call. Failures
// are swallowed and logged; the sink must never affect correctness.
type AnalyticsSink interface {
	RecordWrite(ctx context.Context, namespace, key string, size int) error
}

// RemoteLookup is the last-resort read path consulted when neither the
// cache nor the persistence layer has a key.
type RemoteLookup interface {
	Lookup(ctx context.Context, namespace, key string) ([]byte, bool, error)
}

// Manager layers the bounded cache, compression, access tracking and
// retention policies on top of the persistence layer.
type Manager struct {
	cfg        config.MemoryConfig
	store      *store.Store
	cache      *lruCache
	pool       *entryPool
	codec      *codec
	tracker    *accessTracker
	namespaces *namespaceRegistry
	analytics  AnalyticsSink
	remote     RemoteLookup

	hits           atomic.Int64
	misses         atomic.Int64
	retrievalNanos atomic.Int64
	retrievals     atomic.Int64
}

type Option func(*Manager)

func WithAnalytics(sink AnalyticsSink) Option {
	return func(m *Manager) { m.analytics = sink }
}

func WithRemoteLookup(remote RemoteLookup) Option {
	return func(m *Manager) { m.remote = remote }
}

func New(cfg config.MemoryConfig, st *store.Store, opts ...Option) (*Manager, error) {
	cdc, err := newCodec()
	if err != nil {
		return nil, err
	}

	pool := newEntryPool()
	m := &Manager{
		cfg:        cfg,
		store:      st,
		cache:      newLRUCache(cfg.MaxEntries, cfg.MaxBytes, pool),
		pool:       pool,
		codec:      cdc,
		tracker:    newAccessTracker(),
		namespaces: newNamespaceRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) RegisterNamespace(name string, policy RetentionPolicy) {
	m.namespaces.Register(name, policy)
}

// Store serializes the value, compresses it above the configured threshold,
// writes through to persistence and the analytics sink, and updates the
// cache. The cache is updated even when the persistence write fails so a
// retried write cannot lose the latest state.
func (m *Manager) Store(ctx context.Context, namespace, key string, value any, ttl time.Duration) error {
	serialized, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("serialize value: %w", err)
	}

	// A time-based namespace gives its entries their TTL by default.
	if ttl <= 0 {
		if p := m.namespaces.Policy(namespace); p.Kind == PolicyTimeBased && p.TTL > 0 {
			ttl = p.TTL
		}
	}

	stored := serialized
	compressed := false
	if m.cfg.CompressionThreshold > 0 && len(serialized) > m.cfg.CompressionThreshold {
		stored = m.codec.Compress(serialized)
		compressed = true
	}

	m.cache.Put(namespace, key, serialized, ttl)
	m.tracker.Record(namespace+"/"+key, accessWrite)

	if m.analytics != nil {
		if err := m.analytics.RecordWrite(ctx, namespace, key, len(serialized)); err != nil {
			slog.Warn("memory analytics sink failed", "namespace", namespace, "key", key, "error", err)
		}
	}

	metadata, _ := json.Marshal(map[string]any{"original_size": len(serialized)})
	entry := &store.MemoryEntry{
		Namespace:  namespace,
		Key:        key,
		Value:      stored,
		Compressed: compressed,
		TTL:        ttl,
		Metadata:   metadata,
	}
	if err := m.store.PutMemory(entry); err != nil {
		return fmt.Errorf("persist memory entry: %w", err)
	}
	return nil
}

// Retrieve checks the cache, then the persistence layer, then the remote
// lookup collaborator, populating the cache on any hit. The decoded value
// is written into out; the bool reports whether the key was found.
func (m *Manager) Retrieve(ctx context.Context, namespace, key string, out any) (bool, error) {
	start := time.Now()
	defer func() {
		m.retrievalNanos.Add(int64(time.Since(start)))
		m.retrievals.Add(1)
	}()

	if data, ok := m.cache.Get(namespace, key); ok {
		m.hits.Add(1)
		m.tracker.Record(namespace+"/"+key, accessCacheHit)
		return true, json.Unmarshal(data, out)
	}

	entry, err := m.store.GetMemory(namespace, key)
	if err != nil {
		return false, fmt.Errorf("read memory entry: %w", err)
	}
	if entry != nil && !entry.Expired(time.Now()) {
		data := entry.Value
		if entry.Compressed {
			data, err = m.codec.Decompress(data)
			if err != nil {
				return false, fmt.Errorf("decompress %s/%s: %w", namespace, key, err)
			}
		}
		m.cache.Put(namespace, key, data, entry.TTL)
		m.hits.Add(1)
		m.tracker.Record(namespace+"/"+key, accessDBHit)
		if err := m.store.TouchMemory(namespace, key); err != nil {
			slog.Warn("touch memory failed", "namespace", namespace, "key", key, "error", err)
		}
		return true, json.Unmarshal(data, out)
	}

	if m.remote != nil {
		data, found, err := m.remote.Lookup(ctx, namespace, key)
		if err != nil {
			slog.Warn("remote lookup failed", "namespace", namespace, "key", key, "error", err)
		} else if found {
			m.cache.Put(namespace, key, data, 0)
			m.hits.Add(1)
			m.tracker.Record(namespace+"/"+key, accessDBHit)
			return true, json.Unmarshal(data, out)
		}
	}

	m.misses.Add(1)
	m.tracker.Record(namespace+"/"+key, accessMiss)
	return false, nil
}

func (m *Manager) Delete(ctx context.Context, namespace, key string) error {
	m.cache.Delete(namespace, key)
	if err := m.store.DeleteMemory(namespace, key); err != nil {
		return fmt.Errorf("delete memory entry: %w", err)
	}
	return nil
}

// StoreBatch stores all items with bounded concurrency and returns how
// many failed. Individual failures are logged, not fatal to the batch.
func (m *Manager) StoreBatch(ctx context.Context, namespace string, items map[string]any, ttl time.Duration) int {
	workers := m.cfg.BatchWorkers
	if workers <= 0 {
		workers = 4
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var failed atomic.Int64

	for key, value := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(key string, value any) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := m.Store(ctx, namespace, key, value, ttl); err != nil {
				slog.Warn("batch store item failed", "namespace", namespace, "key", key, "error", err)
				failed.Add(1)
			}
		}(key, value)
	}
	wg.Wait()
	return int(failed.Load())
}

// RetrieveBatch fetches all keys with bounded concurrency. Missing or
// failed keys are counted, not returned.
func (m *Manager) RetrieveBatch(ctx context.Context, namespace string, keys []string) (map[string]json.RawMessage, int) {
	workers := m.cfg.BatchWorkers
	if workers <= 0 {
		workers = 4
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failed atomic.Int64
	results := make(map[string]json.RawMessage, len(keys))

	for _, key := range keys {
		wg.Add(1)
		sem <- struct{}{}
		go func(key string) {
			defer wg.Done()
			defer func() { <-sem }()
			var raw json.RawMessage
			found, err := m.Retrieve(ctx, namespace, key, &raw)
			if err != nil {
				slog.Warn("batch retrieve item failed", "namespace", namespace, "key", key, "error", err)
				failed.Add(1)
				return
			}
			if !found {
				failed.Add(1)
				return
			}
			mu.Lock()
			results[key] = raw
			mu.Unlock()
		}(key)
	}
	wg.Wait()
	return results, int(failed.Load())
}

func (m *Manager) HotKeys(n int) []KeyScore {
	return m.tracker.HotKeys(n)
}

func (m *Manager) CoAccessPairs(min int) []CoAccess {
	return m.tracker.CoAccessPairs(min)
}

type Stats struct {
	Entries        int     `json:"entries"`
	Bytes          int64   `json:"bytes"`
	MaxBytes       int64   `json:"max_bytes"`
	Evictions      int64   `json:"evictions"`
	HitRate        float64 `json:"hit_rate"`
	AvgRetrievalMs float64 `json:"avg_retrieval_ms"`
	PoolReuseRate  float64 `json:"pool_reuse_rate"`
}

func (m *Manager) Stats() Stats {
	hits := m.hits.Load()
	misses := m.misses.Load()
	var hitRate float64
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	var avgMs float64
	if n := m.retrievals.Load(); n > 0 {
		avgMs = float64(m.retrievalNanos.Load()) / float64(n) / float64(time.Millisecond)
	}

	return Stats{
		Entries:        m.cache.Len(),
		Bytes:          m.cache.Bytes(),
		MaxBytes:       m.cfg.MaxBytes,
		Evictions:      m.cache.Evictions(),
		HitRate:        hitRate,
		AvgRetrievalMs: avgMs,
		PoolReuseRate:  m.pool.ReuseRate(),
	}
}
