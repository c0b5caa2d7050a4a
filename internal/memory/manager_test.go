package memory

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/hivegrid/hivegrid/internal/config"
	"github.com/hivegrid/hivegrid/internal/store"
)

func testMemoryConfig() config.MemoryConfig {
	return config.MemoryConfig{
		MaxEntries:           100,
		MaxBytes:             1 << 20,
		CompressionThreshold: 64,
		CleanupSchedule:      "*/5 * * * *",
		BatchWorkers:         4,
		ColdAge:              time.Hour,
	}
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(config.StoreConfig{Path: filepath.Join(t.TempDir(), "mem.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	m, err := New(testMemoryConfig(), st, opts...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, st
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	original := map[string]any{"phase": "analysis", "confidence": 0.9}
	if err := m.Store(ctx, "default", "state", original, 0); err != nil {
		t.Fatalf("store: %v", err)
	}

	var got map[string]any
	found, err := m.Retrieve(ctx, "default", "state", &got)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !found {
		t.Fatal("expected key to be found")
	}
	if got["phase"] != "analysis" || got["confidence"] != 0.9 {
		t.Errorf("value mismatch: %+v", got)
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	// Well above the 64-byte threshold and compressible.
	original := strings.Repeat("swarm coordination state ", 100)
	if err := m.Store(ctx, "default", "big", original, 0); err != nil {
		t.Fatalf("store: %v", err)
	}

	// The persisted record is flagged compressed and smaller than the raw value.
	entry, err := st.GetMemory("default", "big")
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if !entry.Compressed {
		t.Error("expected persisted entry to be compressed")
	}
	if len(entry.Value) >= len(original) {
		t.Errorf("expected compressed value smaller than %d, got %d", len(original), len(entry.Value))
	}

	// A second manager with a cold cache must read through the store and
	// decompress transparently.
	m2, err := New(testMemoryConfig(), st)
	if err != nil {
		t.Fatalf("second manager: %v", err)
	}
	var got string
	found, err := m2.Retrieve(ctx, "default", "big", &got)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !found {
		t.Fatal("expected key found via store")
	}
	if !reflect.DeepEqual(got, original) {
		t.Error("decompressed value differs from original")
	}
}

func TestSmallValueNotCompressed(t *testing.T) {
	m, st := newTestManager(t)
	if err := m.Store(context.Background(), "default", "small", "hi", 0); err != nil {
		t.Fatalf("store: %v", err)
	}
	entry, _ := st.GetMemory("default", "small")
	if entry.Compressed {
		t.Error("expected small value to stay uncompressed")
	}
}

func TestTTLLogicalExpiry(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Store(ctx, "default", "ephemeral", "v", time.Second); err != nil {
		t.Fatalf("store: %v", err)
	}

	var got string
	found, err := m.Retrieve(ctx, "default", "ephemeral", &got)
	if err != nil || !found {
		t.Fatalf("expected hit at t=0, found=%v err=%v", found, err)
	}

	// Past the TTL the entry is logically absent even though no cleanup
	// sweep has run.
	time.Sleep(1200 * time.Millisecond)
	found, err = m.Retrieve(ctx, "default", "ephemeral", &got)
	if err != nil {
		t.Fatalf("retrieve after expiry: %v", err)
	}
	if found {
		t.Error("expected expired entry to be absent without an eviction pass")
	}
}

func TestRetrieveMiss(t *testing.T) {
	m, _ := newTestManager(t)
	var got string
	found, err := m.Retrieve(context.Background(), "default", "nope", &got)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if found {
		t.Error("expected miss")
	}
}

type fakeRemote struct {
	values map[string][]byte
}

func (f *fakeRemote) Lookup(_ context.Context, namespace, key string) ([]byte, bool, error) {
	v, ok := f.values[namespace+"/"+key]
	return v, ok, nil
}

func TestRemoteLookupFallback(t *testing.T) {
	remote := &fakeRemote{values: map[string][]byte{"default/shared": []byte(`"from-remote"`)}}
	m, _ := newTestManager(t, WithRemoteLookup(remote))
	ctx := context.Background()

	var got string
	found, err := m.Retrieve(ctx, "default", "shared", &got)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !found || got != "from-remote" {
		t.Fatalf("expected remote value, found=%v got=%q", found, got)
	}

	// Second read is a cache hit.
	before := m.Stats().HitRate
	if _, err := m.Retrieve(ctx, "default", "shared", &got); err != nil {
		t.Fatalf("second retrieve: %v", err)
	}
	if m.Stats().HitRate < before {
		t.Error("expected hit rate not to drop on cached remote value")
	}
}

type failingSink struct{ calls int }

func (f *failingSink) RecordWrite(context.Context, string, string, int) error {
	f.calls++
	return errors.New("sink down")
}

func TestAnalyticsFailureNonFatal(t *testing.T) {
	sink := &failingSink{}
	m, _ := newTestManager(t, WithAnalytics(sink))

	if err := m.Store(context.Background(), "default", "k", "v", 0); err != nil {
		t.Fatalf("store should swallow sink failure: %v", err)
	}
	if sink.calls != 1 {
		t.Errorf("expected 1 sink call, got %d", sink.calls)
	}
}

func TestBatchOperations(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	items := map[string]any{"a": 1, "b": 2, "c": 3}
	if failed := m.StoreBatch(ctx, "default", items, 0); failed != 0 {
		t.Errorf("expected 0 failed stores, got %d", failed)
	}

	results, failed := m.RetrieveBatch(ctx, "default", []string{"a", "b", "c", "missing"})
	if len(results) != 3 {
		t.Errorf("expected 3 results, got %d", len(results))
	}
	if failed != 1 {
		t.Errorf("expected 1 failed key, got %d", failed)
	}
}

func TestTimeBasedNamespaceDefaultsTTL(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	m.RegisterNamespace("session", RetentionPolicy{Kind: PolicyTimeBased, TTL: time.Hour})

	// No explicit TTL: the namespace policy supplies one.
	if err := m.Store(ctx, "session", "k", "v", 0); err != nil {
		t.Fatalf("store: %v", err)
	}
	entry, err := st.GetMemory("session", "k")
	if err != nil || entry == nil {
		t.Fatalf("get entry: %+v err=%v", entry, err)
	}
	if entry.TTL != time.Hour {
		t.Errorf("expected policy TTL of 1h, got %v", entry.TTL)
	}

	// An explicit TTL wins over the policy.
	if err := m.Store(ctx, "session", "k2", "v", 30*time.Minute); err != nil {
		t.Fatalf("store: %v", err)
	}
	entry, _ = st.GetMemory("session", "k2")
	if entry.TTL != 30*time.Minute {
		t.Errorf("expected explicit TTL of 30m, got %v", entry.TTL)
	}
}

func TestSweepPrunesOldMetrics(t *testing.T) {
	cfg := testMemoryConfig()
	cfg.MetricsRetention = time.Second

	st, err := store.Open(config.StoreConfig{Path: filepath.Join(t.TempDir(), "mem.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	if err := st.SaveSwarm(&store.Swarm{ID: "swarm-1", Name: "test", MaxAgents: 4, ConsensusThreshold: 0.6, IsActive: true}); err != nil {
		t.Fatalf("seed swarm: %v", err)
	}
	m, err := New(cfg, st)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if err := st.SaveMetric("swarm-1", "old_sample", 1); err != nil {
		t.Fatalf("save metric: %v", err)
	}

	time.Sleep(2100 * time.Millisecond)
	m.Sweep(context.Background())

	left, err := st.GetMetrics("swarm-1", "old_sample", 10)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("expected aged-out sample pruned by sweep, got %d", len(left))
	}
}

func TestSweepEnforcesRetention(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	m.RegisterNamespace("bounded", RetentionPolicy{Kind: PolicySizeBased, MaxEntries: 2})
	for _, k := range []string{"a", "b", "c", "d"} {
		if err := m.Store(ctx, "bounded", k, k, 0); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	m.Sweep(ctx)

	n, err := st.CountMemory("bounded")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 entries after size retention, got %d", n)
	}
}

func TestSweepCompressesColdEntries(t *testing.T) {
	cfg := testMemoryConfig()
	cfg.ColdAge = time.Nanosecond

	st, err := store.Open(config.StoreConfig{Path: filepath.Join(t.TempDir(), "mem.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	m, err := New(cfg, st)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	// Insert an uncompressed oversized value directly, as if written before
	// compression was enabled.
	big := []byte(`"` + strings.Repeat("cold data ", 50) + `"`)
	if err := st.PutMemory(&store.MemoryEntry{Namespace: "default", Key: "cold", Value: big}); err != nil {
		t.Fatalf("put: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)
	m.Sweep(context.Background())

	entry, _ := st.GetMemory("default", "cold")
	if !entry.Compressed {
		t.Error("expected cold entry to be compressed in place")
	}
	if len(entry.Value) >= len(big) {
		t.Errorf("expected smaller stored value, got %d >= %d", len(entry.Value), len(big))
	}

	// It still reads back intact.
	var got string
	found, err := m.Retrieve(context.Background(), "default", "cold", &got)
	if err != nil || !found {
		t.Fatalf("retrieve after compression: found=%v err=%v", found, err)
	}
	if got != strings.Repeat("cold data ", 50) {
		t.Error("value corrupted by in-place compression")
	}
}

func TestHealthCheck(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	report := m.HealthCheck()
	if report.Score != 100 || report.Status != "healthy" {
		t.Errorf("expected fresh manager healthy/100, got %s/%d", report.Status, report.Score)
	}

	// All misses drives hit rate to zero.
	var got string
	for i := 0; i < 10; i++ {
		_, _ = m.Retrieve(ctx, "default", "missing", &got)
	}

	report = m.HealthCheck()
	if report.Score >= 100 {
		t.Errorf("expected deduction for low hit rate, got %d", report.Score)
	}
	if len(report.Issues) == 0 {
		t.Error("expected issues to be reported")
	}
	if len(report.Recommendations) != len(report.Issues) {
		t.Error("expected one recommendation per issue")
	}
}

func TestHotKeysExposed(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = m.Store(ctx, "default", "busy", i, 0)
	}
	_ = m.Store(ctx, "default", "quiet", 1, 0)

	hot := m.HotKeys(1)
	if len(hot) != 1 || hot[0].Key != "default/busy" {
		t.Errorf("expected default/busy hottest, got %+v", hot)
	}
}
