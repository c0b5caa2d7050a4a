package memory

import (
	"fmt"
	"testing"
	"time"
)

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := newLRUCache(3, 0, newEntryPool())

	c.Put("ns", "a", []byte("1"), 0)
	c.Put("ns", "b", []byte("2"), 0)
	c.Put("ns", "c", []byte("3"), 0)

	// Touch "a" so "b" becomes least recently used.
	if _, ok := c.Get("ns", "a"); !ok {
		t.Fatal("expected hit on a")
	}

	c.Put("ns", "d", []byte("4"), 0)

	if _, ok := c.Get("ns", "b"); ok {
		t.Error("expected b to be evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok := c.Get("ns", k); !ok {
			t.Errorf("expected %s to survive", k)
		}
	}
	if c.Evictions() != 1 {
		t.Errorf("expected exactly 1 eviction, got %d", c.Evictions())
	}
}

func TestLRUByteBound(t *testing.T) {
	// Each entry: 10 value bytes + 2 ns bytes + 1 key byte = 13.
	c := newLRUCache(0, 30, newEntryPool())

	c.Put("ns", "a", make([]byte, 10), 0)
	c.Put("ns", "b", make([]byte, 10), 0)
	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}

	// Third entry pushes bytes past 30, evicting the oldest.
	c.Put("ns", "c", make([]byte, 10), 0)
	if c.Len() != 2 {
		t.Errorf("expected 2 entries after byte eviction, got %d", c.Len())
	}
	if _, ok := c.Get("ns", "a"); ok {
		t.Error("expected a to be evicted by byte bound")
	}
	if c.Bytes() > 30 {
		t.Errorf("byte bound violated: %d > 30", c.Bytes())
	}
}

func TestLRUExpiredEntryIsAbsent(t *testing.T) {
	c := newLRUCache(10, 0, newEntryPool())

	c.Put("ns", "short", []byte("v"), 50*time.Millisecond)
	if _, ok := c.Get("ns", "short"); !ok {
		t.Fatal("expected hit before expiry")
	}

	time.Sleep(80 * time.Millisecond)
	if _, ok := c.Get("ns", "short"); ok {
		t.Error("expected expired entry to miss without an eviction pass")
	}
}

func TestLRUPruneExpired(t *testing.T) {
	c := newLRUCache(10, 0, newEntryPool())

	c.Put("ns", "keep", []byte("v"), 0)
	c.Put("ns", "drop1", []byte("v"), time.Millisecond)
	c.Put("ns", "drop2", []byte("v"), time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	if n := c.PruneExpired(time.Now()); n != 2 {
		t.Errorf("expected 2 pruned, got %d", n)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 entry left, got %d", c.Len())
	}
}

func TestPoolReuse(t *testing.T) {
	p := newEntryPool()

	e := p.get()
	p.put(e)
	_ = p.get()

	allocated, reused := p.Stats()
	if allocated == 0 {
		t.Error("expected at least one allocation")
	}
	if reused == 0 {
		t.Error("expected at least one reuse")
	}
	if p.ReuseRate() <= 0 {
		t.Errorf("expected positive reuse rate, got %f", p.ReuseRate())
	}
}

func TestTrackerHotKeys(t *testing.T) {
	tr := newAccessTracker()
	for i := 0; i < 5; i++ {
		tr.Record("ns/hot", accessWrite)
	}
	tr.Record("ns/warm", accessDBHit)
	tr.Record("ns/cold", accessMiss)

	hot := tr.HotKeys(2)
	if len(hot) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(hot))
	}
	if hot[0].Key != "ns/hot" || hot[0].Score != 10 {
		t.Errorf("expected ns/hot with score 10 first, got %+v", hot[0])
	}
}

func TestTrackerCoAccess(t *testing.T) {
	tr := newAccessTracker()
	for i := 0; i < 3; i++ {
		tr.Record("ns/a", accessCacheHit)
		tr.Record("ns/b", accessCacheHit)
	}

	pairs := tr.CoAccessPairs(2)
	if len(pairs) == 0 {
		t.Fatal("expected co-access pair for a/b")
	}
	want := orderedPair("ns/a", "ns/b")
	if pairs[0].Keys != want {
		t.Errorf("expected pair %v, got %v", want, pairs[0].Keys)
	}
}

func BenchmarkLRUPut(b *testing.B) {
	c := newLRUCache(1024, 0, newEntryPool())
	value := make([]byte, 128)
	for i := 0; b.Loop(); i++ {
		c.Put("ns", fmt.Sprintf("key-%d", i%2048), value, 0)
	}
}
