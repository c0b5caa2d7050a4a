package memory

import (
	"sort"
	"sync"
)

// Access kinds and their weights. Writes score highest so hot-key reports
// favor keys the swarm actively produces, not just reads.
const (
	accessWrite    = 2.0
	accessDBHit    = 1.0
	accessCacheHit = 0.5
	accessMiss     = 0.1
)

const coAccessWindow = 8

// accessTracker accumulates weighted access scores per key and counts
// co-access pairs inside a sliding window of recent keys.
type accessTracker struct {
	mu       sync.Mutex
	scores   map[string]float64
	recent   []string
	coCounts map[[2]string]int
}

func newAccessTracker() *accessTracker {
	return &accessTracker{
		scores:   make(map[string]float64),
		coCounts: make(map[[2]string]int),
	}
}

func (t *accessTracker) Record(key string, weight float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.scores[key] += weight

	for _, prev := range t.recent {
		if prev == key {
			continue
		}
		t.coCounts[orderedPair(prev, key)]++
	}
	t.recent = append(t.recent, key)
	if len(t.recent) > coAccessWindow {
		t.recent = t.recent[1:]
	}
}

func orderedPair(a, b string) [2]string {
	if a < b {
		return [2]string{a, b}
	}
	return [2]string{b, a}
}

type KeyScore struct {
	Key   string  `json:"key"`
	Score float64 `json:"score"`
}

// HotKeys returns the n highest-scoring keys, highest first.
func (t *accessTracker) HotKeys(n int) []KeyScore {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]KeyScore, 0, len(t.scores))
	for k, s := range t.scores {
		out = append(out, KeyScore{Key: k, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

type CoAccess struct {
	Keys  [2]string `json:"keys"`
	Count int       `json:"count"`
}

// CoAccessPairs returns key pairs observed together at least min times,
// most frequent first. Feeds the learning collaborator.
func (t *accessTracker) CoAccessPairs(min int) []CoAccess {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []CoAccess
	for pair, n := range t.coCounts {
		if n >= min {
			out = append(out, CoAccess{Keys: pair, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Keys[0] < out[j].Keys[0]
	})
	return out
}
