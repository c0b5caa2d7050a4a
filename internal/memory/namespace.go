package memory

import (
	"sync"
	"time"
)

type PolicyKind string

const (
	PolicyPersistent PolicyKind = "persistent"
	PolicyTimeBased  PolicyKind = "time_based"
	PolicySizeBased  PolicyKind = "size_based"
)

// RetentionPolicy controls how the cleanup sweep treats a namespace.
// Time-based namespaces drop entries older than TTL; size-based namespaces
// keep only the MaxEntries most recently accessed.
type RetentionPolicy struct {
	Kind       PolicyKind    `json:"kind"`
	TTL        time.Duration `json:"ttl,omitempty"`
	MaxEntries int           `json:"max_entries,omitempty"`
}

type namespaceRegistry struct {
	mu       sync.RWMutex
	policies map[string]RetentionPolicy
}

func newNamespaceRegistry() *namespaceRegistry {
	r := &namespaceRegistry{policies: make(map[string]RetentionPolicy)}
	r.policies["default"] = RetentionPolicy{Kind: PolicyPersistent}
	return r
}

func (r *namespaceRegistry) Register(name string, policy RetentionPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[name] = policy
}

func (r *namespaceRegistry) Policy(name string) RetentionPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.policies[name]; ok {
		return p
	}
	return RetentionPolicy{Kind: PolicyPersistent}
}

func (r *namespaceRegistry) All() map[string]RetentionPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]RetentionPolicy, len(r.policies))
	for k, v := range r.policies {
		out[k] = v
	}
	return out
}
