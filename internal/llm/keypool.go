package llm

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// KeyStatus is the health of one API key.
type KeyStatus string

// Key states. INVALID is terminal.
const (
	KeyActive      KeyStatus = "ACTIVE"
	KeyRateLimited KeyStatus = "RATE_LIMITED"
	KeyExhausted   KeyStatus = "EXHAUSTED"
	KeyInvalid     KeyStatus = "INVALID"
)

// SelectionPolicy chooses among available keys.
type SelectionPolicy string

// Selection policies.
const (
	PolicyRoundRobin     SelectionPolicy = "round_robin"
	PolicyWeightedRandom SelectionPolicy = "weighted_random"
	PolicyLeastUsed      SelectionPolicy = "least_used"
	PolicyRandom         SelectionPolicy = "random"
)

const (
	minKeyWeight       = 0.1
	maxKeyWeight       = 2.0
	successWeightRatio = 1.1
	failureWeightRatio = 0.8
	defaultRetryAfter  = time.Minute
)

// APIKeyInfo is the health record of a key.
type APIKeyInfo struct {
	Key            string    `json:"-"`
	KeyID          string    `json:"key_id"`
	Status         KeyStatus `json:"status"`
	TotalRequests  int64     `json:"total_requests"`
	SuccessCount   int64     `json:"success_count"`
	FailureCount   int64     `json:"failure_count"`
	RateLimitCount int64     `json:"rate_limit_count"`
	RateLimitUntil time.Time `json:"rate_limit_until"`
	Weight         float64   `json:"weight"`
	LastUsed       time.Time `json:"last_used"`
	LastError      string    `json:"last_error,omitempty"`
}

func (k *APIKeyInfo) available(now time.Time) bool {
	switch k.Status {
	case KeyActive:
		return true
	case KeyRateLimited:
		return now.After(k.RateLimitUntil)
	default:
		return false
	}
}

// KeyPool holds the API keys of one provider.
type KeyPool struct {
	mu       sync.Mutex
	provider string
	policy   SelectionPolicy
	keys     []*APIKeyInfo
	next     int
	now      func() time.Time
	rnd      *rand.Rand
}

// NewKeyPool creates a pool; empty and duplicate keys are ignored.
func NewKeyPool(provider string, keys []string, policy SelectionPolicy) *KeyPool {
	if policy == "" {
		policy = PolicyRoundRobin
	}
	p := &KeyPool{
		provider: provider,
		policy:   policy,
		now:      time.Now,
		rnd:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
	}
	seen := make(map[string]struct{})
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		p.keys = append(p.keys, &APIKeyInfo{Key: k, KeyID: MaskKey(k), Status: KeyActive, Weight: 1.0})
	}
	return p
}

// Provider returns the provider name.
func (p *KeyPool) Provider() string { return p.provider }

// Len returns the number of keys.
func (p *KeyPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Select picks an available key per policy and counts the request.
func (p *KeyPool) Select() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var avail []int
	for i, k := range p.keys {
		if k.available(now) {
			avail = append(avail, i)
		}
	}
	if len(avail) == 0 {
		return "", fmt.Errorf("%s: %w", p.provider, ErrNoAvailableKey)
	}

	var idx int
	switch p.policy {
	case PolicyWeightedRandom:
		idx = p.pickWeighted(avail)
	case PolicyLeastUsed:
		idx = avail[0]
		for _, i := range avail[1:] {
			if p.keys[i].TotalRequests < p.keys[idx].TotalRequests {
				idx = i
			}
		}
	case PolicyRandom:
		idx = avail[p.rnd.IntN(len(avail))]
	default:
		idx = p.pickRoundRobin(now)
	}

	k := p.keys[idx]
	if k.Status == KeyRateLimited {
		k.Status = KeyActive
	}
	k.TotalRequests++
	k.LastUsed = now
	return k.Key, nil
}

func (p *KeyPool) pickRoundRobin(now time.Time) int {
	n := len(p.keys)
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		if p.keys[idx].available(now) {
			p.next = idx + 1
			return idx
		}
	}
	return 0
}

func (p *KeyPool) pickWeighted(avail []int) int {
	total := 0.0
	for _, i := range avail {
		total += p.keys[i].Weight
	}
	r := p.rnd.Float64() * total
	for _, i := range avail {
		r -= p.keys[i].Weight
		if r <= 0 {
			return i
		}
	}
	return avail[len(avail)-1]
}

// ReportSuccess raises the key weight and clears a non-terminal status.
func (p *KeyPool) ReportSuccess(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := p.find(key)
	if k == nil {
		return
	}
	k.SuccessCount++
	k.LastError = ""
	if k.Status != KeyInvalid {
		k.Status = KeyActive
	}
	k.Weight = min(k.Weight*successWeightRatio, maxKeyWeight)
}

// ReportFailure lowers the key weight and applies the status transition for kind.
func (p *KeyPool) ReportFailure(key string, kind Kind, retryAfter time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := p.find(key)
	if k == nil {
		return
	}
	k.FailureCount++
	k.LastError = string(kind)
	k.Weight = max(k.Weight*failureWeightRatio, minKeyWeight)
	if k.Status == KeyInvalid {
		return
	}
	switch kind {
	case KindRateLimit:
		if retryAfter <= 0 {
			retryAfter = defaultRetryAfter
		}
		k.RateLimitCount++
		k.Status = KeyRateLimited
		k.RateLimitUntil = p.now().Add(retryAfter)
	case KindQuota:
		k.Status = KeyExhausted
	case KindAuth:
		k.Status = KeyInvalid
	}
}

// Reset reactivates exhausted keys; invalid keys stay invalid.
func (p *KeyPool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.keys {
		if k.Status != KeyInvalid {
			k.Status = KeyActive
			k.RateLimitUntil = time.Time{}
		}
	}
}

// Stats returns a copy of every key record.
func (p *KeyPool) Stats() []APIKeyInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]APIKeyInfo, 0, len(p.keys))
	for _, k := range p.keys {
		cp := *k
		cp.Key = ""
		out = append(out, cp)
	}
	return out
}

// Available counts currently usable keys.
func (p *KeyPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	n := 0
	for _, k := range p.keys {
		if k.available(now) {
			n++
		}
	}
	return n
}

func (p *KeyPool) find(key string) *APIKeyInfo {
	for _, k := range p.keys {
		if k.Key == key {
			return k
		}
	}
	return nil
}

// MaskKey hides all but the edges of a key for logs and stats.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// PoolRegistry is the process-wide set of key pools.
type PoolRegistry struct {
	mu    sync.Mutex
	pools map[string]*KeyPool
}

var defaultPools = &PoolRegistry{pools: make(map[string]*KeyPool)}

// KeyPools returns the process-wide registry. Pools live for the process
// lifetime; Reset drops them for tests and reconfiguration.
func KeyPools() *PoolRegistry { return defaultPools }

// NewPoolRegistry creates an isolated registry.
func NewPoolRegistry() *PoolRegistry {
	return &PoolRegistry{pools: make(map[string]*KeyPool)}
}

// GetOrCreate returns the pool for provider, creating it on first use.
func (r *PoolRegistry) GetOrCreate(provider string, keys []string, policy SelectionPolicy) *KeyPool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[provider]; ok {
		return p
	}
	p := NewKeyPool(provider, keys, policy)
	r.pools[provider] = p
	return p
}

// Get returns the pool for provider if present.
func (r *PoolRegistry) Get(provider string) (*KeyPool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[provider]
	return p, ok
}

// Stats returns key stats for every pool.
func (r *PoolRegistry) Stats() map[string][]APIKeyInfo {
	r.mu.Lock()
	pools := make(map[string]*KeyPool, len(r.pools))
	for name, p := range r.pools {
		pools[name] = p
	}
	r.mu.Unlock()
	out := make(map[string][]APIKeyInfo, len(pools))
	for name, p := range pools {
		out[name] = p.Stats()
	}
	return out
}

// Reset drops every pool.
func (r *PoolRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools = make(map[string]*KeyPool)
}
