package llm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyPoolRoundRobinFairness(t *testing.T) {
	t.Parallel()

	for _, k := range []int{1, 2, 3, 5} {
		keys := make([]string, k)
		for i := range keys {
			keys[i] = "key-" + string(rune('a'+i)) + "-0000000"
		}
		pool := NewKeyPool("openai", keys, PolicyRoundRobin)

		counts := make(map[string]int)
		for i := 0; i < 6*k; i++ {
			key, err := pool.Select()
			require.NoError(t, err)
			counts[key]++
		}
		for _, key := range keys {
			assert.Equal(t, 6, counts[key], "k=%d key=%s", k, key)
		}
	}
}

func TestKeyPoolWeightsAreBounded(t *testing.T) {
	t.Parallel()

	pool := NewKeyPool("openai", []string{"only-key-123456"}, PolicyRoundRobin)
	for i := 0; i < 50; i++ {
		pool.ReportSuccess("only-key-123456")
	}
	assert.InDelta(t, 2.0, pool.Stats()[0].Weight, 1e-9)

	for i := 0; i < 50; i++ {
		pool.ReportFailure("only-key-123456", KindServer, 0)
	}
	st := pool.Stats()[0]
	assert.InDelta(t, 0.1, st.Weight, 1e-9)
	assert.Equal(t, KeyActive, st.Status)
	assert.Equal(t, int64(50), st.FailureCount)
}

func TestKeyPoolStatusTransitions(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	pool := NewKeyPool("deepseek", []string{"rate-key-0001", "quota-key-0002", "auth-key-00003"}, PolicyRoundRobin)
	pool.now = func() time.Time { return now }

	pool.ReportFailure("rate-key-0001", KindRateLimit, 30*time.Second)
	pool.ReportFailure("quota-key-0002", KindQuota, 0)
	pool.ReportFailure("auth-key-00003", KindAuth, 0)

	stats := pool.Stats()
	assert.Equal(t, KeyRateLimited, stats[0].Status)
	assert.Equal(t, int64(1), stats[0].RateLimitCount)
	assert.Equal(t, now.Add(30*time.Second), stats[0].RateLimitUntil)
	assert.Equal(t, KeyExhausted, stats[1].Status)
	assert.Equal(t, KeyInvalid, stats[2].Status)

	_, err := pool.Select()
	require.ErrorIs(t, err, ErrNoAvailableKey)

	now = now.Add(31 * time.Second)
	key, err := pool.Select()
	require.NoError(t, err)
	assert.Equal(t, "rate-key-0001", key)
	assert.Equal(t, KeyActive, pool.Stats()[0].Status)

	pool.ReportSuccess("auth-key-00003")
	pool.Reset()
	assert.Equal(t, KeyActive, pool.Stats()[1].Status)
	assert.Equal(t, KeyInvalid, pool.Stats()[2].Status)
}

func TestKeyPoolInvalidIsTerminalOnFailure(t *testing.T) {
	t.Parallel()

	pool := NewKeyPool("p", []string{"bad-key-000001"}, PolicyRoundRobin)
	pool.ReportFailure("bad-key-000001", KindAuth, 0)
	pool.ReportFailure("bad-key-000001", KindRateLimit, time.Second)
	assert.Equal(t, KeyInvalid, pool.Stats()[0].Status)
	pool.Reset()
	assert.Equal(t, KeyInvalid, pool.Stats()[0].Status)
}

func TestKeyPoolPolicies(t *testing.T) {
	t.Parallel()

	keys := []string{"policy-key-01", "policy-key-02", "policy-key-03"}
	for _, policy := range []SelectionPolicy{PolicyWeightedRandom, PolicyLeastUsed, PolicyRandom} {
		pool := NewKeyPool("p", keys, policy)
		seen := make(map[string]int)
		for i := 0; i < 300; i++ {
			key, err := pool.Select()
			require.NoError(t, err)
			seen[key]++
		}
		assert.Len(t, seen, 3, string(policy))
		if policy == PolicyLeastUsed {
			for _, k := range keys {
				assert.Equal(t, 100, seen[k])
			}
		}
	}
}

func TestKeyPoolConcurrentAccess(t *testing.T) {
	t.Parallel()

	pool := NewKeyPool("p", []string{"concurrent-k1", "concurrent-k2"}, PolicyRoundRobin)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				key, err := pool.Select()
				if err != nil {
					continue
				}
				if j%2 == 0 {
					pool.ReportSuccess(key)
				} else {
					pool.ReportFailure(key, KindServer, 0)
				}
			}
		}()
	}
	wg.Wait()

	total := int64(0)
	for _, st := range pool.Stats() {
		total += st.TotalRequests
	}
	assert.Equal(t, int64(1000), total)
}

func TestPoolRegistryGetOrCreate(t *testing.T) {
	t.Parallel()

	reg := NewPoolRegistry()
	a := reg.GetOrCreate("openai", []string{"k1-aaaaaaaa"}, PolicyRoundRobin)
	b := reg.GetOrCreate("openai", []string{"other"}, PolicyRandom)
	assert.Same(t, a, b)
	_, ok := reg.Get("missing")
	assert.False(t, ok)
	assert.Len(t, reg.Stats()["openai"], 1)
	assert.Empty(t, reg.Stats()["openai"][0].Key)
}

func TestMaskKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "****", MaskKey("short"))
	assert.Equal(t, "sk-a...wxyz", MaskKey("sk-abcdefghijwxyz"))
}
