package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/sentinel/internal/dedup"
	"github.com/opensource-finance/sentinel/internal/domain"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("SetAndGet", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, tenantID, "key1", []byte("value1"), time.Minute))
		val, err := cache.Get(ctx, tenantID, "key1")
		require.NoError(t, err)
		assert.Equal(t, "value1", string(val))
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, tenantID, "nonexistent")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		val, err := cache.Get(ctx, "tenant-002", "key1")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("RequiresTenant", func(t *testing.T) {
		_, err := cache.Get(ctx, "", "key1")
		assert.Error(t, err)
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "key2", []byte("value2"), time.Minute)
		require.NoError(t, cache.Delete(ctx, tenantID, "key2"))
		val, _ := cache.Get(ctx, tenantID, "key2")
		assert.Nil(t, val)
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		clock := time.Now()
		c := NewLRUCache(10)
		c.now = func() time.Time { return clock }

		_ = c.Set(ctx, tenantID, "expiring", []byte("temp"), time.Second)
		val, _ := c.Get(ctx, tenantID, "expiring")
		assert.NotNil(t, val)

		clock = clock.Add(2 * time.Second)
		val, _ = c.Get(ctx, tenantID, "expiring")
		assert.Nil(t, val)
		size, _ := c.Stats()
		assert.Equal(t, 0, size)
	})

	t.Run("LRUEviction", func(t *testing.T) {
		small := NewLRUCache(3)
		_ = small.Set(ctx, tenantID, "a", []byte("1"), time.Minute)
		_ = small.Set(ctx, tenantID, "b", []byte("2"), time.Minute)
		_ = small.Set(ctx, tenantID, "c", []byte("3"), time.Minute)

		// touch a so b becomes the oldest
		_, _ = small.Get(ctx, tenantID, "a")
		_ = small.Set(ctx, tenantID, "d", []byte("4"), time.Minute)

		val, _ := small.Get(ctx, tenantID, "b")
		assert.Nil(t, val)
		val, _ = small.Get(ctx, tenantID, "a")
		assert.Equal(t, "1", string(val))
		size, capacity := small.Stats()
		assert.Equal(t, 3, size)
		assert.Equal(t, 3, capacity)
	})

	t.Run("Assessment", func(t *testing.T) {
		a := &domain.Assessment{ID: "a-1", ClaimID: "claim-1", Score: 0.68, Label: domain.RiskMedium}
		require.NoError(t, cache.SetAssessment(ctx, tenantID, "claim-1", a, time.Minute))

		got, err := cache.GetAssessment(ctx, tenantID, "claim-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, domain.RiskMedium, got.Label)

		got, err = cache.GetAssessment(ctx, tenantID, "claim-2")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("Concurrent", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := string(rune('a' + i%26))
				_ = cache.Set(ctx, tenantID, key, []byte{byte(i)}, time.Minute)
				_, _ = cache.Get(ctx, tenantID, key)
			}(i)
		}
		wg.Wait()
	})
}

func TestRedisCache(t *testing.T) {
	mr, client := newMiniRedis(t)
	cache := NewRedisCacheWithClient(client)
	ctx := context.Background()

	require.NoError(t, cache.Ping(ctx))

	require.NoError(t, cache.Set(ctx, "t1", "k", []byte("v"), time.Minute))
	assert.True(t, mr.Exists("sentinel:t1:k"))

	val, err := cache.Get(ctx, "t1", "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(val))

	val, err = cache.Get(ctx, "t1", "missing")
	require.NoError(t, err)
	assert.Nil(t, val)

	mr.FastForward(2 * time.Minute)
	val, err = cache.Get(ctx, "t1", "k")
	require.NoError(t, err)
	assert.Nil(t, val)

	a := &domain.Assessment{ID: "a-1", ClaimID: "c-1", Label: domain.RiskHigh, Score: 1.0}
	require.NoError(t, cache.SetAssessment(ctx, "t1", "c-1", a, time.Minute))
	got, err := cache.GetAssessment(ctx, "t1", "c-1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Score)
}

func TestTwoPhaseCache(t *testing.T) {
	mr, client := newMiniRedis(t)
	ctx := context.Background()
	c := newTwoPhase(NewLRUCache(10), NewRedisCacheWithClient(client), time.Minute)

	require.NoError(t, c.Set(ctx, "t1", "k", []byte("v"), time.Hour))
	assert.True(t, mr.Exists("sentinel:t1:k"))

	// An L2-only value is promoted into L1.
	require.NoError(t, mr.Set("sentinel:t1:remote", "r"))
	val, err := c.Get(ctx, "t1", "remote")
	require.NoError(t, err)
	assert.Equal(t, "r", string(val))
	size, _ := c.Stats()
	assert.Equal(t, 2, size)

	require.NoError(t, c.Delete(ctx, "t1", "k"))
	assert.False(t, mr.Exists("sentinel:t1:k"))

	require.NoError(t, c.Ping(ctx))
}

func TestRedisFingerprintStore(t *testing.T) {
	_, client := newMiniRedis(t)
	store := NewRedisFingerprintStore(client)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	ids := []string{"claim-z", "claim-a", "claim-m"}
	for i, id := range ids {
		seq, err := store.SaveFingerprint(ctx, domain.FingerprintRecord{
			ClaimID: id, Hash: "p:00000000000000f" + string(rune('0'+i)), RegisteredAt: base,
		}, int64(i))
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), seq)
	}

	t.Run("ExistingClaim", func(t *testing.T) {
		_, err := store.SaveFingerprint(ctx, domain.FingerprintRecord{ClaimID: "claim-a", Hash: "p:0000000000000000"}, 3)
		assert.ErrorIs(t, err, domain.ErrFingerprintExists)
	})

	t.Run("StaleWriter", func(t *testing.T) {
		_, err := store.SaveFingerprint(ctx, domain.FingerprintRecord{ClaimID: "claim-new", Hash: "p:0000000000000000"}, 1)
		assert.ErrorIs(t, err, domain.ErrIndexStale)

		records, err := store.LoadFingerprints(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, records, 3, "a stale write leaves nothing behind")
	})

	t.Run("LoadAll", func(t *testing.T) {
		records, err := store.LoadFingerprints(ctx, 0)
		require.NoError(t, err)
		require.Len(t, records, 3)
		for i, rec := range records {
			assert.Equal(t, ids[i], rec.ClaimID)
			assert.Equal(t, int64(i+1), rec.Seq)
			assert.True(t, base.Equal(rec.RegisteredAt))
		}
		assert.Equal(t, "p:00000000000000f1", records[1].Hash)
	})

	t.Run("LoadSince", func(t *testing.T) {
		records, err := store.LoadFingerprints(ctx, 2)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "claim-m", records[0].ClaimID)

		records, err = store.LoadFingerprints(ctx, 3)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestRedisFingerprintStoreSharedIndex(t *testing.T) {
	_, client := newMiniRedis(t)
	ctx := context.Background()

	nodeA, err := dedup.Open(ctx, NewRedisFingerprintStore(client))
	require.NoError(t, err)
	nodeB, err := dedup.Open(ctx, NewRedisFingerprintStore(client))
	require.NoError(t, err)

	v, err := nodeA.LookupOrRegisterFingerprint(ctx, "claim-A", dedup.NewFingerprint(0xABCDEF))
	require.NoError(t, err)
	assert.False(t, v.IsDuplicate)

	v, err = nodeB.LookupOrRegisterFingerprint(ctx, "claim-B", dedup.NewFingerprint(0xABCDEF))
	require.NoError(t, err)
	assert.True(t, v.IsDuplicate)
	assert.Equal(t, "claim-A", v.OriginalClaimID)

	// Racing nodes: exactly one registration of a document wins.
	var wg sync.WaitGroup
	var mu sync.Mutex
	unique := 0
	for i, node := range []*dedup.Index{nodeA, nodeB, nodeA, nodeB} {
		wg.Add(1)
		go func(i int, node *dedup.Index) {
			defer wg.Done()
			v, err := node.LookupOrRegisterFingerprint(ctx, "race-"+string(rune('0'+i)), dedup.NewFingerprint(0xF0F0F0F000000000))
			if !assert.NoError(t, err) {
				return
			}
			if !v.IsDuplicate {
				mu.Lock()
				unique++
				mu.Unlock()
			}
		}(i, node)
	}
	wg.Wait()
	assert.Equal(t, 1, unique)

	records, err := NewRedisFingerprintStore(client).LoadFingerprints(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestNewUnsupported(t *testing.T) {
	_, err := New(domain.CacheConfig{Type: "memcached"})
	assert.Error(t, err)

	c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 5})
	require.NoError(t, err)
	assert.IsType(t, &LRUCache{}, c)
}
