package aecrypto

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Under K concurrent resolutions for the same cache key, the
// provider's unwrap is called exactly once.
func TestCacheSingleflight(t *testing.T) {
	const concurrency = 32
	cache := NewCache()
	key := CacheKey{DatabaseID: 1, CekID: 2, CekVersion: 3}

	var calls int32
	release := make(chan struct{})
	started := make(chan struct{}, concurrency)

	resolve := func(ctx context.Context) (*AeadEncryptor, error) {
		atomic.AddInt32(&calls, 1)
		started <- struct{}{}
		<-release
		return NewAeadEncryptor(cek42())
	}

	var wg sync.WaitGroup
	results := make([]*AeadEncryptor, concurrency)
	errs := make([]error, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			enc, err := cache.GetOrUnwrap(context.Background(), key, resolve)
			results[i] = enc
			errs[i] = err
		}(i)
	}

	// Wait for at least one resolver to have started, then give stragglers
	// a moment to pile up behind the singleflight group before releasing.
	<-started
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "resolve must run exactly once for K concurrent callers")
	for i := 0; i < concurrency; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.Same(t, results[0], results[i], "all callers must observe the same cached encryptor")
	}
	assert.Equal(t, 1, cache.Len())
}

func TestCacheClearDropsEntries(t *testing.T) {
	cache := NewCache()
	key := CacheKey{DatabaseID: 1, CekID: 1, CekVersion: 1}

	_, err := cache.GetOrUnwrap(context.Background(), key, func(context.Context) (*AeadEncryptor, error) {
		return NewAeadEncryptor(cek42())
	})
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())

	cache.Clear()
	assert.Equal(t, 0, cache.Len())
}

func TestCacheGetOrUnwrapPropagatesError(t *testing.T) {
	cache := NewCache()
	key := CacheKey{DatabaseID: 9, CekID: 9, CekVersion: 9}

	_, err := cache.GetOrUnwrap(context.Background(), key, func(context.Context) (*AeadEncryptor, error) {
		return nil, &CryptoError{Op: "unwrap", Message: "boom"}
	})
	assert.Error(t, err)
	assert.Equal(t, 0, cache.Len())
}
