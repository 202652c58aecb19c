package aecrypto

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cache caches AeadEncryptor instances by CacheKey, guaranteeing at most one
// concurrent provider unwrap per key. It is shared across every connection
// configured with the same encryption configuration, so it must be safe for
// concurrent use by many goroutines.
type Cache struct {
	entries sync.Map // CacheKey -> *AeadEncryptor
	group   singleflight.Group
}

// NewCache returns an empty, ready-to-use cache.
func NewCache() *Cache {
	return &Cache{}
}

// GetOrUnwrap returns the cached encryptor for key, or resolves it by
// calling resolve exactly once even if many goroutines race on the same
// key — later arrivals block on the in-flight resolve() call rather than
// starting their own (singleflight.Group's documented "promise/future"
// discipline).
//
// resolve is expected to: look up the provider for the wrapped value's
// store name, call Provider.DecryptCEK, and build an AeadEncryptor from the
// plaintext CEK bytes.
func (c *Cache) GetOrUnwrap(ctx context.Context, key CacheKey, resolve func(context.Context) (*AeadEncryptor, error)) (*AeadEncryptor, error) {
	if v, ok := c.entries.Load(key); ok {
		return v.(*AeadEncryptor), nil
	}

	v, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
		// Double-check: another goroutine may have populated the cache
		// between our Load miss above and acquiring the singleflight slot.
		if v, ok := c.entries.Load(key); ok {
			return v.(*AeadEncryptor), nil
		}
		enc, err := resolve(ctx)
		if err != nil {
			return nil, err
		}
		c.entries.Store(key, enc)
		return enc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*AeadEncryptor), nil
}

// Clear drops every cached entry, e.g. after an administrator-initiated key
// rotation.
func (c *Cache) Clear() {
	c.entries.Range(func(k, _ interface{}) bool {
		c.entries.Delete(k)
		return true
	})
}

// Len reports the number of cached entries, mainly for diagnostics/tests.
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
