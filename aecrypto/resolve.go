package aecrypto

import (
	"context"
	"fmt"
)

// Resolve ties the pieces together: given a CekTableEntry straight off the
// wire, find (or unwrap and cache) the AeadEncryptor for it. This is the
// single entry point token decoding and parameter encoding both call.
func Resolve(ctx context.Context, cache *Cache, registry *Registry, entry *CekTableEntry) (*AeadEncryptor, error) {
	value, ok := entry.PrimaryValue()
	if !ok {
		return nil, &CryptoError{Op: "unwrap", Message: "CEK table entry has no wrapped values"}
	}
	key := CacheKey{DatabaseID: entry.DatabaseID, CekID: entry.KeyID, CekVersion: entry.KeyVersion}

	return cache.GetOrUnwrap(ctx, key, func(ctx context.Context) (*AeadEncryptor, error) {
		provider, ok := registry.Lookup(value.KeyStoreName)
		if !ok {
			return nil, &CryptoError{Op: "unwrap", CEK: key, Message: fmt.Sprintf("no provider registered for key store %q", value.KeyStoreName)}
		}

		keyPath, wrapped, err := ParseWrappedCEKEnvelope(value.EncryptedKey)
		if err != nil {
			// Some server versions send the raw wrapped blob with no
			// envelope wrapper. On any envelope parse failure the whole
			// EncryptedKey is handed to the provider as the wrapped blob,
			// with the key path from the CEK value.
			keyPath, wrapped = value.KeyPath, value.EncryptedKey
		}
		if keyPath == "" {
			keyPath = value.KeyPath
		}

		plain, err := provider.DecryptCEK(ctx, keyPath, KeyWrapAlgorithm(value.EncryptionAlgorithm), wrapped)
		if err != nil {
			return nil, &CryptoError{Op: "unwrap", CEK: key, Message: "provider rejected unwrap", Cause: err}
		}

		enc, err := NewAeadEncryptor(plain)
		if err != nil {
			return nil, &CryptoError{Op: "unwrap", CEK: key, Message: "deriving subkeys", Cause: err}
		}
		return enc, nil
	})
}
