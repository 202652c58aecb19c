// Package aecrypto implements the Always Encrypted client-side crypto
// pipeline: the two-tier CMK/CEK key hierarchy, the CEK cache with
// singleflight unwrap, and the AEAD_AES_256_CBC_HMAC_SHA256 cipher used to
// encrypt parameters and decrypt result columns.
package aecrypto

import "fmt"

// EncryptionType is the AEAD mode requested for a column or parameter.
type EncryptionType byte

const (
	// Deterministic encryption derives the IV from the plaintext so equal
	// plaintexts produce equal ciphertexts, enabling server-side equality
	// comparisons on encrypted columns.
	Deterministic EncryptionType = 1
	// Randomized encryption draws the IV from a CSPRNG; it never leaks
	// equality but cannot be compared or indexed server-side.
	Randomized EncryptionType = 2
)

func (e EncryptionType) String() string {
	switch e {
	case Deterministic:
		return "Deterministic"
	case Randomized:
		return "Randomized"
	default:
		return fmt.Sprintf("EncryptionType(%d)", byte(e))
	}
}

// KeyWrapAlgorithm names the RSA wrap algorithm used to protect a CEK value
// under a CMK. The core never performs the unwrap itself — it hands the
// wrapped bytes to a Provider keyed by this name plus the CMK path.
type KeyWrapAlgorithm string

const (
	RSA_OAEP     KeyWrapAlgorithm = "RSA_OAEP"
	RSA_OAEP_256 KeyWrapAlgorithm = "RSA_OAEP_256"
	RSA1_5       KeyWrapAlgorithm = "RSA1_5"
)

// Well-known key store provider names.
const (
	ProviderAzureKeyVault     = "AZURE_KEY_VAULT"
	ProviderCertificateStore = "MSSQL_CERTIFICATE_STORE"
	ProviderInMemory          = "IN_MEMORY"
)

// EncryptionKeyInfo is one wrapped-value record inside a CekTableEntry: a
// single (provider, path, algorithm) encoding of the same CEK, as SQL Server
// may offer more than one key store for the same key during rotation.
type EncryptionKeyInfo struct {
	EncryptedKey      []byte
	DatabaseID        int
	CekID             int
	CekVersion        int
	CekMDVersion      []byte
	KeyPath           string
	KeyStoreName      string
	EncryptionAlgorithm string
}

// CekTableEntry describes one Column Encryption Key as advertised in a
// ColMetaData token's CEK table.
type CekTableEntry struct {
	DatabaseID int
	KeyID      int
	KeyVersion int
	MDVersion  []byte
	Values     []EncryptionKeyInfo
}

// PrimaryValue returns the first wrapped-value record, which is what the
// core always attempts first; callers needing fallback across key stores
// can iterate Values directly.
func (e *CekTableEntry) PrimaryValue() (EncryptionKeyInfo, bool) {
	if len(e.Values) == 0 {
		return EncryptionKeyInfo{}, false
	}
	return e.Values[0], true
}

// CacheKey identifies a CEK uniquely for caching purposes: two entries with the same key must unwrap to the same CEK.
type CacheKey struct {
	DatabaseID int
	CekID      int
	CekVersion int
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%d/%d/%d", k.DatabaseID, k.CekID, k.CekVersion)
}

// CekTable is the ordinal-indexed set of CEK entries attached to a
// ColMetaData token when any column in the result set is encrypted.
type CekTable struct {
	Entries []CekTableEntry
}

// NewCekTable preallocates a table of the given size; entries are filled in
// by the wire decoder as they are parsed off the wire.
func NewCekTable(size int) *CekTable {
	return &CekTable{Entries: make([]CekTableEntry, size)}
}

func (t *CekTable) Get(ordinal uint16) (*CekTableEntry, error) {
	if t == nil {
		return nil, fmt.Errorf("aecrypto: no CEK table present for encrypted column")
	}
	if int(ordinal) >= len(t.Entries) {
		return nil, fmt.Errorf("aecrypto: CEK ordinal %d out of range (table has %d entries)", ordinal, len(t.Entries))
	}
	return &t.Entries[ordinal], nil
}

// CryptoMetadata is the per-column or per-parameter crypto descriptor
// carried alongside a ColMetaData/ReturnValue TypeInfo ("Crypto
// metadata (per column)").
type CryptoMetadata struct {
	CekTableOrdinal   uint16
	AlgorithmID       byte
	AlgorithmName     string
	EncryptionType    EncryptionType
	NormalizationVersion byte
}
