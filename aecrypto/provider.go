package aecrypto

import (
	"context"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"strings"

	alwaysencrypted "github.com/swisscom/mssql-always-encrypted/pkg"
	"golang.org/x/crypto/pkcs12"
)

// Provider is the capability the crypto pipeline consumes to turn a wrapped
// CEK into plaintext key bytes. It is never implemented by this package for
// Azure Key Vault or Windows CNG (out of scope as external collaborators) —
// callers register whatever provider fits their key store.
type Provider interface {
	// ProviderName is the key store provider name this instance answers
	// for, e.g. "AZURE_KEY_VAULT" or "MSSQL_CERTIFICATE_STORE".
	ProviderName() string
	// DecryptCEK unwraps a CEK value. cmkPath is opaque to the core and
	// interpreted entirely by the provider.
	DecryptCEK(ctx context.Context, cmkPath string, wrapAlgorithm KeyWrapAlgorithm, wrapped []byte) ([]byte, error)
}

// Signer is implemented by providers that can sign CEK metadata for
// enclave-based computations. Optional — most providers only unwrap.
type Signer interface {
	Sign(ctx context.Context, cmkPath string, data []byte) ([]byte, error)
}

// Verifier is the counterpart to Signer.
type Verifier interface {
	Verify(ctx context.Context, cmkPath string, data, signature []byte) (bool, error)
}

// Registry is a lookup table of providers by name, held on the connection
// configuration.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces the provider for its own ProviderName().
func (r *Registry) Register(p Provider) {
	r.providers[p.ProviderName()] = p
}

// Lookup returns the provider registered under name, if any.
func (r *Registry) Lookup(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// InMemoryProvider decrypts CEKs using an RSA private key held directly in
// process memory — intended for tests and embedded/offline scenarios where
// the CMK never leaves the process, under the "IN_MEMORY" provider name.
type InMemoryProvider struct {
	keys map[string]*rsa.PrivateKey
}

// NewInMemoryProvider creates an empty in-memory key store.
func NewInMemoryProvider() *InMemoryProvider {
	return &InMemoryProvider{keys: make(map[string]*rsa.PrivateKey)}
}

// AddKey registers an RSA private key under a CMK path. Paths are matched
// exactly against what ColMetaData reports, so the registered path must be
// whatever the server-side CMK definition uses.
func (p *InMemoryProvider) AddKey(cmkPath string, key *rsa.PrivateKey) {
	p.keys[cmkPath] = key
}

func (p *InMemoryProvider) ProviderName() string { return ProviderInMemory }

func (p *InMemoryProvider) DecryptCEK(ctx context.Context, cmkPath string, wrapAlgorithm KeyWrapAlgorithm, wrapped []byte) ([]byte, error) {
	key, ok := p.keys[cmkPath]
	if !ok {
		return nil, &CryptoError{Op: "unwrap", Message: fmt.Sprintf("no in-memory key registered for path %q", cmkPath)}
	}
	plain, err := unwrapRSA(key, wrapAlgorithm, wrapped)
	if err != nil {
		return nil, &CryptoError{Op: "unwrap", Message: "rsa unwrap", Cause: err}
	}
	return plain, nil
}

func unwrapRSA(key *rsa.PrivateKey, alg KeyWrapAlgorithm, wrapped []byte) ([]byte, error) {
	switch alg {
	case RSA_OAEP:
		return rsa.DecryptOAEP(sha1.New(), nil, key, wrapped, nil)
	case RSA_OAEP_256:
		return rsa.DecryptOAEP(sha256.New(), nil, key, wrapped, nil)
	case RSA1_5:
		return rsa.DecryptPKCS1v15(nil, key, wrapped)
	default:
		return nil, fmt.Errorf("aecrypto: unsupported key wrap algorithm %q", alg)
	}
}

// CertStoreProvider recognizes the Windows certificate-store CMK path
// syntax and reuses the swisscom/mssql-always-encrypted CEKV
// decode/verify/decrypt trio once the caller has located the matching
// certificate and private key (the OS/CNG keystore lookup itself is out of
// scope and is the caller's job).
type CertStoreProvider struct {
	// Cert is the certificate whose public key must match the CEKV's
	// embedded certificate hash before a wrapped value is trusted.
	Cert *x509.Certificate
	// Key is the RSA private key backing Cert.
	Key *rsa.PrivateKey
}

// NewPFXProvider loads a CertStoreProvider's certificate and private key
// straight out of a PKCS#12 (.pfx) blob, for callers that keep the
// certificate-store CMK's key material in a local keystore file rather than
// the OS certificate store. password is the PFX's own encryption password,
// not a server credential.
func NewPFXProvider(pfxData []byte, password string) (*CertStoreProvider, error) {
	key, cert, err := pkcs12.Decode(pfxData, password)
	if err != nil {
		return nil, &CryptoError{Op: "unwrap", Message: "pkcs12 decode", Cause: err}
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, &CryptoError{Op: "unwrap", Message: fmt.Sprintf("pfx private key is %T, want *rsa.PrivateKey", key)}
	}
	return &CertStoreProvider{Cert: cert, Key: rsaKey}, nil
}

func (p *CertStoreProvider) ProviderName() string { return ProviderCertificateStore }

// ParseCertStorePath validates the "<StoreLocation>/<StoreName>/<thumbprint>"
// syntax without touching any OS keystore, returning ConfigFault-shaped
// errors for anything malformed.
func ParseCertStorePath(path string) (location, store, thumbprint string, err error) {
	parts := strings.Split(path, "/")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("aecrypto: malformed certificate store path %q", path)
	}
	location, store, thumbprint = parts[0], parts[1], strings.ToLower(parts[2])
	if location != "CurrentUser" && location != "LocalMachine" {
		return "", "", "", fmt.Errorf("aecrypto: unknown certificate store location %q", location)
	}
	if len(thumbprint) == 0 {
		return "", "", "", fmt.Errorf("aecrypto: empty certificate thumbprint in path %q", path)
	}
	return location, store, thumbprint, nil
}

func (p *CertStoreProvider) DecryptCEK(ctx context.Context, cmkPath string, wrapAlgorithm KeyWrapAlgorithm, wrapped []byte) ([]byte, error) {
	if _, _, _, err := ParseCertStorePath(cmkPath); err != nil {
		return nil, &CryptoError{Op: "unwrap", Message: err.Error()}
	}
	if p.Cert == nil || p.Key == nil {
		return nil, &CryptoError{Op: "unwrap", Message: "certificate/private key not loaded for " + cmkPath}
	}

	cekv := alwaysencrypted.LoadCEKV(wrapped)
	if !cekv.Verify(p.Cert) {
		return nil, &CryptoError{
			Op: "unwrap",
			Message: fmt.Sprintf("certificate mismatch: wrapped value expects %v, have %x",
				cekv.KeyPath, sha1.Sum(p.Cert.Raw)),
		}
	}

	plain, err := cekv.Decrypt(p.Key)
	if err != nil {
		return nil, &CryptoError{Op: "unwrap", Message: "certificate-backed unwrap", Cause: err}
	}
	return plain, nil
}
