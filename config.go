package mssql

import (
	"time"

	"github.com/mssql-core/go-mssqldb/aecrypto"
)

// EncryptionPolicy selects how (and whether) TLS is negotiated during the
// handshake.
type EncryptionPolicy int

const (
	// EncryptPlain never negotiates TLS (encryption level Off).
	EncryptPlain EncryptionPolicy = iota
	// EncryptDuringLogin negotiates TLS tunneled in Prelogin packets, then
	// drops back to plaintext TCP once Login7 completes (legacy "On").
	EncryptDuringLogin
	// EncryptStrict performs TDS 8.0 pre-handshake TLS: the raw socket is
	// upgraded before any TDS byte is sent, and every subsequent packet
	// (including Prelogin) rides over TLS.
	EncryptStrict
	// EncryptRequired is the legacy "Required" level: TLS persists for the
	// whole connection, but negotiation still happens inside Prelogin.
	EncryptRequired
)

// AlwaysEncryptedConfig wires the Always Encrypted crypto pipeline into a
// Config. It is nil (disabled) unless the caller registers at least one
// provider.
type AlwaysEncryptedConfig struct {
	Registry *aecrypto.Registry
	Cache    *aecrypto.Cache
}

// NewAlwaysEncryptedConfig builds an encryption configuration with a fresh
// provider registry and a cache the caller may choose to share across many
// Configs (the cache, not the registry, is what needs process-wide
// shared-lock discipline; sharing the *Cache across Configs with the same
// encryption configuration is the caller's choice).
func NewAlwaysEncryptedConfig() *AlwaysEncryptedConfig {
	return &AlwaysEncryptedConfig{
		Registry: aecrypto.NewRegistry(),
		Cache:    aecrypto.NewCache(),
	}
}

// Config is the connection configuration data model: built by the caller,
// consumed by the handshake driver, immutable thereafter except for the
// routing-redirect copy (withRoutingTarget).
type Config struct {
	Host     string
	Port     int
	Instance string // named instance, mutually informative with Port
	Database string

	Credentials Credentials

	Encryption                EncryptionPolicy
	TrustServerCertificate    bool
	ServerCertificateSubject  string // expected subject when not trusting blindly

	ApplicationName string
	PacketSize      uint16 // negotiated further by EnvChange, see buf.go
	ConnectTimeout  time.Duration
	CommandTimeout  time.Duration
	MARS            bool

	AlwaysEncrypted *AlwaysEncryptedConfig

	// FedAuthRequired advertises federated-auth support in Prelogin. Azure
	// AD token plumbing beyond the advertised bit is the caller's job.
	FedAuthRequired bool

	Logger   Logger
	LogFlags LogFlags
}

// DefaultConfig returns a Config with historical defaults:
// 4096-byte packets, 30s connect/command timeouts, TLS required for the
// whole connection (EncryptRequired), the stdlib-backed logger with no
// LogFlags set.
func DefaultConfig() *Config {
	return &Config{
		Port:           1433,
		Encryption:     EncryptRequired,
		PacketSize:     defaultPacketSize,
		ConnectTimeout: 30 * time.Second,
		CommandTimeout: 30 * time.Second,
		Logger:         NewStdLogger(),
	}
}

// withRoutingTarget returns a shallow copy of c pointed at a new host/port,
// as produced by a Routing EnvChange during login.
func (c *Config) withRoutingTarget(host string, port uint16) *Config {
	next := *c
	next.Host = host
	next.Port = int(port)
	next.Instance = ""
	return &next
}

func (c *Config) strict() bool { return c.Encryption == EncryptStrict }

func (c *Config) tlsRequired() bool {
	switch c.Encryption {
	case EncryptDuringLogin, EncryptStrict, EncryptRequired:
		return true
	default:
		return false
	}
}
