package mssql

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDSNBasic(t *testing.T) {
	cfg, err := ParseDSN("Server=db.example.com,1435;Database=orders;User Id=svc;Password=s3cret;Encrypt=strict;Connect Timeout=5")
	require.NoError(t, err)

	assert.Equal(t, "db.example.com", cfg.Host)
	assert.Equal(t, 1435, cfg.Port)
	assert.Equal(t, "orders", cfg.Database)
	assert.Equal(t, EncryptStrict, cfg.Encryption)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, CredentialSQLServer, cfg.Credentials.Kind)
	assert.Equal(t, "svc", cfg.Credentials.Username)
	assert.Equal(t, "s3cret", cfg.Credentials.Password)
}

func TestParseDSNNamedInstance(t *testing.T) {
	cfg, err := ParseDSN(`Server=myhost\SQLEXPRESS;Database=db`)
	require.NoError(t, err)
	assert.Equal(t, "myhost", cfg.Host)
	assert.Equal(t, "SQLEXPRESS", cfg.Instance)
}

func TestParseDSNUnknownKeysIgnored(t *testing.T) {
	cfg, err := ParseDSN("Server=localhost;SomeFutureKey=whatever;Database=db")
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, "db", cfg.Database)
}

func TestParseDSNDefaultsHostWhenMissing(t *testing.T) {
	cfg, err := ParseDSN("Database=db")
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Host)
}

func TestParseDSNCaseInsensitiveKeys(t *testing.T) {
	cfg, err := ParseDSN("SERVER=host1;user id=bob;PASSWORD=pw")
	require.NoError(t, err)
	assert.Equal(t, "host1", cfg.Host)
	assert.Equal(t, "bob", cfg.Credentials.Username)
}

func TestParseDSNInvalidPortIsConfigFault(t *testing.T) {
	_, err := ParseDSN("Server=host,notaport")
	require.Error(t, err)
	var fault *DriverFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, FaultConfig, fault.Kind)
}

func TestParseDSNEncryptValues(t *testing.T) {
	cases := map[string]EncryptionPolicy{
		"false":    EncryptPlain,
		"no":       EncryptPlain,
		"optional": EncryptPlain,
		"true":     EncryptDuringLogin,
		"strict":   EncryptStrict,
		"required": EncryptRequired,
	}
	for value, want := range cases {
		cfg, err := ParseDSN("Server=h;Encrypt=" + value)
		require.NoError(t, err, value)
		assert.Equal(t, want, cfg.Encryption, "Encrypt=%s", value)
	}
}

func TestParseDSNMarsAndPacketSize(t *testing.T) {
	cfg, err := ParseDSN("Server=h;MARS=true;Packet Size=8192")
	require.NoError(t, err)
	assert.True(t, cfg.MARS)
	assert.Equal(t, uint16(8192), cfg.PacketSize)
}
