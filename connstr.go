package mssql

import (
	"strconv"
	"strings"
	"time"
)

// ParseDSN builds a Config from the ADO.NET-style connection string format
// ("Server=host,port;Database=db;User Id=...;Password=...;Encrypt=strict;
// ..."). It covers the common ADO.NET keys; full fidelity (URL-form DSNs,
// odbc braces, pooling knobs) is out of scope. Following
// original_source/crates/mssql-client/src/config.rs's from_connection_string,
// reimplemented idiomatically (no trailing-`;` empty-part special case
// needed: strings.Split already yields one).
func ParseDSN(dsn string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Database = ""
	cfg.ApplicationName = "go-mssqldb"

	var username, password string
	haveUsername, havePassword := false, false

	for _, part := range strings.Split(dsn, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, configFault(nil, "invalid key-value pair %q", part)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "server", "data source", "host":
			if host, portOrInstance, ok := strings.Cut(value, ","); ok {
				cfg.Host = host
				port, err := strconv.Atoi(portOrInstance)
				if err != nil {
					return nil, configFault(err, "invalid port %q", portOrInstance)
				}
				cfg.Port = port
			} else if host, instance, ok := strings.Cut(value, `\`); ok {
				cfg.Host = host
				cfg.Instance = instance
			} else {
				cfg.Host = value
			}
		case "port":
			port, err := strconv.Atoi(value)
			if err != nil {
				return nil, configFault(err, "invalid port %q", value)
			}
			cfg.Port = port
		case "database", "initial catalog":
			cfg.Database = value
		case "user id", "uid", "user":
			username = value
			haveUsername = true
		case "password", "pwd":
			password = value
			havePassword = true
		case "application name", "app":
			cfg.ApplicationName = value
		case "connect timeout", "connection timeout":
			secs, err := strconv.Atoi(value)
			if err != nil {
				return nil, configFault(err, "invalid connect timeout %q", value)
			}
			cfg.ConnectTimeout = time.Duration(secs) * time.Second
		case "command timeout":
			secs, err := strconv.Atoi(value)
			if err != nil {
				return nil, configFault(err, "invalid command timeout %q", value)
			}
			cfg.CommandTimeout = time.Duration(secs) * time.Second
		case "trustservercertificate", "trust server certificate":
			cfg.TrustServerCertificate = parseBoolish(value)
		case "encrypt":
			switch strings.ToLower(value) {
			case "strict":
				cfg.Encryption = EncryptStrict
			case "false", "no", "0", "disable", "optional":
				cfg.Encryption = EncryptPlain
			case "mandatory", "required":
				cfg.Encryption = EncryptRequired
			default:
				cfg.Encryption = EncryptDuringLogin
			}
		case "multipleactiveresultsets", "mars":
			cfg.MARS = parseBoolish(value)
		case "packet size":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, configFault(err, "invalid packet size %q", value)
			}
			cfg.PacketSize = uint16(n)
		default:
			// Forward-compatible: unrecognized keys are ignored, not fatal.
		}
	}

	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if haveUsername || havePassword {
		cfg.Credentials = SQLServerAuth(username, password)
	}
	return cfg, nil
}

func parseBoolish(v string) bool {
	switch strings.ToLower(v) {
	case "true", "yes", "1":
		return true
	default:
		return false
	}
}
