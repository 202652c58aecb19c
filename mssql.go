package mssql

import (
	"context"
	"database/sql"
	"database/sql/driver"
)

func init() {
	sql.Register("sqlserver", &Driver{})
}

// Driver is the database/sql/driver.Driver this package registers as
// "sqlserver": a thin Driver/Connector pair wrapping Config/Connect.
type Driver struct{}

func (d *Driver) Open(dsn string) (driver.Conn, error) {
	cfg, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	return (&Connector{cfg: cfg}).Connect(context.Background())
}

func (d *Driver) OpenConnector(dsn string) (driver.Connector, error) {
	cfg, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	return &Connector{cfg: cfg}, nil
}

// Connector lets a caller configure a connection in-process (building a
// Config by hand, registering Always Encrypted providers, etc.) without a
// connection-string round trip.
type Connector struct {
	cfg *Config
}

// NewConnector builds a Connector from an already-constructed Config,
// bypassing ParseDSN entirely.
func NewConnector(cfg *Config) *Connector {
	return &Connector{cfg: cfg}
}

func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	sess, err := Connect(ctx, c.cfg)
	if err != nil {
		return nil, err
	}
	return &Conn{sess: sess}, nil
}

func (c *Connector) Driver() driver.Driver { return &Driver{} }
