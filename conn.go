package mssql

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Conn implements database/sql/driver.Conn over one *tdsSession. A
// connection is never internally multiplexed: every method here assumes
// exclusive use for the duration of one request/response.
type Conn struct {
	sess *tdsSession
}

var (
	_ driver.Conn             = (*Conn)(nil)
	_ driver.Pinger           = (*Conn)(nil)
	_ driver.ExecerContext    = (*Conn)(nil)
	_ driver.QueryerContext   = (*Conn)(nil)
	_ driver.ConnPrepareContext = (*Conn)(nil)
	_ driver.ConnBeginTx      = (*Conn)(nil)
	_ driver.NamedValueChecker = (*Conn)(nil)
	_ driver.SessionResetter  = (*Conn)(nil)
)

func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *Conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	if !c.sess.state.CanSubmit() {
		return nil, wrongStateFault(c.sess.state, Ready)
	}
	return &Stmt{conn: c, query: query}, nil
}

func (c *Conn) Close() error {
	return c.sess.buf.transport.Close()
}

// SessionState returns the data of the last Session state token (0xE4) the
// server sent on this connection, or nil if none has been seen.
func (c *Conn) SessionState() []byte {
	return c.sess.SessionState()
}

// Begin implements the legacy driver.Conn interface; BeginTx is preferred.
func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *Conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if !c.sess.state.CanSubmit() {
		return nil, wrongStateFault(c.sess.state, Ready)
	}
	if _, err := c.exec(ctx, "BEGIN TRANSACTION", nil); err != nil {
		return nil, err
	}
	c.sess.state = InTransaction
	return &Tx{conn: c}, nil
}

func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.exec(ctx, "SELECT 1", nil)
	return err
}

func (c *Conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	rowsAffected, err := c.exec(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return execResult{rowsAffected: rowsAffected}, nil
}

func (c *Conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	return c.query(ctx, query, args)
}

// CheckNamedValue accepts every scalar type encodeParamValue knows how to
// serialize, and rejects the rest up front instead of failing deep inside
// RPC encoding.
func (c *Conn) CheckNamedValue(nv *driver.NamedValue) error {
	switch nv.Value.(type) {
	case nil, bool, int64, int32, int, float64, float32, string, []byte, uuid.UUID:
		return nil
	default:
		if _, ok := nv.Value.(interface{ UnixNano() int64 }); ok {
			return nil
		}
		return driver.ErrSkip
	}
}

// ResetSession implements driver.SessionResetter: a pooled connection must
// not resume mid-transaction or mid-response.
func (c *Conn) ResetSession(ctx context.Context) error {
	if c.sess.state == Broken {
		return driver.ErrBadConn
	}
	if c.sess.state == InTransaction {
		if _, err := c.exec(ctx, "IF @@TRANCOUNT > 0 ROLLBACK TRANSACTION", nil); err != nil {
			return driver.ErrBadConn
		}
		c.sess.state = Ready
	}
	return nil
}

func namedParams(args []driver.NamedValue) ([]encodedParam, error) {
	params := make([]encodedParam, len(args))
	for i, a := range args {
		name := a.Name
		if name == "" {
			name = paramOrdinalName(i)
		} else {
			name = "@" + name
		}
		p, err := encodeParamValue(name, a.Value)
		if err != nil {
			return nil, err
		}
		params[i] = p
	}
	return params, nil
}

func paramOrdinalName(i int) string {
	return fmt.Sprintf("@p%d", i+1)
}

// submit sends one batch (direct SqlBatch for unparameterized statements,
// sp_executesql RPC otherwise) and returns the token processor draining its
// response.
func (c *Conn) submit(ctx context.Context, query string, args []driver.NamedValue) (*tokenProcessor, error) {
	if !c.sess.state.CanSubmit() {
		return nil, wrongStateFault(c.sess.state, Ready)
	}

	outs := map[string]interface{}{}

	if len(args) == 0 {
		c.sess.buf.BeginPacket(packSQLBatch, 0)
		if _, err := c.sess.buf.Write(encodeSQLBatch(query, c.sess.tranid)); err != nil {
			return nil, err
		}
	} else {
		params, err := namedParams(args)
		if err != nil {
			return nil, err
		}
		c.sess.buf.BeginPacket(packRPCRequest, 0)
		if _, err := c.sess.buf.Write(encodeRPCExecuteSQL(query, c.sess.tranid, params)); err != nil {
			return nil, err
		}
	}
	if err := c.sess.buf.FinishPacket(); err != nil {
		return nil, err
	}

	return startReading(ctx, c.sess, outs), nil
}

func (c *Conn) exec(ctx context.Context, query string, args []driver.NamedValue) (rowsAffected int64, err error) {
	tp, err := c.submit(ctx, query, args)
	if err != nil {
		return 0, err
	}
	err = tp.iterateResponse()
	if err != nil {
		var srvErr Error
		if !errors.As(err, &srvErr) || srvErr.IsFatal() {
			c.sess.state = Broken
		}
		return tp.rowCount, err
	}
	return tp.rowCount, nil
}

func (c *Conn) query(ctx context.Context, query string, args []driver.NamedValue) (*Rows, error) {
	tp, err := c.submit(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return &Rows{conn: c, tp: tp}, nil
}
