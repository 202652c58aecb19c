package mssql

import (
	"context"
	"database/sql/driver"
	"fmt"
	"io"
)

// Stmt is a prepared statement in name only: SQL Server has no separate
// prepare step this core models (sp_prepare/sp_execute round-trips are an
// optimization, not a protocol requirement) — Exec/Query just submit the
// stored query text with the call's arguments, matching earlier drivers's
// lineage's PrepareContext-is-a-no-op approach for ad-hoc statements.
type Stmt struct {
	conn  *Conn
	query string
}

var (
	_ driver.Stmt             = (*Stmt)(nil)
	_ driver.StmtExecContext  = (*Stmt)(nil)
	_ driver.StmtQueryContext = (*Stmt)(nil)
)

func (s *Stmt) Close() error  { return nil }
func (s *Stmt) NumInput() int { return -1 } // let database/sql pass through named/positional args uninspected

func (s *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), valuesToNamed(args))
}

func (s *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), valuesToNamed(args))
}

func (s *Stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	return s.conn.ExecContext(ctx, s.query, args)
}

func (s *Stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	return s.conn.QueryContext(ctx, s.query, args)
}

func valuesToNamed(args []driver.Value) []driver.NamedValue {
	out := make([]driver.NamedValue, len(args))
	for i, v := range args {
		out[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return out
}

// execResult is the driver.Result for a statement that doesn't return rows.
// LastInsertId is deliberately unsupported: TDS has no generic "last
// identity" wire signal outside SCOPE_IDENTITY()/OUTPUT clauses, which are
// the caller's SQL to write, not this core's to infer.
type execResult struct {
	rowsAffected int64
}

func (r execResult) LastInsertId() (int64, error) {
	return 0, fmt.Errorf("mssql: LastInsertId is not supported, use OUTPUT or SCOPE_IDENTITY()")
}

func (r execResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

// Rows implements database/sql/driver.Rows by pulling tokens off the
// connection's tokenProcessor until a row, Done, or error token appears.
type Rows struct {
	conn *Conn
	tp   *tokenProcessor
	cols []columnStruct
	done bool
}

var _ driver.Rows = (*Rows)(nil)

func (r *Rows) Columns() []string {
	if err := r.ensureColumns(); err != nil {
		return nil
	}
	names := make([]string, len(r.cols))
	for i, c := range r.cols {
		names[i] = c.ColName
	}
	return names
}

func (r *Rows) ensureColumns() error {
	if r.cols != nil || r.done {
		return nil
	}
	for {
		tok, err := r.tp.nextToken()
		if err != nil {
			return err
		}
		if tok == nil {
			r.done = true
			return nil
		}
		if cols, ok := tok.([]columnStruct); ok {
			r.cols = cols
			return nil
		}
		if applyNonRowToken(r.tp, tok) {
			r.done = true
			return nil
		}
	}
}

func (r *Rows) Close() error {
	for !r.done {
		tok, err := r.tp.nextToken()
		if err != nil || tok == nil {
			break
		}
	}
	return nil
}

func (r *Rows) Next(dest []driver.Value) error {
	if err := r.ensureColumns(); err != nil {
		return err
	}
	if r.done {
		return io.EOF
	}
	for {
		tok, err := r.tp.nextToken()
		if err != nil {
			return err
		}
		if tok == nil {
			r.done = true
			return io.EOF
		}
		switch v := tok.(type) {
		case []columnStruct:
			r.cols = v
			continue
		case []interface{}:
			for i, cell := range v {
				dest[i] = cell
			}
			return nil
		default:
			if applyNonRowToken(r.tp, tok) {
				r.done = true
				return io.EOF
			}
		}
	}
}

// applyNonRowToken feeds a token that isn't a row into the token
// processor's own bookkeeping (row counts, return status, session state),
// mirroring tokenProcessor.iterateResponse's switch so Rows.Next and the
// blocking exec() path stay consistent. It reports whether the response is
// now fully drained.
func applyNonRowToken(tp *tokenProcessor, tok tokenStruct) (finished bool) {
	switch v := tok.(type) {
	case doneInProcStruct:
		if v.Status&doneCount != 0 {
			tp.rowCount += int64(v.RowCount)
		}
	case doneStruct:
		if v.Status&doneCount != 0 {
			tp.rowCount += int64(v.RowCount)
		}
		if v.isError() && tp.firstError == nil {
			tp.firstError = v.getError()
		}
		if v.Status&doneMore == 0 {
			return true
		}
	case ReturnStatus:
		tp.sess.returnStatus = v
	case sessionState:
		tp.sess.lastSessionState = &v
	}
	return false
}

// scanIntoOut assigns a decoded ReturnValue token's payload into the
// caller-supplied output parameter destination, used by token.go's
// tokenReturnValue case when the caller has registered an output
// parameter in the outs map passed to startReading.
func scanIntoOut(name string, value interface{}, dest interface{}) error {
	switch d := dest.(type) {
	case *interface{}:
		*d = value
		return nil
	case *string:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("mssql: output parameter %s: cannot scan %T into *string", name, value)
		}
		*d = s
		return nil
	case *int64:
		n, ok := value.(int64)
		if !ok {
			return fmt.Errorf("mssql: output parameter %s: cannot scan %T into *int64", name, value)
		}
		*d = n
		return nil
	default:
		return fmt.Errorf("mssql: output parameter %s: unsupported destination type %T", name, dest)
	}
}
