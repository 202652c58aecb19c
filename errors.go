package mssql

import (
	"fmt"

	"github.com/gravitational/trace"
	multierror "github.com/hashicorp/go-multierror"
)

// FaultKind enumerates the driver fault taxonomy. It is carried as a
// trace.Error field rather than a separate Go type hierarchy, so callers
// can do one errors.As(err, &driverFault) and then switch on Kind instead
// of chasing a dozen concrete error types.
type FaultKind string

const (
	FaultTransport     FaultKind = "TransportFault"
	FaultFraming       FaultKind = "FramingFault"
	FaultProtocol      FaultKind = "ProtocolFault"
	FaultAuth          FaultKind = "AuthFault"
	FaultConfig        FaultKind = "ConfigFault"
	FaultTimeout       FaultKind = "Timeout"
	FaultTooManyRedirects FaultKind = "TooManyRedirects"
	FaultWrongState    FaultKind = "WrongState"
)

// DriverFault is the connection-fatal (or caller-visible-before-I/O) error
// shape for every fault kind except ServerError and CryptoFault, which keep
// their own concrete types because callers pattern-match on protocol
// fields, not just a message.
type DriverFault struct {
	Kind    FaultKind
	Message string
	cause   error
}

func (f *DriverFault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("mssql: %s: %s: %v", f.Kind, f.Message, f.cause)
	}
	return fmt.Sprintf("mssql: %s: %s", f.Kind, f.Message)
}

func (f *DriverFault) Unwrap() error { return f.cause }

// newFault wraps fault (never cause) so the returned error's Unwrap chain
// always reaches the *DriverFault via trace's own Unwrap — the caller's
// errors.As(err, &driverFault) walks trace.Error -> *DriverFault -> cause.
// trace.ConnectionProblem is the one constructor in this library whose
// first argument is the error being wrapped, so it is used for
// FaultTransport; every other kind goes through the plain trace.Wrap, which
// attaches a stack trace without discarding the kind-specific fields
// already carried on fault itself.
func newFault(kind FaultKind, cause error, format string, args ...interface{}) error {
	fault := &DriverFault{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
	if kind == FaultTransport {
		return trace.ConnectionProblem(fault, "%s", fault.Message)
	}
	return trace.Wrap(fault)
}

func transportFault(cause error, format string, args ...interface{}) error {
	return newFault(FaultTransport, cause, format, args...)
}

func framingFault(format string, args ...interface{}) error {
	return newFault(FaultFraming, nil, format, args...)
}

func protocolFault(format string, args ...interface{}) error {
	return newFault(FaultProtocol, nil, format, args...)
}

func authFault(cause error, format string, args ...interface{}) error {
	return newFault(FaultAuth, cause, format, args...)
}

func configFault(cause error, format string, args ...interface{}) error {
	return newFault(FaultConfig, cause, format, args...)
}

func timeoutFault(cause error, format string, args ...interface{}) error {
	return newFault(FaultTimeout, cause, format, args...)
}

func tooManyRedirectsFault(hops int) error {
	return newFault(FaultTooManyRedirects, nil, "exceeded maximum of %d routing redirects", maxRoutingRedirects)
}

func wrongStateFault(got, want ConnState) error {
	return newFault(FaultWrongState, nil, "connection in state %s, need %s", got, want)
}

// Error is a server-originated ERROR or INFO token. It is returned to the caller as-is (wrapped, not
// replaced) so callers can errors.As into it for Number/Class/etc.
type Error struct {
	Number     int32
	State      uint8
	Class      uint8
	Message    string
	ServerName string
	ProcName   string
	LineNo     int32
}

func (e Error) Error() string {
	return fmt.Sprintf("mssql: %s: %s", errClassName(e.Class), e.Message)
}

// SQLErrorNumber implements the interface some callers probe for to
// extract the server error number without a type assertion on the
// concrete struct.
func (e Error) SQLErrorNumber() int32 { return e.Number }

func errClassName(class uint8) string {
	switch {
	case class <= 10:
		return "info"
	case class >= 20:
		return "fatal"
	default:
		return "error"
	}
}

// IsFatal reports whether this error's class makes the connection
// unusable.
func (e Error) IsFatal() bool { return e.Class >= 20 }

// IsStatementAbort reports whether this error aborted only the current
// statement (class >= 11) without killing the connection.
func (e Error) IsStatementAbort() bool { return e.Class >= 11 && e.Class < 20 }

// aggregateServerErrors joins the Error tokens seen within one logical
// response into a single error the caller can inspect, using
// hashicorp/go-multierror so every failing statement in a batch is
// reported, not just the last one.
func aggregateServerErrors(errs []Error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var merr *multierror.Error
	for _, e := range errs {
		merr = multierror.Append(merr, e)
	}
	merr.ErrorFormat = func(es []error) string {
		msgs := make([]string, len(es))
		for i, e := range es {
			msgs[i] = e.Error()
		}
		return fmt.Sprintf("mssql: %d statement errors occurred: %s", len(es), joinStrings(msgs, "; "))
	}
	return merr
}

func joinStrings(items []string, sep string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += sep
		}
		out += s
	}
	return out
}
