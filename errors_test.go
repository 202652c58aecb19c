package mssql

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Server error class taxonomy: class <= 10 is informational, class >= 11 is
// a statement abort, class >= 20 is connection-fatal.
func TestErrorClassification(t *testing.T) {
	cases := []struct {
		class        uint8
		wantFatal    bool
		wantAbort    bool
	}{
		{class: 5, wantFatal: false, wantAbort: false},
		{class: 10, wantFatal: false, wantAbort: false},
		{class: 11, wantFatal: false, wantAbort: true},
		{class: 19, wantFatal: false, wantAbort: true},
		{class: 20, wantFatal: true, wantAbort: false},
		{class: 25, wantFatal: true, wantAbort: false},
	}
	for _, c := range cases {
		e := Error{Class: c.class, Message: "boom"}
		assert.Equal(t, c.wantFatal, e.IsFatal(), "class %d IsFatal", c.class)
		assert.Equal(t, c.wantAbort, e.IsStatementAbort(), "class %d IsStatementAbort", c.class)
	}
}

func TestDoneStructErrorAggregation(t *testing.T) {
	d := doneStruct{
		Status: doneError,
		errors: []Error{
			{Number: 1, Message: "first"},
			{Number: 2, Message: "second"},
		},
	}
	require.True(t, d.isError())
	err := d.getError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 statement errors")
}

func TestDoneStructSingleError(t *testing.T) {
	d := doneStruct{Status: doneError, errors: []Error{{Number: 1, Message: "only"}}}
	err := d.getError()
	var srvErr Error
	require.True(t, errors.As(err, &srvErr))
	assert.Equal(t, int32(1), srvErr.Number)
}

func TestDoneStructNoErrorsStillReportsFailure(t *testing.T) {
	d := doneStruct{Status: doneError}
	require.True(t, d.isError())
	err := d.getError()
	require.Error(t, err)
}

func TestFaultKindsCarryThroughConstructors(t *testing.T) {
	cases := []struct {
		err  error
		kind FaultKind
	}{
		{transportFault(nil, "dial failed"), FaultTransport},
		{framingFault("bad header"), FaultFraming},
		{protocolFault("bad token"), FaultProtocol},
		{authFault(nil, "bad creds"), FaultAuth},
		{configFault(nil, "bad dsn"), FaultConfig},
		{timeoutFault(nil, "too slow"), FaultTimeout},
		{tooManyRedirectsFault(3), FaultTooManyRedirects},
		{wrongStateFault(Disconnected, Ready), FaultWrongState},
	}
	for _, c := range cases {
		var fault *DriverFault
		require.ErrorAs(t, c.err, &fault, "kind %s", c.kind)
		assert.Equal(t, c.kind, fault.Kind)
	}
}
