package mssql

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// A batch can only be submitted while the connection is Ready or
// InTransaction.
func TestConnStateCanSubmit(t *testing.T) {
	cases := map[ConnState]bool{
		Disconnected:  false,
		Connecting:    false,
		PreloginSent:  false,
		TLSHandshake:  false,
		Login7Sent:    false,
		Ready:         true,
		InTransaction: true,
		Broken:        false,
	}
	for state, want := range cases {
		assert.Equal(t, want, state.CanSubmit(), "state %s", state)
	}
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "Ready", Ready.String())
	assert.Equal(t, "Unknown", ConnState(99).String())
}
