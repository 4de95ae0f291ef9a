package distributor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ParseCommand_Register(t *testing.T) {
	cmd, err := ParseCommand("REGISTER 2 1 2 7 worker-a")
	require.NoError(t, err)
	assert.Equal(t, CmdRegister, cmd.Kind)
	assert.Equal(t, uint64(2), cmd.Stride)
	assert.Equal(t, uint64(1), cmd.Offset)
	assert.Equal(t, PolicySkip, cmd.Policy)
	assert.Equal(t, uint64(7), cmd.GroupID)
	assert.Equal(t, "worker-a", cmd.ClientName)
}

func Test_ParseCommand_Complete(t *testing.T) {
	cmd, err := ParseCommand("COMPLETE 42")
	require.NoError(t, err)
	assert.Equal(t, CmdComplete, cmd.Kind)
	assert.Equal(t, uint64(42), cmd.ItemID)
}

func Test_ParseCommand_HeartbeatAndDisconnect(t *testing.T) {
	cmd, err := ParseCommand("HEARTBEAT")
	require.NoError(t, err)
	assert.Equal(t, CmdHeartbeat, cmd.Kind)

	cmd, err = ParseCommand("DISCONNECT")
	require.NoError(t, err)
	assert.Equal(t, CmdDisconnect, cmd.Kind)
}

func Test_ParseCommand_Malformed(t *testing.T) {
	cases := []string{
		"",
		"REGISTER 1 0 2",
		"REGISTER 0 0 0 0 name", // stride zero
		"REGISTER 1 0 3 0 name", // policy out of range
		"COMPLETE notanumber",
		"WHATEVER",
	}
	for _, line := range cases {
		_, err := ParseCommand(line)
		assert.ErrorIs(t, err, ErrMalformedCommand, "line %q", line)
	}
}

func Test_FormatRoundTrip(t *testing.T) {
	line := FormatRegister(2, 1, PolicyPrebufferOne, 3, "worker-b")
	cmd, err := ParseCommand(line)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cmd.Stride)
	assert.Equal(t, uint64(1), cmd.Offset)
	assert.Equal(t, PolicyPrebufferOne, cmd.Policy)
	assert.Equal(t, uint64(3), cmd.GroupID)
	assert.Equal(t, "worker-b", cmd.ClientName)

	cmd, err = ParseCommand(FormatComplete(9))
	require.NoError(t, err)
	assert.Equal(t, CmdComplete, cmd.Kind)
	assert.Equal(t, uint64(9), cmd.ItemID)
}
