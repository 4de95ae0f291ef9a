package patterngen

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Run_WritesDeterministicPayload(t *testing.T) {
	g := New(3, 16, 256, 16)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, g.Run(ctx, 1))

	desc := *g.DescRing().At(0)
	assert.Equal(t, uint64(0), desc.MicrosliceIndex)
	assert.Equal(t, uint32(16), desc.ContentSize)

	buf := g.DataRing().Slice()
	got := buf[desc.Offset : desc.Offset+uint64(desc.ContentSize)]
	assert.Equal(t, uint64(3)<<48, binary.LittleEndian.Uint64(got[0:8]))
	assert.Equal(t, uint64(3)<<48|8, binary.LittleEndian.Uint64(got[8:16]))
}

func Test_Run_BlocksOnBackpressureUntilAck(t *testing.T) {
	g := New(0, 16, 32, 1) // desc ring holds exactly 1 entry

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- g.Run(ctx, 3) }()

	// Give the producer a moment to block on the full desc ring, then drain.
	time.Sleep(20 * time.Millisecond)
	g.UpdateAckPointers(16, 1)
	g.UpdateAckPointers(32, 2)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("generator did not unblock after ack")
	}
}

func Test_WaitForData_UnblocksOnNewMicroslice(t *testing.T) {
	g := New(0, 8, 64, 4)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() { _ = g.Run(context.Background(), 1) }()

	idx, err := g.WaitForData(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), idx)
}

func Test_WaitForData_RespectsCancellation(t *testing.T) {
	g := New(0, 8, 64, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.WaitForData(ctx, 100)
	require.Error(t, err)
}
