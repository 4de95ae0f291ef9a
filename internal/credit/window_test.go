package credit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/tsbuild/internal/wireproto"
)

func Test_Window_AdvanceSendsOnlyWhenOurTurn(t *testing.T) {
	w := NewWindow(1024, 16)

	pos, send := w.Advance(100, 1)
	require.True(t, send)
	require.Equal(t, wireproto.BufferPosition{DataBytes: 100, DescEntries: 1}, pos)

	// Turn was consumed by the first Advance; a second Advance before any
	// ack must not request another send.
	_, send = w.Advance(50, 1)
	require.False(t, send)
}

func Test_Window_ReceiveAckRestoresTurn(t *testing.T) {
	w := NewWindow(1024, 16)
	w.Advance(100, 1)

	require.False(t, w.NeedsSolicit())

	require.NoError(t, w.ReceiveAck(wireproto.BufferPosition{DataBytes: 100, DescEntries: 1}))
	require.True(t, w.NeedsSolicit())
}

func Test_Window_ReceiveAckRejectsBackwardsMove(t *testing.T) {
	w := NewWindow(1024, 16)
	require.NoError(t, w.ReceiveAck(wireproto.BufferPosition{DataBytes: 100, DescEntries: 1}))

	err := w.ReceiveAck(wireproto.BufferPosition{DataBytes: 50, DescEntries: 1})
	require.Error(t, err)
	var violation *ErrProtocolViolation
	require.ErrorAs(t, err, &violation)
}

func Test_Window_CreditInvariantHolds(t *testing.T) {
	w := NewWindow(256, 4)

	for i := 0; i < 10; i++ {
		require.NoError(t, w.WaitForSpace(32, 1, nil))
		w.Advance(32, 1)

		written := w.WrittenPosition()
		acked := w.AckedPosition()
		assert.LessOrEqual(t, written.DataBytes-acked.DataBytes, uint64(256))
		assert.LessOrEqual(t, written.DescEntries-acked.DescEntries, uint64(4))

		require.NoError(t, w.ReceiveAck(written))
	}
}

func Test_Window_WaitForSpaceExhausted(t *testing.T) {
	w := NewWindow(64, 1)
	err := w.WaitForSpace(128, 1, nil)
	require.Error(t, err)
	var exhausted *ErrCreditExhausted
	require.ErrorAs(t, err, &exhausted)
}

func Test_Window_WaitForSpaceWakesOnAck(t *testing.T) {
	w := NewWindow(64, 4)
	w.Advance(64, 1) // fills the window completely

	var wg sync.WaitGroup
	wg.Add(1)

	unblocked := make(chan struct{})
	go func() {
		defer wg.Done()
		require.NoError(t, w.WaitForSpace(32, 1, nil))
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("WaitForSpace returned before credit was available")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, w.ReceiveAck(wireproto.BufferPosition{DataBytes: 64, DescEntries: 1}))

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("WaitForSpace did not wake after ack")
	}

	wg.Wait()
}

func Test_Mirror_ReceiveUpdateDetectsSentinel(t *testing.T) {
	m := NewMirror()
	require.False(t, m.ReceiveUpdate(wireproto.BufferPosition{DataBytes: 10, DescEntries: 1}))
	require.True(t, m.ReceiveUpdate(wireproto.FinalPosition()))
	require.True(t, m.Done())
}

func Test_Mirror_AdvanceAckNeverGoesBackwards(t *testing.T) {
	m := NewMirror()
	m.AdvanceAck(wireproto.BufferPosition{DataBytes: 10, DescEntries: 1})
	got := m.AdvanceAck(wireproto.BufferPosition{DataBytes: 5, DescEntries: 0})
	require.Equal(t, wireproto.BufferPosition{DataBytes: 10, DescEntries: 1}, got)
}
