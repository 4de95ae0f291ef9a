package inputconn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/tsbuild/internal/fabric"
	"github.com/yanet-platform/tsbuild/internal/wireproto"
)

type fakeConn struct {
	mu    sync.Mutex
	index uint16
	sent  []fabric.Message
	ops   [][]fabric.WriteOp
	inbox chan fabric.Message
}

func newFakeConn(index uint16) *fakeConn {
	return &fakeConn{index: index, inbox: make(chan fabric.Message, 16)}
}

func (f *fakeConn) RegisterArena(data, desc []byte) {}

func (f *fakeConn) WriteChain(ops []fabric.WriteOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]fabric.WriteOp(nil), ops...)
	f.ops = append(f.ops, cp)
	return nil
}

func (f *fakeConn) Send(msg fabric.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeConn) Inbox() <-chan fabric.Message { return f.inbox }
func (f *fakeConn) Index() uint16                { return f.index }
func (f *fakeConn) PrivateData() [16]byte        { return [16]byte{} }
func (f *fakeConn) Close() error                 { return nil }

func (f *fakeConn) lastSent() fabric.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func (f *fakeConn) opsCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ops)
}

func Test_SkipRequired(t *testing.T) {
	tr := newFakeConn(0)
	c := New("cn0", tr, 1024, 64, 4, nil)

	// Nothing written yet: a write of any size up to the cap fits without
	// skip.
	assert.Equal(t, uint64(0), c.SkipRequired(100))

	// Advance the window close to the wrap so the next write would cross it.
	c.window.Advance(1000, 1)
	assert.Equal(t, uint64(24), c.SkipRequired(48))
}

func Test_SendData_BuildsWriteChainAndReleasesSlot(t *testing.T) {
	tr := newFakeConn(3)
	var completedTimeslice uint64 = 1<<63 // sentinel "not called"
	c := New("cn0", tr, 1024, 64, 1, func(ts uint64) { completedTimeslice = ts })

	desc := wireproto.TimesliceComponentDescriptor{TimesliceIndex: 7, Offset: 0, ContentSize: 10, MicrosliceCount: 2}
	require.True(t, c.TryAcquireSendSlot())
	require.NoError(t, c.SendData([]byte("0123456789"), 0, desc, 7))

	require.Equal(t, 1, tr.opsCount())
	ops := tr.ops[0]
	require.Len(t, ops, 2)
	assert.Equal(t, fabric.VerbWriteData, ops[0].Verb)
	assert.False(t, ops[0].Signaled)
	assert.Equal(t, fabric.VerbWriteDesc, ops[1].Verb)
	assert.True(t, ops[1].Fenced)
	assert.True(t, ops[1].Signaled)

	_, connIndex, tsIndex := fabric.UnpackWrID(ops[1].WrID)
	assert.Equal(t, uint16(3), connIndex)
	assert.Equal(t, uint64(7), tsIndex)

	// No slot left until the send completes.
	assert.False(t, c.TryAcquireSendSlot())

	c.HandleCompletion(fabric.Completion{
		WrID:      ops[1].WrID,
		Verb:      fabric.VerbWriteDesc,
		Status:    fabric.StatusSuccess,
		Direction: fabric.DirectionSend,
	})

	assert.Equal(t, uint64(7), completedTimeslice)
	assert.True(t, c.TryAcquireSendSlot())
}

func Test_IncWritePointers_SendsOnlyOnOurTurn(t *testing.T) {
	tr := newFakeConn(0)
	c := New("cn0", tr, 1024, 64, 4, nil)

	require.NoError(t, c.IncWritePointers(100, 1))
	require.Len(t, tr.sent, 1)
	assert.Equal(t, fabric.VerbSendWritePointer, tr.lastSent().Verb)

	// Turn was given up; a second advance with no ack in between must defer.
	require.NoError(t, c.IncWritePointers(50, 1))
	require.Len(t, tr.sent, 1)
}

func Test_Run_AppliesInboundAck(t *testing.T) {
	tr := newFakeConn(0)
	c := New("cn0", tr, 1024, 64, 4, nil)

	require.NoError(t, c.IncWritePointers(200, 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	buf := make([]byte, wireproto.BufferPositionSize)
	wireproto.BufferPosition{DataBytes: 200, DescEntries: 1}.Encode(buf)
	tr.inbox <- fabric.Message{Payload: buf, Verb: fabric.VerbSendAck}

	require.Eventually(t, func() bool {
		return c.window.AckedPosition().DataBytes == 200
	}, time.Second, time.Millisecond)
}

func Test_Finalize_SendsSentinelAndDoneAfterAck(t *testing.T) {
	tr := newFakeConn(0)
	c := New("cn0", tr, 1024, 64, 4, nil)

	require.NoError(t, c.Finalize())
	assert.Equal(t, fabric.VerbSendFinalize, tr.lastSent().Verb)
	assert.False(t, c.Done())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	buf := make([]byte, wireproto.BufferPositionSize)
	wireproto.FinalPosition().Encode(buf)
	tr.inbox <- fabric.Message{Payload: buf, Verb: fabric.VerbSendAck}

	require.Eventually(t, c.Done, time.Second, time.Millisecond)
}
