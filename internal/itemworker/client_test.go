package itemworker

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yanet-platform/tsbuild/internal/distributor"
	"github.com/yanet-platform/tsbuild/internal/wireproto"
)

// fakeDistributor is a minimal, single-connection stand-in for the real
// distributor's router socket, enough to drive the worker client through
// register/work-item/complete/heartbeat/disconnect without depending on the
// distributor package's own dispatch logic.
type fakeDistributor struct {
	ln    net.Listener
	nc    net.Conn
	w     *bufio.Writer
	lines chan string
}

func startFakeDistributor(t *testing.T) *fakeDistributor {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeDistributor{ln: ln, lines: make(chan string, 16)}
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		f.nc = nc
		f.w = bufio.NewWriter(nc)
		scanner := bufio.NewScanner(nc)
		for scanner.Scan() {
			f.lines <- scanner.Text()
		}
	}()
	return f
}

func (f *fakeDistributor) sendLine(t *testing.T, line string) {
	t.Helper()
	require.Eventually(t, func() bool { return f.w != nil }, 2*time.Second, time.Millisecond)
	_, err := f.w.WriteString(line + "\n")
	require.NoError(t, err)
	require.NoError(t, f.w.Flush())
}

func (f *fakeDistributor) nextLine(t *testing.T) string {
	t.Helper()
	select {
	case l := <-f.lines:
		return l
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker control line")
		return ""
	}
}

func (f *fakeDistributor) close() {
	f.ln.Close()
	if f.nc != nil {
		f.nc.Close()
	}
}

func Test_Client_RegistersAndDeliversWorkItems(t *testing.T) {
	fd := startFakeDistributor(t)
	defer fd.close()

	cfg := Config{
		Addr:             fd.ln.Addr().String(),
		Name:             "w0",
		Stride:           1,
		Offset:           0,
		Policy:           distributor.PolicyQueueAll,
		HeartbeatTimeout: time.Second,
	}
	c := New(cfg, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	assert.Equal(t, distributor.FormatRegister(1, 0, distributor.PolicyQueueAll, 0, "w0"), fd.nextLine(t))

	fd.sendLine(t, "WORK_ITEM 5 0")
	item, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), item.ID)
	assert.Empty(t, item.Payload)

	require.NoError(t, c.Complete(5))
	assert.Equal(t, "COMPLETE 5", fd.nextLine(t))
}

func Test_Client_RespondsToHeartbeat(t *testing.T) {
	fd := startFakeDistributor(t)
	defer fd.close()

	cfg := Config{Addr: fd.ln.Addr().String(), Name: "w0", Stride: 1, HeartbeatTimeout: time.Second}
	c := New(cfg, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	fd.nextLine(t) // REGISTER

	fd.sendLine(t, "HEARTBEAT")
	assert.Equal(t, "HEARTBEAT", fd.nextLine(t))
}

func Test_Client_Get_ReturnsEndOfStreamOnSentinel(t *testing.T) {
	fd := startFakeDistributor(t)
	defer fd.close()

	cfg := Config{Addr: fd.ln.Addr().String(), Name: "w0", Stride: 1, HeartbeatTimeout: time.Second}
	c := New(cfg, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	fd.nextLine(t) // REGISTER

	fd.sendLine(t, distributor.FormatWorkItem(wireproto.MaxCursor, 0))
	_, err := c.Get(ctx)
	assert.ErrorIs(t, err, ErrEndOfStream)
}

func Test_Client_DeliversWorkItemPayload(t *testing.T) {
	fd := startFakeDistributor(t)
	defer fd.close()

	cfg := Config{Addr: fd.ln.Addr().String(), Name: "w0", Stride: 1, HeartbeatTimeout: time.Second}
	c := New(cfg, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	fd.nextLine(t) // REGISTER

	payload := []byte("assembled timeslice bytes")
	fd.sendLine(t, distributor.FormatWorkItem(7, len(payload)))
	require.Eventually(t, func() bool { return fd.nc != nil }, 2*time.Second, time.Millisecond)
	_, err := fd.nc.Write(payload)
	require.NoError(t, err)

	item, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), item.ID)
	assert.Equal(t, payload, item.Payload)
}
