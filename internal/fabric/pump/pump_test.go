package pump

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yanet-platform/tsbuild/internal/fabric"
)

type recordingHandler struct {
	mu   sync.Mutex
	got  []fabric.Completion
}

func (h *recordingHandler) HandleCompletion(c fabric.Completion) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, c)
}

func (h *recordingHandler) snapshot() []fabric.Completion {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]fabric.Completion(nil), h.got...)
}

func Test_Pump_RoutesByConnIndex(t *testing.T) {
	p := New(16, zap.NewNop().Sugar())

	h0 := &recordingHandler{}
	h1 := &recordingHandler{}
	p.Register(0, h0)
	p.Register(1, h1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Sink() <- fabric.Completion{WrID: fabric.PackWrID(fabric.VerbWriteDesc, 0, 5), Status: fabric.StatusSuccess}
	p.Sink() <- fabric.Completion{WrID: fabric.PackWrID(fabric.VerbWriteDesc, 1, 6), Status: fabric.StatusSuccess}

	require.Eventually(t, func() bool {
		return len(h0.snapshot()) == 1 && len(h1.snapshot()) == 1
	}, time.Second, time.Millisecond)
}

func Test_Pump_IgnoresFlushAndLogsError(t *testing.T) {
	p := New(16, zap.NewNop().Sugar())
	h0 := &recordingHandler{}
	p.Register(0, h0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Sink() <- fabric.Completion{WrID: fabric.PackWrID(fabric.VerbWriteDesc, 0, 1), Status: fabric.StatusFlush}
	p.Sink() <- fabric.Completion{WrID: fabric.PackWrID(fabric.VerbWriteDesc, 0, 2), Status: fabric.StatusError}
	p.Sink() <- fabric.Completion{WrID: fabric.PackWrID(fabric.VerbWriteDesc, 0, 3), Status: fabric.StatusSuccess}

	require.Eventually(t, func() bool {
		return len(h0.snapshot()) == 1
	}, time.Second, time.Millisecond)
}
