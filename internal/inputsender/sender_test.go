package inputsender

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yanet-platform/tsbuild/internal/datasource/patterngen"
	"github.com/yanet-platform/tsbuild/internal/wireproto"
)

type fakeConn struct {
	mu        sync.Mutex
	sends     []sendCall
	incs      []incCall
	finalized bool
	done      bool
}

type sendCall struct {
	payloadLen int
	skip       uint64
	desc       wireproto.TimesliceComponentDescriptor
	ts         uint64
}

type incCall struct {
	deltaData, deltaDesc uint64
}

func (f *fakeConn) SkipRequired(size uint64) uint64 { return 0 }

func (f *fakeConn) WaitForBufferSpace(totalSize uint64, cancel <-chan struct{}) error { return nil }

func (f *fakeConn) TryAcquireSendSlot() bool { return true }

func (f *fakeConn) SendData(payload []byte, skip uint64, desc wireproto.TimesliceComponentDescriptor, timesliceIndex uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sendCall{payloadLen: len(payload), skip: skip, desc: desc, ts: timesliceIndex})
	return nil
}

func (f *fakeConn) IncWritePointers(deltaData, deltaDesc uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incs = append(f.incs, incCall{deltaData, deltaDesc})
	return nil
}

func (f *fakeConn) Finalize() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = true
	return nil
}

func (f *fakeConn) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Test_Scenario1_ComponentSizesMatchSpec exercises spec §8 scenario 1:
// I=1, C=1, timeslice_size=4, overlap=2, max_timeslice=10, content_size=16
// should produce 10 components of size 6*(16+32) = 288 bytes each.
func Test_Scenario1_ComponentSizesMatchSpec(t *testing.T) {
	const timesliceSize, overlap, maxTimeslice, contentSize = 4, 2, 10, 16
	mcLength := uint64(timesliceSize + overlap)
	needed := uint64(maxTimeslice)*timesliceSize + mcLength

	gen := patterngen.New(0, contentSize, 2048, 128)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, gen.Run(ctx, needed))

	conn := &fakeConn{}
	cfg := Config{
		TimesliceSize:      timesliceSize,
		OverlapSize:        overlap,
		MaxTimesliceNumber: maxTimeslice,
		InputDataSize:      2048,
		InputDescSize:      128,
	}
	s := New(0, gen, []Connection{conn}, cfg, zap.NewNop().Sugar())

	require.NoError(t, s.Run(ctx))

	require.Len(t, conn.sends, maxTimeslice)
	for i, call := range conn.sends {
		assert.Equal(t, uint64(i), call.ts)
		assert.Equal(t, 288, call.payloadLen)
		assert.Equal(t, uint32(288), call.desc.ContentSize)
		assert.Equal(t, uint32(mcLength), call.desc.MicrosliceCount)
	}
	assert.True(t, conn.finalized)
}

func Test_HandleDescWriteComplete_AdvancesContiguousCursor(t *testing.T) {
	gen := patterngen.New(0, 8, 256, 32)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, gen.Run(ctx, 20))

	conn := &fakeConn{}
	cfg := Config{TimesliceSize: 2, OverlapSize: 0, MaxTimesliceNumber: 5, InputDataSize: 256, InputDescSize: 32}
	s := New(0, gen, []Connection{conn}, cfg, zap.NewNop().Sugar())

	// Completions arrive out of order across connections sharing one CQ.
	s.HandleDescWriteComplete(1)
	assert.Equal(t, uint64(0), s.Acked())

	s.HandleDescWriteComplete(0)
	assert.Equal(t, uint64(2), s.Acked()) // 0 then 1 fold together

	s.HandleDescWriteComplete(2)
	assert.Equal(t, uint64(3), s.Acked())
}
