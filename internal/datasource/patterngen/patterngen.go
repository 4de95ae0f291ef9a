// Package patterngen implements a deterministic synthetic datasource.Source
// used by the end-to-end test scenarios of spec §8: every microslice's
// payload is filled with 8-byte little-endian words encoding
// `(input_index << 48) | byte_offset_within_microslice`, so a downstream
// worker can verify byte-exact delivery without needing real measurement
// hardware.
package patterngen

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/yanet-platform/tsbuild/internal/ringbuf"
	"github.com/yanet-platform/tsbuild/internal/wireproto"
)

// Generator is a datasource.Source producing a fixed number of microslices
// of a fixed content size, gated by the same producer/consumer backpressure
// contract real adapters use.
type Generator struct {
	inputIndex  uint16
	contentSize uint32

	dataRing *ringbuf.Ring[byte]
	descRing *ringbuf.Ring[wireproto.MicrosliceDescriptor]

	mu             sync.Mutex
	producerWaiting *sync.Cond
	dataAvailable   *sync.Cond

	writtenData uint64
	writtenDesc uint64
	ackedData   uint64
	ackedDesc   uint64
}

// New constructs a Generator. dataRingSize and descRingSize must be powers
// of two (spec §4.1).
func New(inputIndex uint16, contentSize uint32, dataRingSize, descRingSize uint64) *Generator {
	g := &Generator{
		inputIndex:  inputIndex,
		contentSize: contentSize,
		dataRing:    ringbuf.New[byte](dataRingSize),
		descRing:    ringbuf.New[wireproto.MicrosliceDescriptor](descRingSize),
	}
	g.producerWaiting = sync.NewCond(&g.mu)
	g.dataAvailable = sync.NewCond(&g.mu)
	return g
}

func (g *Generator) DataRing() *ringbuf.Ring[byte]                             { return g.dataRing }
func (g *Generator) DescRing() *ringbuf.Ring[wireproto.MicrosliceDescriptor] { return g.descRing }

// Run generates count microslices in order, blocking on backpressure exactly
// as a real source would, until ctx is canceled or all have been written.
func (g *Generator) Run(ctx context.Context, count uint64) error {
	for i := uint64(0); i < count; i++ {
		payload := fillPayload(g.inputIndex, g.contentSize)
		if err := g.waitForSpace(ctx, uint64(len(payload))); err != nil {
			return fmt.Errorf("patterngen: input %d: %w", g.inputIndex, err)
		}
		g.writeMicroslice(payload)
	}
	return nil
}

func fillPayload(inputIndex uint16, contentSize uint32) []byte {
	buf := make([]byte, contentSize)
	for off := uint32(0); off < contentSize; off += 8 {
		value := uint64(inputIndex)<<48 | uint64(off)
		var word [8]byte
		binary.LittleEndian.PutUint64(word[:], value)
		copy(buf[off:], word[:])
	}
	return buf
}

func (g *Generator) waitForSpace(ctx context.Context, size uint64) error {
	unblock := g.watchCancellation(ctx, g.producerWaiting)
	defer unblock()

	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		dataSpace := (g.ackedData + g.dataRing.Size()) - g.writtenData
		descSpace := (g.ackedDesc + g.descRing.Size()) - g.writtenDesc
		if dataSpace >= size && descSpace >= 1 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		g.producerWaiting.Wait()
	}
}

func (g *Generator) writeMicroslice(payload []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()

	offset := g.writtenData
	index := g.writtenDesc

	size := g.dataRing.Size()
	first, second := ringbuf.SplitWrap(offset, uint64(len(payload)), size)
	buf := g.dataRing.Slice()
	copy(buf[first.Start:first.Start+first.Len], payload[:first.Len])
	if second.Len > 0 {
		copy(buf[second.Start:second.Start+second.Len], payload[first.Len:])
	}

	desc := wireproto.MicrosliceDescriptor{
		HeaderID:         1,
		HeaderVersion:    1,
		EquipmentID:      g.inputIndex,
		MicrosliceIndex:  index,
		CRC:              crc32.ChecksumIEEE(payload),
		ContentSize:      uint32(len(payload)),
		Offset:           offset,
	}
	*g.descRing.At(index) = desc

	g.writtenData += uint64(len(payload))
	g.writtenDesc++
	g.dataAvailable.Broadcast()
}

// WaitForData blocks until a descriptor index past minDescIndex has been
// written.
func (g *Generator) WaitForData(ctx context.Context, minDescIndex uint64) (uint64, error) {
	unblock := g.watchCancellation(ctx, g.dataAvailable)
	defer unblock()

	g.mu.Lock()
	defer g.mu.Unlock()

	for g.writtenDesc <= minDescIndex {
		if err := ctx.Err(); err != nil {
			return g.writtenDesc, err
		}
		g.dataAvailable.Wait()
	}
	return g.writtenDesc, nil
}

// UpdateAckPointers releases consumed space back to the generator.
func (g *Generator) UpdateAckPointers(ackedDataBytes, ackedDescIndex uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ackedDataBytes > g.ackedData {
		g.ackedData = ackedDataBytes
	}
	if ackedDescIndex > g.ackedDesc {
		g.ackedDesc = ackedDescIndex
	}
	g.producerWaiting.Broadcast()
}

// watchCancellation spawns a goroutine that wakes cond when ctx is done, so
// a sync.Cond wait loop can still observe context cancellation. The caller
// must invoke the returned stop func once it stops waiting on cond.
func (g *Generator) watchCancellation(ctx context.Context, cond *sync.Cond) (stop func()) {
	done := ctx.Done()
	if done == nil {
		return func() {}
	}

	stopCh := make(chan struct{})
	go func() {
		select {
		case <-done:
			g.mu.Lock()
			cond.Broadcast()
			g.mu.Unlock()
		case <-stopCh:
		}
	}()
	return func() { close(stopCh) }
}
