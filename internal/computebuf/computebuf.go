// Package computebuf implements the compute-node timeslice assembler (spec
// §4.5): it owns one shared-memory-style data/descriptor arena pair per
// input connection, tracks each input's committed write pointer to compute
// a producer red-lantern, emits work items to the item distributor as the
// red-lantern advances, and folds worker completions back into a consumer
// red-lantern that releases producer-side credit.
package computebuf

import (
	"sync"

	"go.uber.org/zap"

	"github.com/yanet-platform/tsbuild/internal/ringbuf"
	"github.com/yanet-platform/tsbuild/internal/wireproto"
)

// AckPublisher is the subset of computeconn.Conn the assembler needs to
// release consumer-side credit. Declared locally so tests can substitute a
// fake.
type AckPublisher interface {
	PublishAck(pos wireproto.BufferPosition) error
}

// Dispatcher hands an assembled work item to the item distributor.
type Dispatcher interface {
	Dispatch(item wireproto.WorkItem)
}

type inputState struct {
	conn AckPublisher

	dataArena *ringbuf.Ring[byte]
	descArena *ringbuf.Ring[byte] // raw bytes; entries are wireproto.ComponentDescriptorSize wide

	// peerWriteDesc mirrors this input's computeconn.Mirror.PeerWritePointer
	// .DescEntries, updated via NotifyPeerUpdate.
	peerWriteDesc uint64

	// firstUncompleted is this input's own fold of global completions into
	// a contiguous ack cursor, exactly like inputsender's ack_window.
	firstUncompleted uint64
	completedWindow  map[uint64]struct{}

	// cumulativeData[t] holds the cumulative data-byte count committed
	// through (and including) timeslice t, the running total SendData
	// payloads contribute; pruned once no longer needed to compute an ack.
	cumulativeData map[uint64]uint64
	runningTotal   uint64

	cachedAckData uint64
}

func (is *inputState) descAt(t uint64) wireproto.TimesliceComponentDescriptor {
	n := is.descArena.Size() / wireproto.ComponentDescriptorSize
	start := (t % n) * wireproto.ComponentDescriptorSize
	buf := is.descArena.Slice()[start : start+wireproto.ComponentDescriptorSize]
	return wireproto.DecodeTimesliceComponentDescriptor(buf)
}

// readComponent copies this input's committed bytes for desc out of the
// data arena, splitting the read at the ring's wrap point exactly like
// inputconn.Conn.SendData splits the matching write.
func (is *inputState) readComponent(desc wireproto.TimesliceComponentDescriptor) []byte {
	arena := is.dataArena.Slice()
	first, second := ringbuf.SplitWrap(desc.Offset, uint64(desc.ContentSize), is.dataArena.Size())

	buf := make([]byte, desc.ContentSize)
	n := copy(buf, arena[first.Start:first.Start+first.Len])
	if second.Len > 0 {
		copy(buf[n:], arena[second.Start:second.Start+second.Len])
	}
	return buf
}

// Buffer is the compute-node assembler.
type Buffer struct {
	mu     sync.Mutex
	inputs []*inputState
	dispatcher Dispatcher
	log    *zap.SugaredLogger

	r uint64 // producer red-lantern: min over inputs of peer write pointer
	u uint64 // consumer red-lantern: min over inputs of first_uncompleted

	finalInputs  map[int]bool
	finalEmitted bool
}

// InputSpec configures one input connection's arenas.
type InputSpec struct {
	Conn          AckPublisher
	DataArenaSize uint64 // bytes, power of two
	DescArenaSize uint64 // bytes, power of two; holds DescArenaSize/ComponentDescriptorSize whole entries
}

// New constructs a Buffer over the given inputs, in input-index order.
func New(specs []InputSpec, dispatcher Dispatcher, log *zap.SugaredLogger) *Buffer {
	b := &Buffer{
		dispatcher:  dispatcher,
		log:         log.Named("computebuf"),
		finalInputs: make(map[int]bool),
	}
	for _, spec := range specs {
		b.inputs = append(b.inputs, &inputState{
			conn:           spec.Conn,
			dataArena:      ringbuf.New[byte](spec.DataArenaSize),
			descArena:      ringbuf.New[byte](spec.DescArenaSize),
			completedWindow: make(map[uint64]struct{}),
			cumulativeData:  make(map[uint64]uint64),
		})
	}
	return b
}

// DataArena returns the byte arena to register with input i's transport
// connection.
func (b *Buffer) DataArena(i int) []byte { return b.inputs[i].dataArena.Slice() }

// DescArena returns the descriptor-entry byte arena to register with input
// i's transport connection.
func (b *Buffer) DescArena(i int) []byte { return b.inputs[i].descArena.Slice() }

// NotifyPeerUpdate is wired as the computeconn.UpdateFunc for input i: it
// records the input's new write pointer and recomputes the producer
// red-lantern, dispatching any newly committed timeslices.
func (b *Buffer) NotifyPeerUpdate(i int, pos wireproto.BufferPosition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	is := b.inputs[i]
	if pos.Final() {
		// peerWriteDesc already holds this input's last real committed
		// count; a finalized input simply stops contributing new growth to
		// it, so leaving it untouched keeps the red-lantern computation
		// below correct without special-casing.
		b.finalInputs[i] = true
	} else {
		is.peerWriteDesc = pos.DescEntries
	}

	newR := b.minPeerWriteDescLocked()
	for t := b.r; t < newR; t++ {
		b.dispatchTimesliceLocked(t)
	}
	b.r = newR

	b.maybeEmitFinalLocked()
}

func (b *Buffer) minPeerWriteDescLocked() uint64 {
	min := ^uint64(0)
	for _, is := range b.inputs {
		if is.peerWriteDesc < min {
			min = is.peerWriteDesc
		}
	}
	return min
}

// dispatchTimesliceLocked assembles the work item for timeslice t,
// concatenating every input's committed component bytes (in input order) as
// the payload a worker receives over WORK_ITEM's optional second frame
// (spec §6) — the minimal stand-in for a real worker subprocess attaching
// the compute-node arenas directly, documented in DESIGN.md.
func (b *Buffer) dispatchTimesliceLocked(t uint64) {
	var total uint32
	var numComponents uint8
	var payload []byte
	for _, is := range b.inputs {
		desc := is.descAt(t)
		total += desc.ContentSize
		numComponents++

		is.runningTotal += uint64(desc.ContentSize)
		is.cumulativeData[t] = is.runningTotal

		payload = append(payload, is.readComponent(desc)...)
	}

	item := wireproto.WorkItem{
		TimesliceIndex:     t,
		DescriptorPosition: t,
		NumComponents:      numComponents,
		Payload:            payload,
	}
	b.dispatcher.Dispatch(item)
}

// HandleWorkerCompletion folds the item distributor's report that timeslice
// t has been fully released by its workers into every input's consumer
// red-lantern fold, exactly mirroring inputsender's out-of-order ack window
// (spec §4.5: "The assembler re-computes a consumer red-lantern U").
func (b *Buffer) HandleWorkerCompletion(t uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, is := range b.inputs {
		if t == is.firstUncompleted {
			is.firstUncompleted++
			for {
				if _, ok := is.completedWindow[is.firstUncompleted]; !ok {
					break
				}
				delete(is.completedWindow, is.firstUncompleted)
				is.firstUncompleted++
			}
		} else {
			is.completedWindow[t] = struct{}{}
		}
	}

	newU := b.minFirstUncompletedLocked()
	if newU > b.u {
		b.u = newU
		b.publishAcksLocked(newU)
	}

	b.maybeEmitFinalLocked()
}

func (b *Buffer) minFirstUncompletedLocked() uint64 {
	min := ^uint64(0)
	for _, is := range b.inputs {
		if is.firstUncompleted < min {
			min = is.firstUncompleted
		}
	}
	return min
}

func (b *Buffer) publishAcksLocked(u uint64) {
	for _, is := range b.inputs {
		var ackedData uint64
		if u > 0 {
			ackedData = is.cumulativeData[u-1]
		}
		for t := range is.cumulativeData {
			if t < u {
				delete(is.cumulativeData, t)
			}
		}
		is.cachedAckData = ackedData

		if err := is.conn.PublishAck(wireproto.BufferPosition{DataBytes: ackedData, DescEntries: u}); err != nil {
			b.log.Errorw("publish ack failed", "error", err)
		}
	}
}

func (b *Buffer) maybeEmitFinalLocked() {
	if b.finalEmitted || len(b.finalInputs) != len(b.inputs) {
		return
	}
	if b.u < b.r {
		return
	}
	b.finalEmitted = true
	b.dispatcher.Dispatch(wireproto.WorkItem{TimesliceIndex: wireproto.MaxCursor})
}

// Describe returns summary metadata for timeslice t: how many input
// components it has and their combined content size. Used by consumers
// like internal/publish that report on completed timeslices without
// needing direct arena access.
func (b *Buffer) Describe(t uint64) (numComponents int, totalContentSize uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, is := range b.inputs {
		desc := is.descAt(t)
		totalContentSize += desc.ContentSize
		numComponents++
	}
	return numComponents, totalContentSize
}

// RedLantern returns the current producer red-lantern R, for tests and
// monitoring.
func (b *Buffer) RedLantern() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.r
}

// ConsumerRedLantern returns the current consumer red-lantern U.
func (b *Buffer) ConsumerRedLantern() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.u
}
