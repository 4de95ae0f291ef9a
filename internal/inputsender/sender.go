// Package inputsender drives the input channel sender main loop (spec
// §4.4): for one input index, it reads successive timeslice windows out of
// a datasource.Source, round-robins them across this input's compute
// connections, and folds the resulting DESC_WRITE completions — which may
// arrive out of submission order across connections sharing one completion
// queue — back into a strictly monotone acknowledged cursor the data source
// is released against.
package inputsender

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/yanet-platform/tsbuild/internal/datasource"
	"github.com/yanet-platform/tsbuild/internal/ringbuf"
	"github.com/yanet-platform/tsbuild/internal/wireproto"
)

// Connection is the subset of inputconn.Conn the sender drives. Declared
// locally so tests can substitute a fake without constructing a real
// transport.
type Connection interface {
	SkipRequired(size uint64) uint64
	WaitForBufferSpace(totalSize uint64, cancel <-chan struct{}) error
	TryAcquireSendSlot() bool
	SendData(payload []byte, skip uint64, desc wireproto.TimesliceComponentDescriptor, timesliceIndex uint64) error
	IncWritePointers(deltaData, deltaDesc uint64) error
	Finalize() error
	Done() bool
}

// Config holds the geometry parameters spec §6 requires from the core:
// timeslice_size, overlap_size, max_timeslice_number, and the input arena
// sizes used to gate the hysteresis on ack-pointer publication.
type Config struct {
	TimesliceSize      uint64
	OverlapSize        uint64
	MaxTimesliceNumber uint64
	InputDataSize      uint64
	InputDescSize      uint64
}

// Sender runs the build loop for one input index across all of its compute
// connections.
type Sender struct {
	inputIndex  uint16
	source      datasource.Source
	connections []Connection
	cfg         Config
	log         *zap.SugaredLogger

	mu              sync.Mutex
	ackWindow       map[uint64]struct{}
	a               uint64 // largest contiguous completed timeslice index
	cachedAckedData uint64
	cachedAckedMC   uint64
}

// New constructs a Sender. connections must be indexed exactly as spec
// §4.4's `target := timeslice mod C` expects: connections[t%len(connections)]
// is the connection timeslice t is sent on.
func New(inputIndex uint16, source datasource.Source, connections []Connection, cfg Config, log *zap.SugaredLogger) *Sender {
	return &Sender{
		inputIndex:  inputIndex,
		source:      source,
		connections: connections,
		cfg:         cfg,
		log:         log.Named("inputsender").With("input", inputIndex),
		ackWindow:   make(map[uint64]struct{}),
	}
}

// Run executes the main loop until max_timeslice_number timeslices have been
// sent, then finalizes every connection (spec §4.4 "Shutdown").
func (s *Sender) Run(ctx context.Context) error {
	for t := uint64(0); t < s.cfg.MaxTimesliceNumber; t++ {
		if err := s.sendTimeslice(ctx, t); err != nil {
			return err
		}
	}
	return s.shutdown()
}

func (s *Sender) sendTimeslice(ctx context.Context, t uint64) error {
	mcOffset := t * s.cfg.TimesliceSize
	mcLength := s.cfg.TimesliceSize + s.cfg.OverlapSize

	if _, err := s.source.WaitForData(ctx, mcOffset+mcLength); err != nil {
		return fmt.Errorf("inputsender: input %d: wait for data at timeslice %d: %w", s.inputIndex, t, err)
	}

	descRing := s.source.DescRing()
	descStart := *descRing.At(mcOffset)
	descEnd := *descRing.At(mcOffset + mcLength)
	dataOffset := descStart.Offset
	dataLength := descEnd.Offset - dataOffset
	descBytesLen := mcLength * wireproto.MicrosliceDescriptorSize
	total := dataLength + descBytesLen

	target := t % uint64(len(s.connections))
	conn := s.connections[target]

	for !conn.TryAcquireSendSlot() {
		if err := yieldOrDone(ctx); err != nil {
			return err
		}
	}

	skip := conn.SkipRequired(total)

	if err := conn.WaitForBufferSpace(total+skip, ctx.Done()); err != nil {
		return fmt.Errorf("inputsender: input %d: wait for buffer space at timeslice %d: %w", s.inputIndex, t, err)
	}

	payload := make([]byte, 0, total)
	for i := uint64(0); i < mcLength; i++ {
		entry := *descRing.At(mcOffset + i)
		var buf [wireproto.MicrosliceDescriptorSize]byte
		entry.Encode(buf[:])
		payload = append(payload, buf[:]...)
	}

	dataRing := s.source.DataRing()
	dataBuf := dataRing.Slice()
	first, second := ringbuf.SplitWrap(dataOffset, dataLength, dataRing.Size())
	payload = append(payload, dataBuf[first.Start:first.Start+first.Len]...)
	if second.Len > 0 {
		payload = append(payload, dataBuf[second.Start:second.Start+second.Len]...)
	}

	desc := wireproto.TimesliceComponentDescriptor{
		TimesliceIndex:  t,
		ContentSize:     uint32(total),
		MicrosliceCount: uint32(mcLength),
	}

	if err := conn.SendData(payload, skip, desc, t); err != nil {
		return fmt.Errorf("inputsender: input %d: send timeslice %d: %w", s.inputIndex, t, err)
	}

	if err := conn.IncWritePointers(total+skip, 1); err != nil {
		return fmt.Errorf("inputsender: input %d: advance write pointers at timeslice %d: %w", s.inputIndex, t, err)
	}

	return nil
}

func yieldOrDone(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		runtime.Gosched()
		return nil
	}
}

// HandleDescWriteComplete folds a DESC_WRITE completion for timeslice t into
// the ack window, advances the contiguous-completion cursor A, and, once it
// has moved far enough, publishes new ack pointers to the data source (spec
// §4.4 "On DESC_WRITE completion").
func (s *Sender) HandleDescWriteComplete(t uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t == s.a {
		s.a++
		for {
			if _, ok := s.ackWindow[s.a]; !ok {
				break
			}
			delete(s.ackWindow, s.a)
			s.a++
		}
	} else {
		s.ackWindow[t] = struct{}{}
	}

	s.recomputeAckedLocked()
}

func (s *Sender) recomputeAckedLocked() {
	entry := *s.source.DescRing().At(s.a * s.cfg.TimesliceSize)
	ackedData := entry.Offset
	ackedMC := s.a * s.cfg.TimesliceSize

	descAdvance := ackedMC - s.cachedAckedMC
	dataAdvance := ackedData - s.cachedAckedData
	if descAdvance >= s.cfg.InputDescSize/4 || dataAdvance >= s.cfg.InputDataSize/4 {
		s.source.UpdateAckPointers(ackedData, ackedMC)
		s.cachedAckedData = ackedData
		s.cachedAckedMC = ackedMC
	}
}

// Acked returns the current contiguous-completion cursor A, for tests and
// monitoring.
func (s *Sender) Acked() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.a
}

func (s *Sender) shutdown() error {
	for i, conn := range s.connections {
		if err := conn.Finalize(); err != nil {
			return fmt.Errorf("inputsender: input %d: finalize connection %d: %w", s.inputIndex, i, err)
		}
	}
	return nil
}

// AllDone reports whether every connection has completed the finalize
// handshake.
func (s *Sender) AllDone() bool {
	for _, conn := range s.connections {
		if !conn.Done() {
			return false
		}
	}
	return true
}
