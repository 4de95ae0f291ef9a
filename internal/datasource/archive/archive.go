// Package archive implements a datasource.Source that replays microslices
// previously archived to disk by internal/archive (spec §6.2), so the
// archive round-trip property of spec.md §8 ("Round-trip and idempotence")
// has a producer to drive a second run against. It carries the same
// producer/consumer backpressure contract as patterngen — reused directly,
// since a replay source has to look exactly like a live one to the sender
// that consumes it.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/yanet-platform/tsbuild/internal/archive"
	"github.com/yanet-platform/tsbuild/internal/ringbuf"
	"github.com/yanet-platform/tsbuild/internal/wireproto"
)

// Source replays one input index's components out of an archive file.
type Source struct {
	r          *archive.Reader
	inputIndex uint16

	dataRing *ringbuf.Ring[byte]
	descRing *ringbuf.Ring[wireproto.MicrosliceDescriptor]

	mu              sync.Mutex
	producerWaiting *sync.Cond
	dataAvailable   *sync.Cond

	writtenData uint64
	writtenDesc uint64
	ackedData   uint64
	ackedDesc   uint64
}

// New constructs a Source that replays archived components belonging to
// inputIndex, reading them from r. dataRingSize and descRingSize must be
// powers of two (spec §4.1).
func New(r *archive.Reader, inputIndex uint16, dataRingSize, descRingSize uint64) *Source {
	s := &Source{
		r:          r,
		inputIndex: inputIndex,
		dataRing:   ringbuf.New[byte](dataRingSize),
		descRing:   ringbuf.New[wireproto.MicrosliceDescriptor](descRingSize),
	}
	s.producerWaiting = sync.NewCond(&s.mu)
	s.dataAvailable = sync.NewCond(&s.mu)
	return s
}

func (s *Source) DataRing() *ringbuf.Ring[byte]                             { return s.dataRing }
func (s *Source) DescRing() *ringbuf.Ring[wireproto.MicrosliceDescriptor] { return s.descRing }

// Run reads every record in the archive, replaying the components that
// belong to this source's input index, until the archive is exhausted or
// ctx is canceled.
func (s *Source) Run(ctx context.Context) error {
	for {
		ts, err := s.r.ReadTimeslice()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive datasource: input %d: %w", s.inputIndex, err)
		}

		for _, c := range ts.Components {
			if c.InputIndex != s.inputIndex {
				continue
			}
			if err := s.replayComponent(ctx, c); err != nil {
				return fmt.Errorf("archive datasource: input %d: timeslice %d: %w", s.inputIndex, ts.Index, err)
			}
		}
	}
}

// replayComponent re-stamps one archived component's microslices onto this
// replay's own cumulative cursors. The archived descriptors' Offset fields
// are relative to the original run's data ring, not this one's, so only the
// *sizes* implied by consecutive offsets are reused; the Offset written
// into this source's desc ring is always this source's own writtenData.
func (s *Source) replayComponent(ctx context.Context, c archive.Component) error {
	descBytesLen := uint64(c.Descriptor.MicrosliceCount) * wireproto.MicrosliceDescriptorSize
	if uint64(len(c.Payload)) < descBytesLen {
		return fmt.Errorf("component payload too short for %d microslice descriptors", c.Descriptor.MicrosliceCount)
	}
	descBytes := c.Payload[:descBytesLen]
	data := c.Payload[descBytesLen:]

	descs := make([]wireproto.MicrosliceDescriptor, c.Descriptor.MicrosliceCount)
	for i := range descs {
		descs[i] = wireproto.DecodeMicrosliceDescriptor(descBytes[i*wireproto.MicrosliceDescriptorSize : (i+1)*wireproto.MicrosliceDescriptorSize])
	}

	if err := s.waitForSpace(ctx, uint64(len(data)), uint64(len(descs))); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.writtenData
	size := s.dataRing.Size()
	first, second := ringbuf.SplitWrap(base, uint64(len(data)), size)
	buf := s.dataRing.Slice()
	copy(buf[first.Start:first.Start+first.Len], data[:first.Len])
	if second.Len > 0 {
		copy(buf[second.Start:second.Start+second.Len], data[first.Len:])
	}

	for i, d := range descs {
		contentSize := microsliceSize(descs, i, uint64(len(data)))
		d.Offset = base
		d.ContentSize = uint32(contentSize)
		*s.descRing.At(s.writtenDesc) = d

		base += contentSize
		s.writtenDesc++
	}
	s.writtenData += uint64(len(data))
	s.dataAvailable.Broadcast()
	return nil
}

// microsliceSize recovers microslice i's byte length from the gap between
// its archived offset and the next one's (or the component's total data
// length, for the last microslice in the component).
func microsliceSize(descs []wireproto.MicrosliceDescriptor, i int, totalData uint64) uint64 {
	if i == len(descs)-1 {
		return totalData - (descs[i].Offset - descs[0].Offset)
	}
	return descs[i+1].Offset - descs[i].Offset
}

func (s *Source) waitForSpace(ctx context.Context, dataLen, descCount uint64) error {
	unblock := s.watchCancellation(ctx, s.producerWaiting)
	defer unblock()

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		dataSpace := (s.ackedData + s.dataRing.Size()) - s.writtenData
		descSpace := (s.ackedDesc + s.descRing.Size()) - s.writtenDesc
		if dataSpace >= dataLen && descSpace >= descCount {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.producerWaiting.Wait()
	}
}

// WaitForData blocks until a descriptor index past minDescIndex has been
// replayed.
func (s *Source) WaitForData(ctx context.Context, minDescIndex uint64) (uint64, error) {
	unblock := s.watchCancellation(ctx, s.dataAvailable)
	defer unblock()

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.writtenDesc <= minDescIndex {
		if err := ctx.Err(); err != nil {
			return s.writtenDesc, err
		}
		s.dataAvailable.Wait()
	}
	return s.writtenDesc, nil
}

// UpdateAckPointers releases consumed space back to the replay loop.
func (s *Source) UpdateAckPointers(ackedDataBytes, ackedDescIndex uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ackedDataBytes > s.ackedData {
		s.ackedData = ackedDataBytes
	}
	if ackedDescIndex > s.ackedDesc {
		s.ackedDesc = ackedDescIndex
	}
	s.producerWaiting.Broadcast()
}

func (s *Source) watchCancellation(ctx context.Context, cond *sync.Cond) (stop func()) {
	done := ctx.Done()
	if done == nil {
		return func() {}
	}

	stopCh := make(chan struct{})
	go func() {
		select {
		case <-done:
			s.mu.Lock()
			cond.Broadcast()
			s.mu.Unlock()
		case <-stopCh:
		}
	}()
	return func() { close(stopCh) }
}
