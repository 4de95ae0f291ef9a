// Package inputconn implements the input-side half of one (input, compute)
// connection (spec §4.3.a): the credit window plus the remote arena
// bookkeeping an input channel sender needs to emit DATA_WRITE /
// DATA_WRITE_WRAP / DESC_WRITE chains and to learn when a prior chain's
// local send has completed.
package inputconn

import (
	"context"
	"fmt"

	"github.com/yanet-platform/tsbuild/internal/credit"
	"github.com/yanet-platform/tsbuild/internal/fabric"
	"github.com/yanet-platform/tsbuild/internal/ringbuf"
	"github.com/yanet-platform/tsbuild/internal/wireproto"
)

// DescCompleteFunc is notified when a previously sent DESC_WRITE's local
// send completes, carrying the timeslice index packed into its wr_id. This
// is the event spec §4.4 calls "On DESC_WRITE completion for timeslice t" —
// a send-side completion (the local chain is done and its slot can be
// reused), not an acknowledgement from the peer.
type DescCompleteFunc func(timesliceIndex uint64)

// Conn is the input side of one connection to a compute node: a transport
// connection, its producer credit window, and the remote data/desc arena
// geometry needed to compute wrap points and remote offsets.
type Conn struct {
	name    string
	conn    fabric.Conn
	window  *credit.Window
	dataCap uint64 // power of two, in bytes
	descCap uint64 // entries; need not be a power of two since remote descriptor
	// offsets fold with %, unlike the data arena's bitmask wrap

	sendSlots chan struct{}

	onDescComplete DescCompleteFunc

	finalized bool
}

// New constructs an input-side Conn. dataCap/descCap are the compute node's
// arena sizes for this input (bytes and descriptor-entry counts,
// respectively; dataCap must be a power of two, descCap need not be).
// maxOutstanding
// bounds the number of write chains in flight on this connection at once
// (spec §4.3: "the input-side limits outstanding write chains... exceeding
// the limit blocks the sender").
func New(name string, conn fabric.Conn, dataCap, descCap uint64, maxOutstanding int, onDescComplete DescCompleteFunc) *Conn {
	c := &Conn{
		name:           name,
		conn:           conn,
		window:         credit.NewWindow(dataCap, descCap),
		dataCap:        dataCap,
		descCap:        descCap,
		sendSlots:      make(chan struct{}, maxOutstanding),
		onDescComplete: onDescComplete,
	}
	for i := 0; i < maxOutstanding; i++ {
		c.sendSlots <- struct{}{}
	}
	return c
}

// SkipRequired returns the padding, if any, needed before writing size bytes
// at the current write position so the write does not straddle the data
// arena's wrap point in a way the caller has not accounted for.
func (c *Conn) SkipRequired(size uint64) uint64 {
	offset := c.window.WrittenPosition().DataBytes & (c.dataCap - 1)
	if offset+size > c.dataCap {
		return c.dataCap - offset
	}
	return 0
}

// WaitForBufferSpace blocks until the credit window has room for totalSize
// data bytes and one descriptor entry, per spec §4.2's producer wait.
func (c *Conn) WaitForBufferSpace(totalSize uint64, cancel <-chan struct{}) error {
	return c.window.WaitForSpace(totalSize, 1, cancel)
}

// TryAcquireSendSlot attempts to reserve one outstanding write-chain slot
// without blocking, for the sender main loop's step 5 ("if that connection
// has no write-request slot available, yield and retry").
func (c *Conn) TryAcquireSendSlot() bool {
	select {
	case <-c.sendSlots:
		return true
	default:
		return false
	}
}

func (c *Conn) releaseSendSlot() {
	select {
	case c.sendSlots <- struct{}{}:
	default:
	}
}

// SendData enqueues a DATA_WRITE(+WRAP)+DESC_WRITE chain as a single ordered
// unit (spec §4.3: "the DESC_WRITE is the commit record"). payload is the
// full logical write for this timeslice component — the spec's gather list
// of a descriptor segment and a data segment is simplified here to one
// concatenated buffer that SendData itself splits at the data arena's wrap
// point (documented in DESIGN.md); skip is the padding spent jumping past a
// wrap this write must not straddle (spec §4.3.a: skip_required). desc is
// the component descriptor to commit for this timeslice; its Offset field
// is overwritten with the actual remote write position before it is sent —
// callers only need to set TimesliceIndex, ContentSize, and
// MicrosliceCount.
func (c *Conn) SendData(payload []byte, skip uint64, desc wireproto.TimesliceComponentDescriptor, timesliceIndex uint64) error {
	pos := c.window.WrittenPosition()
	dataOffset := (pos.DataBytes + skip) & (c.dataCap - 1)
	descOffset := (pos.DescEntries % c.descCap) * wireproto.ComponentDescriptorSize
	desc.Offset = dataOffset

	connIndex := c.conn.Index()

	first, second := ringbuf.SplitWrap(dataOffset, uint64(len(payload)), c.dataCap)

	ops := make([]fabric.WriteOp, 0, 3)
	ops = append(ops, fabric.WriteOp{
		Payload:      payload[:first.Len],
		RemoteOffset: first.Start,
		Arena:        fabric.ArenaData,
		WrID:         fabric.PackWrID(fabric.VerbWriteData, connIndex, timesliceIndex),
		Verb:         fabric.VerbWriteData,
		Fenced:       false,
		Signaled:     false,
	})
	if second.Len > 0 {
		ops = append(ops, fabric.WriteOp{
			Payload:      payload[first.Len:],
			RemoteOffset: second.Start,
			Arena:        fabric.ArenaData,
			WrID:         fabric.PackWrID(fabric.VerbWriteDataWrap, connIndex, timesliceIndex),
			Verb:         fabric.VerbWriteDataWrap,
			Fenced:       false,
			Signaled:     false,
		})
	}

	descBuf := make([]byte, wireproto.ComponentDescriptorSize)
	desc.Encode(descBuf)
	ops = append(ops, fabric.WriteOp{
		Payload:      descBuf,
		RemoteOffset: descOffset,
		Arena:        fabric.ArenaDesc,
		WrID:         fabric.PackWrID(fabric.VerbWriteDesc, connIndex, timesliceIndex),
		Verb:         fabric.VerbWriteDesc,
		Fenced:       true,
		Signaled:     true,
	})

	if err := c.conn.WriteChain(ops); err != nil {
		c.releaseSendSlot()
		return fmt.Errorf("inputconn %s: send_data timeslice %d: %w", c.name, timesliceIndex, err)
	}
	return nil
}

// IncWritePointers advances the producer credit window and, if this side
// holds the update turn, publishes the new write pointer to the peer as a
// CREDIT_SEND (spec §4.3.a: inc_write_pointers).
func (c *Conn) IncWritePointers(deltaData, deltaDesc uint64) error {
	pos, shouldSend := c.window.Advance(deltaData, deltaDesc)
	if !shouldSend {
		return nil
	}
	return c.sendCreditUpdate(pos, fabric.VerbSendWritePointer)
}

// Solicit sends a no-op credit update carrying the current write position,
// to break the deadlock spec §4.2 describes ("all data has been written
// with no pending update").
func (c *Conn) Solicit() error {
	if !c.window.NeedsSolicit() {
		return nil
	}
	pos, shouldSend := c.window.Advance(0, 0)
	if !shouldSend {
		return nil
	}
	return c.sendCreditUpdate(pos, fabric.VerbSendWritePointer)
}

// Finalize marks no further data will be sent and publishes the (MAX, MAX)
// sentinel write pointer (spec §4.3.a: finalize).
func (c *Conn) Finalize() error {
	if c.finalized {
		return nil
	}
	c.finalized = true
	pos := c.window.Finalize()
	return c.sendCreditUpdate(pos, fabric.VerbSendFinalize)
}

func (c *Conn) sendCreditUpdate(pos wireproto.BufferPosition, verb fabric.Verb) error {
	buf := make([]byte, wireproto.BufferPositionSize)
	pos.Encode(buf)
	return c.conn.Send(fabric.Message{
		Payload: buf,
		WrID:    fabric.PackWrID(verb, c.conn.Index(), 0),
		Verb:    verb,
	})
}

// HandleCompletion implements pump.Handler. It reacts to the local send
// completion of this connection's own DESC_WRITE chains (releasing the
// write-chain slot and notifying the sender of the completed timeslice);
// all other completions on an input connection are control-message sends
// with nothing further to do once posted.
func (c *Conn) HandleCompletion(comp fabric.Completion) {
	if comp.Verb != fabric.VerbWriteDesc || comp.Direction != fabric.DirectionSend {
		return
	}

	_, _, timesliceIndex := fabric.UnpackWrID(comp.WrID)
	c.releaseSendSlot()
	if c.onDescComplete != nil {
		c.onDescComplete(timesliceIndex)
	}
}

// Run drains inbound CREDIT_RECV messages (the peer's ack of our write
// pointer) until ctx is canceled or the connection's inbox closes.
func (c *Conn) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.conn.Inbox():
			if !ok {
				return nil
			}
			if msg.Verb != fabric.VerbSendAck {
				continue
			}
			pos := wireproto.DecodeBufferPosition(msg.Payload)
			if err := c.window.ReceiveAck(pos); err != nil {
				return fmt.Errorf("inputconn %s: %w", c.name, err)
			}
		}
	}
}

// Done reports whether this side has finalized and the peer has
// acknowledged the sentinel write pointer.
func (c *Conn) Done() bool {
	return c.finalized && c.window.AckedPosition().Final()
}

// Index returns the underlying transport connection's pump index.
func (c *Conn) Index() uint16 {
	return c.conn.Index()
}
