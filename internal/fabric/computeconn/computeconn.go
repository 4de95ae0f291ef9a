// Package computeconn implements the compute-side half of one (input,
// compute) connection (spec §4.3.b): a mirror of the input's credit window
// plus the pending-send bookkeeping needed to know when this side's own
// CREDIT_SEND (ack echo) traffic has drained, which the final handshake
// (spec §4.5) waits on.
package computeconn

import (
	"context"
	"fmt"
	"sync"

	"github.com/yanet-platform/tsbuild/internal/credit"
	"github.com/yanet-platform/tsbuild/internal/fabric"
	"github.com/yanet-platform/tsbuild/internal/wireproto"
)

// UpdateFunc is notified whenever the peer's write pointer advances,
// carrying the new position so the assembler can recompute the red-lantern
// (spec §4.5: "R' := min over inputs of cn_wp.desc").
type UpdateFunc func(peerWritePointer wireproto.BufferPosition)

// DescCompleteFunc is notified when a DESC_WRITE lands in this node's own
// descriptor arena (a receive-side completion, detected by the transport),
// carrying the timeslice index packed into its wr_id — spec §4.3's "the
// compute side... reacts only to its own completion for the inbound
// descriptor."
type DescCompleteFunc func(timesliceIndex uint64)

// Conn is the compute side of one connection from an input node.
type Conn struct {
	name   string
	conn   fabric.Conn
	mirror *credit.Mirror

	onUpdate      UpdateFunc
	onDescComplete DescCompleteFunc

	mu           sync.Mutex
	pendingSends int
	done         bool
}

// New constructs a compute-side Conn.
func New(name string, conn fabric.Conn, onUpdate UpdateFunc, onDescComplete DescCompleteFunc) *Conn {
	return &Conn{
		name:           name,
		conn:           conn,
		mirror:         credit.NewMirror(),
		onUpdate:       onUpdate,
		onDescComplete: onDescComplete,
	}
}

// PeerWritePointer returns the last write pointer reported by the input
// side.
func (c *Conn) PeerWritePointer() wireproto.BufferPosition {
	return c.mirror.PeerWritePointer()
}

// PublishAck sends an updated cn_ack to the input side, e.g. when the
// assembler's consumer red-lantern U advances (spec §4.5: "it sends
// CREDIT_SEND per connection updating cn_ack to U").
func (c *Conn) PublishAck(pos wireproto.BufferPosition) error {
	ack := c.mirror.AdvanceAck(pos)
	return c.sendAck(ack)
}

func (c *Conn) sendAck(ack wireproto.BufferPosition) error {
	buf := make([]byte, wireproto.BufferPositionSize)
	ack.Encode(buf)

	c.mu.Lock()
	c.pendingSends++
	c.mu.Unlock()

	err := c.conn.Send(fabric.Message{
		Payload: buf,
		WrID:    fabric.PackWrID(fabric.VerbSendAck, c.conn.Index(), 0),
		Verb:    fabric.VerbSendAck,
	})
	if err != nil {
		c.mu.Lock()
		c.pendingSends--
		c.mu.Unlock()
		return fmt.Errorf("computeconn %s: send ack: %w", c.name, err)
	}
	return nil
}

// Run drains inbound write-pointer updates from the input side until ctx is
// canceled or the connection's inbox closes: each arriving update advances
// the mirrored write pointer, is reported to the assembler, and is echoed
// back as the current ack (spec §4.3.b: "update the local cn_wp; re-arm the
// receive; echo cn_ack back").
func (c *Conn) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.conn.Inbox():
			if !ok {
				return nil
			}
			if msg.Verb != fabric.VerbSendWritePointer && msg.Verb != fabric.VerbSendFinalize {
				continue
			}

			pos := wireproto.DecodeBufferPosition(msg.Payload)
			final := c.mirror.ReceiveUpdate(pos)
			if c.onUpdate != nil {
				c.onUpdate(pos)
			}

			if final {
				c.mu.Lock()
				c.done = true
				c.mu.Unlock()
				if err := c.sendAck(wireproto.FinalPosition()); err != nil {
					return err
				}
				continue
			}

			if err := c.sendAck(c.mirror.LocalAck()); err != nil {
				return err
			}
		}
	}
}

// HandleCompletion implements pump.Handler. It reacts to (a) the local send
// completion of this side's own ack echoes, decrementing the pending-send
// count, and (b) the receive-side completion of an inbound DESC_WRITE,
// which is this connection's only signal that a new timeslice component has
// landed.
func (c *Conn) HandleCompletion(comp fabric.Completion) {
	switch {
	case comp.Verb == fabric.VerbSendAck && comp.Direction == fabric.DirectionSend:
		c.mu.Lock()
		c.pendingSends--
		c.mu.Unlock()

	case comp.Verb == fabric.VerbWriteDesc && comp.Direction == fabric.DirectionReceive:
		_, _, timesliceIndex := fabric.UnpackWrID(comp.WrID)
		if c.onDescComplete != nil {
			c.onDescComplete(timesliceIndex)
		}
	}
}

// Done reports whether the sentinel write pointer has been observed and
// echoed.
func (c *Conn) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// PendingSends reports the number of ack sends posted but not yet completed
// — the final handshake (spec §4.5) waits for this to reach zero on every
// connection before the assembler considers a node quiescent.
func (c *Conn) PendingSends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingSends
}

// Index returns the underlying transport connection's pump index.
func (c *Conn) Index() uint16 {
	return c.conn.Index()
}
