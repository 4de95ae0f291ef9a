// Package credit implements the per-connection credit window: the
// producer/consumer cursor triple (written, sent_update, acked) that governs
// remote-write flow control on one direction of one (input, compute)
// connection.
//
// The contract is strictly one update message in flight per direction at a
// time (the our_turn flag), which removes the need for sequence numbers on
// credit messages: a producer never has two outstanding CREDIT_SEND calls,
// and a consumer's CREDIT_RECV always carries the latest written position.
package credit

import (
	"fmt"
	"sync"

	"github.com/yanet-platform/tsbuild/internal/wireproto"
)

// ErrCreditExhausted is returned by Window when a caller requests more space
// than the buffer holds in total — this can never be satisfied by waiting,
// so it is reported rather than blocked on forever.
type ErrCreditExhausted struct {
	Requested, Capacity uint64
	Axis                string
}

func (e *ErrCreditExhausted) Error() string {
	return fmt.Sprintf("credit: requested %d %s bytes/entries exceeds buffer capacity %d", e.Requested, e.Axis, e.Capacity)
}

// ErrProtocolViolation is returned when a peer's ack would move the local
// ack cursor backwards — an unrecoverable peer bug (spec §7).
type ErrProtocolViolation struct {
	Axis           string
	Current, Proposed uint64
}

func (e *ErrProtocolViolation) Error() string {
	return fmt.Sprintf("credit: peer ack on %s axis moved backwards: %d -> %d", e.Axis, e.Current, e.Proposed)
}

// Window is the producer side of a credit window: it tracks how much this
// side has written, how much the peer has acknowledged, and whether it is
// this side's turn to publish an update.
//
// One Window exists per (connection, direction) pair; the data and
// descriptor axes advance together since every write chain carries both a
// payload and exactly one descriptor entry.
type Window struct {
	mu sync.Mutex
	// producerWaiting is broadcast whenever ack advances, waking any
	// goroutine blocked in WaitForSpace.
	producerWaiting *sync.Cond

	dataCap, descCap uint64

	written     wireproto.BufferPosition
	acked       wireproto.BufferPosition
	sentUpdate  wireproto.BufferPosition
	ourTurn     bool
	finalized   bool
}

// NewWindow constructs a Window for a connection whose data arena holds
// dataCap bytes and whose descriptor arena holds descCap entries. ourTurn
// starts true: the first write immediately owns the right to publish an
// update, matching the teacher's convention of granting the initiator the
// first move.
func NewWindow(dataCap, descCap uint64) *Window {
	w := &Window{dataCap: dataCap, descCap: descCap, ourTurn: true}
	w.producerWaiting = sync.NewCond(&w.mu)
	return w
}

// Advance records that the producer has written deltaData more bytes and
// deltaDesc more descriptor entries. If this side currently holds the turn,
// it atomically clears the flag and returns the new written position plus
// true, meaning the caller must send a CREDIT_SEND with that position.
// Otherwise the update is deferred and Advance returns false.
func (m *Window) Advance(deltaData, deltaDesc uint64) (wireproto.BufferPosition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.written.DataBytes += deltaData
	m.written.DescEntries += deltaDesc

	if m.ourTurn {
		m.ourTurn = false
		m.sentUpdate = m.written
		return m.written, true
	}

	return wireproto.BufferPosition{}, false
}

// ReceiveAck records an acknowledgement arriving from the peer (a
// CREDIT_RECV carrying the peer's ack cursor). It both advances the local
// ack cursor and restores this side's turn to send the next update,
// matching spec §4.2: "which on arrival at the producer both updates credit
// and sets our_turn = true".
func (m *Window) ReceiveAck(pos wireproto.BufferPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pos.DataBytes < m.acked.DataBytes {
		return &ErrProtocolViolation{Axis: "data", Current: m.acked.DataBytes, Proposed: pos.DataBytes}
	}
	if pos.DescEntries < m.acked.DescEntries {
		return &ErrProtocolViolation{Axis: "desc", Current: m.acked.DescEntries, Proposed: pos.DescEntries}
	}

	m.acked = pos
	m.ourTurn = true
	m.producerWaiting.Broadcast()

	return nil
}

// Space reports the currently available space on both axes: (ack + cap) -
// written.
func (m *Window) Space() (dataSpace, descSpace uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spaceLocked()
}

func (m *Window) spaceLocked() (dataSpace, descSpace uint64) {
	dataSpace = (m.acked.DataBytes + m.dataCap) - m.written.DataBytes
	descSpace = (m.acked.DescEntries + m.descCap) - m.written.DescEntries
	return dataSpace, descSpace
}

// WaitForSpace blocks until (ack + cap) - written >= delta holds on both the
// data and descriptor axes, waking on every ack. WaitForSpace never sends a
// no-op update itself: soliciting an ack to break the deadlock described in
// spec §4.2 ("all data has been written with no pending update") is the
// caller's responsibility, using NeedsSolicit.
//
// cancel is an optional channel checked before the first wait and each time
// the wait wakes; closing it does not by itself wake a blocked waiter. Pass
// nil to block unconditionally.
func (m *Window) WaitForSpace(deltaData, deltaDesc uint64, cancel <-chan struct{}) error {
	if deltaData > m.dataCap {
		return &ErrCreditExhausted{Requested: deltaData, Capacity: m.dataCap, Axis: "data"}
	}
	if deltaDesc > m.descCap {
		return &ErrCreditExhausted{Requested: deltaDesc, Capacity: m.descCap, Axis: "desc"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		dataSpace, descSpace := m.spaceLocked()
		if dataSpace >= deltaData && descSpace >= deltaDesc {
			return nil
		}

		if cancel != nil {
			select {
			case <-cancel:
				return errCanceled
			default:
			}
		}

		m.producerWaiting.Wait()
	}
}

// errCanceled is returned by WaitForSpace when the caller's cancel channel
// fires while still short of space.
var errCanceled = fmt.Errorf("credit: wait for space canceled")

// NeedsSolicit reports whether, given the caller is blocked waiting for
// space, it should proactively send a no-op update to solicit an ack
// because it currently holds the turn and has nothing new to report.
func (m *Window) NeedsSolicit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ourTurn
}

// Finalize marks this side as having sent its sentinel (MAX, MAX) position;
// Advance/WaitForSpace continue to function but the caller is expected not
// to issue further writes.
func (m *Window) Finalize() wireproto.BufferPosition {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.finalized = true
	m.written = wireproto.FinalPosition()
	m.ourTurn = false
	return m.written
}

// Finalized reports whether Finalize has been called.
func (m *Window) Finalized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalized
}

// WrittenPosition returns the current written cursor pair.
func (m *Window) WrittenPosition() wireproto.BufferPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written
}

// AckedPosition returns the current acked cursor pair.
func (m *Window) AckedPosition() wireproto.BufferPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked
}
