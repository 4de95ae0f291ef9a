package credit

import (
	"sync"

	"github.com/yanet-platform/tsbuild/internal/wireproto"
)

// Mirror is the compute-side counterpart of a Window: it tracks the peer's
// write pointer (cn_wp) as reported by inbound CREDIT_RECV messages, and the
// local ack cursor (cn_ack) this side publishes back once it has consumed
// the corresponding data.
//
// Unlike Window, Mirror does not gate local writes — the compute side never
// writes into the input's arena — it exists purely to compute what ack
// value to publish and to expose the peer's write pointer to the assembler
// for red-lantern computation.
type Mirror struct {
	mu      sync.Mutex
	peerWP  wireproto.BufferPosition
	localAck wireproto.BufferPosition
	done    bool
}

// NewMirror constructs an empty Mirror.
func NewMirror() *Mirror {
	return &Mirror{}
}

// ReceiveUpdate records a new peer write pointer arriving via CREDIT_RECV.
// It reports whether the position is the end-of-stream sentinel.
func (m *Mirror) ReceiveUpdate(pos wireproto.BufferPosition) (final bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.peerWP = pos
	if pos.Final() {
		m.done = true
	}
	return m.done
}

// PeerWritePointer returns the last write pointer reported by the peer.
func (m *Mirror) PeerWritePointer() wireproto.BufferPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerWP
}

// AdvanceAck publishes a new local ack cursor; the caller (the compute
// connection) is responsible for sending it as a CREDIT_SEND to the peer.
// AdvanceAck never moves the cursor backwards.
func (m *Mirror) AdvanceAck(pos wireproto.BufferPosition) wireproto.BufferPosition {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pos.DataBytes > m.localAck.DataBytes {
		m.localAck.DataBytes = pos.DataBytes
	}
	if pos.DescEntries > m.localAck.DescEntries {
		m.localAck.DescEntries = pos.DescEntries
	}
	return m.localAck
}

// LocalAck returns the last published local ack cursor.
func (m *Mirror) LocalAck() wireproto.BufferPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localAck
}

// Done reports whether the sentinel write pointer has been observed.
func (m *Mirror) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}
