package fabric

import "context"

// Status is the outcome of a completion.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusFlush          // completion on a disconnecting connection; ignored
	StatusError           // any other non-success status; the pump logs it and drops it, and the connection's state is not changed
)

// Direction distinguishes a completion for an operation this side
// initiated (Send) from one describing data the peer wrote into this
// side's registered memory (Receive).
type Direction uint8

const (
	DirectionSend Direction = iota
	DirectionReceive
)

// Completion is one entry drained from the completion queue by the event
// pump (spec §4.8).
type Completion struct {
	WrID      uint64
	Verb      Verb
	Status    Status
	Direction Direction
}

// ArenaHandle identifies a remotely-writable memory region: a base address
// (opaque to the transport) and an access key exchanged at connect time, per
// spec §6 ("used to exchange arena base addresses and access keys").
type ArenaHandle struct {
	Base []byte
	Key  uint32
}

// ArenaKind selects which of the two remote arenas (data bytes or
// descriptor entries) a WriteOp targets.
type ArenaKind uint8

const (
	ArenaData ArenaKind = iota
	ArenaDesc
)

// WriteOp describes one remote-direct-write request.
type WriteOp struct {
	Payload      []byte
	RemoteOffset uint64
	Arena        ArenaKind
	WrID         uint64
	Verb         Verb
	Fenced       bool
	Signaled     bool
}

// Message describes one signaled, non-memory-addressed send (CREDIT_SEND /
// CREDIT_RECV): its payload is delivered to the peer's application, not
// written into a registered arena.
type Message struct {
	Payload []byte
	WrID    uint64
	Verb    Verb
}

// Conn is one (input, compute) connection: a reliable, in-order,
// remote-direct-write-capable channel plus a bidirectional control flow.
type Conn interface {
	// RegisterArena exposes a local memory region the peer may write into
	// directly; it must be called before the peer can issue any WriteChain
	// whose RemoteOffset falls within it.
	RegisterArena(data, desc []byte)

	// WriteChain posts a data+[data-wrap]+desc write chain as a single
	// ordered unit: every unsignaled op in ops is guaranteed globally
	// observable before any fenced op that follows it on this connection
	// (spec §4.3, the DESC_WRITE commit record).
	WriteChain(ops []WriteOp) error

	// Send posts a control message (CREDIT_SEND/CREDIT_RECV) to the peer.
	Send(msg Message) error

	// Inbox delivers control Messages received from the peer.
	Inbox() <-chan Message

	// Index is this connection's slot in the owning pump, embedded in every
	// wr_id this connection produces.
	Index() uint16

	// PrivateData returns the 16 bytes exchanged at connect time (spec §6:
	// "used to exchange arena base addresses and access keys"); a compute
	// node's listener side uses it to learn which input index just
	// connected, since accept order across independent input processes is
	// not otherwise deterministic.
	PrivateData() [16]byte

	Close() error
}

// Listener accepts inbound connections for a compute node.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// Transport is the capability set required from the environment (spec §6).
type Transport interface {
	Dial(ctx context.Context, addr string, connIndex uint16, privateData [16]byte) (Conn, error)
	Listen(addr string) (Listener, error)
}
