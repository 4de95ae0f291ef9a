// Package fabric defines the transport capability the build fabric needs
// from its environment (spec §6, §9): a reliable, in-order connection
// offering a remote-direct-write verb, a completion queue keyed by an
// opaque wr_id, and connection-manager lifecycle events.
//
// There is no InfiniBand verbs binding available to this module, so the
// capability is expressed as an interface (design note §9, "dynamic
// dispatch for data sources and sinks" applied equally to the transport);
// package tcpfabric is the one production implementation, built on
// net.TCPConn.
package fabric

import "fmt"

// Verb identifies the kind of operation a completion or wire frame carries,
// mirroring original_source/Timeslice.hpp's REQUEST_ID enum.
type Verb uint8

const (
	VerbWriteData Verb = iota + 1
	VerbWriteDataWrap
	VerbWriteDesc
	VerbSendWritePointer
	VerbRecvAck
	VerbSendAck
	VerbRecvWritePointer
	VerbSendFinalize
)

func (v Verb) String() string {
	switch v {
	case VerbWriteData:
		return "WRITE_DATA"
	case VerbWriteDataWrap:
		return "WRITE_DATA_WRAP"
	case VerbWriteDesc:
		return "WRITE_DESC"
	case VerbSendWritePointer:
		return "SEND_WRITE_POINTER"
	case VerbRecvAck:
		return "RECV_ACK"
	case VerbSendAck:
		return "SEND_ACK"
	case VerbRecvWritePointer:
		return "RECV_WRITE_POINTER"
	case VerbSendFinalize:
		return "SEND_FINALIZE"
	default:
		return fmt.Sprintf("VERB(%d)", uint8(v))
	}
}

// connIndexBits and timesliceIndexBits partition the 64-bit wr_id as
// described in spec §9: "wr_id is a packed (verb:8 | connection_index:16 |
// timeslice_index:40) integer so completions are routed without
// back-pointers."
const (
	verbShift           = 56
	connIndexShift      = 40
	connIndexMask       = 0xFFFF
	timesliceIndexMask  = 0xFFFFFFFFFF
)

// PackWrID packs a verb, connection index, and timeslice index into a single
// opaque wr_id.
func PackWrID(verb Verb, connIndex uint16, timesliceIndex uint64) uint64 {
	return uint64(verb)<<verbShift | uint64(connIndex)<<connIndexShift | (timesliceIndex & timesliceIndexMask)
}

// UnpackWrID reverses PackWrID.
func UnpackWrID(wrID uint64) (verb Verb, connIndex uint16, timesliceIndex uint64) {
	verb = Verb(wrID >> verbShift)
	connIndex = uint16((wrID >> connIndexShift) & connIndexMask)
	timesliceIndex = wrID & timesliceIndexMask
	return verb, connIndex, timesliceIndex
}
