// Package datasource declares the capability set an input node needs from
// whatever produces its microslices (spec §6, §9: "dynamic dispatch for
// data sources and sinks... model as a capability set {wait_for_data,
// update_ack, data_ring, desc_ring}"). The sender holds a Source value, not
// a pointer to a specific implementation — patterngen, shmclient, and
// archive are interchangeable behind it.
package datasource

import (
	"context"

	"github.com/yanet-platform/tsbuild/internal/ringbuf"
	"github.com/yanet-platform/tsbuild/internal/wireproto"
)

// Source is one input's data-source adapter: a byte ring for payloads, a
// typed ring for microslice descriptors, a blocking wait for new data, and a
// non-blocking way to release consumed space back to the producer.
type Source interface {
	// DataRing is the byte arena microslice payloads are written into.
	DataRing() *ringbuf.Ring[byte]

	// DescRing is the typed arena microslice descriptors are written into,
	// in index order, one entry per microslice.
	DescRing() *ringbuf.Ring[wireproto.MicrosliceDescriptor]

	// WaitForData blocks until the source has written a descriptor index
	// greater than minDescIndex, or ctx is canceled, returning the current
	// written descriptor index (spec §6: "wait_for_data(min_desc_index) →
	// current_written_desc_index").
	WaitForData(ctx context.Context, minDescIndex uint64) (uint64, error)

	// UpdateAckPointers releases consumed space back to the producer; it
	// never blocks (spec §6: "update_ack_pointers(...) non-blocking call").
	UpdateAckPointers(ackedDataBytes, ackedDescIndex uint64)
}
