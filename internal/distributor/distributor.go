// Package distributor implements the process-local item distributor (spec
// §4.6): it applies each worker's stride/offset/queue-policy/group filter to
// every assembled timeslice, tracks per-worker outstanding and queued items,
// and folds worker completions back into the producer's consumer
// red-lantern. It is single-threaded by construction (spec §5): every
// method that touches worker state takes the same mutex, so the logical
// single-threaded dispatch the spec describes is enforced by serialization
// rather than by confining all calls to one goroutine.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yanet-platform/tsbuild/internal/wireproto"
)

// Policy selects how a worker's waiting queue behaves when the worker is
// busy (spec §4.6, `policy:0|1|2`).
type Policy uint8

const (
	PolicyQueueAll     Policy = 0
	PolicyPrebufferOne Policy = 1
	PolicySkip         Policy = 2
)

var (
	// ErrUnknownWorker is returned when a control message names an identity
	// the distributor has no record of.
	ErrUnknownWorker = errors.New("distributor: unknown worker identity")
	// ErrProtocolViolation is returned for a COMPLETE referencing an id the
	// worker was never sent (spec §7 "worker-protocol violation").
	ErrProtocolViolation = errors.New("distributor: worker protocol violation")
)

// WorkerLink is the distributor's outbound half of the worker control
// protocol (spec §6 "Worker control protocol"): send a work item, a
// heartbeat, or a disconnect notice to one registered worker.
type WorkerLink interface {
	SendWorkItem(id uint64, descriptorPosition uint64, payload []byte) error
	SendHeartbeat() error
	SendDisconnect() error
}

// CompletionSink receives the distributor's report that a timeslice has
// been fully released by every worker that accepted it — the computebuf
// assembler implements this to advance its consumer red-lantern.
type CompletionSink interface {
	HandleWorkerCompletion(t uint64)
}

// item is the shared-ownership record spec §4.6 describes as "an Item
// object held by shared-pointer with a custom deleter": remaining counts
// down as every worker that accepted it either completes it or is dropped
// while still holding it, and the sink fires exactly once, on the last
// release.
type item struct {
	id                 uint64
	descriptorPosition uint64
	payload            []byte
	remaining          int
	onComplete         func(id uint64)
	fired              bool
}

func (it *item) release() {
	it.remaining--
	if it.remaining <= 0 && !it.fired {
		it.fired = true
		it.onComplete(it.id)
	}
}

type waitingEntry struct {
	id uint64
	it *item
}

type workerState struct {
	identity string
	stride   uint64
	offset   uint64
	policy   Policy
	groupID  uint64
	link     WorkerLink

	idle         bool
	lastActivity time.Time
	waiting      []waitingEntry
	outstanding  map[uint64]*item
}

func (w *workerState) matches(id uint64) bool {
	return id%w.stride == w.offset
}

// Distributor is the compute node's local item distributor.
type Distributor struct {
	mu         sync.Mutex
	workers    []*workerState // insertion order, per spec §4.6's dispatch rule
	byIdentity map[string]*workerState

	sink CompletionSink
	log  *zap.SugaredLogger

	heartbeatInterval time.Duration
	pollInterval      time.Duration
}

// New constructs a Distributor. heartbeatInterval/pollInterval correspond to
// spec §4.6/§5's heartbeat and poll cadences.
func New(sink CompletionSink, heartbeatInterval, pollInterval time.Duration, log *zap.SugaredLogger) *Distributor {
	return &Distributor{
		byIdentity:        make(map[string]*workerState),
		sink:              sink,
		log:               log.Named("distributor"),
		heartbeatInterval: heartbeatInterval,
		pollInterval:      pollInterval,
	}
}

// Register records a worker, replacing any prior worker under the same
// identity (spec §4.6: "Registering with an already-used identity replaces
// the prior worker").
func (d *Distributor) Register(link WorkerLink, identity string, stride, offset uint64, policy Policy, groupID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.byIdentity[identity]; exists {
		d.removeWorkerLocked(identity)
	}

	w := &workerState{
		identity:     identity,
		stride:       stride,
		offset:       offset,
		policy:       policy,
		groupID:      groupID,
		link:         link,
		idle:         true,
		lastActivity: time.Now(),
		outstanding:  make(map[uint64]*item),
	}
	d.workers = append(d.workers, w)
	d.byIdentity[identity] = w
}

// Dispatch implements computebuf.Dispatcher: it applies every registered
// worker's filter to item (spec §4.6's dispatch rule), and reports
// immediate completion if no worker accepted it.
func (d *Distributor) Dispatch(wi wireproto.WorkItem) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if wi.TimesliceIndex == wireproto.MaxCursor {
		d.broadcastFinalLocked()
		return
	}

	id := wi.TimesliceIndex
	var targets []*workerState
	groups := make(map[uint64][]*workerState)
	for _, w := range d.workers {
		if !w.matches(id) {
			continue
		}
		if w.groupID == 0 {
			targets = append(targets, w)
			continue
		}
		groups[w.groupID] = append(groups[w.groupID], w)
	}
	// Within a group, exactly one member ever receives a given id: the
	// first idle member in registration order, or — if none are idle —
	// the first member, so the item still queues somewhere and is not
	// lost (spec §4.6: "the first idle one at enqueue time").
	for _, members := range groups {
		chosen := members[0]
		for _, m := range members {
			if m.idle {
				chosen = m
				break
			}
		}
		targets = append(targets, chosen)
	}

	if len(targets) == 0 {
		d.sink.HandleWorkerCompletion(id)
		return
	}

	it := &item{id: id, descriptorPosition: wi.DescriptorPosition, payload: wi.Payload, remaining: len(targets), onComplete: d.sink.HandleWorkerCompletion}
	for _, w := range targets {
		if w.policy == PolicyPrebufferOne {
			for _, stale := range w.waiting {
				stale.it.release()
			}
			w.waiting = w.waiting[:0]
		}

		if w.idle {
			w.idle = false
			w.outstanding[id] = it
			w.lastActivity = time.Now()
			if err := w.link.SendWorkItem(id, it.descriptorPosition, it.payload); err != nil {
				d.dropWorkerLocked(w, fmt.Errorf("send work item %d: %w", id, err))
			}
		} else {
			w.waiting = append(w.waiting, waitingEntry{id: id, it: it})
		}
	}
}

func (d *Distributor) broadcastFinalLocked() {
	for _, w := range d.workers {
		if err := w.link.SendWorkItem(wireproto.MaxCursor, 0, nil); err != nil {
			d.dropWorkerLocked(w, fmt.Errorf("send final sentinel: %w", err))
		}
	}
}

// Complete handles a `COMPLETE <id>` control message from the worker named
// identity (spec §4.6 "Worker completion").
func (d *Distributor) Complete(identity string, id uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.byIdentity[identity]
	if !ok {
		return fmt.Errorf("distributor: complete from %q: %w", identity, ErrUnknownWorker)
	}

	it, ok := w.outstanding[id]
	if !ok {
		return fmt.Errorf("distributor: %q completed unknown item %d: %w", identity, id, ErrProtocolViolation)
	}
	delete(w.outstanding, id)
	it.release()

	if len(w.waiting) > 0 {
		next := w.waiting[0]
		w.waiting = w.waiting[1:]
		w.outstanding[next.id] = next.it
		w.lastActivity = time.Now()
		if err := w.link.SendWorkItem(next.id, next.it.descriptorPosition, next.it.payload); err != nil {
			d.dropWorkerLocked(w, fmt.Errorf("send queued work item %d: %w", next.id, err))
		}
		return nil
	}

	w.idle = true
	w.lastActivity = time.Now()
	return nil
}

// Heartbeat handles an inbound `HEARTBEAT` reply, resetting the worker's
// activity clock so CheckHeartbeats does not re-fire immediately.
func (d *Distributor) Heartbeat(identity string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.byIdentity[identity]
	if !ok {
		return fmt.Errorf("distributor: heartbeat from %q: %w", identity, ErrUnknownWorker)
	}
	w.lastActivity = time.Now()
	return nil
}

// Disconnect erases a worker on transport-level loss or a protocol
// violation (spec §4.6 "Worker loss" / §7).
func (d *Distributor) Disconnect(identity string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeWorkerLocked(identity)
}

func (d *Distributor) dropWorkerLocked(w *workerState, err error) {
	d.log.Warnw("dropping worker after transport error", "worker", w.identity, "error", err)
	d.removeWorkerLocked(w.identity)
}

func (d *Distributor) removeWorkerLocked(identity string) {
	w, ok := d.byIdentity[identity]
	if !ok {
		return
	}
	delete(d.byIdentity, identity)
	for i, candidate := range d.workers {
		if candidate == w {
			d.workers = append(d.workers[:i], d.workers[i+1:]...)
			break
		}
	}

	for _, it := range w.outstanding {
		it.release()
	}
	for _, entry := range w.waiting {
		entry.it.release()
	}
}

// Run drives the heartbeat clock until ctx is canceled (spec §4.6
// "Heartbeats": every poll_interval, idle workers idle past
// heartbeat_interval get a HEARTBEAT).
func (d *Distributor) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.checkHeartbeats()
		}
	}
}

func (d *Distributor) checkHeartbeats() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for _, w := range d.workers {
		if !w.idle || now.Sub(w.lastActivity) < d.heartbeatInterval {
			continue
		}
		if err := w.link.SendHeartbeat(); err != nil {
			d.dropWorkerLocked(w, fmt.Errorf("send heartbeat: %w", err))
			continue
		}
		w.lastActivity = now
	}
}

// WorkerCount reports the number of currently registered workers, for tests
// and monitoring.
func (d *Distributor) WorkerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}
