// Package pump implements the completion-queue event pump (spec §4.8): a
// single goroutine per connection group that drains completions and
// dispatches them either back into the owning connection (credit and
// descriptor-write completions) or into the compute buffer's completion
// handler.
//
// A real InfiniBand completion queue requires the poller to block on a
// notification file descriptor and re-arm it before draining, to avoid
// missing a completion that arrives between the drain and the next block.
// tcpfabric's completions arrive over a buffered Go channel, which already
// has the re-arm race eliminated by the channel's own synchronization, so
// the Go translation of "block on the notification channel, re-arm, drain"
// is simply a blocking receive in a loop — recorded here rather than
// reproducing IB's two-step dance for no benefit.
package pump

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/yanet-platform/tsbuild/internal/fabric"
)

// Handler receives completions addressed to one connection.
type Handler interface {
	HandleCompletion(fabric.Completion)
}

// Pump owns the completion channel for a group of connections (one per
// node, per spec §5: "one completion pump") and routes each completion to
// the handler registered for its wr_id's connection index.
type Pump struct {
	completions chan fabric.Completion
	mu          sync.RWMutex
	handlers    map[uint16]Handler
	log         *zap.SugaredLogger
}

// New constructs a Pump. bufSize sizes the completion channel; every
// tcpfabric.Conn created for this node group must be given Sink() as its
// completion sink.
func New(bufSize int, log *zap.SugaredLogger) *Pump {
	return &Pump{
		completions: make(chan fabric.Completion, bufSize),
		handlers:    make(map[uint16]Handler),
		log:         log.Named("pump"),
	}
}

// Sink returns the channel connections should post completions into.
func (p *Pump) Sink() chan<- fabric.Completion {
	return p.completions
}

// Register associates a connection index with the handler that owns it.
// Call before the connection can produce any completion.
func (p *Pump) Register(connIndex uint16, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[connIndex] = h
}

// Unregister removes a connection's handler, e.g. once it reaches DONE.
func (p *Pump) Unregister(connIndex uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, connIndex)
}

// Run drains completions until ctx is canceled. It must run on its own
// goroutine; spec §5 forbids it from doing anything but waking other
// goroutines via condition variables / channels — dispatch here is limited
// to routing, never to blocking work.
func (p *Pump) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case comp := <-p.completions:
			p.dispatch(comp)
		}
	}
}

func (p *Pump) dispatch(comp fabric.Completion) {
	_, connIndex, _ := fabric.UnpackWrID(comp.WrID)

	switch comp.Status {
	case fabric.StatusFlush:
		// Completion on a disconnecting connection; spec §4.8 says ignore.
		return
	case fabric.StatusError:
		p.log.Errorw("completion failed", "wr_id", comp.WrID, "verb", comp.Verb, "conn_index", connIndex)
		return
	}

	p.mu.RLock()
	h, ok := p.handlers[connIndex]
	p.mu.RUnlock()
	if !ok {
		p.log.Warnw("completion for unknown connection", "wr_id", comp.WrID, "conn_index", connIndex)
		return
	}

	h.HandleCompletion(comp)
}
