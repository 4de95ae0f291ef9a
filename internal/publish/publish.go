// Package publish implements the optional re-streamer spec.md §1 lists as
// an external collaborator (SPEC_FULL.md §6.3): it registers as an
// ordinary QUEUE_ALL worker against the local item distributor and
// re-publishes every completed timeslice's metadata as line-delimited
// JSON to any number of TCP subscribers, without the core fabric needing
// to know subscribers exist at all.
package publish

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/yanet-platform/tsbuild/internal/itemworker"
)

// DescriptorLookup resolves a completed timeslice index to the summary
// metadata worth publishing. internal/computebuf.Buffer satisfies this.
type DescriptorLookup interface {
	Describe(timesliceIndex uint64) (numComponents int, totalContentSize uint32)
}

// Event is one line of the published feed.
type Event struct {
	TimesliceIndex uint64 `json:"timeslice_index"`
	NumComponents  int    `json:"num_components"`
	ContentSize    uint32 `json:"content_size"`
}

// Republisher drains completed work items from an itemworker.Client and
// fans their metadata out to every subscribed TCP connection.
type Republisher struct {
	client *itemworker.Client
	lookup DescriptorLookup
	log    *zap.SugaredLogger

	mu          sync.Mutex
	subscribers map[net.Conn]*bufio.Writer
}

// New constructs a Republisher. client must already be configured with
// distributor.PolicyQueueAll (spec §6.3: "registers as an ordinary
// QUEUE_ALL worker"), so it sees every timeslice, not a stride-filtered
// subset.
func New(client *itemworker.Client, lookup DescriptorLookup, log *zap.SugaredLogger) *Republisher {
	return &Republisher{
		client:      client,
		lookup:      lookup,
		log:         log.Named("publish"),
		subscribers: make(map[net.Conn]*bufio.Writer),
	}
}

// Serve accepts subscriber connections on ln until ctx is canceled.
func (p *Republisher) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("publish: accept: %w", err)
		}
		p.addSubscriber(nc)
	}
}

func (p *Republisher) addSubscriber(nc net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers[nc] = bufio.NewWriter(nc)
}

func (p *Republisher) dropSubscriber(nc net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subscribers, nc)
	nc.Close()
}

func (p *Republisher) broadcast(line []byte) {
	p.mu.Lock()
	targets := make(map[net.Conn]*bufio.Writer, len(p.subscribers))
	for nc, w := range p.subscribers {
		targets[nc] = w
	}
	p.mu.Unlock()

	for nc, w := range targets {
		if _, err := w.Write(line); err != nil {
			p.dropSubscriber(nc)
			continue
		}
		if err := w.WriteByte('\n'); err != nil {
			p.dropSubscriber(nc)
			continue
		}
		if err := w.Flush(); err != nil {
			p.dropSubscriber(nc)
		}
	}
}

// Run drains work items from the distributor, publishes each one's
// metadata, and immediately completes it — a re-streamer never gates
// anything, so QUEUE_ALL's hold-until-complete semantics are a formality
// here.
func (p *Republisher) Run(ctx context.Context) error {
	for {
		item, err := p.client.Get(ctx)
		if err != nil {
			if errors.Is(err, itemworker.ErrEndOfStream) {
				return nil
			}
			return fmt.Errorf("publish: %w", err)
		}

		numComponents, contentSize := p.lookup.Describe(item.ID)
		line, err := json.Marshal(Event{
			TimesliceIndex: item.ID,
			NumComponents:  numComponents,
			ContentSize:    contentSize,
		})
		if err != nil {
			return fmt.Errorf("publish: marshal event for timeslice %d: %w", item.ID, err)
		}
		p.broadcast(line)

		if err := p.client.Complete(item.ID); err != nil {
			p.log.Errorw("complete failed", "timeslice", item.ID, "error", err)
		}
	}
}
