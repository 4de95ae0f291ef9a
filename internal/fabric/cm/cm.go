// Package cm implements the connection-manager thread described in spec
// §5: one per node, responsible for address/route resolution, connect,
// disconnect, and rejection events. It is grounded on the same
// single-consumer event-channel shape the teacher uses for module
// registration (coordinator/internal/registry in the teacher repo), adapted
// here to carry connection lifecycle events instead of module registrations,
// and on github.com/cenkalti/backoff/v5 for the bounded retry spec §7
// requires ("Retries are bounded only for connection establishment (7
// attempts at the transport layer)").
package cm

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/yanet-platform/tsbuild/internal/fabric"
)

// EventKind enumerates the connection-manager lifecycle events spec §6
// requires from the transport.
type EventKind uint8

const (
	EventAddressResolved EventKind = iota
	EventRouteResolved
	EventEstablished
	EventRejected
	EventDisconnected
	EventConnectRequest
)

// Event is delivered to the node's connection-manager loop.
type Event struct {
	Kind     EventKind
	ConnName string
	Conn     fabric.Conn
	Err      error
}

// maxConnectAttempts bounds connection establishment retries (spec §7).
const maxConnectAttempts = 7

// Manager drives outbound connection establishment with bounded retry and
// fans out lifecycle events to a single consumer.
type Manager struct {
	transport fabric.Transport
	events    chan Event
}

// New constructs a Manager over the given transport. The caller drains
// Events() from a single goroutine (spec §5: "one connection-manager
// thread").
func New(transport fabric.Transport) *Manager {
	return &Manager{
		transport: transport,
		events:    make(chan Event, 64),
	}
}

// Events returns the lifecycle event stream.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Connect dials addr up to maxConnectAttempts times, waiting for the next
// exponential-backoff tick between attempts, and returns the last dial
// error once every attempt has failed. Every dial error is retried the same
// way: a rejected connection is not told apart from an unreachable peer, and
// no retry is immediate.
func (m *Manager) Connect(ctx context.Context, name, addr string, connIndex uint16, privateData [16]byte) (fabric.Conn, error) {
	m.publish(Event{Kind: EventAddressResolved, ConnName: name})

	ticker := backoff.NewTicker(&backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         time.Second,
	})
	defer ticker.Stop()

	var lastErr error
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		conn, err := m.transport.Dial(ctx, addr, connIndex, privateData)
		if err == nil {
			m.publish(Event{Kind: EventEstablished, ConnName: name, Conn: conn})
			return conn, nil
		}

		lastErr = err
		m.publish(Event{Kind: EventRejected, ConnName: name, Err: err})

		if attempt == maxConnectAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("cm: connect to %s (%s) canceled: %w", name, addr, ctx.Err())
		case <-ticker.C:
		}
	}

	return nil, fmt.Errorf("cm: connect to %s (%s) unreachable after %d attempts: %w", name, addr, maxConnectAttempts, lastErr)
}

// NotifyDisconnected records that a connection has gone away. No caller in
// this module invokes it: the completion pump drops StatusFlush and
// StatusError completions without reporting them here.
func (m *Manager) NotifyDisconnected(name string, conn fabric.Conn) {
	m.publish(Event{Kind: EventDisconnected, ConnName: name, Conn: conn})
}

func (m *Manager) publish(ev Event) {
	select {
	case m.events <- ev:
	default:
		// The event stream is sized generously for a handful of
		// connections; a full channel means the consumer has stopped
		// draining, which only happens during shutdown.
	}
}
