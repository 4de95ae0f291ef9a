// Package itemworker implements the item worker client (spec §4.7): it
// connects to a compute node's item distributor, registers with a
// stride/offset/policy/group filter, and exposes a blocking Get() over the
// work items the distributor forwards. On connection loss, heartbeat
// timeout, or protocol violation it tears the socket down, reconnects, and
// re-registers, flushing any completions that had not yet reached the
// distributor — the same retry-with-backoff idiom internal/fabric/cm uses
// for connection establishment, except that here the number of attempts is
// not limited.
package itemworker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/yanet-platform/tsbuild/internal/distributor"
	"github.com/yanet-platform/tsbuild/internal/wireproto"
)

// ErrEndOfStream is returned by Get once the final sentinel work item has
// been delivered; the caller should stop calling Get.
var ErrEndOfStream = errors.New("itemworker: end of stream")

// Item is one unit of work handed to the caller: an id (position in the
// compute node's descriptor arena) to read, and the assembled timeslice
// bytes delivered as WORK_ITEM's optional second frame (spec §6), when the
// distributor sent one.
type Item struct {
	ID      uint64
	Payload []byte
}

// inboundMsg is one distributor control line, plus the raw payload bytes
// read immediately after it when the line is a WORK_ITEM with a non-zero
// frame length.
type inboundMsg struct {
	line    string
	payload []byte
}

// Config describes how this worker registers with the distributor (spec
// §4.6 "Worker registration").
type Config struct {
	Addr             string
	Name             string
	Stride           uint64
	Offset           uint64
	Policy           distributor.Policy
	GroupID          uint64
	HeartbeatTimeout time.Duration
}

// Client is one worker's connection to the item distributor.
type Client struct {
	cfg Config
	log *zap.SugaredLogger

	items chan Item
	done  chan struct{}

	mu           sync.Mutex
	nc           net.Conn
	w            *bufio.Writer
	pendingAcks  []uint64
	endOfStream  bool
}

// New constructs a Client. Call Run in its own goroutine and Get in a loop
// to drain work items.
func New(cfg Config, log *zap.SugaredLogger) *Client {
	return &Client{
		cfg:   cfg,
		log:   log.Named("itemworker").With("worker", cfg.Name),
		items: make(chan Item, 16),
		done:  make(chan struct{}),
	}
}

// Run drives the connect/register/receive loop until ctx is canceled.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)

	op := func() (struct{}, error) {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, ErrEndOfStream) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(&backoff.ExponentialBackOff{
			InitialInterval:     100 * time.Millisecond,
			RandomizationFactor: backoff.DefaultRandomizationFactor,
			Multiplier:          backoff.DefaultMultiplier,
			MaxInterval:         5 * time.Second,
		}),
		backoff.WithMaxTries(0), // unbounded: a lost worker keeps trying to rejoin
	)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ctx.Err()
	}
	return err
}

func (c *Client) runOnce(ctx context.Context) error {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("itemworker %s: dial: %w", c.cfg.Name, err)
	}
	defer nc.Close()

	c.mu.Lock()
	c.nc = nc
	c.w = bufio.NewWriter(nc)
	pending := append([]uint64(nil), c.pendingAcks...)
	c.mu.Unlock()

	if err := c.send(distributor.FormatRegister(c.cfg.Stride, c.cfg.Offset, c.cfg.Policy, c.cfg.GroupID, c.cfg.Name)); err != nil {
		return err
	}
	for _, id := range pending {
		if err := c.send(distributor.FormatComplete(id)); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.pendingAcks = nil
	c.mu.Unlock()

	return c.readLoop(ctx, nc)
}

// readLoop reads distributor control lines one at a time off a buffered
// reader rather than a bufio.Scanner: a WORK_ITEM line may be followed
// immediately by its raw binary payload on the same connection, and
// Scanner's private internal buffer can't be handed back for that
// subsequent raw read.
func (c *Client) readLoop(ctx context.Context, nc net.Conn) error {
	r := bufio.NewReader(nc)
	msgs := make(chan inboundMsg)
	readErr := make(chan error, 1)
	go func() {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				readErr <- err
				return
			}
			line = strings.TrimRight(line, "\n")

			var payload []byte
			if _, payloadLen, kind, perr := parseDistributorLine(line); perr == nil && kind == lineWorkItem && payloadLen > 0 {
				payload = make([]byte, payloadLen)
				if _, err := io.ReadFull(r, payload); err != nil {
					readErr <- err
					return
				}
			}

			select {
			case msgs <- inboundMsg{line: line, payload: payload}:
			case <-ctx.Done():
				return
			}
		}
	}()

	timeout := c.cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("itemworker %s: heartbeat timeout", c.cfg.Name)
		case err := <-readErr:
			if err == nil {
				err = io.EOF
			}
			return fmt.Errorf("itemworker %s: connection closed: %w", c.cfg.Name, err)
		case msg := <-msgs:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)

			if err := c.handleMsg(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (c *Client) handleMsg(ctx context.Context, msg inboundMsg) error {
	id, _, kind, err := parseDistributorLine(msg.line)
	if err != nil {
		return fmt.Errorf("itemworker %s: %w", c.cfg.Name, err)
	}

	switch kind {
	case lineHeartbeat:
		return c.send(distributor.FormatHeartbeat())
	case lineDisconnect:
		return errors.New("itemworker: distributor requested disconnect")
	case lineWorkItem:
		if id == wireproto.MaxCursor {
			c.mu.Lock()
			c.endOfStream = true
			c.mu.Unlock()
			close(c.items)
			return ErrEndOfStream
		}
		select {
		case c.items <- Item{ID: id, Payload: msg.payload}:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	default:
		return fmt.Errorf("itemworker %s: unexpected control message %q", c.cfg.Name, msg.line)
	}
}

func (c *Client) send(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return errors.New("itemworker: not connected")
	}
	if _, err := c.w.WriteString(line + "\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

// Get blocks until the next work item arrives, ctx is canceled, or the
// distributor has signaled end of stream.
func (c *Client) Get(ctx context.Context) (Item, error) {
	select {
	case it, ok := <-c.items:
		if !ok {
			return Item{}, ErrEndOfStream
		}
		return it, nil
	case <-ctx.Done():
		return Item{}, ctx.Err()
	}
}

// Complete reports an item finished, sending COMPLETE immediately if
// connected or queuing it to flush on the next reconnect (spec §4.7:
// "reconnect... and flush queued completions").
func (c *Client) Complete(id uint64) error {
	c.mu.Lock()
	connected := c.w != nil
	c.mu.Unlock()

	if connected {
		if err := c.send(distributor.FormatComplete(id)); err == nil {
			return nil
		}
	}

	c.mu.Lock()
	c.pendingAcks = append(c.pendingAcks, id)
	c.mu.Unlock()
	return nil
}

// Done is closed once Run has returned.
func (c *Client) Done() <-chan struct{} { return c.done }
