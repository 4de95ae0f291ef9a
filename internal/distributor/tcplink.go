package distributor

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// tcpLink is the production WorkerLink: one worker control protocol
// connection accepted on the distributor's router socket, framed as
// newline-terminated text (spec §6 "Worker control protocol").
type tcpLink struct {
	nc      net.Conn
	w       *bufio.Writer
	writeMu sync.Mutex
}

func newTCPLink(nc net.Conn) *tcpLink {
	return &tcpLink{nc: nc, w: bufio.NewWriter(nc)}
}

func (l *tcpLink) writeLine(line string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.w.WriteString(line + "\n"); err != nil {
		return err
	}
	return l.w.Flush()
}

func (l *tcpLink) SendWorkItem(id uint64, descriptorPosition uint64, payload []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if _, err := l.w.WriteString(FormatWorkItem(id, len(payload)) + "\n"); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := l.w.Write(payload); err != nil {
			return err
		}
	}
	return l.w.Flush()
}

func (l *tcpLink) SendHeartbeat() error {
	return l.writeLine(FormatHeartbeat())
}

func (l *tcpLink) SendDisconnect() error {
	return l.writeLine(FormatDisconnect())
}

func (l *tcpLink) Close() error {
	return l.nc.Close()
}

// Router accepts worker connections on a TCP listener and feeds parsed
// control messages into a Distributor, one reader goroutine per connection
// (spec §6's "router socket for distributor↔workers").
type Router struct {
	ln   net.Listener
	dist *Distributor
	log  *zap.SugaredLogger
}

// NewRouter starts listening on addr for worker connections.
func NewRouter(addr string, dist *Distributor, log *zap.SugaredLogger) (*Router, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("distributor: listen %s: %w", addr, err)
	}
	return &Router{ln: ln, dist: dist, log: log.Named("distributor.router")}, nil
}

// Addr returns the listener's bound address.
func (r *Router) Addr() net.Addr { return r.ln.Addr() }

// Serve accepts worker connections until ctx is canceled or the listener is
// closed.
func (r *Router) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.ln.Close()
	}()

	for {
		nc, err := r.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("distributor: accept: %w", err)
			}
		}
		go r.handleConn(nc)
	}
}

func (r *Router) handleConn(nc net.Conn) {
	link := newTCPLink(nc)
	scanner := bufio.NewScanner(nc)

	var identity string
	defer func() {
		nc.Close()
		if identity != "" {
			r.dist.Disconnect(identity)
		}
	}()

	for scanner.Scan() {
		cmd, err := ParseCommand(scanner.Text())
		if err != nil {
			r.log.Warnw("malformed worker control message", "error", err)
			link.SendDisconnect()
			return
		}

		switch cmd.Kind {
		case CmdRegister:
			identity = cmd.ClientName
			r.dist.Register(link, identity, cmd.Stride, cmd.Offset, cmd.Policy, cmd.GroupID)
		case CmdComplete:
			if identity == "" {
				r.log.Warnw("COMPLETE before REGISTER", "remote", nc.RemoteAddr())
				link.SendDisconnect()
				return
			}
			if err := r.dist.Complete(identity, cmd.ItemID); err != nil {
				r.log.Warnw("worker completion rejected", "worker", identity, "error", err)
				link.SendDisconnect()
				return
			}
		case CmdHeartbeat:
			if identity != "" {
				r.dist.Heartbeat(identity)
			}
		case CmdDisconnect:
			return
		}
	}
}
