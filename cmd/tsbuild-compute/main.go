// Command tsbuild-compute runs one compute node (SPEC_FULL.md §2.1): it
// accepts one fabric connection per input node, assembles their committed
// timeslices through internal/computebuf, hands work items to the item
// distributor for registered worker processes, optionally spawns worker
// subprocesses itself, and optionally re-publishes completed timeslice
// metadata to any internal/publish subscribers.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yanet-platform/tsbuild/internal/computebuf"
	"github.com/yanet-platform/tsbuild/internal/config"
	"github.com/yanet-platform/tsbuild/internal/distributor"
	"github.com/yanet-platform/tsbuild/internal/fabric"
	"github.com/yanet-platform/tsbuild/internal/fabric/computeconn"
	"github.com/yanet-platform/tsbuild/internal/fabric/pump"
	"github.com/yanet-platform/tsbuild/internal/fabric/tcpfabric"
	"github.com/yanet-platform/tsbuild/internal/itemworker"
	"github.com/yanet-platform/tsbuild/internal/nodectx"
	"github.com/yanet-platform/tsbuild/internal/obslog"
	"github.com/yanet-platform/tsbuild/internal/publish"
	"github.com/yanet-platform/tsbuild/internal/wireproto"
	"github.com/yanet-platform/tsbuild/internal/xcmd"
)

var cmd struct {
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "tsbuild-compute",
	Short: "Run one compute node of the timeslice-building fabric",
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := run(cmd.ConfigPath); err != nil {
			if _, ok := err.(xcmd.Interrupted); ok {
				return nil
			}
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	rootCmd.MarkFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

// ackProxy is a computebuf.AckPublisher whose underlying computeconn.Conn
// is only known once that input's connection has been accepted, which
// happens after computebuf.Buffer (and its InputSpecs) must already exist.
// Acks published before the peer connects are simply dropped: nothing can
// have acked a write the peer hasn't sent yet.
type ackProxy struct {
	mu    sync.Mutex
	inner computebuf.AckPublisher
}

func (a *ackProxy) PublishAck(pos wireproto.BufferPosition) error {
	a.mu.Lock()
	inner := a.inner
	a.mu.Unlock()
	if inner == nil {
		return nil
	}
	return inner.PublishAck(pos)
}

func (a *ackProxy) bind(p computebuf.AckPublisher) {
	a.mu.Lock()
	a.inner = p
	a.mu.Unlock()
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Role != config.RoleCompute {
		return fmt.Errorf("tsbuild-compute: config role is %q, want %q", cfg.Role, config.RoleCompute)
	}

	log, _, err := obslog.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	_ = nodectx.New(cfg, log)

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)

	numInputs := len(cfg.InputNodes)
	dataArenaSize := uint64(1) << cfg.CnDataBufferSizeExp
	descArenaSize := uint64(1) << cfg.CnDescBufferSizeExp

	proxies := make([]*ackProxy, numInputs)
	specs := make([]computebuf.InputSpec, numInputs)
	for i := range specs {
		proxies[i] = &ackProxy{}
		specs[i] = computebuf.InputSpec{
			Conn:          proxies[i],
			DataArenaSize: dataArenaSize,
			DescArenaSize: descArenaSize,
		}
	}

	// buf.HandleWorkerCompletion is the distributor's completion sink, but
	// buf itself takes the distributor as its Dispatcher: break the cycle
	// with a forwarding sink bound to buf once buf exists.
	sink := &completionSink{}
	dist := distributor.New(sink, 5*time.Second, 100*time.Millisecond, log)
	buf := computebuf.New(specs, dist, log)
	sink.buf = buf

	p := pump.New(1024, log)
	ep := tcpfabric.NewEndpoint(p.Sink())

	fabricAddr := cfg.ComputeNodes[cfg.NodeIndex]
	ln, err := ep.Listen(fabricAddr)
	if err != nil {
		return fmt.Errorf("listen on fabric address %s: %w", fabricAddr, err)
	}
	defer ln.Close()

	wg.Go(func() error { return p.Run(ctx) })
	wg.Go(func() error { return acceptInputs(ctx, ln, p, buf, proxies, log) })

	distAddr, err := config.DistributorAddr(fabricAddr)
	if err != nil {
		return fmt.Errorf("derive distributor address: %w", err)
	}
	router, err := distributor.NewRouter(distAddr, dist, log)
	if err != nil {
		return fmt.Errorf("listen on distributor address %s: %w", distAddr, err)
	}

	wg.Go(func() error { return dist.Run(ctx) })
	wg.Go(func() error { return router.Serve(ctx) })

	for i := 0; i < cfg.WorkerCount; i++ {
		if len(cfg.WorkerCommand) == 0 {
			break
		}
		i := i
		wg.Go(func() error { return runWorkerSubprocess(ctx, cfg.WorkerCommand, i, log) })
	}

	if cfg.PublishAddr != "" {
		pubLn, err := net.Listen("tcp", cfg.PublishAddr)
		if err != nil {
			return fmt.Errorf("listen on publish address %s: %w", cfg.PublishAddr, err)
		}
		defer pubLn.Close()

		republisherClient := itemworker.New(itemworker.Config{
			Addr:             distAddr,
			Name:             "republisher",
			Stride:           1,
			Policy:           distributor.PolicyQueueAll,
			HeartbeatTimeout: 10 * time.Second,
		}, log)
		republisher := publish.New(republisherClient, buf, log)

		wg.Go(func() error { return republisherClient.Run(ctx) })
		wg.Go(func() error { return republisher.Run(ctx) })
		wg.Go(func() error { return republisher.Serve(ctx, pubLn) })
	}

	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}

// completionSink forwards distributor completions to a computebuf.Buffer
// constructed after the distributor that needs this sink already exists.
type completionSink struct {
	buf *computebuf.Buffer
}

func (s *completionSink) HandleWorkerCompletion(t uint64) {
	if s.buf != nil {
		s.buf.HandleWorkerCompletion(t)
	}
}

// acceptInputs accepts one fabric connection per configured input node,
// reads the dialer's input index out of its private data, wires the
// matching computebuf arena pair and computeconn.Conn, and registers the
// connection with the completion pump.
func acceptInputs(ctx context.Context, ln fabric.Listener, p *pump.Pump, buf *computebuf.Buffer, proxies []*ackProxy, log *zap.SugaredLogger) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept input connection: %w", err)
		}

		private := conn.PrivateData()
		inputIndex := int(binary.LittleEndian.Uint16(private[0:2]))
		if inputIndex < 0 || inputIndex >= len(proxies) {
			conn.Close()
			continue
		}

		conn.RegisterArena(buf.DataArena(inputIndex), buf.DescArena(inputIndex))

		name := fmt.Sprintf("input-%d", inputIndex)
		i := inputIndex
		cc := computeconn.New(name, conn, func(pos wireproto.BufferPosition) {
			buf.NotifyPeerUpdate(i, pos)
		}, nil)
		proxies[inputIndex].bind(cc)

		p.Register(conn.Index(), cc)
		log.Infow("accepted input connection", "input_index", inputIndex)
		go cc.Run(ctx)
	}
}

// runWorkerSubprocess launches one instance of the configured worker
// command line and restarts it if it exits with an error while ctx is still
// active (spec §6: "worker-subprocess command"); a clean exit ends the slot.
func runWorkerSubprocess(ctx context.Context, command []string, slot int, log *zap.SugaredLogger) error {
	log = log.With("worker_slot", slot)
	for {
		c := exec.CommandContext(ctx, command[0], command[1:]...)
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr

		if err := c.Run(); err != nil && ctx.Err() == nil {
			log.Errorw("worker subprocess exited, restarting", "error", err)
			continue
		}
		return ctx.Err()
	}
}
