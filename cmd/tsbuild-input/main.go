// Command tsbuild-input runs one input node (SPEC_FULL.md §2.1): it attaches
// to this input's configured data-source adapter, dials every compute node,
// and drives one inputsender.Sender across those connections until
// max_timeslice_number timeslices have been sent, then finalizes.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yanet-platform/tsbuild/internal/archive"
	"github.com/yanet-platform/tsbuild/internal/config"
	"github.com/yanet-platform/tsbuild/internal/datasource"
	dsarchive "github.com/yanet-platform/tsbuild/internal/datasource/archive"
	"github.com/yanet-platform/tsbuild/internal/datasource/patterngen"
	"github.com/yanet-platform/tsbuild/internal/datasource/shmclient"
	"github.com/yanet-platform/tsbuild/internal/fabric/cm"
	"github.com/yanet-platform/tsbuild/internal/fabric/inputconn"
	"github.com/yanet-platform/tsbuild/internal/fabric/pump"
	"github.com/yanet-platform/tsbuild/internal/fabric/tcpfabric"
	"github.com/yanet-platform/tsbuild/internal/inputsender"
	"github.com/yanet-platform/tsbuild/internal/nodectx"
	"github.com/yanet-platform/tsbuild/internal/obslog"
	"github.com/yanet-platform/tsbuild/internal/wireproto"
	"github.com/yanet-platform/tsbuild/internal/xcmd"
)

var cmd struct {
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "tsbuild-input",
	Short: "Run one input node of the timeslice-building fabric",
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

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Role != config.RoleInput {
		return fmt.Errorf("tsbuild-input: config role is %q, want %q", cfg.Role, config.RoleInput)
	}

	log, _, err := obslog.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	nc := nodectx.New(cfg, log)

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)

	source, runSource, closeSource, err := buildSource(nc)
	if err != nil {
		return fmt.Errorf("build data source: %w", err)
	}
	if closeSource != nil {
		defer closeSource()
	}
	if runSource != nil {
		wg.Go(func() error { return runSource(ctx) })
	}

	p := pump.New(1024, log)
	ep := tcpfabric.NewEndpoint(p.Sink())
	mgr := cm.New(ep)

	inputIndex := uint16(cfg.NodeIndex)

	var sender *inputsender.Sender
	connections := make([]inputsender.Connection, len(cfg.ComputeNodes))

	for j, addr := range cfg.ComputeNodes {
		name := fmt.Sprintf("compute-%d", j)

		var privateData [16]byte
		binary.LittleEndian.PutUint16(privateData[0:2], inputIndex)

		conn, err := mgr.Connect(ctx, name, addr, uint16(j), privateData)
		if err != nil {
			return fmt.Errorf("connect to %s: %w", name, err)
		}

		descCap := (uint64(1) << cfg.CnDescBufferSizeExp) / wireproto.ComponentDescriptorSize
		j := j
		ic := inputconn.New(name, conn, uint64(1)<<cfg.CnDataBufferSizeExp, descCap, cfg.MaxOutstandingWrites,
			func(t uint64) {
				if sender != nil {
					sender.HandleDescWriteComplete(t)
				}
			})
		p.Register(uint16(j), ic)
		connections[j] = ic

		wg.Go(func() error { return ic.Run(ctx) })
	}

	sender = inputsender.New(inputIndex, source, connections, inputsender.Config{
		TimesliceSize:      cfg.TimesliceSize,
		OverlapSize:        cfg.OverlapSize,
		MaxTimesliceNumber: cfg.MaxTimesliceNumber,
		InputDataSize:      uint64(1) << cfg.InDataBufferSizeExp,
		InputDescSize:      uint64(1) << cfg.InDescBufferSizeExp,
	}, log)

	wg.Go(func() error { return p.Run(ctx) })
	wg.Go(func() error { return sender.Run(ctx) })
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}

// buildSource constructs this input's datasource.Source per
// config.DataSourceConfig.Kind. For adapters that drive their own
// production loop (patterngen, archive replay) it also returns the
// function to run in its own goroutine; shmclient is driven externally and
// returns a nil run function.
func buildSource(nc nodectx.Context) (datasource.Source, func(context.Context) error, func(), error) {
	cfg := nc.Config
	dataRingSize := uint64(1) << cfg.InDataBufferSizeExp
	descRingSize := uint64(1) << cfg.InDescBufferSizeExp
	inputIndex := uint16(cfg.NodeIndex)

	switch cfg.DataSource.Kind {
	case config.DataSourceShm:
		client, err := shmclient.Attach(shmclient.Config{
			DataPath:     cfg.DataSource.ShmDataPath,
			DescPath:     cfg.DataSource.ShmDescPath,
			DataRingSize: dataRingSize,
			DescRingSize: descRingSize,
			Create:       cfg.DataSource.ShmCreate,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("attach shared memory: %w", err)
		}
		return client, nil, func() { client.Close() }, nil

	case config.DataSourceArchive:
		f, err := os.Open(cfg.DataSource.ArchivePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open archive %s: %w", cfg.DataSource.ArchivePath, err)
		}
		reader, err := archive.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, nil, fmt.Errorf("open archive reader: %w", err)
		}
		src := dsarchive.New(reader, inputIndex, dataRingSize, descRingSize)
		closeFn := func() {
			reader.Close()
			f.Close()
		}
		return src, src.Run, closeFn, nil

	default:
		gen := patterngen.New(inputIndex, uint32(cfg.TypicalContentSize), dataRingSize, descRingSize)
		count := cfg.MaxTimesliceNumber*cfg.TimesliceSize + cfg.OverlapSize
		runFn := func(ctx context.Context) error { return gen.Run(ctx, count) }
		return gen, runFn, nil, nil
	}
}
