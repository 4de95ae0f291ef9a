// Command tsbuild-worker runs one worker process (spec §4.6, §4.7): it
// registers with a compute node's item distributor under a stride/offset/
// policy/group filter, and for every work item handed to it prints the
// completed timeslice index before reporting completion back.
package main

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yanet-platform/tsbuild/internal/config"
	"github.com/yanet-platform/tsbuild/internal/distributor"
	"github.com/yanet-platform/tsbuild/internal/itemworker"
	"github.com/yanet-platform/tsbuild/internal/nodectx"
	"github.com/yanet-platform/tsbuild/internal/obslog"
	"github.com/yanet-platform/tsbuild/internal/xcmd"
)

var cmd struct {
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "tsbuild-worker",
	Short: "Run one item-worker process against a compute node's distributor",
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
	if cfg.Role != config.RoleWorker {
		return fmt.Errorf("tsbuild-worker: config role is %q, want %q", cfg.Role, config.RoleWorker)
	}

	log, _, err := obslog.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	_ = nodectx.New(cfg, log)

	fabricAddr := cfg.ComputeNodes[cfg.NodeIndex]
	distAddr, err := config.DistributorAddr(fabricAddr)
	if err != nil {
		return fmt.Errorf("derive distributor address: %w", err)
	}

	policy, err := parsePolicy(cfg.Worker.Policy)
	if err != nil {
		return err
	}

	heartbeatTimeout := time.Duration(cfg.Worker.HeartbeatTimeoutSeconds) * time.Second

	client := itemworker.New(itemworker.Config{
		Addr:             distAddr,
		Name:             cfg.Worker.Name,
		Stride:           cfg.Worker.Stride,
		Offset:           cfg.Worker.Offset,
		Policy:           policy,
		GroupID:          cfg.Worker.GroupID,
		HeartbeatTimeout: heartbeatTimeout,
	}, log)

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)

	wg.Go(func() error { return client.Run(ctx) })
	wg.Go(func() error { return processItems(ctx, client, log) })
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}

// processItems drains work items until the distributor signals end of
// stream. Each item's payload is the timeslice's assembled component bytes,
// delivered over WORK_ITEM's optional second frame (spec §6); a real worker
// would replay them into whatever it builds, this reference worker just
// checksums them to prove the bytes arrived before reporting completion.
func processItems(ctx context.Context, client *itemworker.Client, log interface {
	Infow(string, ...interface{})
}) error {
	for {
		item, err := client.Get(ctx)
		if err != nil {
			if errors.Is(err, itemworker.ErrEndOfStream) {
				return nil
			}
			return fmt.Errorf("get item: %w", err)
		}

		log.Infow("completed timeslice",
			"timeslice_index", item.ID,
			"payload_bytes", len(item.Payload),
			"payload_crc32", crc32.ChecksumIEEE(item.Payload),
		)

		if err := client.Complete(item.ID); err != nil {
			return fmt.Errorf("complete item %d: %w", item.ID, err)
		}
	}
}

func parsePolicy(s string) (distributor.Policy, error) {
	switch s {
	case "queue_all", "":
		return distributor.PolicyQueueAll, nil
	case "prebuffer_one":
		return distributor.PolicyPrebufferOne, nil
	case "skip":
		return distributor.PolicySkip, nil
	default:
		return 0, fmt.Errorf("tsbuild-worker: unknown worker policy %q", s)
	}
}
