// Package config loads the YAML configuration every tsbuild node process
// needs (spec.md §6 "CLI and configuration"), following the same
// DefaultConfig/LoadConfig shape as the teacher's coordinator/cfg.go and
// modules/route/coordinator/cfg.go: start from sane defaults, then let the
// file override them.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/yanet-platform/tsbuild/internal/obslog"
)

// ErrConfig is returned by Validate for any malformed or incomplete
// configuration (spec §7: "Configuration error... reported to user, exit").
var ErrConfig = errors.New("config: invalid configuration")

// Role is the part this node plays in the fabric.
type Role string

const (
	RoleInput   Role = "input"
	RoleCompute Role = "compute"
	RoleWorker  Role = "worker"
)

// Config is the full configuration for one node process.
type Config struct {
	Logging obslog.Config `yaml:"logging"`

	// Role and NodeIndex identify this process among its peers: Role
	// selects which binary's main loop runs, NodeIndex is this process's
	// position within InputNodes or ComputeNodes (spec §6: "this node's
	// role and index").
	Role      Role `yaml:"role"`
	NodeIndex int  `yaml:"node_index"`

	InputNodes   []string `yaml:"input_nodes"`
	ComputeNodes []string `yaml:"compute_nodes"`
	BasePort     int      `yaml:"base_port"`

	TimesliceSize      uint64 `yaml:"timeslice_size"`
	OverlapSize        uint64 `yaml:"overlap_size"`
	MaxTimesliceNumber uint64 `yaml:"max_timeslice_number"`

	InDataBufferSizeExp uint8 `yaml:"in_data_buffer_size_exp"`
	InDescBufferSizeExp uint8 `yaml:"in_desc_buffer_size_exp"`
	CnDataBufferSizeExp uint8 `yaml:"cn_data_buffer_size_exp"`
	CnDescBufferSizeExp uint8 `yaml:"cn_desc_buffer_size_exp"`

	TypicalContentSize datasize.ByteSize `yaml:"typical_content_size"`

	// WorkerCommand is the subprocess command line a compute node spawns
	// per worker slot (spec §6: "worker-subprocess command"); WorkerCount
	// says how many instances of it to run.
	WorkerCommand []string `yaml:"worker_command"`
	WorkerCount   int      `yaml:"worker_count"`

	// PublishAddr, if non-empty, starts internal/publish's re-streamer
	// listening on this address (SPEC_FULL.md §6.3, optional).
	PublishAddr string `yaml:"publish_addr"`

	// MaxOutstandingWrites bounds in-flight write chains per (input,
	// compute) connection (spec §4.3: "the input-side limits outstanding
	// write chains").
	MaxOutstandingWrites int `yaml:"max_outstanding_writes"`

	// DataSource selects and configures this input node's adapter
	// (SPEC_FULL.md §6.1); only consulted for role input.
	DataSource DataSourceConfig `yaml:"data_source"`

	// Worker configures this process's registration with a compute node's
	// item distributor; only consulted for role worker.
	Worker WorkerConfig `yaml:"worker"`
}

// DataSourceKind selects which internal/datasource adapter an input node
// attaches to (SPEC_FULL.md §6.1).
type DataSourceKind string

const (
	DataSourcePattern DataSourceKind = "pattern"
	DataSourceShm     DataSourceKind = "shm"
	DataSourceArchive DataSourceKind = "archive"
)

// DataSourceConfig configures whichever adapter Kind selects. Only the
// fields relevant to the selected kind are consulted.
type DataSourceConfig struct {
	Kind DataSourceKind `yaml:"kind"`

	// ShmDataPath/ShmDescPath back DataSourceShm (internal/datasource/shmclient).
	ShmDataPath string `yaml:"shm_data_path"`
	ShmDescPath string `yaml:"shm_desc_path"`
	ShmCreate   bool   `yaml:"shm_create"`

	// ArchivePath backs DataSourceArchive (internal/datasource/archive),
	// replaying timeslices previously written by internal/archive.
	ArchivePath string `yaml:"archive_path"`
}

// WorkerConfig configures a cmd/tsbuild-worker process's registration with
// a compute node's item distributor (spec §4.6 "Worker registration").
type WorkerConfig struct {
	Name                    string `yaml:"name"`
	Stride                  uint64 `yaml:"stride"`
	Offset                  uint64 `yaml:"offset"`
	Policy                  string `yaml:"policy"` // queue_all | prebuffer_one | skip
	GroupID                 uint64 `yaml:"group_id"`
	HeartbeatTimeoutSeconds int    `yaml:"heartbeat_timeout_seconds"`
}

// DefaultConfig returns the configuration every field falls back to before
// a file is applied on top of it.
func DefaultConfig() *Config {
	return &Config{
		Logging:              obslog.Config{},
		BasePort:             9000,
		TimesliceSize:        1024,
		OverlapSize:          64,
		MaxTimesliceNumber:   0,
		InDataBufferSizeExp:  24,
		InDescBufferSizeExp:  16,
		CnDataBufferSizeExp:  26,
		CnDescBufferSizeExp:  18,
		TypicalContentSize:   4 * datasize.KB,
		MaxOutstandingWrites: 64,
		WorkerCount:          1,
		DataSource:           DataSourceConfig{Kind: DataSourcePattern},
		Worker: WorkerConfig{
			Name:                    "worker",
			Stride:                  1,
			Policy:                  "queue_all",
			HeartbeatTimeoutSeconds: 10,
		},
	}
}

// LoadConfig reads and parses the YAML configuration at path, applying it
// on top of DefaultConfig, then validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config file: %w", ErrConfig, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse YAML configuration: %w", ErrConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the required inputs spec.md §6 names are present and
// internally consistent.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleInput, RoleCompute, RoleWorker:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrConfig, c.Role)
	}

	if len(c.InputNodes) == 0 {
		return fmt.Errorf("%w: input_nodes must not be empty", ErrConfig)
	}
	if len(c.ComputeNodes) == 0 {
		return fmt.Errorf("%w: compute_nodes must not be empty", ErrConfig)
	}

	switch c.Role {
	case RoleInput:
		if c.NodeIndex < 0 || c.NodeIndex >= len(c.InputNodes) {
			return fmt.Errorf("%w: node_index %d out of range for %d input nodes", ErrConfig, c.NodeIndex, len(c.InputNodes))
		}
		switch c.DataSource.Kind {
		case DataSourcePattern, DataSourceShm, DataSourceArchive:
		default:
			return fmt.Errorf("%w: unknown data_source.kind %q", ErrConfig, c.DataSource.Kind)
		}
		if c.DataSource.Kind == DataSourceShm && (c.DataSource.ShmDataPath == "" || c.DataSource.ShmDescPath == "") {
			return fmt.Errorf("%w: data_source.shm_data_path and shm_desc_path are required for kind shm", ErrConfig)
		}
		if c.DataSource.Kind == DataSourceArchive && c.DataSource.ArchivePath == "" {
			return fmt.Errorf("%w: data_source.archive_path is required for kind archive", ErrConfig)
		}
	case RoleCompute:
		if c.NodeIndex < 0 || c.NodeIndex >= len(c.ComputeNodes) {
			return fmt.Errorf("%w: node_index %d out of range for %d compute nodes", ErrConfig, c.NodeIndex, len(c.ComputeNodes))
		}
	case RoleWorker:
		if len(c.WorkerCommand) == 0 {
			return fmt.Errorf("%w: worker_command must not be empty for role worker", ErrConfig)
		}
		if c.NodeIndex < 0 || c.NodeIndex >= len(c.ComputeNodes) {
			return fmt.Errorf("%w: node_index %d out of range for %d compute nodes", ErrConfig, c.NodeIndex, len(c.ComputeNodes))
		}
		switch c.Worker.Policy {
		case "queue_all", "prebuffer_one", "skip":
		default:
			return fmt.Errorf("%w: unknown worker.policy %q", ErrConfig, c.Worker.Policy)
		}
	}

	if c.MaxOutstandingWrites <= 0 {
		return fmt.Errorf("%w: max_outstanding_writes must be positive", ErrConfig)
	}

	if c.BasePort <= 0 || c.BasePort > 65535 {
		return fmt.Errorf("%w: base_port %d out of range", ErrConfig, c.BasePort)
	}
	if c.TimesliceSize == 0 {
		return fmt.Errorf("%w: timeslice_size must be positive", ErrConfig)
	}
	for name, exp := range map[string]uint8{
		"in_data_buffer_size_exp": c.InDataBufferSizeExp,
		"in_desc_buffer_size_exp": c.InDescBufferSizeExp,
		"cn_data_buffer_size_exp": c.CnDataBufferSizeExp,
		"cn_desc_buffer_size_exp": c.CnDescBufferSizeExp,
	} {
		if exp == 0 || exp > 63 {
			return fmt.Errorf("%w: %s exponent %d out of range", ErrConfig, name, exp)
		}
	}

	return nil
}

// DistributorAddr derives the address a compute node's item-distributor
// router listens on from its fabric address: same host, fabric port + 1.
// Keeping the two listeners one port apart avoids a second address list in
// the configuration file for what is, on every node, the same host.
func DistributorAddr(fabricAddr string) (string, error) {
	host, portStr, err := net.SplitHostPort(fabricAddr)
	if err != nil {
		return "", fmt.Errorf("%w: %s is not a host:port address: %w", ErrConfig, fabricAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("%w: %s has a non-numeric port: %w", ErrConfig, fabricAddr, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+1)), nil
}
