package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validInputConfig = `
role: input
node_index: 0
input_nodes: ["in-0", "in-1"]
compute_nodes: ["cn-0"]
timeslice_size: 512
`

func Test_LoadConfig_AppliesFileOnTopOfDefaults(t *testing.T) {
	path := writeConfig(t, validInputConfig)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, RoleInput, cfg.Role)
	assert.EqualValues(t, 512, cfg.TimesliceSize)
	assert.Equal(t, DefaultConfig().OverlapSize, cfg.OverlapSize)
	assert.Equal(t, DefaultConfig().BasePort, cfg.BasePort)
}

func Test_LoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrConfig)
}

func Test_Validate_RejectsUnknownRole(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Role = "bogus"
	cfg.InputNodes = []string{"a"}
	cfg.ComputeNodes = []string{"b"}
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)
}

func Test_Validate_RejectsEmptyNodeLists(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Role = RoleInput
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)
}

func Test_Validate_RejectsOutOfRangeNodeIndex(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Role = RoleInput
	cfg.InputNodes = []string{"a"}
	cfg.ComputeNodes = []string{"b"}
	cfg.NodeIndex = 5
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)
}

func Test_Validate_WorkerRoleRequiresWorkerCommand(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Role = RoleWorker
	cfg.InputNodes = []string{"a"}
	cfg.ComputeNodes = []string{"b"}
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)

	cfg.WorkerCommand = []string{"./worker"}
	assert.NoError(t, cfg.Validate())
}

func Test_Validate_RejectsZeroBufferExponent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Role = RoleCompute
	cfg.InputNodes = []string{"a"}
	cfg.ComputeNodes = []string{"b"}
	cfg.CnDataBufferSizeExp = 0
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)
}

func Test_LoadConfig_PropagatesTypicalContentSize(t *testing.T) {
	path := writeConfig(t, validInputConfig+"\ntypical_content_size: 8KB\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.EqualValues(t, 8*1024, cfg.TypicalContentSize)
}

func Test_Validate_RejectsUnknownDataSourceKind(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Role = RoleInput
	cfg.InputNodes = []string{"a"}
	cfg.ComputeNodes = []string{"b"}
	cfg.DataSource.Kind = "bogus"
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)
}

func Test_Validate_ShmKindRequiresPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Role = RoleInput
	cfg.InputNodes = []string{"a"}
	cfg.ComputeNodes = []string{"b"}
	cfg.DataSource.Kind = DataSourceShm
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)

	cfg.DataSource.ShmDataPath = "/dev/shm/data"
	cfg.DataSource.ShmDescPath = "/dev/shm/desc"
	assert.NoError(t, cfg.Validate())
}

func Test_DistributorAddr_AddsOneToFabricPort(t *testing.T) {
	addr, err := DistributorAddr("10.0.0.1:9100")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9101", addr)
}

func Test_DistributorAddr_RejectsMalformedAddress(t *testing.T) {
	_, err := DistributorAddr("not-an-address")
	assert.ErrorIs(t, err, ErrConfig)
}
