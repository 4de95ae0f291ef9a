package shmclient

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/tsbuild/internal/wireproto"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		DataPath:     filepath.Join(dir, "data"),
		DescPath:     filepath.Join(dir, "desc"),
		DataRingSize: 64,
		DescRingSize: 8,
		Create:       true,
	}
}

func Test_Attach_SizesRegionsToFitHeaderAndRing(t *testing.T) {
	cfg := testConfig(t)
	c, err := Attach(cfg)
	require.NoError(t, err)
	defer c.Close()

	dataInfo, err := os.Stat(cfg.DataPath)
	require.NoError(t, err)
	assert.EqualValues(t, headerSize+cfg.DataRingSize, dataInfo.Size())

	descInfo, err := os.Stat(cfg.DescPath)
	require.NoError(t, err)
	assert.EqualValues(t, headerSize+cfg.DescRingSize*wireproto.MicrosliceDescriptorSize, descInfo.Size())
}

func Test_WaitForData_DecodesNewDescriptorsAndUnblocks(t *testing.T) {
	cfg := testConfig(t)
	c, err := Attach(cfg)
	require.NoError(t, err)
	defer c.Close()

	desc := wireproto.MicrosliceDescriptor{
		HeaderID:        1,
		EquipmentID:     7,
		MicrosliceIndex: 0,
		ContentSize:     16,
		Offset:          0,
	}
	desc.Encode(c.descMem[headerSize : headerSize+wireproto.MicrosliceDescriptorSize])
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&c.descMem[0])), 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	written, err := c.WaitForData(ctx, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, written)

	got := *c.DescRing().At(0)
	assert.Equal(t, desc.MicrosliceIndex, got.MicrosliceIndex)
	assert.Equal(t, desc.ContentSize, got.ContentSize)
	assert.Equal(t, desc.EquipmentID, got.EquipmentID)
}

func Test_WaitForData_RespectsCancellation(t *testing.T) {
	cfg := testConfig(t)
	c, err := Attach(cfg)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = c.WaitForData(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func Test_UpdateAckPointers_WritesBothRegionHeaders(t *testing.T) {
	cfg := testConfig(t)
	c, err := Attach(cfg)
	require.NoError(t, err)
	defer c.Close()

	c.UpdateAckPointers(32, 3)

	assert.EqualValues(t, 32, atomic.LoadUint64((*uint64)(unsafe.Pointer(&c.dataMem[8]))))
	assert.EqualValues(t, 3, atomic.LoadUint64((*uint64)(unsafe.Pointer(&c.descMem[8]))))
}

func Test_DataRing_AddressesRegionPastHeader(t *testing.T) {
	cfg := testConfig(t)
	c, err := Attach(cfg)
	require.NoError(t, err)
	defer c.Close()

	*c.DataRing().At(2) = 0xCD
	assert.Equal(t, byte(0xCD), c.dataMem[headerSize+2])
}
