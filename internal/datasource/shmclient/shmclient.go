// Package shmclient implements datasource.Source over a named POSIX shared
// memory segment (spec §6.1): the input process maps two regions — a byte
// data arena and a descriptor arena — that an external producer (the
// measurement equipment's driver, or a compatible FLIB client) writes into
// independently of this process's lifetime.
//
// The attach/detach lifecycle mirrors the teacher's controlplane/ffi
// SharedMemory.Attach/Detach, but the actual mapping goes through
// golang.org/x/sys/unix rather than cgo, since there is no C library to
// link against here. The credit bookkeeping (a small header of atomic
// counters at the front of each region) follows the same
// written/acked-cursor shape as internal/computebuf's red lantern, applied
// across a process boundary instead of a TCP one.
package shmclient

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/yanet-platform/tsbuild/internal/ringbuf"
	"github.com/yanet-platform/tsbuild/internal/wireproto"
)

// headerSize is the fixed prologue of each mapped region: two uint64
// cursors (written, acked), 8-byte aligned for atomic access on every
// supported architecture.
const headerSize = 16

// pollInterval bounds how long WaitForData sleeps between checks of the
// producer's written-cursor; there is no cross-process condition variable
// available over a plain mmap, so polling is the only option without
// pulling in a futex-on-shared-memory dependency the corpus never uses.
const pollInterval = 500 * time.Microsecond

// Config describes the two shared-memory regions backing one input's data
// source.
type Config struct {
	DataPath string
	DescPath string

	// DataRingSize and DescRingSize are element counts; both must be
	// powers of two (spec §4.1).
	DataRingSize uint64
	DescRingSize uint64

	// Create opens the segments with O_CREAT, sizing them to fit
	// DataRingSize and DescRingSize-worth of descriptors plus the header.
	// A pure consumer attaching to a segment an equipment driver already
	// created passes false.
	Create bool
}

// Client is a live attachment to the two shared-memory regions. It
// implements datasource.Source.
type Client struct {
	cfg Config

	dataFd, descFd int
	dataMem        []byte
	descMem        []byte

	dataRing *ringbuf.Ring[byte]

	// descShadow mirrors, in decoded form, whatever raw descriptor bytes
	// the external producer has made visible so far; WaitForData refreshes
	// it up to the producer's current written cursor.
	descShadow *ringbuf.Ring[wireproto.MicrosliceDescriptor]
	decodedTo  uint64
}

// Attach maps both regions and returns a ready Client. Call Close when done.
func Attach(cfg Config) (*Client, error) {
	if cfg.DataRingSize == 0 || cfg.DataRingSize&(cfg.DataRingSize-1) != 0 {
		return nil, fmt.Errorf("shmclient: data ring size %d is not a power of two", cfg.DataRingSize)
	}
	if cfg.DescRingSize == 0 || cfg.DescRingSize&(cfg.DescRingSize-1) != 0 {
		return nil, fmt.Errorf("shmclient: desc ring size %d is not a power of two", cfg.DescRingSize)
	}

	dataFd, dataMem, err := attachRegion(cfg.DataPath, headerSize+cfg.DataRingSize, cfg.Create)
	if err != nil {
		return nil, fmt.Errorf("shmclient: attach data region %q: %w", cfg.DataPath, err)
	}

	descBytes := headerSize + cfg.DescRingSize*wireproto.MicrosliceDescriptorSize
	descFd, descMem, err := attachRegion(cfg.DescPath, descBytes, cfg.Create)
	if err != nil {
		unix.Munmap(dataMem)
		unix.Close(dataFd)
		return nil, fmt.Errorf("shmclient: attach desc region %q: %w", cfg.DescPath, err)
	}

	c := &Client{
		cfg:        cfg,
		dataFd:     dataFd,
		descFd:     descFd,
		dataMem:    dataMem,
		descMem:    descMem,
		dataRing:   ringbuf.NewFromSlice(dataMem[headerSize:]),
		descShadow: ringbuf.New[wireproto.MicrosliceDescriptor](cfg.DescRingSize),
	}
	return c, nil
}

func attachRegion(path string, size uint64, create bool) (int, []byte, error) {
	flags := unix.O_RDWR
	if create {
		flags |= unix.O_CREAT
	}

	fd, err := unix.Open(path, flags, 0o644)
	if err != nil {
		return -1, nil, fmt.Errorf("open: %w", err)
	}

	if create {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			unix.Close(fd)
			return -1, nil, fmt.Errorf("ftruncate to %d bytes: %w", size, err)
		}
	}

	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("mmap: %w", err)
	}
	return fd, mem, nil
}

// Close unmaps both regions and closes their file descriptors.
func (c *Client) Close() error {
	var firstErr error
	if err := unix.Munmap(c.dataMem); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := unix.Munmap(c.descMem); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := unix.Close(c.dataFd); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := unix.Close(c.descFd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (c *Client) DataRing() *ringbuf.Ring[byte]                               { return c.dataRing }
func (c *Client) DescRing() *ringbuf.Ring[wireproto.MicrosliceDescriptor] { return c.descShadow }

func writtenCursor(mem []byte) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&mem[0])))
}

func storeAckedCursor(mem []byte, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&mem[8])), v)
}

// WaitForData blocks until the producer's desc-region written cursor has
// advanced past minDescIndex, decoding newly visible descriptors into the
// shadow ring as it goes, then returns the new cursor.
func (c *Client) WaitForData(ctx context.Context, minDescIndex uint64) (uint64, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		written := writtenCursor(c.descMem)
		if written > minDescIndex {
			c.decodeUpTo(written)
			return written, nil
		}
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) decodeUpTo(written uint64) {
	for ; c.decodedTo < written; c.decodedTo++ {
		off := headerSize + (c.decodedTo&c.descShadow.SizeMask())*wireproto.MicrosliceDescriptorSize
		raw := c.descMem[off : off+wireproto.MicrosliceDescriptorSize]
		*c.descShadow.At(c.decodedTo) = wireproto.DecodeMicrosliceDescriptor(raw)
	}
}

// UpdateAckPointers writes the consumed cursors back into each region's
// header so the external producer can reclaim the space (spec §6:
// "update_ack_pointers... non-blocking call").
func (c *Client) UpdateAckPointers(ackedDataBytes, ackedDescIndex uint64) {
	storeAckedCursor(c.dataMem, ackedDataBytes)
	storeAckedCursor(c.descMem, ackedDescIndex)
}
