// Package archive implements the offline timeslice storage format spec.md
// §1 calls out as external but doesn't otherwise define: a sequential file
// of length-prefixed records, each one fully assembled timeslice (its
// descriptor plus every input's component payload), written with
// encoding/binary and optionally zstd-compressed per record. CRC32 is
// verified only on read here — never on the build path, per spec.md's
// Non-goals — so a corrupt archive fails loud and early instead of
// silently feeding bad bytes into a live run.
package archive

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/yanet-platform/tsbuild/internal/wireproto"
)

// ErrCorrupt is returned when a record's CRC32 doesn't match its payload.
var ErrCorrupt = errors.New("archive: corrupt record")

// recordHeaderSize is the fixed prologue of every record: payload length,
// a compression flag, and the CRC32 of the decompressed payload.
const recordHeaderSize = 4 + 1 + 4

// Component is one input's contribution to an archived timeslice.
type Component struct {
	InputIndex uint16
	Descriptor wireproto.TimesliceComponentDescriptor
	Payload    []byte
}

// Timeslice is one fully assembled timeslice as stored on disk.
type Timeslice struct {
	Index      uint64
	Components []Component
}

// Writer appends Timeslice records to an underlying io.Writer.
type Writer struct {
	w        *bufio.Writer
	enc      *zstd.Encoder
	compress bool
}

// NewWriter constructs a Writer. When compress is true, each record's
// payload is zstd-compressed before it is written (the teacher pack's
// nishisan-dev-n-backup and the chosen teacher both depend on
// klauspost/compress for exactly this kind of block compression).
func NewWriter(w io.Writer, compress bool) (*Writer, error) {
	aw := &Writer{w: bufio.NewWriter(w), compress: compress}
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("archive: new zstd encoder: %w", err)
		}
		aw.enc = enc
	}
	return aw, nil
}

// WriteTimeslice serializes and appends one timeslice record.
func (aw *Writer) WriteTimeslice(ts Timeslice) error {
	payload := encodeTimeslice(ts)
	crc := crc32.ChecksumIEEE(payload)

	compressed := byte(0)
	if aw.compress {
		payload = aw.enc.EncodeAll(payload, nil)
		compressed = 1
	}

	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	hdr[4] = compressed
	binary.LittleEndian.PutUint32(hdr[5:9], crc)

	if _, err := aw.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("archive: write record header: %w", err)
	}
	if _, err := aw.w.Write(payload); err != nil {
		return fmt.Errorf("archive: write record payload: %w", err)
	}
	return nil
}

// Close flushes buffered output and releases the zstd encoder, if any.
func (aw *Writer) Close() error {
	if aw.enc != nil {
		aw.enc.Close()
	}
	return aw.w.Flush()
}

func encodeTimeslice(ts Timeslice) []byte {
	size := 8 + 4
	for _, c := range ts.Components {
		size += 2 + wireproto.ComponentDescriptorSize + 4 + len(c.Payload)
	}

	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:off+8], ts.Index)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(ts.Components)))
	off += 4

	for _, c := range ts.Components {
		binary.LittleEndian.PutUint16(buf[off:off+2], c.InputIndex)
		off += 2
		c.Descriptor.Encode(buf[off : off+wireproto.ComponentDescriptorSize])
		off += wireproto.ComponentDescriptorSize
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(c.Payload)))
		off += 4
		copy(buf[off:], c.Payload)
		off += len(c.Payload)
	}
	return buf
}

func decodeTimeslice(buf []byte) (Timeslice, error) {
	if len(buf) < 12 {
		return Timeslice{}, fmt.Errorf("%w: payload too short for header", ErrCorrupt)
	}

	ts := Timeslice{Index: binary.LittleEndian.Uint64(buf[0:8])}
	numComponents := binary.LittleEndian.Uint32(buf[8:12])
	off := 12

	for i := uint32(0); i < numComponents; i++ {
		if off+2+wireproto.ComponentDescriptorSize+4 > len(buf) {
			return Timeslice{}, fmt.Errorf("%w: truncated component header", ErrCorrupt)
		}
		inputIndex := binary.LittleEndian.Uint16(buf[off : off+2])
		off += 2
		desc := wireproto.DecodeTimesliceComponentDescriptor(buf[off : off+wireproto.ComponentDescriptorSize])
		off += wireproto.ComponentDescriptorSize
		payloadLen := binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
		if off+int(payloadLen) > len(buf) {
			return Timeslice{}, fmt.Errorf("%w: truncated component payload", ErrCorrupt)
		}
		payload := append([]byte(nil), buf[off:off+int(payloadLen)]...)
		off += int(payloadLen)

		ts.Components = append(ts.Components, Component{
			InputIndex: inputIndex,
			Descriptor: desc,
			Payload:    payload,
		})
	}
	return ts, nil
}

// Reader reads Timeslice records back from an archive written by Writer.
type Reader struct {
	r   *bufio.Reader
	dec *zstd.Decoder
}

// NewReader constructs a Reader. The same Reader transparently handles a
// mix of compressed and uncompressed records, since each record's own
// header carries its compression flag.
func NewReader(r io.Reader) (*Reader, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("archive: new zstd decoder: %w", err)
	}
	return &Reader{r: bufio.NewReader(r), dec: dec}, nil
}

// Close releases the zstd decoder's background resources.
func (ar *Reader) Close() {
	ar.dec.Close()
}

// ReadTimeslice reads and validates the next record, returning io.EOF once
// the archive is exhausted.
func (ar *Reader) ReadTimeslice() (Timeslice, error) {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(ar.r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Timeslice{}, fmt.Errorf("archive: truncated record header: %w", err)
		}
		return Timeslice{}, err
	}

	length := binary.LittleEndian.Uint32(hdr[0:4])
	compressed := hdr[4] != 0
	wantCRC := binary.LittleEndian.Uint32(hdr[5:9])

	payload := make([]byte, length)
	if _, err := io.ReadFull(ar.r, payload); err != nil {
		return Timeslice{}, fmt.Errorf("archive: truncated record payload: %w", err)
	}

	if compressed {
		decoded, err := ar.dec.DecodeAll(payload, nil)
		if err != nil {
			return Timeslice{}, fmt.Errorf("archive: zstd decode: %w", err)
		}
		payload = decoded
	}

	if gotCRC := crc32.ChecksumIEEE(payload); gotCRC != wantCRC {
		return Timeslice{}, fmt.Errorf("%w: crc mismatch (want %08x, got %08x)", ErrCorrupt, wantCRC, gotCRC)
	}

	return decodeTimeslice(payload)
}
