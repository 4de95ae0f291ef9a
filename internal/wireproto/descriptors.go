// Package wireproto defines the fixed-width records that cross the fabric:
// microslice descriptors, timeslice-component descriptors, timeslice
// descriptors, buffer-position credit records, and the shared-memory
// work-item/completion records. All of them are encoded with explicit
// little-endian layouts via encoding/binary rather than reflection-based
// marshaling — this is the hot path and every record has a fixed, small
// size known ahead of time.
package wireproto

import "encoding/binary"

// MicrosliceDescriptorSize is the on-wire size of a MicrosliceDescriptor, in
// bytes (spec: "fixed 32 bytes").
const MicrosliceDescriptorSize = 32

// MicrosliceDescriptor is the fixed-size header the data source emits for
// every microslice, in index order, alongside its payload.
type MicrosliceDescriptor struct {
	HeaderID          uint8
	HeaderVersion     uint8
	EquipmentID       uint16
	Flags             uint16
	SubsystemID       uint8
	SubsystemVersion  uint8
	MicrosliceIndex   uint64
	CRC               uint32
	ContentSize       uint32
	Offset            uint64
}

// Encode serializes the descriptor into buf, which must be at least
// MicrosliceDescriptorSize bytes.
func (m *MicrosliceDescriptor) Encode(buf []byte) {
	_ = buf[MicrosliceDescriptorSize-1]

	buf[0] = m.HeaderID
	buf[1] = m.HeaderVersion
	binary.LittleEndian.PutUint16(buf[2:4], m.EquipmentID)
	binary.LittleEndian.PutUint16(buf[4:6], m.Flags)
	buf[6] = m.SubsystemID
	buf[7] = m.SubsystemVersion
	binary.LittleEndian.PutUint64(buf[8:16], m.MicrosliceIndex)
	binary.LittleEndian.PutUint32(buf[16:20], m.CRC)
	binary.LittleEndian.PutUint32(buf[20:24], m.ContentSize)
	binary.LittleEndian.PutUint64(buf[24:32], m.Offset)
}

// DecodeMicrosliceDescriptor parses a MicrosliceDescriptor out of buf.
func DecodeMicrosliceDescriptor(buf []byte) MicrosliceDescriptor {
	_ = buf[MicrosliceDescriptorSize-1]

	return MicrosliceDescriptor{
		HeaderID:         buf[0],
		HeaderVersion:    buf[1],
		EquipmentID:      binary.LittleEndian.Uint16(buf[2:4]),
		Flags:            binary.LittleEndian.Uint16(buf[4:6]),
		SubsystemID:      buf[6],
		SubsystemVersion: buf[7],
		MicrosliceIndex:  binary.LittleEndian.Uint64(buf[8:16]),
		CRC:              binary.LittleEndian.Uint32(buf[16:20]),
		ContentSize:      binary.LittleEndian.Uint32(buf[20:24]),
		Offset:           binary.LittleEndian.Uint64(buf[24:32]),
	}
}

// ComponentDescriptorSize is the on-wire size of a TimesliceComponentDescriptor.
const ComponentDescriptorSize = 24

// TimesliceComponentDescriptor is the per-input contribution to one
// timeslice, as committed into a compute node's descriptor arena.
type TimesliceComponentDescriptor struct {
	TimesliceIndex  uint64
	Offset          uint64
	ContentSize     uint32
	MicrosliceCount uint32
}

// Encode serializes the descriptor into buf (at least ComponentDescriptorSize
// bytes).
func (m *TimesliceComponentDescriptor) Encode(buf []byte) {
	_ = buf[ComponentDescriptorSize-1]

	binary.LittleEndian.PutUint64(buf[0:8], m.TimesliceIndex)
	binary.LittleEndian.PutUint64(buf[8:16], m.Offset)
	binary.LittleEndian.PutUint32(buf[16:20], m.ContentSize)
	binary.LittleEndian.PutUint32(buf[20:24], m.MicrosliceCount)
}

// DecodeTimesliceComponentDescriptor parses a TimesliceComponentDescriptor
// out of buf.
func DecodeTimesliceComponentDescriptor(buf []byte) TimesliceComponentDescriptor {
	_ = buf[ComponentDescriptorSize-1]

	return TimesliceComponentDescriptor{
		TimesliceIndex:  binary.LittleEndian.Uint64(buf[0:8]),
		Offset:          binary.LittleEndian.Uint64(buf[8:16]),
		ContentSize:     binary.LittleEndian.Uint32(buf[16:20]),
		MicrosliceCount: binary.LittleEndian.Uint32(buf[20:24]),
	}
}

// TimesliceDescriptor describes a fully assembled timeslice on a compute
// node: its global index, its position in the descriptor arena, and how
// many core microslices and components it carries.
type TimesliceDescriptor struct {
	Index             uint64
	DescriptorArenaPos uint64
	CoreMicroslices   uint32
	NumComponents     uint32
}

// BufferPositionSize is the on-wire size of a BufferPosition credit record
// (spec: "16-byte buffer-position record").
const BufferPositionSize = 16

// MaxCursor is the sentinel cursor value; a BufferPosition with both cursors
// set to MaxCursor denotes the final position ("the input will send no
// more").
const MaxCursor = ^uint64(0)

// BufferPosition is a cumulative (never-wrapping) count of bytes written to
// a data arena and entries written to a descriptor arena, communicated in
// CREDIT_SEND / CREDIT_RECV messages.
type BufferPosition struct {
	DataBytes   uint64
	DescEntries uint64
}

// Final reports whether this position is the end-of-stream sentinel.
func (m BufferPosition) Final() bool {
	return m.DataBytes == MaxCursor && m.DescEntries == MaxCursor
}

// FinalPosition is the sentinel value denoting "no more data will be sent".
func FinalPosition() BufferPosition {
	return BufferPosition{DataBytes: MaxCursor, DescEntries: MaxCursor}
}

// Encode serializes the position into buf (at least BufferPositionSize bytes).
func (m BufferPosition) Encode(buf []byte) {
	_ = buf[BufferPositionSize-1]

	binary.LittleEndian.PutUint64(buf[0:8], m.DataBytes)
	binary.LittleEndian.PutUint64(buf[8:16], m.DescEntries)
}

// DecodeBufferPosition parses a BufferPosition out of buf.
func DecodeBufferPosition(buf []byte) BufferPosition {
	_ = buf[BufferPositionSize-1]

	return BufferPosition{
		DataBytes:   binary.LittleEndian.Uint64(buf[0:8]),
		DescEntries: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// WorkItemSize is the on-wire size of a shared-memory work-item record.
const WorkItemSize = 19

// WorkItem is the record the compute-side assembler places on the
// work_items_ message queue for the item distributor.
type WorkItem struct {
	TimesliceIndex     uint64
	DescriptorPosition uint64
	DataBufferSizeExp  uint8
	DescBufferSizeExp  uint8
	NumComponents      uint8

	// Payload carries the timeslice's assembled component bytes
	// in-process from the assembler to the distributor, for forwarding to
	// a worker as WORK_ITEM's optional second frame (spec §6). It has no
	// on-wire representation of its own and is never touched by
	// Encode/DecodeWorkItem, which only (de)serialize the fixed-size
	// descriptor-position record a real shared-memory ring would carry.
	Payload []byte
}

// Encode serializes the work item into buf (at least WorkItemSize bytes).
func (m WorkItem) Encode(buf []byte) {
	_ = buf[WorkItemSize-1]

	binary.LittleEndian.PutUint64(buf[0:8], m.TimesliceIndex)
	binary.LittleEndian.PutUint64(buf[8:16], m.DescriptorPosition)
	buf[16] = m.DataBufferSizeExp
	buf[17] = m.DescBufferSizeExp
	buf[18] = m.NumComponents
}

// DecodeWorkItem parses a WorkItem out of buf.
func DecodeWorkItem(buf []byte) WorkItem {
	_ = buf[WorkItemSize-1]

	return WorkItem{
		TimesliceIndex:     binary.LittleEndian.Uint64(buf[0:8]),
		DescriptorPosition: binary.LittleEndian.Uint64(buf[8:16]),
		DataBufferSizeExp:  buf[16],
		DescBufferSizeExp:  buf[17],
		NumComponents:      buf[18],
	}
}

// CompletionRecordSize is the on-wire size of a completion record.
const CompletionRecordSize = 8

// CompletionRecord is posted by a worker back to the assembler on the
// completions_ message queue once it has released a timeslice.
type CompletionRecord struct {
	DescriptorPosition uint64
}

// Encode serializes the completion record into buf (at least
// CompletionRecordSize bytes).
func (m CompletionRecord) Encode(buf []byte) {
	_ = buf[CompletionRecordSize-1]
	binary.LittleEndian.PutUint64(buf[0:8], m.DescriptorPosition)
}

// DecodeCompletionRecord parses a CompletionRecord out of buf.
func DecodeCompletionRecord(buf []byte) CompletionRecord {
	_ = buf[CompletionRecordSize-1]
	return CompletionRecord{DescriptorPosition: binary.LittleEndian.Uint64(buf[0:8])}
}
