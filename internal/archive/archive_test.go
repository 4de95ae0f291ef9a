package archive

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/tsbuild/internal/wireproto"
)

func sampleTimeslice(index uint64) Timeslice {
	return Timeslice{
		Index: index,
		Components: []Component{
			{
				InputIndex: 0,
				Descriptor: wireproto.TimesliceComponentDescriptor{
					TimesliceIndex:  index,
					Offset:          0,
					ContentSize:     4,
					MicrosliceCount: 1,
				},
				Payload: []byte{1, 2, 3, 4},
			},
			{
				InputIndex: 1,
				Descriptor: wireproto.TimesliceComponentDescriptor{
					TimesliceIndex:  index,
					Offset:          4,
					ContentSize:     3,
					MicrosliceCount: 1,
				},
				Payload: []byte{9, 8, 7},
			},
		},
	}
}

func Test_WriteRead_RoundTripsUncompressed(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, false)
	require.NoError(t, err)

	in := sampleTimeslice(0)
	require.NoError(t, w.WriteTimeslice(in))
	require.NoError(t, w.Close())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	defer r.Close()

	out, err := r.ReadTimeslice()
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func Test_WriteRead_RoundTripsCompressed(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, true)
	require.NoError(t, err)

	in := sampleTimeslice(7)
	require.NoError(t, w.WriteTimeslice(in))
	require.NoError(t, w.Close())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	defer r.Close()

	out, err := r.ReadTimeslice()
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func Test_ReadTimeslice_MultipleRecordsInSequence(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, false)
	require.NoError(t, err)
	for i := uint64(0); i < 3; i++ {
		require.NoError(t, w.WriteTimeslice(sampleTimeslice(i)))
	}
	require.NoError(t, w.Close())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	defer r.Close()

	for i := uint64(0); i < 3; i++ {
		out, err := r.ReadTimeslice()
		require.NoError(t, err)
		assert.Equal(t, i, out.Index)
	}

	_, err = r.ReadTimeslice()
	assert.ErrorIs(t, err, io.EOF)
}

func Test_ReadTimeslice_DetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, false)
	require.NoError(t, err)
	require.NoError(t, w.WriteTimeslice(sampleTimeslice(0)))
	require.NoError(t, w.Close())

	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xFF // flip a payload byte without touching the CRC

	r, err := NewReader(bytes.NewReader(corrupted))
	require.NoError(t, err)
	defer r.Close()

	_, err = r.ReadTimeslice()
	assert.ErrorIs(t, err, ErrCorrupt)
}
