package caffe

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestDatumRawRoundTrip(t *testing.T) {
	in := &Datum{
		Channels: 3,
		Height:   2,
		Width:    2,
		Data:     []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
		Label:    7,
	}
	b, err := in.MarshalBinary()
	require.NoError(t, err)

	out, err := UnmarshalDatum(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.NoError(t, out.Validate())
}

func TestDatumNegativeLabel(t *testing.T) {
	b, err := (&Datum{Channels: 1, Height: 1, Width: 1, Data: []byte{0}, Label: -3}).MarshalBinary()
	require.NoError(t, err)

	out, err := UnmarshalDatum(b)
	require.NoError(t, err)
	assert.Equal(t, int32(-3), out.Label)
}

func TestDatumUnpackedFloatsAndUnknownFields(t *testing.T) {
	var b []byte
	b = appendVarintField(b, datumChannels, 1)
	b = appendVarintField(b, datumHeight, 1)
	b = appendVarintField(b, datumWidth, 2)
	b = protowire.AppendTag(b, datumFloatData, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(0.5))
	b = protowire.AppendTag(b, datumFloatData, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(1.5))
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("ignored"))

	d, err := UnmarshalDatum(b)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 1.5}, d.FloatData)
	assert.NoError(t, d.Validate())
}

func TestDatumValidate(t *testing.T) {
	tests := []struct {
		name    string
		d       Datum
		wantErr bool
	}{
		{"encoded", Datum{Encoded: true, Data: []byte{0xff, 0xd8}}, false},
		{"encoded empty", Datum{Encoded: true}, true},
		{"short raw", Datum{Channels: 3, Height: 2, Width: 2, Data: make([]byte, 5)}, true},
		{"zero shape", Datum{Data: []byte{1}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestUnmarshalDatumTruncated(t *testing.T) {
	b, err := (&Datum{Channels: 1, Height: 1, Width: 4, Data: []byte{1, 2, 3, 4}}).MarshalBinary()
	require.NoError(t, err)

	_, err = UnmarshalDatum(b[:len(b)-6])
	assert.Error(t, err)
}

func TestBlobProtoShapeField(t *testing.T) {
	in := &BlobProto{
		Shape: []int64{1, 3, 2, 2},
		Data:  []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
	}
	b, err := in.MarshalBinary()
	require.NoError(t, err)

	out, err := UnmarshalBlobProto(b)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 2, 2}, out.Dims())
	assert.Equal(t, in.Data, out.Values())
}

func TestBlobProtoLegacyDims(t *testing.T) {
	in := &BlobProto{Num: 1, Channels: 3, Height: 1, Width: 1, Data: []float32{104, 117, 123}}
	b, err := in.MarshalBinary()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "mean.binaryproto")
	require.NoError(t, os.WriteFile(path, b, 0o644))

	out, err := ReadBlobProto(path)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 1, 1}, out.Dims())
	assert.Equal(t, []float32{104, 117, 123}, out.Values())
}

func TestBlobProtoDoubleData(t *testing.T) {
	var b []byte
	b = appendVarintField(b, blobNum, 1)
	b = appendVarintField(b, blobChannels, 2)
	b = appendVarintField(b, blobHeight, 1)
	b = appendVarintField(b, blobWidth, 1)
	var packed []byte
	packed = protowire.AppendFixed64(packed, math.Float64bits(0.25))
	packed = protowire.AppendFixed64(packed, math.Float64bits(-2))
	b = protowire.AppendTag(b, blobDoubleData, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	out, err := UnmarshalBlobProto(b)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, -2}, out.Values())
}

func TestBlobProtoWrongWireType(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, blobNum, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte{1})

	_, err := UnmarshalBlobProto(b)
	assert.Error(t, err)
}
