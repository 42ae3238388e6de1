package caffe

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Datum field numbers from caffe.proto.
const (
	datumChannels  protowire.Number = 1
	datumHeight    protowire.Number = 2
	datumWidth     protowire.Number = 3
	datumData      protowire.Number = 4
	datumLabel     protowire.Number = 5
	datumFloatData protowire.Number = 6
	datumEncoded   protowire.Number = 7
)

// Datum is one image record as written by Caffe's convert_imageset. Raw
// datums hold Channels x Height x Width bytes in CHW order (BGR); encoded
// datums hold a compressed image file.
type Datum struct {
	Channels  int
	Height    int
	Width     int
	Data      []byte
	Label     int32
	FloatData []float32
	Encoded   bool
}

// UnmarshalDatum decodes a serialized Datum. Data aliases b.
func UnmarshalDatum(b []byte) (*Datum, error) {
	d := &Datum{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case datumChannels, datumHeight, datumWidth, datumLabel, datumEncoded:
			v, n, err := varint(typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case datumChannels:
				d.Channels = int(int32(v))
			case datumHeight:
				d.Height = int(int32(v))
			case datumWidth:
				d.Width = int(int32(v))
			case datumLabel:
				d.Label = int32(v)
			case datumEncoded:
				d.Encoded = v != 0
			}
			return n, nil
		case datumData:
			v, n, err := bytesField(typ, b)
			d.Data = v
			return n, err
		case datumFloatData:
			var n int
			var err error
			d.FloatData, n, err = floats(d.FloatData, typ, b)
			return n, err
		}
		return -1, nil
	})
	if err != nil {
		return nil, fmt.Errorf("datum: %w", err)
	}
	return d, nil
}

// MarshalBinary encodes d in the same wire layout Caffe produces.
func (d *Datum) MarshalBinary() ([]byte, error) {
	var b []byte
	b = appendVarintField(b, datumChannels, uint64(d.Channels))
	b = appendVarintField(b, datumHeight, uint64(d.Height))
	b = appendVarintField(b, datumWidth, uint64(d.Width))
	if d.Data != nil {
		b = protowire.AppendTag(b, datumData, protowire.BytesType)
		b = protowire.AppendBytes(b, d.Data)
	}
	b = appendVarintField(b, datumLabel, uint64(int64(d.Label)))
	b = appendPackedFloats(b, datumFloatData, d.FloatData)
	if d.Encoded {
		b = appendVarintField(b, datumEncoded, 1)
	}
	return b, nil
}

// Validate checks that a raw datum carries exactly C*H*W values.
func (d *Datum) Validate() error {
	if d.Encoded {
		if len(d.Data) == 0 {
			return fmt.Errorf("encoded datum has no data")
		}
		return nil
	}
	if d.Channels <= 0 || d.Height <= 0 || d.Width <= 0 {
		return fmt.Errorf("invalid datum shape %dx%dx%d", d.Channels, d.Height, d.Width)
	}
	want := d.Channels * d.Height * d.Width
	switch {
	case len(d.Data) == want, len(d.FloatData) == want:
		return nil
	default:
		return fmt.Errorf("datum %dx%dx%d has %d bytes and %d floats, want %d",
			d.Channels, d.Height, d.Width, len(d.Data), len(d.FloatData), want)
	}
}
