package caffe

import (
	"fmt"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// BlobProto field numbers from caffe.proto.
const (
	blobNum        protowire.Number = 1
	blobChannels   protowire.Number = 2
	blobHeight     protowire.Number = 3
	blobWidth      protowire.Number = 4
	blobData       protowire.Number = 5
	blobShape      protowire.Number = 7
	blobDoubleData protowire.Number = 8

	blobShapeDim protowire.Number = 1
)

// BlobProto is an N-d array as stored in .binaryproto files. Shape is set by
// newer Caffe versions; older files only carry Num/Channels/Height/Width.
type BlobProto struct {
	Shape      []int64
	Num        int32
	Channels   int32
	Height     int32
	Width      int32
	Data       []float32
	DoubleData []float64
}

func UnmarshalBlobProto(b []byte) (*BlobProto, error) {
	p := &BlobProto{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var n int
		var err error
		switch num {
		case blobNum, blobChannels, blobHeight, blobWidth:
			var v uint64
			v, n, err = varint(typ, b)
			switch num {
			case blobNum:
				p.Num = int32(v)
			case blobChannels:
				p.Channels = int32(v)
			case blobHeight:
				p.Height = int32(v)
			case blobWidth:
				p.Width = int32(v)
			}
		case blobData:
			p.Data, n, err = floats(p.Data, typ, b)
		case blobDoubleData:
			p.DoubleData, n, err = doubles(p.DoubleData, typ, b)
		case blobShape:
			var msg []byte
			msg, n, err = bytesField(typ, b)
			if err == nil {
				err = walk(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					if num != blobShapeDim {
						return -1, nil
					}
					var m int
					var err error
					p.Shape, m, err = int64s(p.Shape, typ, b)
					return m, err
				})
			}
		default:
			return -1, nil
		}
		return n, err
	})
	if err != nil {
		return nil, fmt.Errorf("blobproto: %w", err)
	}
	return p, nil
}

// ReadBlobProto loads a .binaryproto file.
func ReadBlobProto(path string) (*BlobProto, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return UnmarshalBlobProto(b)
}

// Dims returns the blob shape, preferring the explicit shape field.
func (p *BlobProto) Dims() []int {
	if len(p.Shape) > 0 {
		dims := make([]int, len(p.Shape))
		for i, d := range p.Shape {
			dims[i] = int(d)
		}
		return dims
	}
	return []int{int(p.Num), int(p.Channels), int(p.Height), int(p.Width)}
}

// Values returns the blob contents as float32, whichever field holds them.
func (p *BlobProto) Values() []float32 {
	if len(p.Data) > 0 || len(p.DoubleData) == 0 {
		return p.Data
	}
	out := make([]float32, len(p.DoubleData))
	for i, v := range p.DoubleData {
		out[i] = float32(v)
	}
	return out
}

func (p *BlobProto) MarshalBinary() ([]byte, error) {
	var b []byte
	if len(p.Shape) > 0 {
		var shape []byte
		shape = protowire.AppendTag(shape, blobShapeDim, protowire.BytesType)
		var dims []byte
		for _, d := range p.Shape {
			dims = protowire.AppendVarint(dims, uint64(d))
		}
		shape = protowire.AppendBytes(shape, dims)
		b = protowire.AppendTag(b, blobShape, protowire.BytesType)
		b = protowire.AppendBytes(b, shape)
	} else {
		b = appendVarintField(b, blobNum, uint64(p.Num))
		b = appendVarintField(b, blobChannels, uint64(p.Channels))
		b = appendVarintField(b, blobHeight, uint64(p.Height))
		b = appendVarintField(b, blobWidth, uint64(p.Width))
	}
	b = appendPackedFloats(b, blobData, p.Data)
	return b, nil
}
