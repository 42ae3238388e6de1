// Package caffe reads the two Caffe protobuf records the extractor consumes:
// Datum (one image in an LMDB database) and BlobProto (binaryproto mean
// files). Only the fields the extractor needs are decoded; everything else
// is skipped.
package caffe

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// walk calls fn for every field in b. fn returns the number of bytes it
// consumed, or -1 to have the field skipped.
func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m < 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
			}
		}
		b = b[m:]
	}
	return nil
}

func varint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("wire type %d, want varint", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func bytesField(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

// floats appends a repeated float field in either packed or unpacked encoding.
func floats(dst []float32, typ protowire.Type, b []byte) ([]float32, int, error) {
	switch typ {
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return dst, 0, protowire.ParseError(n)
		}
		return append(dst, math.Float32frombits(v)), n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return dst, 0, protowire.ParseError(n)
		}
		if len(packed)%4 != 0 {
			return dst, 0, fmt.Errorf("packed float length %d not a multiple of 4", len(packed))
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed32(packed)
			dst = append(dst, math.Float32frombits(v))
			packed = packed[m:]
		}
		return dst, n, nil
	default:
		return dst, 0, fmt.Errorf("wire type %d, want fixed32 or bytes", typ)
	}
}

func doubles(dst []float64, typ protowire.Type, b []byte) ([]float64, int, error) {
	switch typ {
	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return dst, 0, protowire.ParseError(n)
		}
		return append(dst, math.Float64frombits(v)), n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return dst, 0, protowire.ParseError(n)
		}
		if len(packed)%8 != 0 {
			return dst, 0, fmt.Errorf("packed double length %d not a multiple of 8", len(packed))
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed64(packed)
			dst = append(dst, math.Float64frombits(v))
			packed = packed[m:]
		}
		return dst, n, nil
	default:
		return dst, 0, fmt.Errorf("wire type %d, want fixed64 or bytes", typ)
	}
}

// int64s appends a repeated int64 field in either packed or unpacked encoding.
func int64s(dst []int64, typ protowire.Type, b []byte) ([]int64, int, error) {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return dst, 0, protowire.ParseError(n)
		}
		return append(dst, int64(v)), n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return dst, 0, protowire.ParseError(n)
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeVarint(packed)
			if m < 0 {
				return dst, 0, protowire.ParseError(m)
			}
			dst = append(dst, int64(v))
			packed = packed[m:]
		}
		return dst, n, nil
	default:
		return dst, 0, fmt.Errorf("wire type %d, want varint or bytes", typ)
	}
}

func appendPackedFloats(b []byte, num protowire.Number, vals []float32) []byte {
	if len(vals) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(4*len(vals)))
	for _, v := range vals {
		b = protowire.AppendFixed32(b, math.Float32bits(v))
	}
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
