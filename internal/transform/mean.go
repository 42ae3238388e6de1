package transform

import (
	"fmt"
	"os"
	"strings"

	"github.com/sbinet/npyio/npy"

	"github.com/23skdu/longbow-featex/internal/caffe"
	"github.com/23skdu/longbow-featex/internal/errdefs"
)

// Mean is subtracted from the preprocessed input. A one-dimensional mean
// holds one value per channel; otherwise Shape is (C,H,W).
type Mean struct {
	Shape []int
	Data  []float32
}

// ChannelMean builds a per-channel mean such as 104,117,123 (BGR).
func ChannelMean(values ...float32) Mean {
	return Mean{Shape: []int{len(values)}, Data: append([]float32(nil), values...)}
}

// MeanLoader reads a mean array from a file.
type MeanLoader interface {
	LoadMean(path string) (Mean, error)
}

// FileMeanLoader dispatches on the file name: names containing "npy" are
// read as NumPy arrays, everything else as Caffe binaryproto.
type FileMeanLoader struct{}

func (FileMeanLoader) LoadMean(path string) (Mean, error) {
	var (
		m   Mean
		err error
	)
	if strings.Contains(path, "npy") {
		m, err = NPYMeanLoader{}.LoadMean(path)
	} else {
		m, err = BinaryProtoMeanLoader{}.LoadMean(path)
	}
	if err != nil {
		return Mean{}, errdefs.Configf("mean file %s: %v", path, err)
	}
	return m, nil
}

// BinaryProtoMeanLoader reads a Caffe BlobProto and keeps its first item,
// so a (1,C,H,W) blob yields a (C,H,W) mean.
type BinaryProtoMeanLoader struct{}

func (BinaryProtoMeanLoader) LoadMean(path string) (Mean, error) {
	blob, err := caffe.ReadBlobProto(path)
	if err != nil {
		return Mean{}, err
	}
	dims := blob.Dims()
	values := blob.Values()
	if len(dims) == 4 {
		dims = dims[1:]
	}
	n := 1
	for _, d := range dims {
		n *= d
	}
	if n <= 0 || len(values) < n {
		return Mean{}, fmt.Errorf("blob shape %v needs %d values, has %d", blob.Dims(), n, len(values))
	}
	return Mean{Shape: dims, Data: append([]float32(nil), values[:n]...)}, nil
}

// NPYMeanLoader reads a C-ordered .npy array of any real dtype.
type NPYMeanLoader struct{}

func (NPYMeanLoader) LoadMean(path string) (Mean, error) {
	f, err := os.Open(path)
	if err != nil {
		return Mean{}, err
	}
	defer func() {
		_ = f.Close()
	}()

	r, err := npy.NewReader(f)
	if err != nil {
		return Mean{}, err
	}
	if r.Header.Descr.Fortran {
		return Mean{}, fmt.Errorf("fortran-ordered arrays are not supported")
	}
	shape := append([]int(nil), r.Header.Descr.Shape...)

	data, err := readFloats(r)
	if err != nil {
		return Mean{}, err
	}
	return Mean{Shape: shape, Data: data}, nil
}

func readFloats(r *npy.Reader) ([]float32, error) {
	switch r.Header.Descr.Type {
	case "<f4", "f4":
		var v []float32
		err := r.Read(&v)
		return v, err
	case "<f8", "f8":
		var v []float64
		if err := r.Read(&v); err != nil {
			return nil, err
		}
		return convert(v), nil
	case "|u1", "u1":
		var v []uint8
		if err := r.Read(&v); err != nil {
			return nil, err
		}
		return convert(v), nil
	case "<i4", "i4":
		var v []int32
		if err := r.Read(&v); err != nil {
			return nil, err
		}
		return convert(v), nil
	case "<i8", "i8":
		var v []int64
		if err := r.Read(&v); err != nil {
			return nil, err
		}
		return convert(v), nil
	default:
		return nil, fmt.Errorf("unsupported dtype %q", r.Header.Descr.Type)
	}
}

func convert[T uint8 | int32 | int64 | float64](v []T) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
