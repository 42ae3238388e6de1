// Package output stores per-layer activations together with labels and group
// indices. Every container holds three datasets of the same length, fixed when
// the writer is opened: outputs, labels and seq_number.
package output

import (
	"errors"
	"fmt"
	"strings"

	"github.com/23skdu/longbow-featex/internal/engine"
	"github.com/23skdu/longbow-featex/internal/errdefs"
	"github.com/23skdu/longbow-featex/internal/metrics"
)

const (
	FormatHDF5    = "h5"
	FormatArrow   = "arrow"
	FormatParquet = "parquet"
)

// Dataset names.
const (
	OutputsName = "outputs"
	LabelsName  = "labels"
	SeqName     = "seq_number"
)

// Writer receives one row per input in any order.
type Writer interface {
	WriteRow(row int, activation []float32, label, group int32) error
	Close() error
	Path() string
}

type Options struct {
	// Compress enables zstd (arrow) or snappy (parquet). HDF5 ignores it.
	Compress bool
}

// Ext returns the file extension for format.
func Ext(format string) (string, error) {
	switch format {
	case FormatHDF5, "":
		return ".h5", nil
	case FormatArrow:
		return ".arrow", nil
	case FormatParquet:
		return ".parquet", nil
	}
	return "", errdefs.Configf("unknown output format %q", format)
}

// FileName builds <base>_<layer><ext>. Slashes in layer names become
// underscores so that conv/5 maps to a single file.
func FileName(base, layer, ext string) string {
	return base + "_" + strings.ReplaceAll(layer, "/", "_") + ext
}

// Open creates or truncates path and sizes it for rows activations of the
// given per-input shape.
func Open(format, path string, rows int, shape []int, opts Options) (Writer, error) {
	if rows < 0 {
		return nil, fmt.Errorf("negative row count %d", rows)
	}
	if engine.Volume(shape) <= 0 {
		return nil, fmt.Errorf("invalid layer shape %v", shape)
	}
	switch format {
	case FormatHDF5, "":
		return openHDF5(path, rows, shape)
	case FormatArrow:
		return newTableWriter(path, rows, shape, arrowSink(opts.Compress))
	case FormatParquet:
		return newTableWriter(path, rows, shape, parquetSink(opts.Compress))
	}
	return nil, errdefs.Configf("unknown output format %q", format)
}

// CloseAll closes every writer even when some fail. Failures are joined and
// wrapped in errdefs.ErrFinalization.
func CloseAll(writers []Writer) error {
	var errs []error
	for _, w := range writers {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			metrics.RecordWriterCloseError()
			errs = append(errs, fmt.Errorf("%s: %w", w.Path(), err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", errdefs.ErrFinalization, errors.Join(errs...))
}

// layout is the row geometry shared by every format.
type layout struct {
	path  string
	rows  int
	shape []int
	vol   int
}

func newLayout(path string, rows int, shape []int) layout {
	return layout{
		path:  path,
		rows:  rows,
		shape: append([]int(nil), shape...),
		vol:   engine.Volume(shape),
	}
}

func (l layout) Path() string { return l.path }

func (l layout) check(row int, activation []float32) error {
	if row < 0 || row >= l.rows {
		return fmt.Errorf("%s: row %d out of range [0,%d)", l.path, row, l.rows)
	}
	if len(activation) != l.vol {
		return fmt.Errorf("%s: activation has %d values, layer shape %v needs %d",
			l.path, len(activation), l.shape, l.vol)
	}
	return nil
}

var errClosed = errors.New("writer closed")
