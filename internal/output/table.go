package output

import (
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/23skdu/longbow-featex/internal/engine"
)

// Schema describes an arrow or parquet output: outputs is a fixed size list
// holding one flattened activation per row, with the layer shape in the
// field metadata.
func Schema(shape []int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{
			Name:     OutputsName,
			Type:     arrow.FixedSizeListOf(int32(engine.Volume(shape)), arrow.PrimitiveTypes.Float32),
			Metadata: arrow.NewMetadata([]string{engine.ShapeKey}, []string{engine.FormatShape(shape)}),
		},
		{Name: LabelsName, Type: arrow.PrimitiveTypes.Int32},
		{Name: SeqName, Type: arrow.PrimitiveTypes.Int32},
	}, nil)
}

// sink serializes the finished record to w.
type sink struct {
	format string
	write  func(w io.Writer, schema *arrow.Schema, rec arrow.Record) error
}

func arrowSink(compressed bool) sink {
	return sink{
		format: FormatArrow,
		write: func(w io.Writer, schema *arrow.Schema, rec arrow.Record) error {
			opts := []ipc.Option{ipc.WithSchema(schema), ipc.WithAllocator(memory.DefaultAllocator)}
			if compressed {
				opts = append(opts, ipc.WithZstd())
			}
			fw, err := ipc.NewFileWriter(w, opts...)
			if err != nil {
				return err
			}
			if err := fw.Write(rec); err != nil {
				_ = fw.Close()
				return err
			}
			return fw.Close()
		},
	}
}

func parquetSink(compressed bool) sink {
	return sink{
		format: FormatParquet,
		write: func(w io.Writer, schema *arrow.Schema, rec arrow.Record) error {
			codec := compress.Codecs.Uncompressed
			if compressed {
				codec = compress.Codecs.Snappy
			}
			props := parquet.NewWriterProperties(parquet.WithCompression(codec))
			tbl := array.NewTableFromRecords(schema, []arrow.Record{rec})
			defer tbl.Release()
			return pqarrow.WriteTable(tbl, w, int64(max(rec.NumRows(), 1)), props,
				pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
		},
	}
}

// tableWriter buffers the pre-sized columns in memory and writes one record
// batch on Close. The file is created at open time. Rows never written stay
// zero, as in a fresh HDF5 dataset.
type tableWriter struct {
	layout
	sink    sink
	f       *os.File
	outputs []float32
	labels  []int32
	seq     []int32
	closed  bool
}

func newTableWriter(path string, rows int, shape []int, s sink) (*tableWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	l := newLayout(path, rows, shape)
	return &tableWriter{
		layout:  l,
		sink:    s,
		f:       f,
		outputs: make([]float32, rows*l.vol),
		labels:  make([]int32, rows),
		seq:     make([]int32, rows),
	}, nil
}

func (w *tableWriter) WriteRow(row int, activation []float32, label, group int32) error {
	if w.closed {
		return errClosed
	}
	if err := w.check(row, activation); err != nil {
		return err
	}
	copy(w.outputs[row*w.vol:(row+1)*w.vol], activation)
	w.labels[row] = label
	w.seq[row] = group
	return nil
}

func (w *tableWriter) record(schema *arrow.Schema) arrow.Record {
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()

	lb := b.Field(0).(*array.FixedSizeListBuilder)
	vb := lb.ValueBuilder().(*array.Float32Builder)
	for i := 0; i < w.rows; i++ {
		lb.Append(true)
	}
	vb.AppendValues(w.outputs, nil)
	b.Field(1).(*array.Int32Builder).AppendValues(w.labels, nil)
	b.Field(2).(*array.Int32Builder).AppendValues(w.seq, nil)
	return b.NewRecord()
}

func (w *tableWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	f := w.f

	schema := Schema(w.shape)
	rec := w.record(schema)
	defer rec.Release()

	// the sinks finalize their own framing; the file is closed here
	if err := w.sink.write(struct{ io.Writer }{f}, schema, rec); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s %s: %w", w.sink.format, w.path, err)
	}
	w.outputs, w.labels, w.seq = nil, nil, nil
	return f.Close()
}
