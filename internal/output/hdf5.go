package output

import (
	"errors"
	"fmt"

	"gonum.org/v1/hdf5"
)

// hdf5Writer writes each row straight to disk as a hyperslab of the
// pre-created datasets.
type hdf5Writer struct {
	layout
	file    *hdf5.File
	outputs *hdf5.Dataset
	labels  *hdf5.Dataset
	seq     *hdf5.Dataset
	closed  bool
}

func openHDF5(path string, rows int, shape []int) (*hdf5Writer, error) {
	f, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	w := &hdf5Writer{layout: newLayout(path, rows, shape), file: f}

	dims := make([]uint, 0, len(shape)+1)
	dims = append(dims, uint(rows))
	for _, d := range shape {
		dims = append(dims, uint(d))
	}
	if w.outputs, err = createDataset(f, OutputsName, hdf5.T_NATIVE_FLOAT, dims); err != nil {
		_ = w.Close()
		return nil, err
	}
	if w.labels, err = createDataset(f, LabelsName, hdf5.T_NATIVE_INT32, []uint{uint(rows), 1}); err != nil {
		_ = w.Close()
		return nil, err
	}
	if w.seq, err = createDataset(f, SeqName, hdf5.T_NATIVE_INT32, []uint{uint(rows), 1}); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

func createDataset(f *hdf5.File, name string, dtype *hdf5.Datatype, dims []uint) (*hdf5.Dataset, error) {
	space, err := hdf5.CreateSimpleDataspace(dims, nil)
	if err != nil {
		return nil, fmt.Errorf("dataspace %s %v: %w", name, dims, err)
	}
	defer space.Close()
	ds, err := f.CreateDataset(name, dtype, space)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", name, err)
	}
	return ds, nil
}

// writeSlab writes data into row of ds. dims are the per-row dimensions.
func writeSlab(ds *hdf5.Dataset, row int, dims []uint, data interface{}) error {
	fileSpace := ds.Space()
	defer fileSpace.Close()

	offset := make([]uint, len(dims)+1)
	offset[0] = uint(row)
	count := append([]uint{1}, dims...)
	if err := fileSpace.SelectHyperslab(offset, nil, count, nil); err != nil {
		return err
	}
	memSpace, err := hdf5.CreateSimpleDataspace(count, nil)
	if err != nil {
		return err
	}
	defer memSpace.Close()
	return ds.WriteSubset(data, memSpace, fileSpace)
}

func (w *hdf5Writer) WriteRow(row int, activation []float32, label, group int32) error {
	if w.closed {
		return errClosed
	}
	if err := w.check(row, activation); err != nil {
		return err
	}
	dims := make([]uint, len(w.shape))
	for i, d := range w.shape {
		dims[i] = uint(d)
	}
	if err := writeSlab(w.outputs, row, dims, activation); err != nil {
		return fmt.Errorf("%s: write %s row %d: %w", w.path, OutputsName, row, err)
	}
	if err := writeSlab(w.labels, row, []uint{1}, []int32{label}); err != nil {
		return fmt.Errorf("%s: write %s row %d: %w", w.path, LabelsName, row, err)
	}
	if err := writeSlab(w.seq, row, []uint{1}, []int32{group}); err != nil {
		return fmt.Errorf("%s: write %s row %d: %w", w.path, SeqName, row, err)
	}
	return nil
}

func (w *hdf5Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	var errs []error
	for _, ds := range []*hdf5.Dataset{w.outputs, w.labels, w.seq} {
		if ds != nil {
			errs = append(errs, ds.Close())
		}
	}
	errs = append(errs, w.file.Close())
	return errors.Join(errs...)
}
