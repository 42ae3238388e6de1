package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRow(t *testing.T) {
	before := testutil.ToFloat64(RowsTotal)
	RecordRow(2*time.Millisecond, 10*time.Millisecond)
	RecordRow(time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, before+2, testutil.ToFloat64(RowsTotal))
}

func TestRecordNumericalInstability(t *testing.T) {
	nan := NumericalInstability.WithLabelValues("conv1", "nan")
	inf := NumericalInstability.WithLabelValues("conv1", "inf")
	n0, i0 := testutil.ToFloat64(nan), testutil.ToFloat64(inf)

	RecordNumericalInstability("conv1", 5, 0)
	RecordNumericalInstability("conv1", 0, 3)
	RecordNumericalInstability("conv1", 0, 0)

	assert.Equal(t, n0+5, testutil.ToFloat64(nan))
	assert.Equal(t, i0+3, testutil.ToFloat64(inf))
}

func TestRecordActivationRange(t *testing.T) {
	RecordActivationRange("fc7", -1, 2)
	RecordActivationRange("fc7", 0, 5)
	RecordActivationRange("fc7", -3, 1)

	assert.Equal(t, float64(-3), testutil.ToFloat64(ActivationMin.WithLabelValues("fc7")))
	assert.Equal(t, float64(5), testutil.ToFloat64(ActivationMax.WithLabelValues("fc7")))
}

func TestRecordCounters(t *testing.T) {
	RecordGroupKeys(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(GroupKeys))

	before := testutil.ToFloat64(WriterCloseErrors)
	RecordWriterCloseError()
	assert.Equal(t, before+1, testutil.ToFloat64(WriterCloseErrors))

	d := DecodeErrors.WithLabelValues("image")
	before = testutil.ToFloat64(d)
	RecordDecodeError("image")
	assert.Equal(t, before+1, testutil.ToFloat64(d))

	RecordWrite("h5", time.Millisecond)
}

func TestWriteTextfile(t *testing.T) {
	RecordRow(time.Millisecond, time.Millisecond)
	path := filepath.Join(t.TempDir(), "featex.prom")
	require.NoError(t, WriteTextfile(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(b), "featex_rows_total"))

	err = WriteTextfile(filepath.Join(t.TempDir(), "missing", "featex.prom"))
	assert.Error(t, err)
}
