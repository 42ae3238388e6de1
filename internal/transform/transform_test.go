package transform

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/sbinet/npyio/npy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-featex/internal/caffe"
	"github.com/23skdu/longbow-featex/internal/errdefs"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

var rgb = color.RGBA{R: 10, G: 20, B: 30, A: 255}

func planes(t *testing.T, data []float32, c, n int) [][]float32 {
	t.Helper()
	require.Len(t, data, c*n)
	out := make([][]float32, c)
	for i := range out {
		out[i] = data[i*n : (i+1)*n]
	}
	return out
}

func TestPreprocessBGROrder(t *testing.T) {
	tr, err := New([]int{1, 3, 2, 2}, Config{})
	require.NoError(t, err)

	out, err := tr.Preprocess(solid(2, 2, rgb))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 2, 2}, out.Shape)

	p := planes(t, out.Data, 3, 4)
	assert.Equal(t, []float32{30, 30, 30, 30}, p[0])
	assert.Equal(t, []float32{20, 20, 20, 20}, p[1])
	assert.Equal(t, []float32{10, 10, 10, 10}, p[2])
}

func TestPreprocessSwapScaleMean(t *testing.T) {
	tr, err := New([]int{3, 1, 1}, Config{
		Mean:         ChannelMean(1, 2, 3),
		RawScale:     2,
		SwapChannels: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 1, 1}, tr.InputShape())

	out, err := tr.Preprocess(solid(1, 1, rgb))
	require.NoError(t, err)
	// swapped to R,G,B then scaled, then the mean is subtracted per channel
	assert.Equal(t, []float32{10*2 - 1, 20*2 - 2, 30*2 - 3}, out.Data)
}

func TestPreprocessPixelMean(t *testing.T) {
	mean := Mean{Shape: []int{3, 1, 2}, Data: []float32{1, 2, 3, 4, 5, 6}}
	tr, err := New([]int{1, 3, 1, 2}, Config{Mean: mean})
	require.NoError(t, err)

	out, err := tr.Preprocess(solid(2, 1, rgb))
	require.NoError(t, err)
	assert.Equal(t, []float32{29, 28, 17, 16, 5, 4}, out.Data)
}

func TestPreprocessResize(t *testing.T) {
	tr, err := New([]int{1, 3, 2, 2}, Config{})
	require.NoError(t, err)

	out, err := tr.Preprocess(solid(7, 5, rgb))
	require.NoError(t, err)
	p := planes(t, out.Data, 3, 4)
	for i := 0; i < 4; i++ {
		assert.InDelta(t, 30, p[0][i], 1)
		assert.InDelta(t, 20, p[1][i], 1)
		assert.InDelta(t, 10, p[2][i], 1)
	}
}

func TestPreprocessGray(t *testing.T) {
	tr, err := New([]int{1, 1, 1, 1}, Config{Mean: Mean{Shape: []int{1, 1}, Data: []float32{1}}})
	require.NoError(t, err)

	out, err := tr.Preprocess(solid(1, 1, rgb))
	require.NoError(t, err)
	want := float32(0.114*30+0.587*20+0.299*10) - 1
	assert.InDelta(t, want, out.Data[0], 1e-4)
}

func TestPreprocessSubImageOrigin(t *testing.T) {
	img := solid(4, 4, color.RGBA{A: 255})
	img.SetRGBA(2, 2, rgb)
	sub := img.SubImage(image.Rect(2, 2, 3, 3))

	tr, err := New([]int{1, 3, 1, 1}, Config{})
	require.NoError(t, err)
	out, err := tr.Preprocess(sub)
	require.NoError(t, err)
	assert.Equal(t, []float32{30, 20, 10}, out.Data)
}

func TestNewRejects(t *testing.T) {
	cases := []struct {
		name  string
		shape []int
		cfg   Config
	}{
		{"batch", []int{2, 3, 4, 4}, Config{}},
		{"rank", []int{3, 4}, Config{}},
		{"channels", []int{1, 4, 4, 4}, Config{}},
		{"swap gray", []int{1, 1, 4, 4}, Config{SwapChannels: true}},
		{"mean channels", []int{1, 3, 4, 4}, Config{Mean: ChannelMean(1, 2)}},
		{"mean size", []int{1, 3, 4, 4}, Config{Mean: Mean{Shape: []int{3, 4, 5}, Data: make([]float32, 60)}}},
		{"mean rank", []int{1, 3, 4, 4}, Config{Mean: Mean{Shape: []int{1, 3, 4, 4}, Data: make([]float32, 48)}}},
		{"mean short", []int{1, 3, 1, 1}, Config{Mean: Mean{Shape: []int{3, 1, 1}, Data: []float32{1}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.shape, tc.cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, errdefs.ErrConfiguration)
		})
	}
}

func TestPreprocessNil(t *testing.T) {
	tr, err := New([]int{1, 3, 1, 1}, Config{})
	require.NoError(t, err)
	_, err = tr.Preprocess(nil)
	assert.ErrorIs(t, err, errdefs.ErrInputDecode)
}

func writeNPY(t *testing.T, name string, v interface{}) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, npy.Write(f, v))
	require.NoError(t, f.Close())
	return path
}

func TestLoadMeanNPY(t *testing.T) {
	t.Run("float32", func(t *testing.T) {
		path := writeNPY(t, "mean.npy", []float32{104, 117, 123})
		m, err := FileMeanLoader{}.LoadMean(path)
		require.NoError(t, err)
		assert.Equal(t, []int{3}, m.Shape)
		assert.Equal(t, []float32{104, 117, 123}, m.Data)
	})

	t.Run("float64", func(t *testing.T) {
		path := writeNPY(t, "ilsvrc_mean.npy", []float64{1.5, 2.5})
		m, err := FileMeanLoader{}.LoadMean(path)
		require.NoError(t, err)
		assert.Equal(t, []float32{1.5, 2.5}, m.Data)
	})

	t.Run("uint8", func(t *testing.T) {
		path := writeNPY(t, "mean.npy", []uint8{7, 8, 9})
		m, err := NPYMeanLoader{}.LoadMean(path)
		require.NoError(t, err)
		assert.Equal(t, []float32{7, 8, 9}, m.Data)
	})
}

func TestLoadMeanBinaryProto(t *testing.T) {
	blob := caffe.BlobProto{
		Shape: []int64{1, 3, 1, 2},
		Data:  []float32{1, 2, 3, 4, 5, 6},
	}
	b, err := blob.MarshalBinary()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "mean.binaryproto")
	require.NoError(t, os.WriteFile(path, b, 0o644))

	m, err := FileMeanLoader{}.LoadMean(path)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, 2}, m.Shape)
	assert.Equal(t, blob.Data, m.Data)

	tr, err := New([]int{1, 3, 1, 2}, Config{Mean: m})
	require.NoError(t, err)
	assert.NotNil(t, tr)
}

func TestLoadMeanErrors(t *testing.T) {
	_, err := FileMeanLoader{}.LoadMean(filepath.Join(t.TempDir(), "missing.binaryproto"))
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	_, err = FileMeanLoader{}.LoadMean(filepath.Join(t.TempDir(), "missing.npy"))
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	short := caffe.BlobProto{Shape: []int64{3, 2, 2}, Data: []float32{1}}
	b, err := short.MarshalBinary()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "short.binaryproto")
	require.NoError(t, os.WriteFile(path, b, 0o644))
	_, err = FileMeanLoader{}.LoadMean(path)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}
