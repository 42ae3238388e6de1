// Package transform turns decoded images into network input tensors the way
// Caffe's python Transformer does for an OpenCV-loaded image: resize to the
// input size, HWC -> CHW, optional channel swap, raw scale, then mean
// subtraction.
package transform

import (
	"image"

	"golang.org/x/image/draw"

	"github.com/23skdu/longbow-featex/internal/engine"
	"github.com/23skdu/longbow-featex/internal/errdefs"
	"github.com/23skdu/longbow-featex/internal/imageio"
)

// Config holds the preprocessing parameters.
type Config struct {
	// Mean is optional; a zero Mean subtracts nothing.
	Mean Mean
	// RawScale multiplies pixel values in [0,255]; zero means 1.
	RawScale float32
	// SwapChannels reverses channel order (BGR <-> RGB).
	SwapChannels bool
	// Interpolator resizes images that do not match the input size.
	// Defaults to bilinear.
	Interpolator draw.Interpolator
}

// Transformer is immutable once built.
type Transformer struct {
	shape  []int // 1,C,H,W
	c, h, w int
	mean   []float32 // C or C*H*W values, nil for none
	perC   bool
	scale  float32
	swap   bool
	interp draw.Interpolator
}

// New validates cfg against the input shape (N,C,H,W or C,H,W).
func New(inputShape []int, cfg Config) (*Transformer, error) {
	shape := append([]int(nil), inputShape...)
	if len(shape) == 3 {
		shape = append([]int{1}, shape...)
	}
	if len(shape) != 4 || shape[0] != 1 {
		return nil, errdefs.Configf("input shape %v: want 1,C,H,W", inputShape)
	}
	c, h, w := shape[1], shape[2], shape[3]
	if c != 1 && c != 3 {
		return nil, errdefs.Configf("input has %d channels, want 1 or 3", c)
	}
	if h <= 0 || w <= 0 {
		return nil, errdefs.Configf("input shape %v: invalid spatial size", inputShape)
	}

	t := &Transformer{
		shape:  shape,
		c:      c,
		h:      h,
		w:      w,
		scale:  cfg.RawScale,
		swap:   cfg.SwapChannels,
		interp: cfg.Interpolator,
	}
	if t.scale == 0 {
		t.scale = 1
	}
	if t.interp == nil {
		t.interp = draw.BiLinear
	}
	if t.swap && c != 3 {
		return nil, errdefs.Configf("channel swap needs 3 channels, input has %d", c)
	}
	if err := t.setMean(cfg.Mean); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Transformer) setMean(m Mean) error {
	if len(m.Data) == 0 {
		return nil
	}
	ms := m.Shape
	switch len(ms) {
	case 1:
		if ms[0] != t.c || len(m.Data) != t.c {
			return errdefs.Configf("mean channels %v incompatible with input %v", ms, t.shape)
		}
		t.mean = append([]float32(nil), m.Data...)
		t.perC = true
		return nil
	case 2:
		ms = append([]int{1}, ms...)
	case 3:
	default:
		return errdefs.Configf("mean shape %v invalid", m.Shape)
	}
	if ms[0] != t.c || ms[1] != t.h || ms[2] != t.w || len(m.Data) != t.c*t.h*t.w {
		return errdefs.Configf("mean shape %v incompatible with input shape %v", m.Shape, t.shape)
	}
	t.mean = append([]float32(nil), m.Data...)
	return nil
}

// InputShape is the tensor shape Preprocess produces.
func (t *Transformer) InputShape() []int {
	return append([]int(nil), t.shape...)
}

// Preprocess converts img into a 1,C,H,W tensor.
func (t *Transformer) Preprocess(img image.Image) (engine.Tensor, error) {
	if img == nil {
		return engine.Tensor{}, errdefs.Decodef("nil image")
	}
	if w, h := imageio.Size(img); w != t.w || h != t.h {
		if w == 0 || h == 0 {
			return engine.Tensor{}, errdefs.Decodef("empty image")
		}
		dst := image.NewNRGBA(image.Rect(0, 0, t.w, t.h))
		t.interp.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
		img = dst
	}

	out := engine.NewTensor(t.shape...)
	plane := t.h * t.w
	origin := img.Bounds().Min
	for y := 0; y < t.h; y++ {
		for x := 0; x < t.w; x++ {
			b, g, r := imageio.BGR(img, origin.X+x, origin.Y+y)
			i := y*t.w + x
			if t.c == 1 {
				out.Data[i] = luma(b, g, r)
				continue
			}
			px := [3]float32{float32(b), float32(g), float32(r)}
			if t.swap {
				px[0], px[2] = px[2], px[0]
			}
			for c := 0; c < 3; c++ {
				out.Data[c*plane+i] = px[c]
			}
		}
	}

	for c := 0; c < t.c; c++ {
		for i := 0; i < plane; i++ {
			j := c*plane + i
			v := out.Data[j] * t.scale
			switch {
			case t.mean == nil:
			case t.perC:
				v -= t.mean[c]
			default:
				v -= t.mean[j]
			}
			out.Data[j] = v
		}
	}
	return out, nil
}

// luma follows OpenCV's BGR2GRAY weights.
func luma(b, g, r uint8) float32 {
	return 0.114*float32(b) + 0.587*float32(g) + 0.299*float32(r)
}
