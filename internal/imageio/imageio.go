// Package imageio decodes input images from disk or from Caffe datums.
package imageio

import (
	"bytes"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/23skdu/longbow-featex/internal/caffe"
	"github.com/23skdu/longbow-featex/internal/errdefs"
)

// Open decodes the image file at path.
func Open(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errdefs.Decodef("%v", err)
	}
	defer func() {
		_ = f.Close()
	}()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errdefs.Decodef("decode %s: %v", path, err)
	}
	return img, nil
}

// Decode decodes an in-memory image file.
func Decode(b []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, errdefs.Decodef("decode: %v", err)
	}
	return img, nil
}

// FromDatum returns the image held by d. Raw datums are CHW bytes in BGR
// channel order; one-channel datums become grayscale images.
func FromDatum(d *caffe.Datum) (image.Image, error) {
	if d.Encoded {
		return Decode(d.Data)
	}
	if err := d.Validate(); err != nil {
		return nil, errdefs.Decodef("%v", err)
	}

	h, w := d.Height, d.Width
	plane := h * w
	at := func(c, i int) uint8 {
		if len(d.Data) > 0 {
			return d.Data[c*plane+i]
		}
		return clamp8(d.FloatData[c*plane+i])
	}

	switch d.Channels {
	case 1:
		img := image.NewGray(image.Rect(0, 0, w, h))
		for i := 0; i < plane; i++ {
			img.Pix[i] = at(0, i)
		}
		return img, nil
	case 3:
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for i := 0; i < plane; i++ {
			img.Pix[4*i+0] = at(2, i)
			img.Pix[4*i+1] = at(1, i)
			img.Pix[4*i+2] = at(0, i)
			img.Pix[4*i+3] = 0xff
		}
		return img, nil
	default:
		return nil, errdefs.Decodef("datum has %d channels, want 1 or 3", d.Channels)
	}
}

func clamp8(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}

// BGR returns the pixel at (x, y) as 8-bit blue, green, red.
func BGR(img image.Image, x, y int) (b, g, r uint8) {
	c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
	return c.B, c.G, c.R
}

// Size reports width and height.
func Size(img image.Image) (int, int) {
	b := img.Bounds()
	return b.Dx(), b.Dy()
}
