package engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Tensor is a dense row-major float32 array.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor allocates a zeroed tensor of the given shape.
func NewTensor(shape ...int) Tensor {
	return Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, Volume(shape))}
}

// Volume is the element count of shape. The empty shape is a scalar.
func Volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Check reports a mismatch between Shape and len(Data).
func (t Tensor) Check() error {
	for _, d := range t.Shape {
		if d <= 0 {
			return fmt.Errorf("invalid shape %v", t.Shape)
		}
	}
	if want := Volume(t.Shape); len(t.Data) != want {
		return fmt.Errorf("tensor shape %v needs %d values, has %d", t.Shape, want, len(t.Data))
	}
	return nil
}

// FormatShape renders a shape as "1,256,13,13".
func FormatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

// ParseShape is the inverse of FormatShape.
func ParseShape(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return []int{}, nil
	}
	parts := strings.Split(s, ",")
	shape := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid shape %q", s)
		}
		shape[i] = d
	}
	return shape, nil
}

// ActivationStats summarises one activation tensor.
type ActivationStats struct {
	Max  float32
	Min  float32
	Mean float32
	NaNs int
	Infs int
}

// Healthy is false when the tensor holds any NaN or Inf.
func (s ActivationStats) Healthy() bool {
	return s.NaNs == 0 && s.Infs == 0
}

// Stats scans data once. NaN and Inf values are counted and excluded from
// Max, Min and Mean.
func Stats(data []float32) ActivationStats {
	var s ActivationStats
	var sum float64
	finite := 0
	for _, v := range data {
		f := float64(v)
		switch {
		case math.IsNaN(f):
			s.NaNs++
			continue
		case math.IsInf(f, 0):
			s.Infs++
			continue
		}
		if finite == 0 || v > s.Max {
			s.Max = v
		}
		if finite == 0 || v < s.Min {
			s.Min = v
		}
		sum += f
		finite++
	}
	if finite > 0 {
		s.Mean = float32(sum / float64(finite))
	}
	return s
}
