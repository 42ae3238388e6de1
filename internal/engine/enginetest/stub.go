// Package enginetest provides a deterministic in-memory engine.Net for tests.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/23skdu/longbow-featex/internal/engine"
)

// StubNet computes each layer as a fixed function of the input so outputs
// are predictable:
//
//	"sum"    -> [1,1]  sum of all input values
//	"double" -> input shape, every value times two
//	"head/N" -> [1,N]  the first N input values
//
// Any other layer name yields a [1,2] tensor holding {sum, call index}.
type StubNet struct {
	Input []int

	// FailAt makes Forward fail on that call number (1-based) when non-zero.
	FailAt int

	mu     sync.Mutex
	calls  int
	closed bool
}

func New(input ...int) *StubNet {
	return &StubNet{Input: input}
}

func (s *StubNet) InputShape() []int {
	return append([]int(nil), s.Input...)
}

func (s *StubNet) LayerShape(layer string) ([]int, error) {
	switch {
	case layer == "sum":
		return []int{1, 1}, nil
	case layer == "double":
		return s.InputShape(), nil
	case len(layer) > 5 && layer[:5] == "head/":
		var n int
		if _, err := fmt.Sscanf(layer[5:], "%d", &n); err != nil || n <= 0 {
			return nil, fmt.Errorf("bad head layer %q", layer)
		}
		return []int{1, n}, nil
	default:
		return []int{1, 2}, nil
	}
}

func (s *StubNet) Forward(ctx context.Context, input engine.Tensor, layers []string) (map[string]engine.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	if s.FailAt > 0 && call == s.FailAt {
		return nil, fmt.Errorf("stub forward failure on call %d", call)
	}
	if len(input.Data) != engine.Volume(s.Input) {
		return nil, fmt.Errorf("input has %d values, want %d", len(input.Data), engine.Volume(s.Input))
	}

	var sum float32
	for _, v := range input.Data {
		sum += v
	}

	out := make(map[string]engine.Tensor, len(layers))
	for _, layer := range layers {
		shape, err := s.LayerShape(layer)
		if err != nil {
			return nil, err
		}
		t := engine.NewTensor(shape...)
		switch {
		case layer == "sum":
			t.Data[0] = sum
		case layer == "double":
			for i, v := range input.Data {
				t.Data[i] = 2 * v
			}
		case len(layer) > 5 && layer[:5] == "head/":
			copy(t.Data, input.Data)
		default:
			t.Data[0], t.Data[1] = sum, float32(call)
		}
		out[layer] = t
	}
	return out, nil
}

// Calls reports how many forward passes ran.
func (s *StubNet) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *StubNet) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *StubNet) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
