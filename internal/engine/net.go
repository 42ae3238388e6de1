package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/23skdu/longbow-featex/internal/errdefs"
)

// Net runs forward passes and exposes named intermediate outputs.
type Net interface {
	// InputShape is the shape of the single input blob, batch dimension
	// included (e.g. 1,3,227,227).
	InputShape() []int
	// LayerShape is the shape of one forward pass's output for layer.
	LayerShape(layer string) ([]int, error)
	// Forward runs one pass and returns the requested layer outputs.
	Forward(ctx context.Context, input Tensor, layers []string) (map[string]Tensor, error)
	Close() error
}

// Device selects where the engine computes.
type Device int

const (
	CPU Device = iota
	GPU
)

func (d Device) String() string {
	if d == GPU {
		return "gpu"
	}
	return "cpu"
}

const (
	BackendONNX   = "onnx"
	BackendFlight = "flight"
)

// Options configure Open.
type Options struct {
	Backend string
	Model   string
	Weights string
	Layers  []string
	Device  Device

	// SharedLibrary is the onnxruntime library path (onnx backend).
	SharedLibrary string
	// Addr is the remote engine address (flight backend).
	Addr string
}

// Open constructs the configured backend.
func Open(ctx context.Context, opts Options) (Net, error) {
	if len(opts.Layers) == 0 {
		return nil, errdefs.Configf("no layers requested")
	}
	switch opts.Backend {
	case BackendONNX, "":
		return OpenONNX(opts)
	case BackendFlight:
		return DialFlight(ctx, opts)
	default:
		return nil, errdefs.Configf("unknown engine backend %q", opts.Backend)
	}
}

// checkReadable fails with a configuration error when path cannot be opened.
func checkReadable(kind, path string) error {
	if path == "" {
		return errdefs.Configf("%s file not given", kind)
	}
	f, err := os.Open(path)
	if err != nil {
		return errdefs.Configf("%s file: %v", kind, err)
	}
	_ = f.Close()
	return nil
}

// checkInput validates a forward-pass input against the net's input shape.
func checkInput(n Net, input Tensor) error {
	if err := input.Check(); err != nil {
		return err
	}
	want := n.InputShape()
	if Volume(want) != len(input.Data) {
		return fmt.Errorf("input has %d values, net expects shape %v", len(input.Data), want)
	}
	return nil
}
