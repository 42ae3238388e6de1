package engine

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/23skdu/longbow-featex/internal/errdefs"
	"github.com/23skdu/longbow-featex/internal/logger"
)

var ortEnv struct {
	sync.Mutex
	refs int
}

func acquireORT(lib string) error {
	ortEnv.Lock()
	defer ortEnv.Unlock()
	if ortEnv.refs == 0 && !ort.IsInitialized() {
		if lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return errdefs.Configf("onnxruntime: %v", err)
		}
	}
	ortEnv.refs++
	return nil
}

func releaseORT() error {
	ortEnv.Lock()
	defer ortEnv.Unlock()
	ortEnv.refs--
	if ortEnv.refs == 0 && ort.IsInitialized() {
		return ort.DestroyEnvironment()
	}
	return nil
}

// ONNXNet runs an ONNX graph through ONNX Runtime. Every requested layer must
// be a graph output; the session is bound to exactly those outputs.
type ONNXNet struct {
	session     *ort.DynamicAdvancedSession
	inputName   string
	inputShape  []int
	layers      []string
	layerShapes map[string][]int
}

// OpenONNX loads opts.Model. opts.Weights names the external-data file the
// graph references and may equal opts.Model for self-contained graphs.
func OpenONNX(opts Options) (*ONNXNet, error) {
	if err := checkReadable("model", opts.Model); err != nil {
		return nil, err
	}
	if err := checkReadable("weights", opts.Weights); err != nil {
		return nil, err
	}
	if err := acquireORT(opts.SharedLibrary); err != nil {
		return nil, err
	}

	n, err := openONNX(opts)
	if err != nil {
		_ = releaseORT()
		return nil, err
	}
	return n, nil
}

func openONNX(opts Options) (*ONNXNet, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(opts.Model)
	if err != nil {
		return nil, errdefs.Configf("read model %s: %v", opts.Model, err)
	}
	if len(inputs) != 1 {
		return nil, errdefs.Configf("model has %d inputs, want 1", len(inputs))
	}

	n := &ONNXNet{
		inputName:   inputs[0].Name,
		layers:      append([]string(nil), opts.Layers...),
		layerShapes: make(map[string][]int, len(opts.Layers)),
	}
	if n.inputShape, err = staticShape(inputs[0].Dimensions); err != nil {
		return nil, errdefs.Configf("input %q: %v", n.inputName, err)
	}

	byName := make(map[string]ort.InputOutputInfo, len(outputs))
	for _, o := range outputs {
		byName[o.Name] = o
	}
	for _, layer := range opts.Layers {
		info, ok := byName[layer]
		if !ok {
			return nil, errdefs.Configf("layer %q is not an output of %s", layer, opts.Model)
		}
		if info.DataType != ort.TensorElementDataTypeFloat {
			return nil, errdefs.Configf("layer %q has element type %v, want float", layer, info.DataType)
		}
		shape, err := staticShape(info.Dimensions)
		if err != nil {
			return nil, errdefs.Configf("layer %q: %v", layer, err)
		}
		n.layerShapes[layer] = shape
	}

	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer func() {
		_ = sessOpts.Destroy()
	}()

	if opts.Device == GPU {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, errdefs.Configf("cuda provider: %v", err)
		}
		defer func() {
			_ = cuda.Destroy()
		}()
		if err := sessOpts.AppendExecutionProviderCUDA(cuda); err != nil {
			return nil, errdefs.Configf("cuda provider: %v", err)
		}
	}

	n.session, err = ort.NewDynamicAdvancedSession(opts.Model, []string{n.inputName}, n.layers, sessOpts)
	if err != nil {
		return nil, errdefs.Configf("load %s: %v", opts.Model, err)
	}

	logger.Log.Info("onnx engine ready",
		"model", opts.Model,
		"device", opts.Device.String(),
		"input", n.inputName,
		"input_shape", n.inputShape,
	)
	return n, nil
}

// staticShape converts ONNX dimensions, pinning a dynamic batch dimension to 1.
func staticShape(dims ort.Shape) ([]int, error) {
	shape := make([]int, len(dims))
	for i, d := range dims {
		switch {
		case d > 0:
			shape[i] = int(d)
		case i == 0:
			shape[i] = 1
		default:
			return nil, fmt.Errorf("dynamic dimension %d in %v", i, dims)
		}
	}
	return shape, nil
}

func (n *ONNXNet) InputShape() []int {
	return append([]int(nil), n.inputShape...)
}

func (n *ONNXNet) LayerShape(layer string) ([]int, error) {
	shape, ok := n.layerShapes[layer]
	if !ok {
		return nil, fmt.Errorf("unknown layer %q", layer)
	}
	return append([]int(nil), shape...), nil
}

func (n *ONNXNet) Forward(ctx context.Context, input Tensor, layers []string) (map[string]Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkInput(n, input); err != nil {
		return nil, err
	}

	dims := make([]int64, len(n.inputShape))
	for i, d := range n.inputShape {
		dims[i] = int64(d)
	}
	in, err := ort.NewTensor(ort.NewShape(dims...), input.Data)
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	defer func() {
		_ = in.Destroy()
	}()

	outs := make([]ort.Value, len(n.layers))
	if err := n.session.Run([]ort.Value{in}, outs); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}
	defer func() {
		for _, v := range outs {
			if v != nil {
				_ = v.Destroy()
			}
		}
	}()

	all := make(map[string]Tensor, len(outs))
	for i, v := range outs {
		t, ok := v.(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("layer %q: unexpected output value %T", n.layers[i], v)
		}
		shape := make([]int, 0, len(t.GetShape()))
		for _, d := range t.GetShape() {
			shape = append(shape, int(d))
		}
		data := t.GetData()
		all[n.layers[i]] = Tensor{Shape: shape, Data: append([]float32(nil), data...)}
	}

	result := make(map[string]Tensor, len(layers))
	for _, layer := range layers {
		t, ok := all[layer]
		if !ok {
			return nil, fmt.Errorf("layer %q was not requested at load time", layer)
		}
		result[layer] = t
	}
	return result, nil
}

func (n *ONNXNet) Close() error {
	var err error
	if n.session != nil {
		err = n.session.Destroy()
		n.session = nil
		if rerr := releaseORT(); err == nil {
			err = rerr
		}
	}
	return err
}
