package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-featex/internal/errdefs"
	"github.com/23skdu/longbow-featex/internal/logger"
)

// Loader opens the net a command refers to.
type Loader func(ctx context.Context, cmd Command) (Net, error)

// ONNXLoader loads commands through OpenONNX.
func ONNXLoader(sharedLibrary string) Loader {
	return func(_ context.Context, cmd Command) (Net, error) {
		dev := CPU
		if cmd.GPU {
			dev = GPU
		}
		return OpenONNX(Options{
			Model:         cmd.Model,
			Weights:       cmd.Weights,
			Layers:        cmd.Layers,
			Device:        dev,
			SharedLibrary: sharedLibrary,
		})
	}
}

// FlightServer exposes nets to FlightNet clients. Loaded nets are cached per
// command until Close.
type FlightServer struct {
	flight.BaseFlightServer

	load Loader
	mem  memory.Allocator

	mu   sync.Mutex
	nets map[string]Net
}

func NewFlightServer(load Loader) *FlightServer {
	return &FlightServer{
		load: load,
		mem:  memory.DefaultAllocator,
		nets: make(map[string]Net),
	}
}

func (s *FlightServer) net(ctx context.Context, desc *flight.FlightDescriptor) (Command, Net, error) {
	cmd, err := DecodeCommand(desc)
	if err != nil {
		return cmd, nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nets[cmd.Key()]; ok {
		return cmd, n, nil
	}
	n, err := s.load(ctx, cmd)
	if err != nil {
		code := codes.Internal
		if errors.Is(err, errdefs.ErrConfiguration) {
			code = codes.NotFound
		}
		return cmd, nil, status.Error(code, err.Error())
	}
	s.nets[cmd.Key()] = n
	logger.Log.Info("net loaded", "model", cmd.Model, "layers", cmd.Layers, "gpu", cmd.GPU)
	return cmd, n, nil
}

func (s *FlightServer) schemaFor(cmd Command, n Net) (*arrow.Schema, error) {
	shapes := make(map[string][]int, len(cmd.Layers))
	for _, l := range cmd.Layers {
		shape, err := n.LayerShape(l)
		if err != nil {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		shapes[l] = shape
	}
	return netSchema(n.InputShape(), cmd.Layers, shapes), nil
}

// GetSchema loads the net and describes its input and layer shapes.
func (s *FlightServer) GetSchema(ctx context.Context, desc *flight.FlightDescriptor) (*flight.SchemaResult, error) {
	cmd, n, err := s.net(ctx, desc)
	if err != nil {
		return nil, err
	}
	schema, err := s.schemaFor(cmd, n)
	if err != nil {
		return nil, err
	}
	return &flight.SchemaResult{Schema: flight.SerializeSchema(schema, s.mem)}, nil
}

// DoExchange answers every input record with one record of layer outputs.
func (s *FlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	r, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.mem))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "read input: %v", err)
	}
	defer r.Release()

	cmd, n, err := s.net(stream.Context(), r.LatestFlightDescriptor())
	if err != nil {
		return err
	}
	full, err := s.schemaFor(cmd, n)
	if err != nil {
		return err
	}
	outSchema := arrow.NewSchema(full.Fields()[1:], nil)

	w := flight.NewRecordWriter(stream, ipc.WithSchema(outSchema), ipc.WithAllocator(s.mem))
	defer w.Close()

	for r.Next() {
		input, err := recordTensor(r.Record(), InputField)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		outs, err := n.Forward(stream.Context(), input, cmd.Layers)
		if err != nil {
			return status.Errorf(codes.Internal, "forward: %v", err)
		}
		tensors := make([]Tensor, len(cmd.Layers))
		for i, l := range cmd.Layers {
			tensors[i] = outs[l]
		}
		rec := tensorRecord(s.mem, outSchema, tensors)
		err = w.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
	return r.Err()
}

// Close releases every cached net.
func (s *FlightServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for k, n := range s.nets {
		if err := n.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.nets, k)
	}
	return first
}
