package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-featex/internal/errdefs"
	"github.com/23skdu/longbow-featex/internal/logger"
)

const DefaultFlightPort = 3000

// FlightNet forwards passes to a remote engine over Arrow Flight. The net is
// described once with GetSchema; every Forward is one DoExchange round trip.
type FlightNet struct {
	client      flight.Client
	desc        *flight.FlightDescriptor
	mem         memory.Allocator
	inSchema    *arrow.Schema
	inputShape  []int
	layers      []string
	layerShapes map[string][]int
	timeout     time.Duration
}

// DialFlight connects to opts.Addr and asks the remote engine to load
// opts.Model/opts.Weights. Load failures come back as configuration errors.
func DialFlight(ctx context.Context, opts Options) (*FlightNet, error) {
	if opts.Addr == "" {
		return nil, errdefs.Configf("flight engine needs an address")
	}
	cmd := Command{
		Model:   opts.Model,
		Weights: opts.Weights,
		Layers:  append([]string(nil), opts.Layers...),
		GPU:     opts.Device == GPU,
	}
	desc, err := cmd.Descriptor()
	if err != nil {
		return nil, err
	}

	client, err := flight.NewClientWithMiddleware(opts.Addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}

	n := &FlightNet{
		client:  client,
		desc:    desc,
		mem:     memory.DefaultAllocator,
		layers:  cmd.Layers,
		timeout: 30 * time.Second,
	}
	if err := n.describe(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Log.Info("flight engine ready",
		"addr", opts.Addr,
		"model", opts.Model,
		"device", opts.Device.String(),
		"input_shape", n.inputShape,
	)
	return n, nil
}

func (n *FlightNet) describe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	res, err := n.client.GetSchema(ctx, n.desc)
	if err != nil {
		switch status.Code(err) {
		case codes.NotFound, codes.InvalidArgument, codes.FailedPrecondition:
			return errdefs.Configf("remote engine: %s", status.Convert(err).Message())
		}
		return fmt.Errorf("failed to get schema: %w", err)
	}
	schema, err := flight.DeserializeSchema(res.GetSchema(), n.mem)
	if err != nil {
		return fmt.Errorf("failed to decode schema: %w", err)
	}

	input, shapes, err := shapesFromSchema(schema)
	if err != nil {
		return err
	}
	for _, l := range n.layers {
		if _, ok := shapes[l]; !ok {
			return errdefs.Configf("remote engine did not describe layer %q", l)
		}
	}
	n.inputShape = input
	n.layerShapes = shapes
	n.inSchema = arrow.NewSchema([]arrow.Field{tensorField(InputField, input)}, nil)
	return nil
}

func (n *FlightNet) InputShape() []int {
	return append([]int(nil), n.inputShape...)
}

func (n *FlightNet) LayerShape(layer string) ([]int, error) {
	shape, ok := n.layerShapes[layer]
	if !ok {
		return nil, fmt.Errorf("unknown layer %q", layer)
	}
	return append([]int(nil), shape...), nil
}

func (n *FlightNet) Forward(ctx context.Context, input Tensor, layers []string) (map[string]Tensor, error) {
	if err := checkInput(n, input); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	stream, err := n.client.DoExchange(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open exchange: %w", err)
	}

	rec := tensorRecord(n.mem, n.inSchema, []Tensor{{Shape: n.inputShape, Data: input.Data}})
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(n.inSchema), ipc.WithAllocator(n.mem))
	w.SetFlightDescriptor(n.desc)
	if err := w.Write(rec); err != nil {
		return nil, fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("failed to close send: %w", err)
	}

	r, err := flight.NewRecordReader(stream, ipc.WithAllocator(n.mem))
	if err != nil {
		return nil, remoteError("failed to read reply", err)
	}
	defer r.Release()

	if !r.Next() {
		if err := r.Err(); err != nil && !errors.Is(err, io.EOF) {
			return nil, remoteError("failed to read reply", err)
		}
		return nil, fmt.Errorf("remote engine returned no record")
	}
	out := r.Record()

	result := make(map[string]Tensor, len(layers))
	for _, l := range layers {
		t, err := recordTensor(out, l)
		if err != nil {
			return nil, err
		}
		result[l] = t
	}
	return result, nil
}

func remoteError(msg string, err error) error {
	if s, ok := status.FromError(err); ok && s.Code() != codes.OK {
		return fmt.Errorf("%s: %s: %s", msg, s.Code(), s.Message())
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func (n *FlightNet) Close() error {
	if n.client != nil {
		err := n.client.Close()
		n.client = nil
		return err
	}
	return nil
}
