package engine

import (
	"encoding/json"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const (
	// InputField names the column that carries the network input.
	InputField = "data"
	// ShapeKey is the field metadata key holding a tensor's shape.
	ShapeKey = "featex.shape"
)

// Command is the flight descriptor payload identifying a net on the remote
// engine.
type Command struct {
	Model   string   `json:"model"`
	Weights string   `json:"weights"`
	Layers  []string `json:"layers"`
	GPU     bool     `json:"gpu,omitempty"`
}

func (c Command) Descriptor() (*flight.FlightDescriptor, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return &flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: b}, nil
}

// Key identifies the command for caching loaded nets.
func (c Command) Key() string {
	b, _ := json.Marshal(c)
	return string(b)
}

// DecodeCommand parses a descriptor built by Command.Descriptor.
func DecodeCommand(desc *flight.FlightDescriptor) (Command, error) {
	var c Command
	if desc == nil || desc.Type != flight.DescriptorCMD {
		return c, fmt.Errorf("want a command descriptor")
	}
	if err := json.Unmarshal(desc.Cmd, &c); err != nil {
		return c, fmt.Errorf("decode command: %w", err)
	}
	if c.Model == "" || len(c.Layers) == 0 {
		return c, fmt.Errorf("command needs a model and at least one layer")
	}
	return c, nil
}

// tensorField is a one-row list<float32> column carrying shape metadata.
func tensorField(name string, shape []int) arrow.Field {
	return arrow.Field{
		Name:     name,
		Type:     arrow.ListOf(arrow.PrimitiveTypes.Float32),
		Nullable: false,
		Metadata: arrow.NewMetadata([]string{ShapeKey}, []string{FormatShape(shape)}),
	}
}

func fieldShape(f arrow.Field) ([]int, error) {
	idx := f.Metadata.FindKey(ShapeKey)
	if idx < 0 {
		return nil, fmt.Errorf("field %q has no shape metadata", f.Name)
	}
	return ParseShape(f.Metadata.Values()[idx])
}

// netSchema describes a net: its input column followed by one column per layer.
func netSchema(input []int, layers []string, shapes map[string][]int) *arrow.Schema {
	fields := make([]arrow.Field, 0, len(layers)+1)
	fields = append(fields, tensorField(InputField, input))
	for _, l := range layers {
		fields = append(fields, tensorField(l, shapes[l]))
	}
	return arrow.NewSchema(fields, nil)
}

// shapesFromSchema is the inverse of netSchema.
func shapesFromSchema(s *arrow.Schema) (input []int, layers map[string][]int, err error) {
	layers = make(map[string][]int, s.NumFields())
	for _, f := range s.Fields() {
		shape, err := fieldShape(f)
		if err != nil {
			return nil, nil, err
		}
		if f.Name == InputField && input == nil {
			input = shape
			continue
		}
		layers[f.Name] = shape
	}
	if input == nil {
		return nil, nil, fmt.Errorf("schema has no %q field", InputField)
	}
	return input, layers, nil
}

// tensorRecord packs one tensor per schema field into a single-row record.
func tensorRecord(mem memory.Allocator, schema *arrow.Schema, tensors []Tensor) arrow.Record {
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	for i, t := range tensors {
		lb := b.Field(i).(*array.ListBuilder)
		lb.Append(true)
		lb.ValueBuilder().(*array.Float32Builder).AppendValues(t.Data, nil)
	}
	return b.NewRecord()
}

// recordTensor reads the named column of a single-row record.
func recordTensor(rec arrow.Record, name string) (Tensor, error) {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return Tensor{}, fmt.Errorf("record has no column %q", name)
	}
	shape, err := fieldShape(rec.Schema().Field(idx[0]))
	if err != nil {
		return Tensor{}, err
	}
	col, ok := rec.Column(idx[0]).(*array.List)
	if !ok || col.Len() != 1 {
		return Tensor{}, fmt.Errorf("column %q: want one list<float32> row", name)
	}
	values, ok := col.ListValues().(*array.Float32)
	if !ok {
		return Tensor{}, fmt.Errorf("column %q: want float32 values", name)
	}
	start, end := col.ValueOffsets(0)
	t := Tensor{Shape: shape, Data: append([]float32(nil), values.Float32Values()[start:end]...)}
	if err := t.Check(); err != nil {
		return Tensor{}, fmt.Errorf("column %q: %w", name, err)
	}
	return t, nil
}
