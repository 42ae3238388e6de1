// Package pipeline drives an extraction run: enumerate inputs, preprocess,
// forward, then write each requested layer's activation with the label and
// group index of its input.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/23skdu/longbow-featex/internal/engine"
	"github.com/23skdu/longbow-featex/internal/errdefs"
	"github.com/23skdu/longbow-featex/internal/imageio"
	"github.com/23skdu/longbow-featex/internal/input"
	"github.com/23skdu/longbow-featex/internal/logger"
	"github.com/23skdu/longbow-featex/internal/metrics"
	"github.com/23skdu/longbow-featex/internal/output"
	"github.com/23skdu/longbow-featex/internal/seqindex"
)

const DefaultProgressEvery = 1000

// Preprocessor turns a decoded image into the network input.
type Preprocessor interface {
	Preprocess(img image.Image) (engine.Tensor, error)
}

// Observer follows a run. monitoring.HealthMonitor implements it.
type Observer interface {
	Begin(total int, layers []string)
	Row(row int, d time.Duration)
	Groups(n int)
	Instability(layer string, row, nans, infs int)
	Finalizing()
	Finish(err error)
}

// OpenWriterFunc matches output.Open.
type OpenWriterFunc func(format, path string, rows int, shape []int, opts output.Options) (output.Writer, error)

// DecodeFunc loads the image of a record.
type DecodeFunc func(rec input.Record) (image.Image, error)

type Options struct {
	Layers []string
	// Output is the base path; files are named by output.FileName.
	Output   string
	Format   string
	Compress bool
	// ProgressEvery logs progress on rows 0, n, 2n, ...
	ProgressEvery int
}

type Pipeline struct {
	Source       input.Source
	Net          engine.Net
	Preprocessor Preprocessor
	Options      Options

	// Optional collaborators.
	Decode     DecodeFunc
	OpenWriter OpenWriterFunc
	Observer   Observer
}

// Summary describes a finished run.
type Summary struct {
	Rows     int
	Groups   int
	Files    []string
	Duration time.Duration
}

// DecodeRecord reads a record's image from its datum or its path.
func DecodeRecord(rec input.Record) (image.Image, error) {
	if rec.Datum != nil {
		return imageio.FromDatum(rec.Datum)
	}
	return imageio.Open(rec.Path)
}

// run is the state of one Run call.
type run struct {
	p       *Pipeline
	log     *logger.Logger
	obs     Observer
	decode  DecodeFunc
	groups  *seqindex.Indexer
	writers []output.Writer
	total   int
	rows    int
}

// Run processes every record of the source. Writers are closed on every
// return path; close failures are joined into the returned error.
func (p *Pipeline) Run(ctx context.Context) (sum Summary, err error) {
	if p.Source == nil || p.Net == nil || p.Preprocessor == nil {
		return sum, errors.New("pipeline needs a source, a net and a preprocessor")
	}
	if len(p.Options.Layers) == 0 {
		return sum, errdefs.Configf("no layers requested")
	}

	start := time.Now()
	r := &run{
		p:      p,
		log:    logger.Log.With("component", "pipeline"),
		obs:    p.Observer,
		decode: p.Decode,
		groups: seqindex.New(),
		total:  p.Source.Len(),
	}
	if r.obs == nil {
		r.obs = nopObserver{}
	}
	if r.decode == nil {
		r.decode = DecodeRecord
	}

	defer func() {
		r.obs.Finalizing()
		if cerr := output.CloseAll(r.writers); cerr != nil {
			err = errors.Join(err, cerr)
		}
		sum.Rows = r.rows
		sum.Groups = r.groups.Len()
		sum.Duration = time.Since(start)
		r.obs.Finish(err)
	}()

	if err = r.openWriters(); err != nil {
		return sum, err
	}
	for _, w := range r.writers {
		sum.Files = append(sum.Files, w.Path())
	}
	r.obs.Begin(r.total, p.Options.Layers)
	r.log.Info("extraction started",
		"inputs", r.total,
		"layers", p.Options.Layers,
		"format", p.Options.Format,
	)

	if err = r.loop(ctx); err != nil {
		return sum, err
	}
	r.log.Info("extraction finished",
		"rows", r.rows,
		"groups", r.groups.Len(),
		"elapsed", time.Since(start).String(),
	)
	return sum, nil
}

func (r *run) openWriters() error {
	opts := r.p.Options
	ext, err := output.Ext(opts.Format)
	if err != nil {
		return err
	}
	open := r.p.OpenWriter
	if open == nil {
		open = output.Open
	}
	paths := make(map[string]string, len(opts.Layers))
	for _, layer := range opts.Layers {
		path := output.FileName(opts.Output, layer, ext)
		if prev, ok := paths[path]; ok {
			return errdefs.Configf("layers %q and %q both write %s", prev, layer, path)
		}
		paths[path] = layer
	}
	for _, layer := range opts.Layers {
		shape, err := r.p.Net.LayerShape(layer)
		if err != nil {
			return errdefs.Configf("layer %q: %v", layer, err)
		}
		path := output.FileName(opts.Output, layer, ext)
		w, err := open(opts.Format, path, r.total, shape, output.Options{Compress: opts.Compress})
		if err != nil {
			return fmt.Errorf("failed to open output for layer %s: %w", layer, err)
		}
		r.writers = append(r.writers, w)
		r.log.Debug("output opened", "layer", layer, "path", path, "shape", shape)
	}
	return nil
}

func (r *run) loop(ctx context.Context) error {
	every := r.p.Options.ProgressEvery
	if every <= 0 {
		every = DefaultProgressEvery
	}
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("stopped after %d of %d rows: %w", r.rows, r.total, err)
		}
		rec, err := r.p.Source.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			metrics.RecordDecodeError("input")
			return fmt.Errorf("row %d: %w", i, err)
		}
		if i >= r.total {
			return fmt.Errorf("source produced more than the %d records it announced", r.total)
		}
		if i%every == 0 {
			r.log.Info("processing image", "row", i, "total", r.total)
		}
		if err := r.process(ctx, i, rec); err != nil {
			return err
		}
		r.rows = i + 1
	}
	if r.rows != r.total {
		return fmt.Errorf("source ended after %d of %d records", r.rows, r.total)
	}
	return nil
}

func (r *run) process(ctx context.Context, i int, rec input.Record) error {
	rowStart := time.Now()
	img, err := r.decode(rec)
	if err != nil {
		metrics.RecordDecodeError("image")
		return fmt.Errorf("row %d (%s): %w", i, rec.Ref, err)
	}
	in, err := r.p.Preprocessor.Preprocess(img)
	if err != nil {
		metrics.RecordDecodeError("preprocess")
		return fmt.Errorf("row %d (%s): %w", i, rec.Ref, err)
	}
	preprocessed := time.Since(rowStart)

	fwdStart := time.Now()
	outs, err := r.p.Net.Forward(ctx, in, r.p.Options.Layers)
	if err != nil {
		return fmt.Errorf("row %d (%s): forward: %w", i, rec.Ref, err)
	}
	forward := time.Since(fwdStart)

	group := r.group(rec)
	for j, layer := range r.p.Options.Layers {
		act, ok := outs[layer]
		if !ok {
			return fmt.Errorf("row %d: engine returned no output for layer %s", i, layer)
		}
		r.inspect(i, layer, act)
		writeStart := time.Now()
		if err := r.writers[j].WriteRow(i, act.Data, rec.Label, group); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		metrics.RecordWrite(r.p.Options.Format, time.Since(writeStart))
	}

	metrics.RecordRow(preprocessed, forward)
	r.obs.Row(i, time.Since(rowStart))
	return nil
}

// group returns the sequence index of rec, or seqindex.NoGroup.
func (r *run) group(rec input.Record) int32 {
	if !rec.HasGroup {
		return seqindex.NoGroup
	}
	idx, isNew := r.groups.Resolve(rec.Group)
	if isNew {
		r.log.Debug("new sequence", "key", rec.Group, "seq_number", idx)
		metrics.RecordGroupKeys(r.groups.Len())
		r.obs.Groups(r.groups.Len())
	}
	return int32(idx)
}

// inspect flags NaN/Inf activations. They are written as produced.
func (r *run) inspect(row int, layer string, act engine.Tensor) {
	st := engine.Stats(act.Data)
	if !st.Healthy() {
		r.log.Warn("numerical instability in activation",
			"layer", layer,
			"row", row,
			"nan", st.NaNs,
			"inf", st.Infs,
		)
		metrics.RecordNumericalInstability(layer, st.NaNs, st.Infs)
		r.obs.Instability(layer, row, st.NaNs, st.Infs)
	}
	if st.NaNs+st.Infs < len(act.Data) {
		metrics.RecordActivationRange(layer, st.Min, st.Max)
	}
}

type nopObserver struct{}

func (nopObserver) Begin(int, []string) {}
func (nopObserver) Row(int, time.Duration) {}
func (nopObserver) Groups(int) {}
func (nopObserver) Instability(string, int, int, int) {}
func (nopObserver) Finalizing() {}
func (nopObserver) Finish(error) {}
