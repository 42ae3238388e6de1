package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/23skdu/longbow-featex/internal/config"
	"github.com/23skdu/longbow-featex/internal/engine"
	"github.com/23skdu/longbow-featex/internal/errdefs"
	"github.com/23skdu/longbow-featex/internal/input"
	"github.com/23skdu/longbow-featex/internal/logger"
	"github.com/23skdu/longbow-featex/internal/metrics"
	"github.com/23skdu/longbow-featex/internal/monitoring"
	"github.com/23skdu/longbow-featex/internal/pipeline"
	"github.com/23skdu/longbow-featex/internal/transform"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one extraction and returns the process exit code.
func run(ctx context.Context, args []string, stderr io.Writer) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(stderr, "featex: %v\n", err)
		config.Usage(stderr)
		return errdefs.ExitCode(err)
	}
	logger.SetupWriter(stderr, cfg.LogLevel, cfg.LogFormat)
	for _, w := range cfg.Warnings {
		logger.Log.Warn(w)
	}

	hm := monitoring.NewHealthMonitor()
	if cfg.MetricsAddr != "" {
		if err := hm.Start(cfg.MetricsAddr); err != nil {
			logger.Log.Err(err, "failed to start metrics server")
			return 1
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = hm.Stop(sctx)
		}()
	}
	if cfg.MetricsFile != "" {
		defer func() {
			if err := metrics.WriteTextfile(cfg.MetricsFile); err != nil {
				logger.Log.Err(err, "failed to write metrics file")
			}
		}()
	}

	sum, err := extract(ctx, cfg, hm)
	if err != nil {
		logger.Log.Err(err, "extraction failed", "rows", sum.Rows)
		return errdefs.ExitCode(err)
	}
	logger.Log.Info("done",
		"rows", sum.Rows,
		"groups", sum.Groups,
		"files", sum.Files,
		"elapsed", sum.Duration.String(),
	)
	return 0
}

func extract(ctx context.Context, cfg config.Config, obs pipeline.Observer) (pipeline.Summary, error) {
	src, err := openSource(cfg)
	if err != nil {
		return pipeline.Summary{}, err
	}
	defer func() {
		_ = src.Close()
	}()

	net, err := engine.Open(ctx, engine.Options{
		Backend:       cfg.Engine,
		Model:         cfg.Model,
		Weights:       cfg.Weights,
		Layers:        cfg.Layers,
		Device:        cfg.Device(),
		SharedLibrary: cfg.ONNXRuntimeLib,
		Addr:          cfg.EngineAddr,
	})
	if err != nil {
		return pipeline.Summary{}, err
	}
	defer func() {
		if err := net.Close(); err != nil {
			logger.Log.Err(err, "failed to close engine")
		}
	}()

	mean, err := loadMean(cfg)
	if err != nil {
		return pipeline.Summary{}, err
	}
	tr, err := transform.New(net.InputShape(), transform.Config{
		Mean:         mean,
		RawScale:     float32(cfg.Scale),
		SwapChannels: cfg.Swap,
	})
	if err != nil {
		return pipeline.Summary{}, err
	}

	p := &pipeline.Pipeline{
		Source:       src,
		Net:          net,
		Preprocessor: tr,
		Observer:     obs,
		Options: pipeline.Options{
			Layers:   cfg.Layers,
			Output:   cfg.Output,
			Format:   cfg.Format,
			Compress: cfg.Compress,
		},
	}
	return p.Run(ctx)
}

func openSource(cfg config.Config) (input.Source, error) {
	if cfg.Dataset != "" {
		return input.OpenLMDB(cfg.Dataset)
	}
	return input.OpenListfile(cfg.Listfile(), input.ListfileOptions{
		BaseDir:    cfg.ListBase(),
		Sort:       cfg.Sort,
		Sequential: cfg.Sequential,
	})
}

func loadMean(cfg config.Config) (transform.Mean, error) {
	switch {
	case len(cfg.Mean) > 0:
		values := make([]float32, len(cfg.Mean))
		for i, v := range cfg.Mean {
			values[i] = float32(v)
		}
		return transform.ChannelMean(values...), nil
	case cfg.MeanFile != "":
		return transform.FileMeanLoader{}.LoadMean(cfg.MeanFile)
	}
	return transform.Mean{}, nil
}
