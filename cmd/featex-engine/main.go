// Command featex-engine serves ONNX models to featex over Arrow Flight, so
// extraction can run on a machine without the model runtime or a GPU.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/23skdu/longbow-featex/internal/engine"
	"github.com/23skdu/longbow-featex/internal/logger"
	"github.com/23skdu/longbow-featex/internal/monitoring"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

// run serves until ctx is done and returns the process exit code.
func run(ctx context.Context, args []string, stderr io.Writer) int {
	_ = godotenv.Load()

	fs := pflag.NewFlagSet("featex-engine", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.String("addr", fmt.Sprintf(":%d", engine.DefaultFlightPort), "Flight listen address")
	fs.String("onnxruntime_lib", "", "path of the ONNX Runtime shared library")
	fs.String("log_level", "info", "debug, info, warn or error")
	fs.String("log_format", "console", "console or json")
	fs.String("metrics_addr", "", "serve /metrics and /healthz on this address")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	v := viper.New()
	v.SetEnvPrefix("FEATEX_ENGINE")
	v.AutomaticEnv()
	_ = v.BindPFlags(fs)

	logger.SetupWriter(stderr, v.GetString("log_level"), v.GetString("log_format"))

	if addr := v.GetString("metrics_addr"); addr != "" {
		hm := monitoring.NewHealthMonitor()
		hm.Begin(0, nil)
		if err := hm.Start(addr); err != nil {
			logger.Log.Err(err, "failed to start metrics server")
			return 1
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := hm.Stop(sctx); err != nil {
				logger.Log.Err(err, "failed to stop metrics server")
			}
		}()
	}

	svc := engine.NewFlightServer(engine.ONNXLoader(v.GetString("onnxruntime_lib")))
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Log.Err(err, "failed to release nets")
		}
	}()

	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(v.GetString("addr")); err != nil {
		logger.Log.Err(err, "failed to listen", "addr", v.GetString("addr"))
		return 1
	}
	srv.RegisterFlightService(svc)

	served := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			logger.Log.Info("interrupt received, shutting down")
			srv.Shutdown()
		case <-served:
		}
	}()

	logger.Log.Info("engine serving", "addr", srv.Addr().String())
	err := srv.Serve()
	close(served)
	if err != nil {
		logger.Log.Err(err, "flight server stopped")
		return 1
	}
	return 0
}
