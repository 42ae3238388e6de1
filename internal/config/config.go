package config

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/23skdu/longbow-featex/internal/engine"
	"github.com/23skdu/longbow-featex/internal/errdefs"
	"github.com/23skdu/longbow-featex/internal/output"
)

// EnvPrefix prefixes environment overrides, e.g. FEATEX_OUTPUT.
const EnvPrefix = "FEATEX"

type Config struct {
	Model   string
	Weights string
	Layers  []string

	Output string
	// Flist holds the image base directory and the listfile path.
	Flist   []string
	Dataset string
	Sort    bool

	Mean     []int
	MeanFile string
	Scale    float64
	Swap     bool

	// CPUOnly defaults to true; the bare --cpuonly flag turns it off.
	CPUOnly    bool
	Sequential bool

	Format   string
	Compress bool

	Engine         string
	EngineAddr     string
	ONNXRuntimeLib string

	LogLevel    string
	LogFormat   string
	MetricsAddr string
	MetricsFile string

	// Warnings collected while loading, logged by the caller once logging
	// is set up.
	Warnings []string
}

func Default() Config {
	return Config{
		Output:    "output.h5",
		CPUOnly:   true,
		Format:    output.FormatHDF5,
		Engine:    engine.BackendONNX,
		LogLevel:  "info",
		LogFormat: "console",
	}
}

func (c *Config) ListBase() string {
	if len(c.Flist) != 2 {
		return ""
	}
	return c.Flist[0]
}

func (c *Config) Listfile() string {
	if len(c.Flist) != 2 {
		return ""
	}
	return c.Flist[1]
}

func (c *Config) Validate() error {
	if c.Model == "" || c.Weights == "" {
		return errdefs.Configf("need a model and a weights file")
	}
	if len(c.Layers) == 0 {
		return errdefs.Configf("need at least one layer")
	}
	seen := make(map[string]bool, len(c.Layers))
	for _, l := range c.Layers {
		if strings.TrimSpace(l) == "" {
			return errdefs.Configf("empty layer name")
		}
		// conv/5 and conv_5 would share an output file
		key := output.FileName("", l, "")
		if seen[key] {
			return errdefs.Configf("layer %q requested twice or maps to the same output file as another layer", l)
		}
		seen[key] = true
	}
	if c.Output == "" {
		return errdefs.Configf("invalid output: empty")
	}
	if len(c.Flist) != 0 && len(c.Flist) != 2 {
		return errdefs.Configf("invalid flist: %d values (want base folder and listfile)", len(c.Flist))
	}
	switch {
	case len(c.Flist) == 0 && c.Dataset == "":
		return errdefs.Configf("need a dataset: pass --flist or --dataset")
	case len(c.Flist) != 0 && c.Dataset != "":
		return errdefs.Configf("--flist and --dataset are mutually exclusive")
	}
	if c.Sequential && c.Dataset != "" {
		return errdefs.Configf("--sequential only applies to --flist")
	}
	if len(c.Mean) != 0 && len(c.Mean) != 3 {
		return errdefs.Configf("invalid mean: %d values (want 3 BGR values)", len(c.Mean))
	}
	if c.Scale < 0 {
		return errdefs.Configf("invalid scale: %v (must be non-negative)", c.Scale)
	}
	if _, err := output.Ext(c.Format); err != nil {
		return err
	}
	switch c.Engine {
	case engine.BackendONNX:
	case engine.BackendFlight:
		if c.EngineAddr == "" {
			return errdefs.Configf("--engine flight needs --engine_addr")
		}
	default:
		return errdefs.Configf("unknown engine %q", c.Engine)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return errdefs.Configf("invalid log_format %q (console or json)", c.LogFormat)
	}
	return nil
}

// Device maps the cpuonly switch onto an engine device.
func (c *Config) Device() engine.Device {
	if c.CPUOnly {
		return engine.CPU
	}
	return engine.GPU
}

// Flags registers every option on a new flag set.
func Flags() *pflag.FlagSet {
	d := Default()
	fs := pflag.NewFlagSet("featex", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.String("output", d.Output, "base name of the output files")
	fs.StringArray("flist", nil, "image base folder and listfile: --flist <base> <list>")
	fs.String("dataset", "", "LMDB dataset of Caffe datums")
	fs.Bool("sort", false, "sort listfile lines before processing")
	fs.IntSlice("mean", nil, "pixel mean: --mean B G R")
	fs.String("mean_file", "", "per-pixel mean in BGR (.npy or binaryproto)")
	fs.Float64("scale", 0, "raw scale applied to [0,255] pixels")
	fs.Bool("swap", false, "BGR <-> RGB")
	fs.Bool("cpuonly", d.CPUOnly, "CPU-only mode; the bare flag selects GPU")
	fs.Lookup("cpuonly").NoOptDefVal = "false"
	fs.Bool("sequential", false, "listfile lines carry a sequence key: path label key")
	fs.String("format", d.Format, "output container: h5, arrow or parquet")
	fs.Bool("compress", false, "compress arrow (zstd) or parquet (snappy) output")
	fs.String("engine", d.Engine, "inference backend: onnx or flight")
	fs.String("engine_addr", "", "address of a featex-engine server")
	fs.String("onnxruntime_lib", "", "path of the ONNX Runtime shared library")
	fs.String("log_level", d.LogLevel, "debug, info, warn or error")
	fs.String("log_format", d.LogFormat, "console or json")
	fs.String("metrics_addr", "", "serve /metrics and /healthz on this address while running")
	fs.String("metrics_file", "", "write Prometheus metrics to this file at exit")
	fs.String("config", "", "optional config file (yaml, json or toml)")
	return fs
}

// Usage prints the command synopsis and flag defaults.
func Usage(w io.Writer) {
	fmt.Fprintln(w, "usage: featex [flags] model weights layer [layer...]")
	fs := Flags()
	fs.SetOutput(w)
	fs.PrintDefaults()
}

// Load merges, from highest precedence: command line, FEATEX_* environment
// (including a .env file in the working directory), the --config file and the
// defaults.
func Load(args []string) (Config, error) {
	_ = godotenv.Load()

	fs := Flags()
	fs.SetOutput(io.Discard)
	if err := fs.Parse(expandMultiValue(args)); err != nil {
		return Config{}, errdefs.Configf("%v", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("failed to bind flags: %w", err)
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errdefs.Configf("config file %s: %v", path, err)
		}
	}

	cfg := Config{
		Output:         v.GetString("output"),
		Dataset:        v.GetString("dataset"),
		Sort:           v.GetBool("sort"),
		MeanFile:       v.GetString("mean_file"),
		Scale:          v.GetFloat64("scale"),
		Swap:           v.GetBool("swap"),
		CPUOnly:        v.GetBool("cpuonly"),
		Sequential:     v.GetBool("sequential"),
		Format:         v.GetString("format"),
		Compress:       v.GetBool("compress"),
		Engine:         v.GetString("engine"),
		EngineAddr:     v.GetString("engine_addr"),
		ONNXRuntimeLib: v.GetString("onnxruntime_lib"),
		LogLevel:       v.GetString("log_level"),
		LogFormat:      v.GetString("log_format"),
		MetricsAddr:    v.GetString("metrics_addr"),
		MetricsFile:    v.GetString("metrics_file"),
	}
	if fs.Changed("flist") {
		cfg.Flist, _ = fs.GetStringArray("flist")
	} else {
		cfg.Flist = stringList(v.Get("flist"))
	}
	mean, err := intList(v.Get("mean"))
	if err != nil {
		return Config{}, errdefs.Configf("invalid mean: %v", err)
	}
	cfg.Mean = mean

	pos := fs.Args()
	if len(pos) == 0 {
		// allow model, weights and layers in the config file
		cfg.Model = v.GetString("model")
		cfg.Weights = v.GetString("weights")
		cfg.Layers = stringList(v.Get("layers"))
	} else {
		if len(pos) < 3 {
			return Config{}, errdefs.Configf("need model, weights and at least one layer, got %d arguments", len(pos))
		}
		cfg.Model, cfg.Weights, cfg.Layers = pos[0], pos[1], pos[2:]
	}

	if fs.Changed("cpuonly") && !cfg.CPUOnly {
		cfg.Warnings = append(cfg.Warnings, "--cpuonly given: running in GPU mode")
	}
	if len(cfg.Mean) != 0 && cfg.MeanFile != "" {
		cfg.Warnings = append(cfg.Warnings, "both --mean and --mean_file given: using --mean")
		cfg.MeanFile = ""
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// multiValue flags take a fixed number of values, either repeated
// (--flist a --flist b) or as consecutive arguments (--flist a b).
var multiValue = map[string]struct {
	n     int
	value func(string) bool
}{
	"flist": {2, func(s string) bool { return !strings.HasPrefix(s, "-") }},
	"mean": {3, func(s string) bool {
		_, err := strconv.Atoi(s)
		return err == nil
	}},
}

// expandMultiValue rewrites "--flag a b" into "--flag=a --flag=b" for the
// flags in multiValue so pflag sees one value per occurrence.
func expandMultiValue(args []string) []string {
	out := make([]string, 0, len(args))
	got := make(map[string]int)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return append(out, args[i:]...)
		}
		name, val, hasVal := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		mv, ok := multiValue[name]
		if !ok || !strings.HasPrefix(arg, "--") {
			out = append(out, arg)
			continue
		}
		if !hasVal {
			if i+1 >= len(args) {
				out = append(out, arg)
				continue
			}
			i++
			val = args[i]
		}
		out = append(out, "--"+name+"="+val)
		got[name] += countValues(name, val)
		for got[name] < mv.n && i+1 < len(args) && mv.value(args[i+1]) {
			i++
			out = append(out, "--"+name+"="+args[i])
			got[name]++
		}
	}
	return out
}

// countValues reports how many values one occurrence carries; --mean also
// accepts a comma list.
func countValues(name, val string) int {
	if name == "mean" {
		return strings.Count(val, ",") + 1
	}
	return 1
}

// stringList accepts a slice from flags or config files, or a comma or space
// separated string from the environment.
func stringList(v interface{}) []string {
	var out []string
	switch x := v.(type) {
	case nil:
	case string:
		out = strings.FieldsFunc(x, func(r rune) bool { return r == ',' || r == ' ' })
	case []string:
		out = append(out, x...)
	case []interface{}:
		for _, e := range x {
			out = append(out, fmt.Sprint(e))
		}
	default:
		out = []string{fmt.Sprint(x)}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func intList(v interface{}) ([]int, error) {
	switch x := v.(type) {
	case []int:
		if len(x) == 0 {
			return nil, nil
		}
		return append([]int(nil), x...), nil
	}
	var out []int
	for _, s := range stringList(v) {
		s = strings.Trim(s, "[]")
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
