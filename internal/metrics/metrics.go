package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "featex_rows_total",
		Help: "Inputs fully processed and written to every layer",
	})

	ForwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "featex_forward_duration_seconds",
		Help:    "Duration of one forward pass",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	PreprocessDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "featex_preprocess_duration_seconds",
		Help:    "Duration of image decode and transform",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	WriteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "featex_write_duration_seconds",
		Help:    "Duration of writing one row to a layer output",
		Buckets: prometheus.DefBuckets,
	}, []string{"format"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "featex_numerical_instability_total",
		Help: "NaN/Inf values found in layer activations",
	}, []string{"layer", "type"})

	ActivationMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "featex_activation_max",
		Help: "Largest finite activation seen per layer",
	}, []string{"layer"})

	ActivationMin = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "featex_activation_min",
		Help: "Smallest finite activation seen per layer",
	}, []string{"layer"})

	WriterCloseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "featex_writer_close_errors_total",
		Help: "Output files that failed to finalize",
	})

	GroupKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "featex_group_keys",
		Help: "Distinct group keys seen in the current run",
	})

	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "featex_decode_errors_total",
		Help: "Inputs that could not be parsed or decoded",
	}, []string{"stage"})
)

var (
	rangeMu sync.Mutex
	ranges  = make(map[string][2]float32)
)

func RecordRow(preprocess, forward time.Duration) {
	RowsTotal.Inc()
	PreprocessDuration.Observe(preprocess.Seconds())
	ForwardDuration.Observe(forward.Seconds())
}

func RecordWrite(format string, d time.Duration) {
	WriteDuration.WithLabelValues(format).Observe(d.Seconds())
}

func RecordNumericalInstability(layer string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(layer, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(layer, "inf").Add(float64(infCount))
	}
}

// RecordActivationRange keeps the running extremes of a layer. The gauges are
// per process, so they span every row written so far.
func RecordActivationRange(layer string, min, max float32) {
	rangeMu.Lock()
	defer rangeMu.Unlock()
	r, ok := ranges[layer]
	if !ok {
		r = [2]float32{min, max}
	}
	if min < r[0] {
		r[0] = min
	}
	if max > r[1] {
		r[1] = max
	}
	ranges[layer] = r
	ActivationMin.WithLabelValues(layer).Set(float64(r[0]))
	ActivationMax.WithLabelValues(layer).Set(float64(r[1]))
}

func RecordGroupKeys(n int) {
	GroupKeys.Set(float64(n))
}

func RecordDecodeError(stage string) {
	DecodeErrors.WithLabelValues(stage).Inc()
}

func RecordWriterCloseError() {
	WriterCloseErrors.Inc()
}
