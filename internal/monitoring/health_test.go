package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusLifecycle(t *testing.T) {
	hm := NewHealthMonitor()
	assert.Equal(t, PhaseStarting, hm.Status().Phase)

	hm.Begin(3, []string{"conv1", "fc7"})
	hm.Row(0, 10*time.Millisecond)
	hm.Row(1, 30*time.Millisecond)
	hm.Groups(2)

	st := hm.Status()
	assert.Equal(t, "healthy", st.Status)
	assert.Equal(t, PhaseRunning, st.Phase)
	assert.Equal(t, 2, st.Run.Rows)
	assert.Equal(t, 3, st.Run.Total)
	assert.Equal(t, 2, st.Run.Groups)
	assert.Equal(t, []string{"conv1", "fc7"}, st.Run.Layers)
	assert.InDelta(t, 20, st.Performance.AvgLatencyMs, 0.01)
	assert.InDelta(t, 30, st.Performance.P95LatencyMs, 0.01)
	assert.InDelta(t, 50, st.Performance.RowsPerSecond, 0.01)

	hm.Finalizing()
	assert.Equal(t, PhaseFinalizing, hm.Status().Phase)
	hm.Finish(nil)
	assert.Equal(t, PhaseDone, hm.Status().Phase)
}

func TestStatusFailure(t *testing.T) {
	hm := NewHealthMonitor()
	hm.Begin(1, []string{"fc7"})
	hm.Finish(errors.New("forward failed"))

	st := hm.Status()
	assert.Equal(t, "critical", st.Status)
	assert.Equal(t, PhaseFailed, st.Phase)
	assert.Equal(t, "forward failed", st.Run.Error)
}

func TestAlerts(t *testing.T) {
	hm := NewHealthMonitor()
	hm.Instability("fc7", 4, 2, 1)
	hm.Row(0, 6*time.Second)

	st := hm.Status()
	require.Len(t, st.Alerts, 2)
	assert.Equal(t, 1, st.Run.NaNAlerts)
	assert.Contains(t, st.Alerts[0].Message, "2 NaN")
	assert.Equal(t, "healthy", st.Status)

	hm.AddAlert("error", "output", "disk full")
	assert.Equal(t, "degraded", hm.Status().Status)

	for i := 0; i < maxAlerts+10; i++ {
		hm.AddAlert("info", "input", "x")
	}
	assert.Len(t, hm.Status().Alerts, maxAlerts)
}

func TestHandler(t *testing.T) {
	hm := NewHealthMonitor()
	hm.Begin(1, []string{"fc7"})
	srv := httptest.NewServer(hm.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, PhaseRunning, health["phase"])

	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	var st HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, 1, st.Run.Total)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")

	hm.Finish(errors.New("boom"))
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStartStop(t *testing.T) {
	hm := NewHealthMonitor()
	require.NoError(t, hm.Start("127.0.0.1:0"))
	require.NotEmpty(t, hm.Addr())

	resp, err := http.Get("http://" + hm.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, hm.Stop(ctx))
}
