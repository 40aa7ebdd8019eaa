package metrics

import (
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestServer_ServesMetricsAndHealth(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer("", zap.NewNop())
	srv.SetListener(ln)
	srv.Start()
	t.Cleanup(func() { _ = srv.Stop() })

	TicksTotal.Inc()
	client := &http.Client{Timeout: 2 * time.Second}
	base := "http://" + ln.Addr().String()

	resp, err := client.Get(base + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = client.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "applimit_ticks_total")
	assert.Contains(t, string(body), "applimit_tracked_packages")
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(DismissalsTotal.WithLabelValues("app_left"))
	DismissalsTotal.WithLabelValues("app_left").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(DismissalsTotal.WithLabelValues("app_left")))

	TrackedPackages.Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(TrackedPackages))
}
