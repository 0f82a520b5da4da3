package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorFrames(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.Frame(StreamCompute, 2)
	c.Frame(StreamCompute, 3)
	c.Frame(StreamRender, 2)

	assert.InDelta(t, 2, testutil.ToFloat64(c.Frames.WithLabelValues(StreamCompute)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.Frames.WithLabelValues(StreamRender)), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(c.Generation.WithLabelValues(StreamCompute)), 0)
}

func TestCollectorWaits(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.Wait("render", false, 0)
	c.Wait("render", true, 2*time.Millisecond)
	c.Wait("compute", true, time.Millisecond)

	assert.InDelta(t, 1, testutil.ToFloat64(c.Waits.WithLabelValues("render", "skipped")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.Waits.WithLabelValues("render", "stalled")), 0)
	assert.Equal(t, 2, testutil.CollectAndCount(c.WaitSeconds))
}

func TestCollectorBarriers(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.AddBarriers(5)
	c.AddBarriers(0)
	assert.InDelta(t, 5, testutil.ToFloat64(c.Barriers), 0)
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.Frame(StreamCompute, 1)
		c.Wait("compute", true, time.Second)
		c.AddBarriers(3)
	})
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}

func TestServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	c.Frame(StreamRender, 9)

	srv := NewServer(":0", reg)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `sph_frames_total{stream="render"} 1`))
}
