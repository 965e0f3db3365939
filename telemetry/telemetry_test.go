package telemetry

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newClient(t *testing.T) (*TelemetryClient, *prometheus.Registry, *tracetest.SpanRecorder) {
	t.Helper()
	reg := prometheus.NewRegistry()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	c, err := NewTelemetryClient(reg, tp)
	require.NoError(t, err)
	return c, reg, rec
}

func TestClientCounters(t *testing.T) {
	c, _, _ := newClient(t)

	c.BlockCompiled(3 * time.Microsecond)
	c.BlockCompiled(5 * time.Microsecond)
	c.CompileFailed()
	c.BlocksInvalidated(4)
	c.BlocksInvalidated(0)
	c.BlocksEvicted(2)
	c.CacheCleared()
	c.LinkHealed()
	c.CacheSize(7, 640)
	c.FastmemFaults("skip", 3)
	c.FastmemFaults("redirect", 1)
	c.BlockExit("link")
	c.BlockExit("link")
	c.DispatchCycle("run-cached-block")
	c.ExceptionDelivered(0x300)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.compiles))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.compileErrors))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.invalidated))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.evicted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.clears))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.healedLinks))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.blocks))
	assert.Equal(t, 640.0, testutil.ToFloat64(c.codeSize))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.faults.WithLabelValues("skip")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.faults.WithLabelValues("redirect")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.exits.WithLabelValues("link")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dispatches.WithLabelValues("run-cached-block")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.exceptions.WithLabelValues("0x300")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.compileTime))
}

func TestDuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewTelemetryClient(reg, nil)
	require.NoError(t, err)
	_, err = NewTelemetryClient(reg, nil)
	require.Error(t, err)
}

func TestSpansRecorded(t *testing.T) {
	c, _, rec := newClient(t)
	_, span := c.StartSpan(context.Background(), "blockcache.compile", attribute.String("pc", "00001000"))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "blockcache.compile", ended[0].Name())
	assert.Contains(t, ended[0].Attributes(), attribute.String("pc", "00001000"))
}

func TestNoOpClient(t *testing.T) {
	c := NewNoOpTelemetryClient()
	assert.NotPanics(t, func() {
		c.BlockCompiled(time.Millisecond)
		c.CompileFailed()
		c.BlocksInvalidated(1)
		c.BlocksEvicted(1)
		c.CacheCleared()
		c.LinkHealed()
		c.CorruptionDetected()
		c.CacheSize(1, 1)
		c.FastmemFaults("skip", 1)
		c.BlockExit("link")
		c.DispatchCycle("halted")
		c.ExceptionDelivered(0x700)
		_, span := c.StartSpan(context.Background(), "noop")
		span.End()
	})
}

func TestServerExposesMetrics(t *testing.T) {
	c, reg, _ := newClient(t)
	c.BlockCompiled(time.Microsecond)

	srv := NewTelemetryServer("127.0.0.1:0", reg)
	require.NoError(t, srv.Listen())
	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()
	defer func() {
		require.NoError(t, srv.Stop())
		require.NoError(t, <-done)
	}()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "dynarec_cache_compiles_total 1"))
}

func TestOTLPTracerProvider(t *testing.T) {
	tp, err := NewTracerProvider(context.Background(), "127.0.0.1:4318", true)
	require.NoError(t, err)
	c, err := NewTelemetryClient(prometheus.NewRegistry(), tp)
	require.NoError(t, err)
	_, span := c.StartSpan(context.Background(), "blockcache.clear")
	assert.True(t, span.SpanContext().IsValid())

	// No span has ended, so shutdown has nothing to export.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tp.Shutdown(ctx))
}
