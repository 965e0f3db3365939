package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	namespace  = "dynarec"
	tracerName = "github.com/colorfulnotion/dynarec"
)

// TelemetryClient records core events as Prometheus metrics and wraps the
// slow operations (compile, invalidate, clear, evict) in OpenTelemetry
// spans. Every method is safe for concurrent use and a no-op when disabled.
type TelemetryClient struct {
	tracer   trace.Tracer
	disabled bool

	compiles      prometheus.Counter
	compileErrors prometheus.Counter
	compileTime   prometheus.Histogram
	invalidated   prometheus.Counter
	evicted       prometheus.Counter
	clears        prometheus.Counter
	healedLinks   prometheus.Counter
	corruptions   prometheus.Counter
	blocks        prometheus.Gauge
	codeSize      prometheus.Gauge
	faults        *prometheus.CounterVec
	exits         *prometheus.CounterVec
	dispatches    *prometheus.CounterVec
	exceptions    *prometheus.CounterVec
}

// NewNoOpTelemetryClient creates a disabled client.
func NewNoOpTelemetryClient() *TelemetryClient {
	return &TelemetryClient{
		tracer:   noop.NewTracerProvider().Tracer(tracerName),
		disabled: true,
	}
}

// NewTelemetryClient registers the core metrics with reg. A nil tp uses the
// global tracer provider.
func NewTelemetryClient(reg prometheus.Registerer, tp trace.TracerProvider) (*TelemetryClient, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	c := &TelemetryClient{
		tracer: tp.Tracer(tracerName),
		compiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "compiles_total",
			Help: "Blocks translated and installed.",
		}),
		compileErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "compile_errors_total",
			Help: "Translations that failed.",
		}),
		compileTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "cache", Name: "compile_seconds",
			Help:    "Time spent analyzing and translating one block.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
		invalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "invalidated_blocks_total",
			Help: "Blocks removed by range invalidation.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evicted_blocks_total",
			Help: "Blocks removed to stay within the code budget.",
		}),
		clears: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "clears_total",
			Help: "Full cache flushes.",
		}),
		healedLinks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "healed_links_total",
			Help: "Linked exits unbound because their target was retired.",
		}),
		corruptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "corruptions_total",
			Help: "Cache consistency violations detected.",
		}),
		blocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "blocks",
			Help: "Blocks currently installed.",
		}),
		codeSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "code_size",
			Help: "Code size units held by installed blocks.",
		}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fastmem", Name: "faults_total",
			Help: "Host faults by recovery outcome.",
		}, []string{"outcome"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "block_exits_total",
			Help: "Block exits by kind.",
		}, []string{"kind"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "cycles_total",
			Help: "Dispatch cycles by dispatcher state.",
		}, []string{"state"}),
		exceptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "exceptions_total",
			Help: "Guest exceptions delivered.",
		}, []string{"vector"}),
	}
	for _, col := range []prometheus.Collector{
		c.compiles, c.compileErrors, c.compileTime, c.invalidated, c.evicted, c.clears,
		c.healedLinks, c.corruptions, c.blocks, c.codeSize, c.faults, c.exits, c.dispatches, c.exceptions,
	} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return c, nil
}

// StartSpan opens a span named name under ctx.
func (c *TelemetryClient) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (c *TelemetryClient) BlockCompiled(d time.Duration) {
	if c.disabled {
		return
	}
	c.compiles.Inc()
	c.compileTime.Observe(d.Seconds())
}

func (c *TelemetryClient) CompileFailed() {
	if c.disabled {
		return
	}
	c.compileErrors.Inc()
}

func (c *TelemetryClient) BlocksInvalidated(n int) {
	if c.disabled || n == 0 {
		return
	}
	c.invalidated.Add(float64(n))
}

func (c *TelemetryClient) BlocksEvicted(n int) {
	if c.disabled || n == 0 {
		return
	}
	c.evicted.Add(float64(n))
}

func (c *TelemetryClient) CacheCleared() {
	if c.disabled {
		return
	}
	c.clears.Inc()
}

func (c *TelemetryClient) LinkHealed() {
	if c.disabled {
		return
	}
	c.healedLinks.Inc()
}

func (c *TelemetryClient) CorruptionDetected() {
	if c.disabled {
		return
	}
	c.corruptions.Inc()
}

// CacheSize publishes the current cache occupancy.
func (c *TelemetryClient) CacheSize(blocks, size int) {
	if c.disabled {
		return
	}
	c.blocks.Set(float64(blocks))
	c.codeSize.Set(float64(size))
}

// FastmemFaults adds handler outcomes since the previous report.
func (c *TelemetryClient) FastmemFaults(outcome string, n uint64) {
	if c.disabled || n == 0 {
		return
	}
	c.faults.WithLabelValues(outcome).Add(float64(n))
}

func (c *TelemetryClient) BlockExit(kind string) {
	if c.disabled {
		return
	}
	c.exits.WithLabelValues(kind).Inc()
}

func (c *TelemetryClient) DispatchCycle(state string) {
	if c.disabled {
		return
	}
	c.dispatches.WithLabelValues(state).Inc()
}

func (c *TelemetryClient) ExceptionDelivered(vector uint32) {
	if c.disabled {
		return
	}
	c.exceptions.WithLabelValues(fmt.Sprintf("%#x", vector)).Inc()
}
