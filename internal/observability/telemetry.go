// Package observability wires the roster server's tracing, metrics endpoint
// and log construction.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

var instanceInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "roster_sync",
	Name:      "instance_info",
	Help:      "Constant 1, labelled with the serving instance.",
}, []string{"service", "instance"})

func init() {
	prometheus.MustRegister(instanceInfo)
}

// Config controls telemetry exporters and listeners.
type Config struct {
	ServiceName  string
	InstanceID   string
	MetricsAddr  string
	OTLPEndpoint string
	// SampleRatio is the fraction of root spans kept; values outside (0,1)
	// keep everything.
	SampleRatio float64
}

// Telemetry holds the running exporters of one server process.
type Telemetry struct {
	provider *sdktrace.TracerProvider
	metrics  *http.Server
	listener net.Listener
}

// Start installs the tracer provider when an OTLP endpoint is configured and
// serves /metrics when a metrics address is. The metrics listener is bound
// before Start returns, so a busy port fails startup.
func Start(ctx context.Context, cfg Config, logger zerolog.Logger) (*Telemetry, error) {
	t := &Telemetry{}
	instanceInfo.WithLabelValues(cfg.ServiceName, cfg.InstanceID).Set(1)

	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		t.provider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sampler(cfg.SampleRatio)),
			sdktrace.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceInstanceID(cfg.InstanceID),
			)),
		)
		otel.SetTracerProvider(t.provider)
		otel.SetTextMapPropagator(propagation.TraceContext{})
		logger.Info().Str("endpoint", cfg.OTLPEndpoint).Float64("sample_ratio", cfg.SampleRatio).Msg("otlp tracing enabled")
	}

	if cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			_ = t.Shutdown(ctx)
			return nil, fmt.Errorf("metrics listener: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		t.listener = ln
		t.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := t.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		logger.Info().Str("addr", ln.Addr().String()).Msg("metrics server started")
	}
	return t, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// MetricsAddr is the bound metrics address, empty when metrics are off.
func (t *Telemetry) MetricsAddr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Shutdown stops the metrics server and flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.metrics != nil {
		if err := t.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	if t.provider != nil {
		if err := t.provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger. Unknown levels fall back to info.
func NewLogger(w io.Writer, service, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("app", service).Logger()
}

// LoggerWithTrace tags logger with the trace and span of ctx, if any.
func LoggerWithTrace(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logger
	}
	return logger.With().
		Stringer("trace_id", sc.TraceID()).
		Stringer("span_id", sc.SpanID()).
		Bool("sampled", sc.IsSampled()).
		Logger()
}
