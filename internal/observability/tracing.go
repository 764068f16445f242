package observability

import (
	"context"
	"io"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// TracingConfig 追蹤設定；Output 為空時寫到 stdout
type TracingConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Output         string `yaml:"output"`
}

var (
	providerOnce     sync.Once
	providerErr      error
	providerShutdown = func(context.Context) error { return nil }
)

// InitTracing installs a global tracer provider exporting spans with the
// stdout exporter. Only the first call configures anything; later calls
// return the outcome of the first. The returned function flushes and stops
// the provider.
func InitTracing(c TracingConfig) (func(context.Context) error, error) {
	providerOnce.Do(func() {
		var w io.Writer = os.Stdout
		if c.Output != "" {
			f, err := os.Create(c.Output)
			if err != nil {
				providerErr = err
				return
			}
			w = f
		}

		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			providerErr = err
			return
		}
		res, err := resource.New(context.Background(),
			resource.WithAttributes(
				attribute.String("service.name", c.ServiceName),
				attribute.String("service.version", c.ServiceVersion),
			),
		)
		if err != nil {
			providerErr = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		providerShutdown = tp.Shutdown
	})
	return providerShutdown, providerErr
}
