package app

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/nuetzliches/claimq/internal/config"
)

// initTracing installs a global OTLP/HTTP tracer provider. The returned func
// flushes and stops it.
func initTracing(ctx context.Context, tc config.TracingConfig, onError func(error)) (func(context.Context) error, error) {
	opts := tracingExporterOptions(tc)
	tlsCfg, err := buildTracingTLSConfig(tc)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsCfg))
	}

	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("claimq"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	if onError != nil {
		otel.SetErrorHandler(otel.ErrorHandlerFunc(onError))
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func tracingExporterOptions(tc config.TracingConfig) []otlptracehttp.Option {
	opts := make([]otlptracehttp.Option, 0, 6)
	opts = append(opts, otlptracehttp.WithEndpointURL(strings.TrimSpace(tc.Endpoint)))
	switch strings.ToLower(strings.TrimSpace(tc.Compression)) {
	case "gzip":
		opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
	case "none":
		opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.NoCompression))
	}
	if tc.Timeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(tc.Timeout))
	}
	if len(tc.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(tc.Headers))
	}
	if tc.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return opts
}

func wrapTracingHandler(enabled bool, name string, h http.Handler) http.Handler {
	if !enabled {
		return h
	}
	return otelhttp.NewHandler(h, name)
}

func buildTracingTLSConfig(tc config.TracingConfig) (*tls.Config, error) {
	hasTLS := tc.TLSCAFile != "" ||
		tc.TLSCertFile != "" ||
		tc.TLSKeyFile != "" ||
		tc.TLSServerName != "" ||
		tc.TLSInsecureSkipVerify
	if !hasTLS {
		return nil, nil
	}

	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: tc.TLSInsecureSkipVerify,
		ServerName:         tc.TLSServerName,
	}

	if tc.TLSCAFile != "" {
		caPEM, err := os.ReadFile(tc.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read tracing ca file: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("parse tracing ca file: no certificates found")
		}
		tlsCfg.RootCAs = pool
	}

	if tc.TLSCertFile != "" || tc.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tc.TLSCertFile, tc.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load tracing client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}
