// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package opentracing

import (
	"context"
	"io"
	"net/http"

	"github.com/featurebasedb/rtregion/logger"
	"github.com/featurebasedb/rtregion/tracing"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/pkg/errors"
	jaegercfg "github.com/uber/jaeger-client-go/config"
)

// SamplerTypeOff disables tracing altogether.
const SamplerTypeOff = "off"

// Ensure type implements interface.
var _ tracing.Tracer = (*Tracer)(nil)

// Tracer represents a wrapper for OpenTracing that implements tracing.Tracer.
type Tracer struct {
	tracer opentracing.Tracer
	logger logger.Logger
}

// NewTracer returns a new instance of Tracer.
func NewTracer(tracer opentracing.Tracer, logger logger.Logger) *Tracer {
	return &Tracer{tracer: tracer, logger: logger}
}

// NewJaegerTracer returns a Tracer reporting to the Jaeger agent at
// agentHostPort. The closer flushes buffered spans. A sampler type of "off"
// returns a nil Tracer and closer.
func NewJaegerTracer(service, agentHostPort, samplerType string, samplerParam float64, log logger.Logger) (*Tracer, io.Closer, error) {
	if samplerType == SamplerTypeOff {
		return nil, nil, nil
	}
	cfg := jaegercfg.Configuration{
		ServiceName: service,
		Sampler: &jaegercfg.SamplerConfig{
			Type:  samplerType,
			Param: samplerParam,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LocalAgentHostPort: agentHostPort,
		},
	}
	tracer, closer, err := cfg.NewTracer(jaegercfg.Logger(jaegerLogger{log}))
	if err != nil {
		return nil, nil, errors.Wrap(err, "initializing jaeger tracer")
	}
	return NewTracer(tracer, log), closer, nil
}

// StartSpanFromContext returns a new child span and context from a given context.
func (t *Tracer) StartSpanFromContext(ctx context.Context, operationName string) (tracing.Span, context.Context) {
	var opts []opentracing.StartSpanOption
	if parent := opentracing.SpanFromContext(ctx); parent != nil {
		opts = append(opts, opentracing.ChildOf(parent.Context()))
	}
	span := t.tracer.StartSpan(operationName, opts...)
	return span, opentracing.ContextWithSpan(ctx, span)
}

// ExtractHTTPHeaders reads the HTTP headers to derive incoming context.
func (t *Tracer) ExtractHTTPHeaders(r *http.Request) (tracing.Span, context.Context) {
	// Deserialize tracing context into request.
	wireContext, _ := t.tracer.Extract(
		opentracing.HTTPHeaders,
		opentracing.HTTPHeadersCarrier(r.Header),
	)

	span := t.tracer.StartSpan("HTTP", ext.RPCServerOption(wireContext))
	ext.HTTPMethod.Set(span, r.Method)
	ext.HTTPUrl.Set(span, r.URL.Path)
	ctx := opentracing.ContextWithSpan(r.Context(), span)
	return span, ctx
}

// jaegerLogger sends the tracer's own messages to a logger.Logger.
type jaegerLogger struct {
	logger logger.Logger
}

func (l jaegerLogger) Error(msg string) { l.logger.Errorf("jaeger: %s", msg) }

func (l jaegerLogger) Infof(msg string, args ...interface{}) {
	l.logger.Debugf("jaeger: "+msg, args...)
}
