package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/appguard-agent/internal/domain"
)

// RemoteCaller bounds every decision call by the configured timeout. A call
// that exceeds the timeout resolves to a synthesized default response
// instead of an error.
type RemoteCaller struct {
	svc    DecisionService
	logger *zap.Logger
	tracer trace.Tracer
}

// NewRemoteCaller wires dependencies.
func NewRemoteCaller(svc DecisionService, logger *zap.Logger) *RemoteCaller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteCaller{
		svc:    svc,
		logger: logger,
		tracer: otel.Tracer("github.com/smallbiznis/appguard-agent/internal/service"),
	}
}

// HandleTCPConnection checks the connection. On timeout the response echoes
// conn so later calls keep the TCP context.
func (r *RemoteCaller) HandleTCPConnection(ctx context.Context, timeout *time.Duration, conn domain.TCPConnection) (domain.TCPResponse, error) {
	ctx, span := r.startSpan(ctx, "tcp_connection")
	defer span.End()

	resp, timedOut, err := callWithTimeout(ctx, timeout,
		func(ctx context.Context) (domain.TCPResponse, error) {
			return r.svc.HandleTCPConnection(ctx, conn)
		},
		func() domain.TCPResponse {
			echoed := conn
			return domain.TCPResponse{TCPInfo: &domain.TCPInfo{Connection: &echoed}, Fallback: true}
		},
	)
	r.finish(span, "tcp_connection", timeout, timedOut, err)
	return resp, err
}

// HandleHTTPRequest checks an inbound request.
func (r *RemoteCaller) HandleHTTPRequest(ctx context.Context, timeout *time.Duration, defaultPolicy domain.Policy, req domain.HTTPRequest) (domain.DecisionResponse, error) {
	ctx, span := r.startSpan(ctx, "http_request")
	defer span.End()

	resp, timedOut, err := callWithTimeout(ctx, timeout,
		func(ctx context.Context) (domain.DecisionResponse, error) {
			return r.svc.HandleHTTPRequest(ctx, req)
		},
		defaultDecision(defaultPolicy),
	)
	r.finish(span, "http_request", timeout, timedOut, err)
	return resp, err
}

// HandleHTTPResponse checks the protected handler's response.
func (r *RemoteCaller) HandleHTTPResponse(ctx context.Context, timeout *time.Duration, defaultPolicy domain.Policy, resp domain.HTTPResponse) (domain.DecisionResponse, error) {
	ctx, span := r.startSpan(ctx, "http_response")
	defer span.End()

	out, timedOut, err := callWithTimeout(ctx, timeout,
		func(ctx context.Context) (domain.DecisionResponse, error) {
			return r.svc.HandleHTTPResponse(ctx, resp)
		},
		defaultDecision(defaultPolicy),
	)
	r.finish(span, "http_response", timeout, timedOut, err)
	return out, err
}

func defaultDecision(policy domain.Policy) func() domain.DecisionResponse {
	return func() domain.DecisionResponse {
		return domain.DecisionResponse{Policy: policy, Fallback: true}
	}
}

// callWithTimeout runs call, racing it against timeout when one is set. The
// call's context is cancelled once the race is decided.
func callWithTimeout[T any](ctx context.Context, timeout *time.Duration, call func(context.Context) (T, error), fallback func() T) (T, bool, error) {
	if timeout == nil {
		v, err := call(ctx)
		return v, false, err
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := call(callCtx)
		done <- result{value: v, err: err}
	}()

	timer := time.NewTimer(*timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res.value, false, res.err
	case <-timer.C:
		return fallback(), true, nil
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}

// startSpan opens an "appguard.remote.<call>" client span.
func (r *RemoteCaller) startSpan(ctx context.Context, call string) (context.Context, trace.Span) {
	if r == nil || r.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return r.tracer.Start(ctx, "appguard.remote."+call, trace.WithSpanKind(trace.SpanKindClient))
}

func (r *RemoteCaller) finish(span trace.Span, call string, timeout *time.Duration, timedOut bool, err error) {
	if timeout != nil {
		span.SetAttributes(attribute.Int64("appguard.timeout_ms", timeout.Milliseconds()))
	}
	switch {
	case err != nil:
		span.RecordError(err)
		r.logger.Warn("decision call failed", zap.String("call", call), zap.Error(err))
	case timedOut:
		span.SetAttributes(attribute.Bool("appguard.fallback", true))
		span.AddEvent("appguard.default_policy_applied")
		r.logger.Debug("decision call timed out, default applied",
			zap.String("call", call),
			zap.Duration("timeout", *timeout),
		)
	}
}
