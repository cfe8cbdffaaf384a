package middleware_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/smallbiznis/appguard-agent/internal/agent"
	"github.com/smallbiznis/appguard-agent/internal/device"
	"github.com/smallbiznis/appguard-agent/internal/domain"
	"github.com/smallbiznis/appguard-agent/internal/http/middleware"
	"github.com/smallbiznis/appguard-agent/internal/repository"
	"github.com/smallbiznis/appguard-agent/internal/service/servicetest"
	"github.com/smallbiznis/appguard-agent/internal/telemetry"
)

const wait = 2 * time.Second

func newAgent(t *testing.T, svc *servicetest.FakeService) *agent.Agent {
	t.Helper()

	type result struct {
		agent *agent.Agent
		err   error
	}
	done := make(chan result, 1)
	go func() {
		a, err := agent.New(context.Background(), agent.Config{InstallationCode: "INSTALL-42"}, agent.Params{
			Store:   repository.NewMemorySecretStore(),
			Service: svc,
			Logger:  zap.NewNop(),
			Identity: func() (device.Identity, error) {
				return device.Identity{UUID: "0f8fad5b-d9cb-469f-a165-70867728950e", Type: "Linux", TargetOS: "linux"}, nil
			},
		})
		done <- result{agent: a, err: err}
	}()

	stream := svc.NextStream(t, wait)
	stream.NextSent(t, wait)
	stream.Push(servicetest.Authorized(servicetest.Ptr("A"), servicetest.Ptr("S")))
	stream.NextSent(t, wait)

	res := <-done
	require.NoError(t, res.err)
	t.Cleanup(res.agent.Close)
	return res.agent
}

func newRouter(a *agent.Agent, handlerCalls *int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Guard(a, zap.NewNop()))
	r.GET("/orders", func(c *gin.Context) {
		*handlerCalls++
		c.Header("X-Handler", "orders")
		c.String(http.StatusOK, "ok")
	})
	return r
}

func get(r http.Handler, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("User-Agent", "guard-test/1.0")
	req.Header.Set("X-Custom", "yes")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestGuardAllowsAndForwardsDescriptors(t *testing.T) {
	svc := servicetest.NewFakeService()
	a := newAgent(t, svc)
	var calls int
	r := newRouter(a, &calls)

	rec := get(r, "/orders?page=2&sort=asc")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
	require.Equal(t, "orders", rec.Header().Get("X-Handler"))
	require.Equal(t, 1, calls)

	tcp := svc.TCPConnections()
	require.Len(t, tcp, 1)
	require.Equal(t, "192.0.2.1", *tcp[0].SourceIP)
	require.Equal(t, uint32(1234), *tcp[0].SourcePort)
	require.Equal(t, "http", tcp[0].Protocol)

	reqs := svc.HTTPRequests()
	require.Len(t, reqs, 1)
	require.Equal(t, "/orders", reqs[0].OriginalURL)
	require.Equal(t, http.MethodGet, reqs[0].Method)
	require.Equal(t, "yes", reqs[0].Headers["x-custom"])
	require.Equal(t, map[string]string{"page": "2", "sort": "asc"}, reqs[0].Query)
	require.NotNil(t, reqs[0].TCPInfo)
	require.Equal(t, uint64(42), reqs[0].TCPInfo.TCPID)
	require.Equal(t, 1, svc.Calls("HandleHTTPResponse"))
}

func TestGuardRequestDenyShortCircuits(t *testing.T) {
	svc := servicetest.NewFakeService()
	svc.Configure(func(b *servicetest.Behavior) { b.RequestPolicy = domain.PolicyDeny })
	a := newAgent(t, svc)
	var calls int
	r := newRouter(a, &calls)

	rec := get(r, "/orders")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Unauthorized", rec.Body.String())
	require.Zero(t, calls)
	require.Zero(t, svc.Calls("HandleHTTPResponse"))
}

func TestGuardResponseDenyDiscardsHandlerOutput(t *testing.T) {
	svc := servicetest.NewFakeService()
	svc.Configure(func(b *servicetest.Behavior) { b.ResponsePolicy = domain.PolicyDeny })
	a := newAgent(t, svc)
	var calls int
	r := newRouter(a, &calls)

	rec := get(r, "/orders")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Unauthorized", rec.Body.String())
	require.Empty(t, rec.Header().Get("X-Handler"))
	require.Equal(t, 1, calls)
}

func TestGuardRemoteFailureIsInternalError(t *testing.T) {
	svc := servicetest.NewFakeService()
	svc.Configure(func(b *servicetest.Behavior) { b.RequestErr = errors.New("unavailable") })
	a := newAgent(t, svc)
	var calls int
	r := newRouter(a, &calls)

	rec := get(r, "/orders")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "Internal server error", rec.Body.String())
	require.Zero(t, calls)
}

func TestGuardServesIdenticalRequestsFromCache(t *testing.T) {
	svc := servicetest.NewFakeService()
	svc.Configure(func(b *servicetest.Behavior) { b.RequestPolicy = domain.PolicyDeny })
	a := newAgent(t, svc)
	a.ApplyDefaults(domain.FirewallDefaults{Policy: domain.PolicyAllow, CacheEnabled: true})
	var calls int
	r := newRouter(a, &calls)

	first := get(r, "/orders?id=7")
	require.Equal(t, http.StatusUnauthorized, first.Code)
	require.Equal(t, 1, svc.Calls("HandleTCPConnection"))
	require.Equal(t, 1, svc.Calls("HandleHTTPRequest"))

	second := get(r, "/orders?id=7")
	require.Equal(t, http.StatusUnauthorized, second.Code)
	require.Equal(t, "Unauthorized", second.Body.String())
	require.Equal(t, 1, svc.Calls("HandleTCPConnection"))
	require.Equal(t, 1, svc.Calls("HandleHTTPRequest"))
	require.Zero(t, calls)

	third := get(r, "/orders?id=8")
	require.Equal(t, http.StatusUnauthorized, third.Code)
	require.Equal(t, 2, svc.Calls("HandleHTTPRequest"))
}

func TestGuardCachedAllowSkipsRemoteChecks(t *testing.T) {
	svc := servicetest.NewFakeService()
	a := newAgent(t, svc)
	a.ApplyDefaults(domain.FirewallDefaults{CacheEnabled: true})
	var calls int
	r := newRouter(a, &calls)

	require.Equal(t, http.StatusOK, get(r, "/orders").Code)
	require.Equal(t, http.StatusOK, get(r, "/orders").Code)
	require.Equal(t, 2, calls)
	require.Equal(t, 1, svc.Calls("HandleHTTPRequest"))
	require.Equal(t, 1, svc.Calls("HandleHTTPResponse"))
}

func TestGuardDoesNotCacheTimeoutDefaults(t *testing.T) {
	svc := servicetest.NewFakeService()
	a := newAgent(t, svc)
	timeout := 20 * time.Millisecond
	a.ApplyDefaults(domain.FirewallDefaults{Timeout: &timeout, Policy: domain.PolicyDeny, CacheEnabled: true})
	svc.Configure(func(b *servicetest.Behavior) { b.Latency = 200 * time.Millisecond })
	var calls int
	r := newRouter(a, &calls)

	require.Equal(t, http.StatusUnauthorized, get(r, "/orders").Code)
	require.Equal(t, http.StatusUnauthorized, get(r, "/orders").Code)
	require.Equal(t, 2, svc.Calls("HandleHTTPRequest"))
}

func TestGuardDecisionFromRetiredDefaultsIsNotCached(t *testing.T) {
	svc := servicetest.NewFakeService()
	a := newAgent(t, svc)
	a.ApplyDefaults(domain.FirewallDefaults{Policy: domain.PolicyAllow, CacheEnabled: true})
	svc.Configure(func(b *servicetest.Behavior) {
		b.Latency = 150 * time.Millisecond
		b.RequestPolicy = domain.PolicyDeny
	})
	var calls int
	r := newRouter(a, &calls)

	// Defaults change while the first request waits on the service.
	timer := time.AfterFunc(50*time.Millisecond, func() {
		a.ApplyDefaults(domain.FirewallDefaults{Policy: domain.PolicyAllow, CacheEnabled: true})
	})
	t.Cleanup(func() { timer.Stop() })

	require.Equal(t, http.StatusUnauthorized, get(r, "/orders").Code)

	svc.Configure(func(b *servicetest.Behavior) {
		b.Latency = 0
		b.RequestPolicy = domain.PolicyAllow
	})
	rec := get(r, "/orders")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, svc.Calls("HandleHTTPRequest"))
	require.Equal(t, 1, calls)
}

func guardSpans(recorder *tracetest.SpanRecorder) []sdktrace.ReadOnlySpan {
	var spans []sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		if span.Name() == telemetry.SpanGuard {
			spans = append(spans, span)
		}
	}
	return spans
}

func TestGuardRecordsDecisionSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	svc := servicetest.NewFakeService()
	svc.Configure(func(b *servicetest.Behavior) { b.RequestPolicy = domain.PolicyDeny })
	a := newAgent(t, svc)
	var calls int
	r := newRouter(a, &calls)

	require.Equal(t, http.StatusUnauthorized, get(r, "/orders").Code)

	spans := guardSpans(recorder)
	require.Len(t, spans, 1)
	attrs := attribute.NewSet(spans[0].Attributes()...)
	decision, ok := attrs.Value(telemetry.AttrDecision)
	require.True(t, ok)
	require.Equal(t, "request_deny", decision.AsString())
	hit, ok := attrs.Value(telemetry.AttrCacheHit)
	require.True(t, ok)
	require.False(t, hit.AsBool())
}

func TestGuardFailureMarksSpanError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	svc := servicetest.NewFakeService()
	svc.Configure(func(b *servicetest.Behavior) { b.TCPErr = errors.New("unavailable") })
	a := newAgent(t, svc)
	var calls int
	r := newRouter(a, &calls)

	require.Equal(t, http.StatusInternalServerError, get(r, "/orders").Code)

	spans := guardSpans(recorder)
	require.Len(t, spans, 1)
	require.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestRequestLoggerReportsGuardOutcome(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	svc := servicetest.NewFakeService()
	svc.Configure(func(b *servicetest.Behavior) { b.RequestPolicy = domain.PolicyDeny })
	a := newAgent(t, svc)
	a.ApplyDefaults(domain.FirewallDefaults{Policy: domain.PolicyAllow, CacheEnabled: true})

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.Guard(a, zap.NewNop()))
	r.GET("/orders", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	first := get(r, "/orders?id=1")
	require.Equal(t, http.StatusUnauthorized, first.Code)
	require.NotEmpty(t, first.Header().Get(middleware.RequestIDHeader))
	get(r, "/orders?id=1")

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zap.WarnLevel, entries[0].Level)
	require.Equal(t, "request_deny", entries[0].ContextMap()["decision"])
	require.Equal(t, false, entries[0].ContextMap()["cache_hit"])
	require.Equal(t, "id=1", entries[0].ContextMap()["query"])
	require.Equal(t, "cached_deny", entries[1].ContextMap()["decision"])
	require.Equal(t, true, entries[1].ContextMap()["cache_hit"])
}
