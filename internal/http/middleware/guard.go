package middleware

import (
	"bytes"
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/appguard-agent/internal/cache"
	"github.com/smallbiznis/appguard-agent/internal/domain"
	"github.com/smallbiznis/appguard-agent/internal/telemetry"
)

const (
	unauthorizedBody = "Unauthorized"
	internalErrBody  = "Internal server error"

	// DecisionKey holds the outcome for the request logger.
	DecisionKey = "appguard_decision"
	// CacheHitKey is set when the outcome was served from the decision cache.
	CacheHitKey = "appguard_cache_hit"
)

// Decider is the agent surface the guard needs.
type Decider interface {
	Decisions() *cache.DecisionCache
	CheckTCPConnection(ctx context.Context, conn domain.TCPConnection) (domain.TCPResponse, error)
	CheckHTTPRequest(ctx context.Context, req domain.HTTPRequest) (domain.DecisionResponse, error)
	CheckHTTPResponse(ctx context.Context, resp domain.HTTPResponse) (domain.DecisionResponse, error)
}

// Guard puts every request through the decision service. The TCP and request
// checks run before the handler; a deny ends the request with 401. The
// handler's response is buffered and checked before it is released. Remote
// failures answer 500. Outcomes that did not come from a timeout default are
// cached by request key in the cache that was current when the request
// arrived.
func Guard(decider Decider, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.L()
	}
	tracer := otel.Tracer(telemetry.InstrumentationName)

	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), telemetry.SpanGuard,
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(telemetry.AttrRoute.String(c.FullPath())),
		)
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		key := cacheKey(c)
		decisions := decider.Decisions()

		if policy, ok := decisions.Get(key); ok {
			c.Set(CacheHitKey, true)
			span.SetAttributes(telemetry.AttrCacheHit.Bool(true))
			decide(c, span, "cached_"+policy.String())
			if policy == domain.PolicyDeny {
				deny(c)
				return
			}
			c.Next()
			return
		}
		span.SetAttributes(telemetry.AttrCacheHit.Bool(false))

		tcp, err := decider.CheckTCPConnection(ctx, tcpConnection(c))
		if err != nil {
			fail(c, span, logger, "tcp connection check failed", err)
			return
		}
		fallback := tcp.Fallback

		reqDecision, err := decider.CheckHTTPRequest(ctx, httpRequest(c, tcp.TCPInfo))
		if err != nil {
			fail(c, span, logger, "http request check failed", err)
			return
		}
		fallback = fallback || reqDecision.Fallback
		if reqDecision.Policy == domain.PolicyDeny {
			if !fallback {
				decisions.Insert(key, domain.PolicyDeny)
			}
			span.SetAttributes(telemetry.AttrFallback.Bool(fallback))
			decide(c, span, "request_deny")
			deny(c)
			return
		}

		original := c.Writer
		headersBefore := original.Header().Clone()
		buffered := &bufferedWriter{ResponseWriter: original, status: http.StatusOK}
		c.Writer = buffered

		c.Next()

		c.Writer = original
		respDecision, err := decider.CheckHTTPResponse(ctx, httpResponse(buffered.Status(), original.Header(), tcp.TCPInfo))
		if err != nil {
			restoreHeaders(original.Header(), headersBefore)
			fail(c, span, logger, "http response check failed", err)
			return
		}
		fallback = fallback || respDecision.Fallback
		span.SetAttributes(telemetry.AttrFallback.Bool(fallback))
		if !fallback {
			decisions.Insert(key, respDecision.Policy)
		}
		if respDecision.Policy == domain.PolicyDeny {
			restoreHeaders(original.Header(), headersBefore)
			decide(c, span, "response_deny")
			deny(c)
			return
		}

		decide(c, span, "allow")
		buffered.flush()
	}
}

func decide(c *gin.Context, span trace.Span, outcome string) {
	c.Set(DecisionKey, outcome)
	span.SetAttributes(telemetry.AttrDecision.String(outcome))
}

func deny(c *gin.Context) {
	c.Abort()
	c.String(http.StatusUnauthorized, unauthorizedBody)
}

func fail(c *gin.Context, span trace.Span, logger *zap.Logger, msg string, err error) {
	logger.Error(msg, zap.String("path", c.Request.URL.Path), zap.Error(err))
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	_ = c.Error(err)
	c.Abort()
	c.String(http.StatusInternalServerError, internalErrBody)
}

func restoreHeaders(header, before http.Header) {
	for name := range header {
		delete(header, name)
	}
	for name, values := range before {
		header[name] = values
	}
}

// bufferedWriter holds the handler's response until it has been checked.
type bufferedWriter struct {
	gin.ResponseWriter
	status  int
	written bool
	body    bytes.Buffer
}

func (w *bufferedWriter) WriteHeader(code int) {
	if code > 0 && !w.written {
		w.status = code
	}
}

func (w *bufferedWriter) WriteHeaderNow() {
	w.written = true
}

func (w *bufferedWriter) Write(data []byte) (int, error) {
	w.written = true
	return w.body.Write(data)
}

func (w *bufferedWriter) WriteString(s string) (int, error) {
	w.written = true
	return w.body.WriteString(s)
}

func (w *bufferedWriter) Status() int {
	return w.status
}

func (w *bufferedWriter) Size() int {
	if !w.written {
		return -1
	}
	return w.body.Len()
}

func (w *bufferedWriter) Written() bool {
	return w.written
}

// Flush is a no-op while buffering.
func (w *bufferedWriter) Flush() {}

func (w *bufferedWriter) flush() {
	w.ResponseWriter.WriteHeader(w.status)
	if w.body.Len() > 0 {
		_, _ = w.ResponseWriter.Write(w.body.Bytes())
		return
	}
	w.ResponseWriter.WriteHeaderNow()
}
