package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// Response headers set by [Middleware].
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderSessionID     = "X-Session-ID"
)

// quietPaths are polled by probes, scrapers and the dashboard. Successful
// requests to them are logged at debug level.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
	"/status":  true,
	"/logs":    true,
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

// WithSessionFunc reports the live session id for each request. When it
// returns a non-empty id the request span gets a vlink.session_id attribute,
// the response carries [HeaderSessionID], and the request context carries
// the id for [Logger].
func WithSessionFunc(fn func() string) MiddlewareOption {
	return func(m *middleware) { m.session = fn }
}

type middleware struct {
	metrics *Metrics
	session func() string
	prop    propagation.TextMapPropagator
}

// Middleware wraps the control API. Every request gets a server span
// continued from an incoming W3C traceparent, the trace id as
// [HeaderCorrelationID], a duration sample labelled with the matched route
// pattern, and a completion log line. m may be nil.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{metrics: m, prop: propagation.TraceContext{}}
	for _, o := range opts {
		o(mw)
	}
	return mw.wrap
}

func (mw *middleware) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := mw.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		cid := CorrelationID(ctx)
		if cid != "" {
			w.Header().Set(HeaderCorrelationID, cid)
		}
		if mw.session != nil {
			if id := mw.session(); id != "" {
				ctx = WithSessionID(ctx, id)
				span.SetAttributes(attribute.String("vlink.session_id", id))
				w.Header().Set(HeaderSessionID, id)
			}
		}
		mw.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		r = r.WithContext(ctx)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// A ServeMux sets r.Pattern while routing; the raw path is only the
		// fallback for handlers mounted without one.
		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		elapsed := time.Since(start)
		if mw.metrics != nil {
			mw.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", route),
				),
			)
		}
		span.SetAttributes(
			semconv.HTTPRoute(route),
			semconv.HTTPResponseStatusCode(rec.status),
		)

		level := slog.LevelInfo
		if quietPaths[r.URL.Path] && rec.status < http.StatusBadRequest {
			level = slog.LevelDebug
		}
		Logger(ctx).LogAttrs(ctx, level, "request completed",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", rec.status),
			slog.Duration("duration", elapsed),
		)
	})
}
