package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/a2aflow/api/handlers"
	"github.com/BaSui01/a2aflow/internal/ctxkeys"
	"github.com/BaSui01/a2aflow/internal/metrics"
	"github.com/BaSui01/a2aflow/types"
)

// RequestIDFromContext returns the request ID, or "" when none is set.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctxkeys.RequestID(ctx)
	return id
}

// Middleware 类型定义
type Middleware func(http.Handler) http.Handler

// Chain 将多个中间件串联，第一个中间件在最外层
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Recovery panic 恢复中间件
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", RequestIDFromContext(r.Context())))
					handlers.WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "internal server error", logger)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger 请求日志中间件
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			ctx := r.Context()
			next.ServeHTTP(rw, r)
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.StatusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", RequestIDFromContext(ctx)),
			}
			if tid, ok := ctxkeys.TraceID(ctx); ok {
				fields = append(fields, zap.String("trace_id", tid))
			}
			logger.Info("request", fields...)
		})
	}
}

// =============================================================================
// 📊 MetricsMiddleware
// =============================================================================

// MetricsMiddleware records request count and latency. Paths are normalized
// so task and agent ids do not become label values.
func MetricsMiddleware(collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)
			collector.RecordHTTPRequest(r.Method, normalizePath(r.URL.Path), rw.StatusCode, time.Since(start))
		})
	}
}

// normalizePath collapses the id segment of /a2a/tasks/{id} and
// /a2a/agents/{id}:
//
//	/a2a/tasks/7f3c.../cancel -> /a2a/tasks/:id/cancel
//	/a2a/agents/automl.v1     -> /a2a/agents/:id
//
// Unknown paths collapse to "other".
func normalizePath(path string) string {
	switch path {
	case "/health", "/healthz", "/ready", "/readyz", "/version",
		"/a2a/messages", "/a2a/messages/async", "/a2a/tasks", "/a2a/agents",
		"/a2a/pipeline/runs", "/a2a/pipeline/batches", "/a2a/events":
		return path
	}

	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segments) >= 3 && segments[0] == "a2a" && (segments[1] == "tasks" || segments[1] == "agents") {
		segments[2] = ":id"
		switch {
		case len(segments) == 3:
			return "/" + strings.Join(segments, "/")
		case len(segments) == 4 && segments[1] == "tasks" && segments[3] == "cancel":
			return "/" + strings.Join(segments, "/")
		}
	}
	return "other"
}

// =============================================================================
// 🔭 OTelTracing
// =============================================================================

// OTelTracing starts a server span per request. Incoming trace context is
// extracted so router and pipeline spans join the caller's trace.
func OTelTracing() Middleware {
	tracer := otel.Tracer("a2aflow/http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := tracer.Start(ctx, r.Method+" "+normalizePath(r.URL.Path),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()
			if sc := span.SpanContext(); sc.HasTraceID() {
				ctx = ctxkeys.WithTraceID(ctx, sc.TraceID().String())
			}

			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", rw.StatusCode))
		})
	}
}

// RateLimiter 基于 IP 的请求限流中间件，rps <= 0 时不限流。
// 过期 visitor 由后台 goroutine 清理，ctx 结束时退出。
func RateLimiter(ctx context.Context, rps float64, burst int, logger *zap.Logger) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst <= 0 {
		burst = 1
	}
	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				for ip, v := range visitors {
					if time.Since(v.lastSeen) > 3*time.Minute {
						delete(visitors, ip)
					}
				}
				mu.Unlock()
			}
		}
	}()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			mu.Lock()
			v, ok := visitors[ip]
			if !ok {
				v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
				visitors[ip] = v
			}
			v.lastSeen = time.Now()
			mu.Unlock()

			if !v.limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				handlers.WriteErrorMessage(w, http.StatusTooManyRequests, types.ErrUnavailable, "too many requests", logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID keeps the client's X-Request-ID or generates one, and stores it
// in the request context.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = generateRequestID()
			}
			w.Header().Set("X-Request-ID", id)
			ctx := ctxkeys.WithRequestID(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SecurityHeaders adds common security response headers to every request.
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Content-Security-Policy", "default-src 'self'")
			next.ServeHTTP(w, r)
		})
	}
}

func generateRequestID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return "req-" + hex.EncodeToString(b)
}
