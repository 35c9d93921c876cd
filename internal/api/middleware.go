package api

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-controlplane/internal/admission"
	"github.com/xela07ax/spaceai-controlplane/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Тип для ключа в контексте (избегаем коллизий)
type ctxKey string

const traceIDKey ctxKey = "trace_id"

// TracingMiddleware инициализирует Trace-ID для каждого запроса
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 1. Пытаемся достать ID из заголовка (если пришел от агента/прокси)
		traceID := r.Header.Get("X-Trace-ID")

		// 2. Если его нет — генерируем новый
		if traceID == "" {
			traceID = uuid.New().String()
		}

		// 3. Кладем в контекст и в ответ
		ctx := context.WithValue(r.Context(), traceIDKey, traceID)
		w.Header().Set("X-Trace-ID", traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TraceID безопасно достает ID в любом месте кода
func TraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return "00000000-0000-0000-0000-000000000000" // Fallback
}

// ZapLogger — access-лог запроса через zap
func ZapLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("trace_id", TraceID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
			)
		})
	}
}

// FloodGuard — глобальный token bucket перед движком доступа
func FloodGuard(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "server_overloaded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdmissionMiddleware прогоняет запрос через Rule & Rate Engine.
// Контекст: ip, method, path, user_agent, subject_id (X-Subject-ID).
func AdmissionMiddleware(e *admission.Engine, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := e.EvaluateAccess(RequestContext(r))

			switch d.Action {
			case domain.ActionAllow:
				next.ServeHTTP(w, r)
			case domain.ActionThrottle:
				if d.RateLimit != nil {
					w.Header().Set("Retry-After", retryAfterSeconds(d.RateLimit.RetryAfter))
				}
				writeJSON(w, http.StatusTooManyRequests, d)
			case domain.ActionChallenge:
				w.Header().Set("X-Challenge", "required")
				writeJSON(w, http.StatusUnauthorized, d)
			default:
				logger.Info("request denied",
					zap.String("trace_id", TraceID(r.Context())),
					zap.String("ip", r.RemoteAddr),
					zap.String("reason", d.Reason),
					zap.String("rule", d.Rule),
				)
				writeJSON(w, http.StatusForbidden, d)
			}
		})
	}
}

// RequestContext — контекст evaluateAccess для HTTP-запроса
func RequestContext(r *http.Request) map[string]any {
	ctx := map[string]any{
		admission.CtxIP: r.RemoteAddr,
		"method":        r.Method,
		"path":          r.URL.Path,
		"user_agent":    r.UserAgent(),
	}
	if sub := r.Header.Get("X-Subject-ID"); sub != "" {
		ctx[admission.CtxSubject] = sub
	}
	return ctx
}

func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(int(math.Ceil(max(d, time.Second).Seconds())))
}
