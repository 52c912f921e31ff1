// Package httpapi exposes the order-lifecycle's external HTTP surface:
// checkout initiation, processor webhook delivery, and order read/cancel
// endpoints, routed with go-chi/chi/v5. Handlers report failures through
// the shared writeError helper, which keys status codes off internal/apperr
// instead of per-handler literals.
package httpapi

import (
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/depinlabs/storage-aggregator/internal/apperr"
	"github.com/depinlabs/storage-aggregator/internal/metrics"
)

// RouterConfig carries the boundary-level knobs: the fixed-window rate
// limit (RATE_LIMIT_WINDOW_MS / RATE_LIMIT_MAX_REQUESTS) and the CORS
// origin allowlist (CORS_ORIGINS). The zero value disables both.
type RouterConfig struct {
	RateLimitWindow time.Duration
	RateLimitMax    int
	CORSOrigins     []string
}

// NewRouter wires the checkout, webhook, and order-management endpoints onto
// a chi router, plus a Prometheus metrics endpoint.
func NewRouter(h *Handlers, m *metrics.Metrics, logger *log.Logger, rc RouterConfig) http.Handler {
	if logger == nil {
		logger = log.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	if len(rc.CORSOrigins) > 0 {
		r.Use(corsMiddleware(rc.CORSOrigins))
	}
	if rc.RateLimitMax > 0 && rc.RateLimitWindow > 0 {
		r.Use(rateLimitMiddleware(h, rc.RateLimitWindow, rc.RateLimitMax))
	}

	r.Get("/healthz", h.HandleHealth)
	if m != nil {
		r.Handle("/metrics", m.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/payments/checkout", h.HandleCreateCheckout)
		api.Post("/payments/webhook", h.HandleWebhook)
		api.Get("/orders/{orderID}", h.HandleGetOrder)
		api.Post("/orders/{orderID}/cancel", h.HandleCancelOrder)
	})

	return r
}

func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Printf("%s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
		})
	}
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	allowAll := false
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitMiddleware is a per-client fixed-window counter. The window map
// is pruned lazily: a client's entry resets on its first request past the
// window boundary.
func rateLimitMiddleware(h *Handlers, window time.Duration, maxRequests int) func(http.Handler) http.Handler {
	type bucket struct {
		windowStart time.Time
		count       int
	}
	var mu sync.Mutex
	buckets := make(map[string]*bucket)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}

			now := time.Now()
			mu.Lock()
			b, ok := buckets[host]
			if !ok || now.Sub(b.windowStart) >= window {
				b = &bucket{windowStart: now}
				buckets[host] = b
			}
			b.count++
			over := b.count > maxRequests
			mu.Unlock()

			if over {
				h.writeError(w, apperr.New(apperr.KindRateLimited, "too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
