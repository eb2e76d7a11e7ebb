package api

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/renderloop/renderq/pkg/log"
	"github.com/renderloop/renderq/pkg/metrics"
	"github.com/renderloop/renderq/pkg/types"
)

// requestLogger emits one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	logger := log.WithComponent("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", timer.Duration()).
			Msg("request")

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
	})
}

// keyAuth enforces the opaque API key on /api routes when configured,
// and counts requests per key.
type keyAuth struct {
	key string

	mu     sync.Mutex
	counts map[string]uint64
}

func newKeyAuth(key string) *keyAuth {
	return &keyAuth{key: key, counts: make(map[string]uint64)}
}

func (a *keyAuth) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.key == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("X-API-Key")
		if got != a.key {
			writeError(w, types.NewError(types.ErrAuth, "missing or invalid API key"))
			return
		}
		a.mu.Lock()
		a.counts[got]++
		a.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// requestCount returns how many authenticated requests a key has made.
func (a *keyAuth) requestCount(key string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[key]
}
