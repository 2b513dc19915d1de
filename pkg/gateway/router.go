package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// buildRouter constructs the chi router.
func (g *Gateway) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(g.requestLogger)
	r.Use(g.corsMiddleware())

	r.Get("/health", g.handleHealth)

	r.Group(func(r chi.Router) {
		if g.cfg.RateLimit.Enabled {
			g.connectLimiter = newIPRateLimiter(g.cfg.RateLimit.Connect.RequestsPerMinute)
			r.Use(g.connectLimiter.middleware)
		}

		r.Get("/ws", g.handleWebSocket)
	})

	return r
}

// requestLogger logs incoming HTTP requests.
func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		g.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// corsMiddleware allows the configured dashboard origins to call /health.
func (g *Gateway) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = g.cfg.AllowedOrigins
	}

	return cors.Handler(opts)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: g.ConnectionCount(),
	})
}
