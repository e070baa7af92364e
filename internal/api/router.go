package api

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mezopay/credit-engine/internal/metrics"
)

// NewRouter builds the HTTP surface. hub may be nil to disable /api/v1/ws.
// allowedOrigins lists the browser origins granted cross-origin access;
// without any, only same-origin browser requests may write or open the
// WebSocket.
func NewRouter(svc *Service, hub *WSHub, allowedOrigins ...string) http.Handler {
	origins := newOriginPolicy(allowedOrigins)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware(routePattern))
	r.Use(origins.cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"credit-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if hub != nil {
			r.With(origins.require).Get("/ws", hub.HandleWS)
		}

		r.Route("/accounts/{address}", func(r chi.Router) {
			r.Get("/", svc.GetAccount)
			r.Get("/health", svc.GetHealth)
			r.Get("/card", svc.GetCard)
			r.Get("/history", svc.GetHistory)
			r.Get("/pending", svc.GetPending)
			r.Post("/refresh", svc.Refresh)
			r.Post("/actions", svc.SubmitAction)
			r.Post("/actions/cancel", svc.CancelAction)
		})
	})
	return r
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

type originPolicy map[string]bool

func newOriginPolicy(list []string) originPolicy {
	p := make(originPolicy, len(list))
	for _, o := range list {
		if o = normalizeOrigin(o); o != "" {
			p[o] = true
		}
	}
	return p
}

func normalizeOrigin(o string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
}

// allowed reports whether r may act on the API. Requests without an Origin
// header do not come from a browser page.
func (p originPolicy) allowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if p[normalizeOrigin(origin)] {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// cors grants listed origins cross-origin access and refuses state-changing
// requests from any other origin.
func (p originPolicy) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		w.Header().Add("Vary", "Origin")
		ok := p.allowed(r)
		if ok && origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		switch {
		case r.Method == http.MethodOptions && ok:
			w.WriteHeader(http.StatusNoContent)
			return
		case !ok && r.Method != http.MethodGet && r.Method != http.MethodHead:
			writeError(w, "origin not allowed", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// require refuses every request from an origin that is not allowed.
func (p originPolicy) require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.allowed(r) {
			writeError(w, "origin not allowed", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
