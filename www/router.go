package www

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"opclink/config"
	"opclink/opcda"
	"opclink/poller"
)

// Backend provides access to the shared gateway state.
type Backend interface {
	GetConfig() *config.Config
	GetConfigPath() string
	GetProvider() opcda.Provider
	GetPoller() *poller.Poller
}

// Handlers holds all HTTP handlers for the REST API.
type Handlers struct {
	cfg      *config.WebConfig
	backend  Backend
	sessions *sessionStore
	log      zerolog.Logger
}

func newHandlers(cfg *config.WebConfig, backend Backend, log zerolog.Logger) *Handlers {
	return &Handlers{
		cfg:      cfg,
		backend:  backend,
		sessions: newSessionStore(cfg.UI.SessionSecret),
		log:      log,
	}
}

// NewRouter creates the REST API router.
func NewRouter(cfg *config.WebConfig, backend Backend, log zerolog.Logger) chi.Router {
	h := newHandlers(cfg, backend, log)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	// Public
	r.Get("/healthz", h.handleHealthz)
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware)

		r.Post("/api/password", h.handleChangePassword)

		r.Get("/api/servers", h.handleServers)
		r.Get("/api/servers/{name}/values", h.handleServerValues)
		r.Get("/api/discover", h.handleDiscover)
		r.Post("/api/browse", h.handleBrowse)
		r.Post("/api/read", h.handleRead)

		// Writes and configuration changes are admin only
		r.Group(func(r chi.Router) {
			r.Use(h.adminOnlyMiddleware)
			r.Post("/api/write", h.handleWrite)

			r.Route("/api/config", func(r chi.Router) {
				r.Get("/mqtt", h.handleListMQTT)
				r.Post("/mqtt", h.handleAddMQTT)
				r.Put("/mqtt/{name}", h.handleUpdateMQTT)
				r.Delete("/mqtt/{name}", h.handleDeleteMQTT)

				r.Get("/valkey", h.handleListValkey)
				r.Post("/valkey", h.handleAddValkey)
				r.Put("/valkey/{name}", h.handleUpdateValkey)
				r.Delete("/valkey/{name}", h.handleDeleteValkey)

				r.Get("/kafka", h.handleListKafka)
				r.Post("/kafka", h.handleAddKafka)
				r.Put("/kafka/{name}", h.handleUpdateKafka)
				r.Delete("/kafka/{name}", h.handleDeleteKafka)
			})
		})
	})

	return r
}

// authMiddleware rejects requests without a valid session.
func (h *Handlers) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, _, ok := h.sessions.getUser(r)
		if !ok || username == "" {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}

		// Verify user still exists in config
		if h.backend.GetConfig().FindWebUser(username) == nil {
			h.sessions.clear(w, r)
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// adminOnlyMiddleware rejects requests from non-admin sessions.
func (h *Handlers) adminOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, role, ok := h.sessions.getUser(r)
		if !ok || !isAdmin(role) {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
