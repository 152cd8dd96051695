// Package api implements the HTTP surface of the bustrack real-time service:
// the WebSocket endpoint, notification triggers, health and admin views.
package api

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"bustrack/internal/auth"
	"bustrack/internal/config"
	"bustrack/internal/notify"
	"bustrack/internal/realtime"
	"bustrack/internal/store"
)

type Server struct {
	Store     store.Store
	Hub       *realtime.Hub
	Auth      *auth.Verifier
	Publisher notify.Publisher
	Config    *config.AppConfig
	Log       zerolog.Logger

	ws      http.Handler
	limiter *ipLimiter
}

// NewServer wires the HTTP handlers around an existing hub and store.
// Notification triggers go to pub; a nil pub delivers to the hub in-process.
func NewServer(cfg *config.AppConfig, st store.Store, hub *realtime.Hub, pub notify.Publisher, log zerolog.Logger) *Server {
	if pub == nil {
		pub = notify.NewLocal(hub)
	}
	trusted, err := cfg.Rate.TrustedPrefixes()
	if err != nil {
		log.Warn().Err(err).Msg("ignoring trusted proxies")
		trusted = nil
	}
	ws := cfg.WebSocket
	return &Server{
		Store:     st,
		Hub:       hub,
		Auth:      auth.NewVerifier(auth.Options{Mode: cfg.Auth.Mode, HMACSecret: cfg.Auth.HMACSecret, JWKSURL: cfg.Auth.JWKSURL}),
		Publisher: pub,
		Config:    cfg,
		Log:       log,
		ws: realtime.NewHandler(hub, realtime.HandlerConfig{
			AuthTimeout:    ws.AuthTimeout,
			PongWait:       ws.PongWait,
			PingPeriod:     ws.PingPeriod,
			WriteWait:      ws.WriteWait,
			MaxMessageSize: ws.MaxMessageSize,
			CheckOrigin:    originChecker(ws.AllowedOrigins),
		}),
		limiter: newIPLimiter(cfg.Rate.RPS, cfg.Rate.Burst, trusted),
	}
}

// OpenStore returns the Postgres store when DATABASE_URL is set, else the
// seeded in-memory store. The returned func releases the store.
func OpenStore(cfg *config.AppConfig, log zerolog.Logger) (store.Store, func(), error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		m, err := store.NewSeededMemory(cfg.SeedFile)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("seed", orDefault(cfg.SeedFile, "embedded")).Msg("using in-memory store")
		return m, func() {}, nil
	}
	pg, err := store.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DBMigrate {
		if err := pg.MigrateDir(cfg.MigrationsDir); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		log.Info().Str("dir", cfg.MigrationsDir).Msg("migrations applied")
	}
	log.Info().Msg("using postgres store")
	return pg, func() { _ = pg.Close() }, nil
}

// Routes returns the service mux wrapped in the access log and metrics
// middleware.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Duplex channel
	mux.HandleFunc("/ws", s.WSHandler)

	// Notification triggers from the CRUD layer
	mux.HandleFunc("/v1/notify/incidents", s.IncidentsHandler)
	mux.HandleFunc("/v1/notify/stop-updates", s.StopUpdatesHandler)

	// Admin
	mux.HandleFunc("/v1/admin/connections", s.ConnectionsHandler)

	// Health and introspection
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.HandleFunc("/debug/vars", s.DebugJSON)
	mux.Handle("/metrics", metricsHandler())

	return s.logMiddleware(mux)
}

// WSHandler upgrades to the duplex channel, subject to the per-IP rate limit.
func (s *Server) WSHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeProblem(w, http.StatusMethodNotAllowed, "Method Not Allowed", "", r.URL.Path)
		return
	}
	if !s.limiter.Allow(s.limiter.clientIP(r)) {
		w.Header().Set("Retry-After", "1")
		writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "connection rate limit exceeded", r.URL.Path)
		return
	}
	s.ws.ServeHTTP(w, r)
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		_, ok := set[origin]
		return ok
	}
}

func orDefault(v, d string) string {
	if v == "" {
		return d
	}
	return v
}
