// Package server exposes session state and control over a local HTTP API.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rjeffmyers/vpnrdp/common"
	"github.com/rjeffmyers/vpnrdp/credentials"
	"github.com/rjeffmyers/vpnrdp/history"
	"github.com/rjeffmyers/vpnrdp/orchestrator"
	"github.com/rjeffmyers/vpnrdp/profile"
	"github.com/rjeffmyers/vpnrdp/stats"
)

// Sessions is the orchestrator surface the API drives.
type Sessions interface {
	Connect(ctx context.Context, profileName string, creds credentials.Credentials) (string, error)
	Disconnect(ctx context.Context, sessionID string) error
	Subscribe(ctx context.Context, sessionID string) (<-chan orchestrator.Snapshot, error)
	Session(sessionID string) (orchestrator.Info, error)
	Sessions() []orchestrator.Info
	Active() (orchestrator.Info, bool)
	Acknowledge(sessionID string) error
}

// Profiles lists and looks up profiles.
type Profiles interface {
	List() []*profile.Profile
	Get(name string) (*profile.Profile, error)
}

// CredentialSource resolves stored secrets. The API never prompts.
type CredentialSource interface {
	ResolveAll(p *profile.Profile) (credentials.Credentials, []credentials.Kind, error)
}

// TrafficView exposes sampled traffic.
type TrafficView interface {
	Latest() (stats.Sample, bool)
	History() []stats.Sample
}

// HistoryView lists past sessions.
type HistoryView interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// Options carries the optional collaborators. Nil views disable their
// endpoints.
type Options struct {
	Profiles    Profiles
	Credentials CredentialSource
	Traffic     TrafficView
	History     HistoryView
	// TokenHash is the bcrypt hash of the bearer token. Empty disables
	// authentication.
	TokenHash string
	// DisconnectTimeout bounds a disconnect request.
	DisconnectTimeout time.Duration
}

// Server serves the API.
type Server struct {
	sessions Sessions
	opts     Options
}

// New creates a Server.
func New(sessions Sessions, opts Options) *Server {
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = 2 * common.StopGracePeriod
	}
	return &Server{sessions: sessions, opts: opts}
}

// Router constructs the http.Handler with all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(s.requireToken)

		api.Get("/status", s.handleStatus)
		api.Get("/profiles", s.handleListProfiles)
		api.Post("/profiles/{name}/connect", s.handleConnect)
		api.Get("/sessions", s.handleListSessions)
		api.Get("/sessions/{id}", s.handleGetSession)
		api.Delete("/sessions/{id}", s.handleAcknowledge)
		api.Post("/sessions/{id}/disconnect", s.handleDisconnect)
		api.Get("/sessions/{id}/events", s.handleEvents)
		api.Get("/history", s.handleHistory)
	})
	return r
}

// ListenAndServe serves on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		common.LogInfo("API: Listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), common.ManagementTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		common.LogDebug("API: %s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}
