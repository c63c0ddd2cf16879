// Package api exposes the game over HTTP: auth, status, scoreboard, flag
// submission, patch management and admin game control, plus the WebSocket
// event channel and Prometheus metrics.
package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adctf/backend/internal/auth"
	"github.com/adctf/backend/internal/config"
	"github.com/adctf/backend/internal/events"
	"github.com/adctf/backend/internal/flags"
	"github.com/adctf/backend/internal/game"
	"github.com/adctf/backend/internal/metrics"
	"github.com/adctf/backend/internal/patch"
	"github.com/adctf/backend/internal/store"
)

// displayZone is the timezone all human-facing timestamps are rendered in.
// Storage and scheduling stay on UTC.
const displayZone = "Asia/Taipei"

type Server struct {
	cfg         *config.Config
	store       *store.Store
	auth        *auth.Authority
	factory     *flags.Factory
	patches     *patch.Store
	scheduler   *game.Scheduler
	broadcaster *events.Broadcaster
	metrics     *metrics.Metrics
	loc         *time.Location
}

func NewServer(
	cfg *config.Config,
	st *store.Store,
	authority *auth.Authority,
	factory *flags.Factory,
	patches *patch.Store,
	scheduler *game.Scheduler,
	broadcaster *events.Broadcaster,
	m *metrics.Metrics,
) *Server {
	loc, err := time.LoadLocation(displayZone)
	if err != nil {
		slog.Warn("Timezone database missing display zone, falling back to UTC", "zone", displayZone)
		loc = time.UTC
	}
	return &Server{
		cfg:         cfg,
		store:       st,
		auth:        authority,
		factory:     factory,
		patches:     patches,
		scheduler:   scheduler,
		broadcaster: broadcaster,
		metrics:     m,
		loc:         loc,
	}
}

// Router builds the full route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/auth/verify", s.handleAuthVerify).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/token/{team_id}", s.handleAuthToken).Methods(http.MethodGet)

	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/teams", s.handleTeams).Methods(http.MethodGet)
	r.HandleFunc("/api/scoreboard", s.handleScoreboard).Methods(http.MethodGet)
	r.HandleFunc("/api/round/{round_number}/scores", s.handleRoundScores).Methods(http.MethodGet)
	r.HandleFunc("/api/service-status", s.handleServiceStatus).Methods(http.MethodGet)

	r.HandleFunc("/api/flag/submit", s.handleFlagSubmit).Methods(http.MethodPost)
	r.HandleFunc("/api/flag/history", s.handleFlagHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/team/{team_id}/flag", s.handleTeamFlag).Methods(http.MethodGet)
	r.HandleFunc("/api/team/{team_id}/flags", s.handleTeamFlags).Methods(http.MethodGet)

	r.HandleFunc("/api/patch/upload", s.handlePatchUpload).Methods(http.MethodPost)
	r.HandleFunc("/api/patch/download", s.handlePatchDownload).Methods(http.MethodGet)
	r.HandleFunc("/api/patch/download/{team_id}", s.handlePatchDownload).Methods(http.MethodGet)
	r.HandleFunc("/api/patch/list", s.handlePatchList).Methods(http.MethodGet)

	r.HandleFunc("/api/game/start", s.handleGameStart).Methods(http.MethodPost)
	r.HandleFunc("/api/game/stop", s.handleGameStop).Methods(http.MethodPost)
	r.HandleFunc("/api/admin/logs", s.handleAdminLogs).Methods(http.MethodGet)

	r.HandleFunc("/ws", s.broadcaster.HandleWebSocket)
	r.Handle("/metrics", promhttp.Handler())

	return corsMiddleware(r)
}

// corsMiddleware allows browser dashboards on any origin to talk to the API.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tokenFromRequest extracts the bearer token from the Authorization header
// or the token query parameter, in that order.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// identify validates the request's token. The error message never says
// which check failed.
func (s *Server) identify(r *http.Request) auth.Identity {
	return s.auth.Validate(tokenFromRequest(r))
}
