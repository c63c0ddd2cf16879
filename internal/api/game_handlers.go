package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/adctf/backend/internal/auth"
	"github.com/adctf/backend/internal/game"
)

// requireAdmin validates the request as the admin. The JSON body form
// {"token": "..."} is accepted alongside the Authorization header for the
// control endpoints.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	token := tokenFromRequest(r)
	if token == "" && r.Body != nil {
		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			token = body.Token
		}
	}

	identity := s.auth.Validate(token)
	if !identity.Valid {
		respondError(w, KindUnauthorized, "Invalid token")
		return false
	}
	if identity.Role != auth.RoleAdmin {
		respondError(w, KindForbidden, "Admin access required")
		return false
	}
	return true
}

func (s *Server) handleGameStart(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	if err := s.scheduler.Start(); err != nil {
		if errors.Is(err, game.ErrAlreadyStarted) {
			respondError(w, KindBadRequest, "Game already started")
			return
		}
		slog.Error("Failed to start game", "error", err)
		respondError(w, KindInternal, "Internal server error")
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Game started successfully",
	})
}

func (s *Server) handleGameStop(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	if !s.scheduler.Snapshot().Started {
		respondError(w, KindBadRequest, "Game not started")
		return
	}
	s.scheduler.Stop()
	respond(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Game stopped successfully",
	})
}

// handleAdminLogs summarizes recent accepted captures for the admin console.
func (s *Server) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	records, err := s.store.SubmissionHistory(historyLimit)
	if err != nil {
		slog.Error("Failed to load submission history", "error", err)
		respondError(w, KindInternal, "Internal server error")
		return
	}

	snap := s.scheduler.Snapshot()
	logs := []string{
		fmt.Sprintf("game_started=%t current_round=%d phase=%s remaining=%ds",
			snap.Started, snap.CurrentRound, snap.Phase, snap.RemainingSeconds),
	}
	for _, rec := range records {
		logs = append(logs, fmt.Sprintf("%s %s captured a flag from %s",
			rec.SubmittedAt.In(s.loc).Format("2006-01-02 15:04:05"),
			rec.AttackerTeam, rec.VictimTeam))
	}
	respond(w, http.StatusOK, map[string]any{"logs": logs})
}
