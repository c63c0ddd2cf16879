package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/adctf/backend/internal/auth"
	"github.com/adctf/backend/internal/events"
	"github.com/adctf/backend/internal/flags"
)

const historyLimit = 100

// timestamp layout for the public capture feed, rendered in the display zone.
const historyTimeLayout = "2006-01-02 PM 03:04:05"

type submitRequest struct {
	Token string `json:"token"`
	Flag  string `json:"flag"`
}

func (s *Server) handleFlagSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" || req.Flag == "" {
		respondError(w, KindBadRequest, "Missing token or flag")
		return
	}

	identity := s.auth.Validate(req.Token)
	if !identity.Valid {
		respondError(w, KindUnauthorized, "Invalid token")
		return
	}
	if identity.Role != auth.RoleTeam {
		respondError(w, KindForbidden, "Only teams can submit flags")
		return
	}

	if !s.scheduler.Snapshot().Started {
		respondError(w, KindUnavailable, "Game not started")
		return
	}
	current, err := s.store.CurrentRound()
	if err != nil {
		slog.Error("Failed to load current round", "error", err)
		respondError(w, KindInternal, "Internal server error")
		return
	}
	if current == nil {
		respondError(w, KindUnavailable, "No active round")
		return
	}

	result, err := s.store.SubmitFlag(identity.TeamID, req.Flag, current.ID)
	if err != nil {
		slog.Error("Flag submission failed", "team", identity.TeamID, "error", err)
		respondError(w, KindInternal, "Internal server error")
		return
	}
	s.metrics.Submissions.WithLabelValues(submissionLabel(result.Success, result.Message)).Inc()

	if result.Success {
		slog.Info("Flag captured",
			"attacker", identity.TeamID, "victim", result.TargetTeamID, "round", current.RoundNumber)
		s.broadcaster.Broadcast(events.EventFlagCaptured, map[string]any{
			"attacker_id": identity.TeamID,
			"victim_id":   result.TargetTeamID,
			"round":       current.RoundNumber,
		})
	}
	respond(w, http.StatusOK, result)
}

func submissionLabel(success bool, message string) string {
	switch {
	case success:
		return "accepted"
	case message == "Cannot submit your own flag":
		return "self"
	case message == "This flag has already been submitted":
		return "replay"
	default:
		return "invalid"
	}
}

// authorizeTeamAccess checks that the request may read team-private data for
// teamID: the team itself or the admin.
func (s *Server) authorizeTeamAccess(w http.ResponseWriter, r *http.Request, teamID int) bool {
	identity := s.identify(r)
	if !identity.Valid {
		respondError(w, KindUnauthorized, "Invalid token")
		return false
	}
	if identity.Role != auth.RoleAdmin && identity.TeamID != teamID {
		respondError(w, KindForbidden, "Access denied")
		return false
	}
	return true
}

func (s *Server) handleTeamFlag(w http.ResponseWriter, r *http.Request) {
	teamID, err := strconv.Atoi(mux.Vars(r)["team_id"])
	if err != nil {
		respondError(w, KindBadRequest, "Invalid team id")
		return
	}
	if !s.authorizeTeamAccess(w, r, teamID) {
		return
	}

	vulnType := r.URL.Query().Get("type")
	if vulnType == "" {
		vulnType = flags.VulnTypes[0]
	}
	if !validVulnType(vulnType) {
		respondError(w, KindBadRequest, "Invalid vulnerability type")
		return
	}

	current, err := s.store.CurrentRound()
	if err != nil {
		slog.Error("Failed to load current round", "error", err)
		respondError(w, KindInternal, "Internal server error")
		return
	}
	if current == nil {
		respondError(w, KindUnavailable, "No active round")
		return
	}

	value, err := s.factory.TeamFlag(teamID, current.ID, vulnType)
	if err != nil {
		slog.Error("Failed to load team flag", "team", teamID, "error", err)
		respondError(w, KindInternal, "Internal server error")
		return
	}
	if value == "" {
		respondError(w, KindNotFound, "Flag not found")
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"team_id": teamID,
		"round":   current.RoundNumber,
		"flag":    value,
	})
}

func (s *Server) handleTeamFlags(w http.ResponseWriter, r *http.Request) {
	teamID, err := strconv.Atoi(mux.Vars(r)["team_id"])
	if err != nil {
		respondError(w, KindBadRequest, "Invalid team id")
		return
	}
	if !s.authorizeTeamAccess(w, r, teamID) {
		return
	}

	current, err := s.store.CurrentRound()
	if err != nil {
		slog.Error("Failed to load current round", "error", err)
		respondError(w, KindInternal, "Internal server error")
		return
	}
	if current == nil {
		// Patching phase: the team service polls this endpoint continuously,
		// so answer with empty placeholders instead of an error.
		empty := make(map[string]string, len(flags.VulnTypes))
		for _, vuln := range flags.VulnTypes {
			empty[vuln] = ""
		}
		respond(w, http.StatusOK, map[string]any{
			"team_id": teamID,
			"round":   0,
			"flags":   empty,
		})
		return
	}

	teamFlags, err := s.factory.TeamAllFlags(teamID, current.ID)
	if err != nil {
		slog.Error("Failed to load team flags", "team", teamID, "error", err)
		respondError(w, KindInternal, "Internal server error")
		return
	}
	if len(teamFlags) == 0 {
		respondError(w, KindNotFound, "Flags not found")
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"team_id": teamID,
		"round":   current.RoundNumber,
		"flags":   teamFlags,
	})
}

func validVulnType(v string) bool {
	for _, vuln := range flags.VulnTypes {
		if v == vuln {
			return true
		}
	}
	return false
}

type historyEntry struct {
	Timestamp string `json:"timestamp"`
	Flag      string `json:"flag"`
	Attacker  string `json:"attacker"`
	Victim    string `json:"victim"`
	Success   bool   `json:"success"`
}

// handleFlagHistory returns the public capture feed: the most recent
// accepted submissions with flag values masked past the prefix.
func (s *Server) handleFlagHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.SubmissionHistory(historyLimit)
	if err != nil {
		slog.Error("Failed to load submission history", "error", err)
		respondError(w, KindInternal, "Internal server error")
		return
	}

	history := []historyEntry{}
	for _, rec := range records {
		history = append(history, historyEntry{
			Timestamp: rec.SubmittedAt.In(s.loc).Format(historyTimeLayout),
			Flag:      maskFlag(rec.FlagValue),
			Attacker:  rec.AttackerTeam,
			Victim:    rec.VictimTeam,
			Success:   true,
		})
	}
	respond(w, http.StatusOK, map[string]any{"history": history})
}

// maskFlag keeps the first 8 characters and blanks the rest.
func maskFlag(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8] + strings.Repeat("*", len(v)-8)
}
