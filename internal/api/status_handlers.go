package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/adctf/backend/internal/game"
	"github.com/adctf/backend/internal/store"
)

// roundInfo is the live phase block of the status payload.
type roundInfo struct {
	RoundID          int64  `json:"round_id"`
	RoundNumber      int    `json:"round_number"`
	Phase            string `json:"phase"`
	RemainingSeconds int    `json:"remaining_seconds"`
	StartTime        string `json:"start_time"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.scheduler.Snapshot()

	resp := map[string]any{
		"game_started":   snap.Started,
		"current_round":  snap.CurrentRound,
		"round_duration": s.cfg.Game.RoundDuration,
		"patch_duration": s.cfg.Game.PatchDuration,
		"num_teams":      s.cfg.Game.NumTeams,
		"round_info":     nil,
	}

	if info := s.currentRoundInfo(snap); info != nil {
		resp["round_info"] = info
	}
	respond(w, http.StatusOK, resp)
}

// currentRoundInfo derives the displayed phase from the active round's start
// time and the configured durations. During patching there is no active
// round, so the scheduler snapshot carries the countdown instead.
func (s *Server) currentRoundInfo(snap game.State) *roundInfo {
	current, err := s.store.CurrentRound()
	if err != nil {
		slog.Error("Failed to load current round", "error", err)
		return nil
	}

	if current == nil {
		if snap.Phase != game.PhasePatching {
			return nil
		}
		return &roundInfo{
			RoundID:          snap.RoundID,
			RoundNumber:      snap.CurrentRound,
			Phase:            string(game.PhasePatching),
			RemainingSeconds: snap.RemainingSeconds,
			StartTime:        snap.PhaseStart.In(s.loc).Format(time.RFC3339),
		}
	}

	roundDuration := time.Duration(s.cfg.Game.RoundDuration) * time.Second
	patchDuration := time.Duration(s.cfg.Game.PatchDuration) * time.Second
	elapsed := time.Since(current.StartTime)

	info := &roundInfo{
		RoundID:     current.ID,
		RoundNumber: current.RoundNumber,
		StartTime:   current.StartTime.In(s.loc).Format(time.RFC3339),
	}
	switch {
	case elapsed < roundDuration:
		info.Phase = string(game.PhasePlaying)
		info.RemainingSeconds = int((roundDuration - elapsed).Seconds())
	case elapsed < roundDuration+patchDuration:
		info.Phase = string(game.PhasePatching)
		info.RemainingSeconds = int((roundDuration + patchDuration - elapsed).Seconds())
	default:
		info.Phase = "waiting"
		info.RemainingSeconds = 0
	}
	return info
}

func (s *Server) handleTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := s.store.Teams()
	if err != nil {
		slog.Error("Failed to list teams", "error", err)
		respondError(w, KindInternal, "Internal server error")
		return
	}
	if teams == nil {
		teams = []store.Team{}
	}
	respond(w, http.StatusOK, map[string]any{"teams": teams})
}

func (s *Server) handleScoreboard(w http.ResponseWriter, r *http.Request) {
	board, err := s.store.Scoreboard()
	if err != nil {
		slog.Error("Failed to build scoreboard", "error", err)
		respondError(w, KindInternal, "Internal server error")
		return
	}
	if board == nil {
		board = []store.ScoreboardEntry{}
	}
	respond(w, http.StatusOK, map[string]any{
		"current_round": s.scheduler.Snapshot().CurrentRound,
		"scoreboard":    board,
	})
}

func (s *Server) handleRoundScores(w http.ResponseWriter, r *http.Request) {
	roundNumber, err := strconv.Atoi(mux.Vars(r)["round_number"])
	if err != nil {
		respondError(w, KindBadRequest, "Invalid round number")
		return
	}

	roundID, err := s.store.RoundIDByNumber(roundNumber)
	if err != nil {
		respondError(w, KindNotFound, "Round not found")
		return
	}
	scores, err := s.store.RoundScores(roundID)
	if err != nil {
		slog.Error("Failed to load round scores", "round", roundNumber, "error", err)
		respondError(w, KindInternal, "Internal server error")
		return
	}
	if scores == nil {
		scores = []store.ScoreRow{}
	}
	respond(w, http.StatusOK, map[string]any{
		"round":  roundNumber,
		"scores": scores,
	})
}

type serviceStatusEntry struct {
	TeamID       int     `json:"team_id"`
	TeamName     string  `json:"team_name"`
	IsUp         bool    `json:"is_up"`
	ResponseTime float64 `json:"response_time"`
	ErrorMessage string  `json:"error_message,omitempty"`
	CheckedAt    string  `json:"checked_at"`
}

func (s *Server) handleServiceStatus(w http.ResponseWriter, r *http.Request) {
	current, err := s.store.CurrentRound()
	if err != nil {
		slog.Error("Failed to load current round", "error", err)
		respondError(w, KindInternal, "Internal server error")
		return
	}
	services := []serviceStatusEntry{}
	if current == nil {
		respond(w, http.StatusOK, map[string]any{"services": services})
		return
	}

	probes, err := s.store.LatestProbes(current.ID)
	if err != nil {
		slog.Error("Failed to load service status", "error", err)
		respondError(w, KindInternal, "Internal server error")
		return
	}
	names := s.teamNames()
	for _, p := range probes {
		services = append(services, serviceStatusEntry{
			TeamID:       p.TeamID,
			TeamName:     names[p.TeamID],
			IsUp:         p.IsUp,
			ResponseTime: p.ResponseTime,
			ErrorMessage: p.ErrorMessage,
			CheckedAt:    p.CheckedAt.In(s.loc).Format(time.RFC3339),
		})
	}
	respond(w, http.StatusOK, map[string]any{"services": services})
}

func (s *Server) teamNames() map[int]string {
	names := make(map[int]string)
	teams, err := s.store.Teams()
	if err != nil {
		slog.Error("Failed to list teams", "error", err)
		return names
	}
	for _, t := range teams {
		names[t.ID] = t.Name
	}
	return names
}
