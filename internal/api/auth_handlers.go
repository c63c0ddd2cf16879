package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/adctf/backend/internal/auth"
)

type verifyRequest struct {
	Token string `json:"token"`
}

// verifyResponse mirrors the validation result on the wire: team_id is the
// "team{N}" form for team tokens and null otherwise.
type verifyResponse struct {
	Valid  bool    `json:"valid"`
	Role   string  `json:"role,omitempty"`
	TeamID *string `json:"team_id"`
}

func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		respondError(w, KindBadRequest, "No token provided")
		return
	}

	identity := s.auth.Validate(req.Token)
	resp := verifyResponse{Valid: identity.Valid}
	if identity.Valid {
		resp.Role = string(identity.Role)
		if identity.Role == auth.RoleTeam {
			key := identity.TeamKey()
			resp.TeamID = &key
		}
	}
	respond(w, http.StatusOK, resp)
}

// handleAuthToken hands a team its own token by id. The route is meant for
// the team service containers on the internal game network.
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["team_id"]
	if !strings.HasPrefix(key, "team") {
		respondError(w, KindBadRequest, "Invalid team_id format")
		return
	}
	teamID, err := strconv.Atoi(strings.TrimPrefix(key, "team"))
	if err != nil {
		respondError(w, KindBadRequest, "Invalid team_id format")
		return
	}

	token := s.auth.TeamToken(teamID)
	if token == "" {
		respondError(w, KindNotFound, "Team not found")
		return
	}
	respond(w, http.StatusOK, map[string]string{
		"team_id": key,
		"token":   token,
	})
}
