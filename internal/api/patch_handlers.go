package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/adctf/backend/internal/auth"
)

const maxPatchUpload = 10 << 20 // 10 MiB

func respondPatchError(w http.ResponseWriter, kind Kind, message string) {
	respond(w, kind.status(), map[string]any{"success": false, "message": message})
}

func (s *Server) handlePatchUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxPatchUpload); err != nil {
		respondPatchError(w, KindBadRequest, "No file uploaded")
		return
	}

	identity := s.auth.Validate(r.FormValue("token"))
	if !identity.Valid {
		respondPatchError(w, KindUnauthorized, "Invalid token")
		return
	}
	if identity.Role != auth.RoleTeam {
		respondPatchError(w, KindForbidden, "Only teams can upload patches")
		return
	}

	file, header, err := r.FormFile("patch")
	if err != nil {
		respondPatchError(w, KindBadRequest, "No file uploaded")
		return
	}
	defer file.Close()

	if header.Filename == "" {
		respondPatchError(w, KindBadRequest, "No file selected")
		return
	}
	if !strings.HasSuffix(strings.ToLower(header.Filename), ".py") {
		respondPatchError(w, KindBadRequest, "Only .py files allowed")
		return
	}

	if err := s.patches.Upload(identity.TeamID, file); err != nil {
		slog.Error("Patch upload failed", "team", identity.TeamID, "error", err)
		respondPatchError(w, KindInternal, "Failed to store patch")
		return
	}

	slog.Info("Patch uploaded", "team", identity.TeamID, "filename", header.Filename)
	respond(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Patch uploaded successfully. Will be applied in next patch phase.",
	})
}

func (s *Server) handlePatchDownload(w http.ResponseWriter, r *http.Request) {
	identity := s.identify(r)
	if !identity.Valid {
		respondError(w, KindUnauthorized, "Invalid token")
		return
	}

	var teamID int
	if raw, ok := mux.Vars(r)["team_id"]; ok {
		id, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, KindBadRequest, "Invalid team id")
			return
		}
		if identity.Role != auth.RoleAdmin && identity.TeamID != id {
			respondError(w, KindForbidden, "Access denied")
			return
		}
		teamID = id
	} else {
		if identity.Role != auth.RoleTeam {
			respondError(w, KindForbidden, "Access denied")
			return
		}
		teamID = identity.TeamID
	}

	data, err := s.patches.Fetch(teamID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			respondError(w, KindNotFound, "Patch not found")
			return
		}
		slog.Error("Patch download failed", "team", teamID, "error", err)
		respondError(w, KindInternal, "Internal server error")
		return
	}

	w.Header().Set("Content-Type", "text/x-python")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=team%d_patch.py", teamID))
	w.Write(data)
}

type patchListEntry struct {
	TeamID     int    `json:"team_id"`
	TeamName   string `json:"team_name"`
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	UploadTime string `json:"upload_time"`
}

func (s *Server) handlePatchList(w http.ResponseWriter, r *http.Request) {
	identity := s.identify(r)
	if !identity.Valid {
		respondError(w, KindUnauthorized, "Invalid token")
		return
	}

	infos, err := s.patches.List(s.teamNames())
	if err != nil {
		slog.Error("Patch listing failed", "error", err)
		respondError(w, KindInternal, "Internal server error")
		return
	}

	patches := []patchListEntry{}
	for _, info := range infos {
		patches = append(patches, patchListEntry{
			TeamID:     info.TeamID,
			TeamName:   info.TeamName,
			Filename:   info.Filename,
			Size:       info.Size,
			UploadTime: info.Modified.In(s.loc).Format(time.RFC3339),
		})
	}
	respond(w, http.StatusOK, map[string]any{
		"success": true,
		"patches": patches,
		"count":   len(patches),
	})
}
