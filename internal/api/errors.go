package api

import (
	"encoding/json"
	"net/http"
)

// Kind classifies API failures; handlers translate kinds to HTTP codes at
// the boundary. Scheduler-internal failures never surface here.
type Kind int

const (
	KindNotFound Kind = iota
	KindUnauthorized
	KindForbidden
	KindBadRequest
	KindConflict
	KindUnavailable
	KindInternal
)

func (k Kind) status() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindBadRequest, KindUnavailable:
		// "No active round" and malformed payloads both read as client
		// errors on the wire.
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, kind Kind, message string) {
	respond(w, kind.status(), map[string]string{"error": message})
}
