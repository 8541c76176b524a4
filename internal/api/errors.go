package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"taskmesh/internal/domain"

	"github.com/rs/zerolog/hlog"
)

var errorCodes = []struct {
	err    error
	code   string
	status int
}{
	{domain.ErrValidation, "validation", http.StatusBadRequest},
	{domain.ErrNotFound, "not_found", http.StatusNotFound},
	{domain.ErrOwnership, "ownership", http.StatusForbidden},
	{domain.ErrConflict, "conflict", http.StatusConflict},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			writeJSON(w, c.status, errorResp{Error: c.code, Message: err.Error()})
			return
		}
	}
	hlog.FromRequest(r).Error().Err(err).Msg("request failed")
	writeJSON(w, http.StatusInternalServerError, errorResp{Error: "internal", Message: err.Error()})
}

// decodeError turns an error body back into the matching domain error.
func decodeError(status int, body []byte) error {
	var e errorResp
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		return fmt.Errorf("gateway returned %d: %s", status, body)
	}
	for _, c := range errorCodes {
		if c.code == e.Error {
			return fmt.Errorf("%w (remote: %s)", c.err, e.Message)
		}
	}
	return fmt.Errorf("gateway returned %d %s: %s", status, e.Error, e.Message)
}
