package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	tieredcache "github.com/wolfeidau/tiered-cache"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 8 << 20

// envelope is the {"success": bool, ...} response body.
type envelope map[string]any

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}

func writeOK(w http.ResponseWriter, body envelope) {
	if body == nil {
		body = envelope{}
	}
	body["success"] = true
	writeJSON(w, http.StatusOK, body)
}

func writeFailure(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{"success": false, "error": msg})
}

// writeError maps err to a status: validation 400, everything else 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, tieredcache.ErrValidation) {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Error("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"storage", tieredcache.IsStorageError(err),
		"error", err,
	)
	writeFailure(w, http.StatusInternalServerError, err.Error())
}

// decodeBody reads a JSON request body into v, reporting failures as
// validation errors.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return tieredcache.Validationf("request body is required")
		}
		return tieredcache.Validationf("invalid request body: %v", err)
	}
	return nil
}

// intQuery parses an optional integer query parameter.
func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, tieredcache.Validationf("%s must be an integer, got %q", name, raw)
	}
	return n, nil
}
