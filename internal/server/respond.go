package server

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"

	"github.com/dshills/mercury/internal/plugin"
	"github.com/dshills/mercury/internal/plugin/manifest"
	"github.com/dshills/mercury/internal/plugin/registry"
	"github.com/dshills/mercury/internal/plugin/security"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"request_id"`
}

func sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func sendError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	sendJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			Details:   details,
			RequestID: RequestIDFrom(r.Context()),
		},
	})
}

// sendFailure maps a domain error onto a status and code.
func sendFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	sendError(w, r, status, code, err.Error(), nil)
}

func classify(err error) (int, string) {
	var merr *manifest.Error
	var lerr *plugin.LifecycleError

	switch {
	case errors.Is(err, plugin.ErrPluginNotFound),
		errors.Is(err, registry.ErrManifestNotFound),
		errors.Is(err, registry.ErrNotInstalled),
		errors.Is(err, security.ErrGrantNotFound),
		errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, registry.ErrAlreadyInstalled),
		errors.Is(err, security.ErrGrantNotPending),
		errors.Is(err, plugin.ErrPluginFailed),
		errors.Is(err, plugin.ErrNotActive):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, plugin.ErrNotInitialized):
		return http.StatusServiceUnavailable, "NOT_READY"
	case errors.Is(err, plugin.ErrIncompatible):
		return http.StatusUnprocessableEntity, "INCOMPATIBLE"
	case errors.Is(err, security.ErrPermissionDenied):
		return http.StatusUnprocessableEntity, "PERMISSION_REJECTED"
	case errors.As(err, &merr):
		return http.StatusUnprocessableEntity, "INVALID_MANIFEST"
	case errors.Is(err, registry.ErrBadBackup):
		return http.StatusUnprocessableEntity, "INVALID_BACKUP"
	case errors.As(err, &lerr):
		return http.StatusUnprocessableEntity, "PLUGIN_FAILED"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

// decodeJSON decodes the request body, replying 400 on failure. An empty
// body decodes to the zero value.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var input T
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil && !errors.Is(err, io.EOF) {
		sendError(w, r, http.StatusBadRequest, "INVALID_BODY", "Invalid JSON body", err.Error())
		return input, false
	}
	return input, true
}
