package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tripwire/bpffs"
	"github.com/tripwire/bpffs/internal/diag"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error      string           `json:"error"`
	Diagnostic *diag.Diagnostic `json:"diagnostic,omitempty"`
}

// statusFor maps a namespace error onto an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bpffs.ErrCompile), errors.Is(err, bpffs.ErrVerifier), errors.Is(err, bpffs.ErrAttach):
		return http.StatusUnprocessableEntity
	case errors.Is(err, bpffs.ErrInvalidState), errors.Is(err, bpffs.ErrExists):
		return http.StatusConflict
	case errors.Is(err, bpffs.ErrNotFound), errors.Is(err, bpffs.ErrUnavailable):
		return http.StatusNotFound
	case errors.Is(err, bpffs.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, bpffs.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, bpffs.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, bpffs.ErrNotSupported):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

// writeFailure writes err with its mapped status. A compile or verify
// failure carries the full diagnostic.
func writeFailure(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	if d, ok := diag.As(err); ok {
		body.Diagnostic = d
	}
	writeJSON(w, statusFor(err), body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
