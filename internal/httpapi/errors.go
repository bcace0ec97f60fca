package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"voxd/pkg/types"
)

// HTTPError lets services carry their own HTTP status code.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case types.IsNotFound(err):
		return http.StatusNotFound
	case types.IsStateConflict(err):
		return http.StatusConflict
	case types.IsCapacity(err):
		return http.StatusInsufficientStorage
	case types.IsNetwork(err):
		return http.StatusBadGateway
	case errors.Is(err, types.ErrCancelled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a consistent JSON error payload.
func writeError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusFor(err), err.Error())
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
