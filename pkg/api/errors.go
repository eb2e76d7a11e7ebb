package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/renderloop/renderq/pkg/types"
)

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Hint  string `json:"hint,omitempty"`
}

// statusFor maps a structured error kind to an HTTP status code.
func statusFor(kind types.ErrorKind) int {
	switch kind {
	case types.ErrValidation:
		return http.StatusBadRequest
	case types.ErrOutOfRange:
		return http.StatusUnprocessableEntity
	case types.ErrAuth:
		return http.StatusUnauthorized
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrTimeout:
		return http.StatusRequestTimeout
	case types.ErrBuildRequired:
		return http.StatusConflict
	case types.ErrRuntimeUnavailable:
		return http.StatusBadGateway
	case types.ErrCapacity:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	resp := errorResponse{Error: err.Error(), Kind: string(kind)}

	var se *types.Error
	if errors.As(err, &se) {
		resp.Error = se.Message
		resp.Hint = se.Hint
	}
	writeJSON(w, statusFor(kind), resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
