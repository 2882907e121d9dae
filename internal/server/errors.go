package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/overture-stack/score-int/internal/cloud/storage"
	"github.com/overture-stack/score-int/internal/models"
)

// statusFor maps an error to its HTTP status and code. IncompletePartSet is
// checked before Conflict since both answer 409.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrIncompletePartSet):
		return http.StatusConflict, models.CodeIncompletePartSet
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict, models.CodeConflict
	case errors.Is(err, storage.ErrInvalidArgument):
		return http.StatusBadRequest, models.CodeInvalidArgument
	case errors.Is(err, storage.ErrUnauthorized):
		return http.StatusUnauthorized, models.CodeUnauthorized
	case errors.Is(err, storage.ErrForbidden):
		return http.StatusForbidden, models.CodeForbidden
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, models.CodeNotFound
	case errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable, models.CodeUnavailable
	default:
		return http.StatusInternalServerError, models.CodeInternal
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		// backend errors can carry bucket names and endpoints
		msg = http.StatusText(status)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.ErrorResponse{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
