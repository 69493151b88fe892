package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/zonedb/zonedb/internal/errors"
)

// errorEnvelope is the JSON error body every endpoint returns.
type errorEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// statusFor maps engine error codes onto HTTP statuses.
func statusFor(err error) int {
	switch errors.GetCode(err) {
	case errors.CodeInvalidKey, errors.CodeColocationMismatch:
		return http.StatusBadRequest
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeDuplicateZone, errors.CodeDuplicateTable,
		errors.CodeZoneAttached, errors.CodeConflict,
		errors.CodeTransactionFinished:
		return http.StatusConflict
	case errors.CodeTransactionExpired:
		return http.StatusGone
	case errors.CodePartitionUnavailable, errors.CodeAssignmentVersionClash:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorEnvelope{
		Code:    int(errors.GetCode(err)),
		Message: err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.Wrap(errors.CodeInvalidKey, "malformed request body", err)
	}
	return nil
}
