package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/convos-project/instance-orchestrator/internal/service"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps service error codes onto HTTP statuses. Anything
// without a code, including raw upstream failures, is a 500.
func writeServiceError(w http.ResponseWriter, err error) {
	var svcErr *service.ServiceError
	if errors.As(err, &svcErr) {
		switch svcErr.Code {
		case service.ErrCodeNotFound:
			writeError(w, http.StatusNotFound, svcErr.Message)
			return
		case service.ErrCodeConflict:
			writeError(w, http.StatusConflict, svcErr.Message)
			return
		case service.ErrCodeValidation:
			writeError(w, http.StatusBadRequest, svcErr.Message)
			return
		}
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
