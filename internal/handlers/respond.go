// Package handlers is the HTTP surface of the gateway: thin chi handlers
// over the task manager, the device registry, the check-storage engine and
// the store listener.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/otcheredev/dicom-gateway/internal/checkstorage"
	"github.com/otcheredev/dicom-gateway/internal/middleware"
	"github.com/otcheredev/dicom-gateway/internal/models"
	"github.com/otcheredev/dicom-gateway/internal/storescp"
	"github.com/otcheredev/dicom-gateway/internal/tasks"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case tasks.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, checkstorage.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, tasks.ErrInvalidTask),
		errors.Is(err, tasks.ErrInvalidAction),
		errors.Is(err, models.ErrInvalidDevice),
		errors.Is(err, checkstorage.ErrInvalidDate),
		errors.Is(err, checkstorage.ErrInvalidRule),
		errors.Is(err, storescp.ErrInvalidConfig):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		middleware.Logger(r.Context()).Error().Err(err).Msg(msg)
		writeJSON(w, status, errorResponse{Error: msg})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return false
	}
	return true
}
