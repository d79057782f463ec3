package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/otcheredev/dicom-gateway/internal/models"
)

type AuditHandler struct {
	audit AuditLog
}

func NewAuditHandler(audit AuditLog) *AuditHandler {
	return &AuditHandler{audit: audit}
}

// List returns audit entries newest first. Query parameters: device,
// action, resource_uid, since (RFC 3339), limit (default 100) and offset.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.AuditFilter{
		Device:      q.Get("device"),
		Action:      q.Get("action"),
		ResourceUID: q.Get("resource_uid"),
		Limit:       100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid limit"})
			return
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid offset"})
			return
		}
		f.Offset = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid since"})
			return
		}
		f.Since = t
	}

	logs, err := h.audit.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err, "Failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, logs)
}
