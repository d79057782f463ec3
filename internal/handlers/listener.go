package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/otcheredev/dicom-gateway/internal/middleware"
	"github.com/otcheredev/dicom-gateway/internal/models"
	"github.com/otcheredev/dicom-gateway/internal/storescp"
)

// StoreListener is the part of *storescp.Listener the HTTP layer drives.
type StoreListener interface {
	Config() storescp.Config
	Running() bool
	Start() error
	Stop(ctx context.Context) error
	Reconfigure(ctx context.Context, cfg storescp.Config) error
}

// AuditLog lists and records audit entries. *repository.AuditRepository
// satisfies it.
type AuditLog interface {
	Create(ctx context.Context, entry *models.AuditLog) error
	List(ctx context.Context, f models.AuditFilter) ([]models.AuditLog, error)
}

type ListenerHandler struct {
	listener StoreListener
	registry DeviceRegistry
	audit    AuditLog
}

func NewListenerHandler(listener StoreListener, registry DeviceRegistry, audit AuditLog) *ListenerHandler {
	return &ListenerHandler{listener: listener, registry: registry, audit: audit}
}

// Routes mounts the listener endpoints.
func (h *ListenerHandler) Routes(r chi.Router) {
	r.Get("/", h.Get)
	r.Put("/", h.Reconfigure)
	r.Post("/start", h.Start)
	r.Post("/stop", h.Stop)
}

type listenerResponse struct {
	storescp.Config
	Running bool `json:"running"`
}

func (h *ListenerHandler) state() listenerResponse {
	return listenerResponse{Config: h.listener.Config(), Running: h.listener.Running()}
}

// Get returns the listener configuration and state
func (h *ListenerHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state())
}

// Reconfigure applies a new AE title, address, port or PDU size. If the
// new endpoint cannot be bound the previous one keeps serving.
func (h *ListenerHandler) Reconfigure(w http.ResponseWriter, r *http.Request) {
	next := h.listener.Config()
	if !decode(w, r, &next) {
		return
	}
	err := h.listener.Reconfigure(r.Context(), next)
	h.record(r, next, err)
	if err != nil {
		if errors.Is(err, storescp.ErrInvalidConfig) {
			writeError(w, r, err, "Invalid listener configuration")
			return
		}
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	h.syncRegistry(r, next)
	writeJSON(w, http.StatusOK, h.state())
}

// syncRegistry keeps the local store entry pointing at the listener.
func (h *ListenerHandler) syncRegistry(r *http.Request, cfg storescp.Config) {
	if h.registry == nil {
		return
	}
	local, err := h.registry.Get(r.Context(), models.LocalStoreName)
	if err != nil {
		return
	}
	local.AETitle, local.Port = cfg.AETitle, cfg.Port
	if err := h.registry.Upsert(r.Context(), local); err != nil {
		middleware.Logger(r.Context()).Warn().Err(err).Msg("Failed to update local store entry")
	}
}

func (h *ListenerHandler) record(r *http.Request, cfg storescp.Config, err error) {
	if h.audit == nil {
		return
	}
	entry := &models.AuditLog{
		Action:       models.AuditListenerReconfig,
		Device:       models.LocalStoreName,
		ResourceType: "LISTENER",
		ResourceUID:  cfg.AETitle,
		Status:       "success",
	}
	if err != nil {
		entry.Status = "failure"
		entry.ErrorMessage = err.Error()
	}
	if aerr := h.audit.Create(r.Context(), entry); aerr != nil {
		middleware.Logger(r.Context()).Warn().Err(aerr).Msg("Failed to record audit entry")
	}
}

// Start starts a stopped listener
func (h *ListenerHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.listener.Start(); err != nil {
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h.state())
}

// Stop stops accepting associations
func (h *ListenerHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.listener.Stop(r.Context()); err != nil {
		writeError(w, r, err, "Failed to stop listener")
		return
	}
	writeJSON(w, http.StatusOK, h.state())
}
