package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/otcheredev/dicom-gateway/internal/models"
)

// LocalStore is the gateway's own instance store.
// *repository.InstanceRepository satisfies it.
type LocalStore interface {
	DeleteStudy(ctx context.Context, studyUID string) error
	DeleteSeries(ctx context.Context, seriesUID string) error
	CountSeriesInstances(ctx context.Context, seriesUID string) (int64, error)
	SeriesFiles(ctx context.Context, seriesUID string) ([]string, error)
}

// Sender pushes stored files to a device. *adapters.Client satisfies it.
type Sender interface {
	StoreFiles(ctx context.Context, device *models.Device, paths []string) []bool
}

type StorageHandler struct {
	store    LocalStore
	registry DeviceRegistry
	sender   Sender
}

func NewStorageHandler(store LocalStore, registry DeviceRegistry, sender Sender) *StorageHandler {
	return &StorageHandler{store: store, registry: registry, sender: sender}
}

// Routes mounts the local storage endpoints.
func (h *StorageHandler) Routes(r chi.Router) {
	r.Delete("/studies/{uid}", h.DeleteStudy)
	r.Delete("/series/{uid}", h.DeleteSeries)
	r.Get("/series/{uid}", h.Series)
	r.Post("/series/{uid}/send", h.Send)
}

// DeleteStudy removes a stored study and its files
func (h *StorageHandler) DeleteStudy(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteStudy(r.Context(), chi.URLParam(r, "uid")); err != nil {
		writeError(w, r, err, "Failed to delete study")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteSeries removes a stored series and its files
func (h *StorageHandler) DeleteSeries(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteSeries(r.Context(), chi.URLParam(r, "uid")); err != nil {
		writeError(w, r, err, "Failed to delete series")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Series reports how many instances of a series are held locally
func (h *StorageHandler) Series(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	n, err := h.store.CountSeriesInstances(r.Context(), uid)
	if err != nil {
		writeError(w, r, err, "Failed to count instances")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"SeriesInstanceUID": uid, "instances": n})
}

type sendRequest struct {
	Device string `json:"device"`
}

type sendResponse struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Send stores every local instance of a series on a device
func (h *StorageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decode(w, r, &req) {
		return
	}
	device, err := h.registry.Get(r.Context(), req.Device)
	if err != nil {
		writeError(w, r, err, "Failed to get device")
		return
	}
	paths, err := h.store.SeriesFiles(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		writeError(w, r, err, "Failed to list series files")
		return
	}

	var resp sendResponse
	for _, ok := range h.sender.StoreFiles(r.Context(), device, paths) {
		if ok {
			resp.Sent++
		} else {
			resp.Failed++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
