package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/otcheredev/dicom-gateway/internal/checkstorage"
	"github.com/otcheredev/dicom-gateway/internal/models"
	"github.com/otcheredev/dicom-gateway/pkg/dimse"
)

// DeviceRegistry is the part of *services.DeviceService the HTTP layer
// drives.
type DeviceRegistry interface {
	Get(ctx context.Context, name string) (*models.Device, error)
	List(ctx context.Context) ([]models.Device, error)
	Upsert(ctx context.Context, device *models.Device) error
	Delete(ctx context.Context, name string) error
	Echo(ctx context.Context, name string) (*models.EchoStatus, error)
	ProbeCountFields(ctx context.Context, name string) (*models.Device, error)
}

// StudyQuerier runs C-FIND queries. *adapters.Client satisfies it.
type StudyQuerier interface {
	QueryStudies(ctx context.Context, device *models.Device, criteria *dimse.Dataset, fields []string) []*dimse.Dataset
	QuerySeries(ctx context.Context, device *models.Device, studyUID string, criteria *dimse.Dataset, fields []string) []*dimse.Dataset
	QueryImages(ctx context.Context, device *models.Device, studyUID, seriesUID string, criteria *dimse.Dataset, fields []string) []*dimse.Dataset
}

type DeviceHandler struct {
	registry DeviceRegistry
	querier  StudyQuerier
	now      func() time.Time
}

func NewDeviceHandler(registry DeviceRegistry, querier StudyQuerier) *DeviceHandler {
	return &DeviceHandler{registry: registry, querier: querier, now: time.Now}
}

// Routes mounts the device endpoints.
func (h *DeviceHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Route("/{name}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/", h.Upsert)
		r.Delete("/", h.Delete)
		r.Post("/echo", h.Echo)
		r.Post("/probe", h.Probe)
		r.Get("/studies", h.SearchStudies)
		r.Get("/studies/{studyUID}/series", h.SearchSeries)
		r.Get("/studies/{studyUID}/series/{seriesUID}/instances", h.SearchInstances)
	})
}

// List returns every registered device
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	devices, err := h.registry.List(r.Context())
	if err != nil {
		writeError(w, r, err, "Failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

// Get returns one device with its filters
func (h *DeviceHandler) Get(w http.ResponseWriter, r *http.Request) {
	device, err := h.registry.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err, "Failed to get device")
		return
	}
	writeJSON(w, http.StatusOK, device)
}

// Upsert creates or replaces a device and its filters
func (h *DeviceHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	var device models.Device
	if !decode(w, r, &device) {
		return
	}
	device.Name = chi.URLParam(r, "name")
	if err := h.registry.Upsert(r.Context(), &device); err != nil {
		writeError(w, r, err, "Failed to save device")
		return
	}
	writeJSON(w, http.StatusOK, device)
}

// Delete removes a device
func (h *DeviceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, r, err, "Failed to delete device")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Echo verifies a device. An unreachable device is reported in the body
// with a 200.
func (h *DeviceHandler) Echo(w http.ResponseWriter, r *http.Request) {
	status, err := h.registry.Echo(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err, "Failed to verify device")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Probe determines the device's instance count attributes
func (h *DeviceHandler) Probe(w http.ResponseWriter, r *http.Request) {
	device, err := h.registry.ProbeCountFields(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err, "Failed to probe device")
		return
	}
	writeJSON(w, http.StatusOK, device)
}

// Matching keys accepted as query parameters on searches.
var searchKeys = []string{
	dimse.PatientID,
	dimse.PatientName,
	dimse.AccessionNumber,
	dimse.ModalitiesInStudy,
	dimse.StudyDescription,
	dimse.Modality,
	dimse.SeriesNumber,
	dimse.SeriesDescription,
}

func criteria(r *http.Request) *dimse.Dataset {
	ds := dimse.NewDataset()
	q := r.URL.Query()
	for _, kw := range searchKeys {
		if v := q.Get(kw); v != "" {
			ds.MustSet(kw, v)
		}
	}
	return ds
}

func maps(results []*dimse.Dataset) []map[string]string {
	out := make([]map[string]string, 0, len(results))
	for _, ds := range results {
		out = append(out, ds.Map())
	}
	return out
}

// SearchStudies queries the device at STUDY level. The study date comes
// from the date selector parameters: date=anydate|today|yesterday|day|range
// with start and end as YYYY-MM-DD.
func (h *DeviceHandler) SearchStudies(w http.ResponseWriter, r *http.Request) {
	device, err := h.registry.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err, "Failed to get device")
		return
	}
	q := r.URL.Query()
	dates, err := checkstorage.ParseDateSpec(q.Get("date"), q.Get("start"), q.Get("end"), h.now())
	if err != nil {
		writeError(w, r, err, "Invalid date selection")
		return
	}

	c := criteria(r)
	if !dates.Any() {
		c.MustSet(dimse.StudyDate, dates.String())
	}
	writeJSON(w, http.StatusOK, maps(h.querier.QueryStudies(r.Context(), device, c, nil)))
}

// SearchSeries queries the series of one study
func (h *DeviceHandler) SearchSeries(w http.ResponseWriter, r *http.Request) {
	device, err := h.registry.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err, "Failed to get device")
		return
	}
	results := h.querier.QuerySeries(r.Context(), device, chi.URLParam(r, "studyUID"), criteria(r), nil)
	writeJSON(w, http.StatusOK, maps(results))
}

// SearchInstances queries the instances of one series
func (h *DeviceHandler) SearchInstances(w http.ResponseWriter, r *http.Request) {
	device, err := h.registry.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err, "Failed to get device")
		return
	}
	results := h.querier.QueryImages(r.Context(), device,
		chi.URLParam(r, "studyUID"), chi.URLParam(r, "seriesUID"), criteria(r), nil)
	writeJSON(w, http.StatusOK, maps(results))
}
