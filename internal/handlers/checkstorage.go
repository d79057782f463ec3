package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/otcheredev/dicom-gateway/internal/checkstorage"
	"github.com/otcheredev/dicom-gateway/internal/tasks"
	"github.com/otcheredev/dicom-gateway/pkg/dimse"
)

// Reconciler is the part of *checkstorage.Engine the HTTP layer drives.
type Reconciler interface {
	FindMissingSeries(ctx context.Context, deviceName string, dates checkstorage.DateSpec) (*checkstorage.Report, error)
	Status() checkstorage.Status
}

type CheckStorageHandler struct {
	engine  Reconciler
	manager TaskManager
	now     func() time.Time
}

func NewCheckStorageHandler(engine Reconciler, manager TaskManager) *CheckStorageHandler {
	return &CheckStorageHandler{engine: engine, manager: manager, now: time.Now}
}

// Routes mounts the check-storage endpoints.
func (h *CheckStorageHandler) Routes(r chi.Router) {
	r.Post("/", h.Run)
	r.Get("/status", h.Status)
}

type checkStorageRequest struct {
	Device string `json:"device"`
	Date   string `json:"date"`
	Start  string `json:"start"`
	End    string `json:"end"`
	// MoveTo, when set, creates a MOVE task per missing series to this
	// device.
	MoveTo string `json:"move_to,omitempty"`
}

type ignoredSeries struct {
	SeriesInstanceUID string `json:"SeriesInstanceUID"`
	SeriesDescription string `json:"SeriesDescription"`
	Reason            string `json:"reason"`
}

type checkStorageResponse struct {
	Device   string              `json:"device"`
	Dates    string              `json:"dates"`
	Missing  []map[string]string `json:"missing"`
	Ignored  []ignoredSeries     `json:"ignored"`
	Archived int                 `json:"archived"`
	Tasks    *submitResponse     `json:"tasks,omitempty"`
}

// Run performs one find-missing-series sweep and waits for it.
func (h *CheckStorageHandler) Run(w http.ResponseWriter, r *http.Request) {
	var req checkStorageRequest
	if !decode(w, r, &req) {
		return
	}
	dates, err := checkstorage.ParseDateSpec(req.Date, req.Start, req.End, h.now())
	if err != nil {
		writeError(w, r, err, "Invalid date selection")
		return
	}
	report, err := h.engine.FindMissingSeries(r.Context(), req.Device, dates)
	if err != nil {
		writeError(w, r, err, "Check-storage failed")
		return
	}

	resp := checkStorageResponse{
		Device:   report.Device.Name,
		Dates:    dates.String(),
		Missing:  report.MissingRows(),
		Ignored:  make([]ignoredSeries, 0, len(report.Ignored)),
		Archived: len(report.Archived),
	}
	for _, ig := range report.Ignored {
		resp.Ignored = append(resp.Ignored, ignoredSeries{
			SeriesInstanceUID: ig.Series.Get(dimse.SeriesInstanceUID, ""),
			SeriesDescription: ig.Series.Get(dimse.SeriesDescription, ""),
			Reason:            ig.Reason,
		})
	}
	if req.MoveTo != "" && len(resp.Missing) > 0 {
		sub := submit(r.Context(), h.manager, MoveRequests(resp.Missing, req.MoveTo))
		resp.Tasks = &sub
	}
	writeJSON(w, http.StatusOK, resp)
}

// MoveRequests turns missing series rows into SERIES-level MOVE requests.
func MoveRequests(rows []map[string]string, destination string) []tasks.Request {
	out := make([]tasks.Request, 0, len(rows))
	for _, row := range rows {
		out = append(out, tasks.Request{
			Type:              tasks.TypeMove,
			Level:             tasks.LevelSeries,
			Source:            row["source"],
			Destination:       destination,
			PatientName:       row[dimse.PatientName],
			PatientID:         row[dimse.PatientID],
			StudyInstanceUID:  row[dimse.StudyInstanceUID],
			StudyDate:         row[dimse.StudyDate],
			StudyTime:         row[dimse.StudyTime],
			StudyDescription:  row[dimse.StudyDescription],
			SeriesInstanceUID: row[dimse.SeriesInstanceUID],
			SeriesNumber:      row[dimse.SeriesNumber],
			SeriesDescription: row[dimse.SeriesDescription],
			Modality:          row[dimse.Modality],
			ImgsSeries:        row["ImgsSeries"],
		})
	}
	return out
}

// Status reports the phase and progress of the current sweep
func (h *CheckStorageHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}
