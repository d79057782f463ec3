// Package checkstorage compares the series held by a source device with
// the archive and reports which ones never made it there.
package checkstorage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/otcheredev/dicom-gateway/internal/metrics"
	"github.com/otcheredev/dicom-gateway/internal/models"
	"github.com/otcheredev/dicom-gateway/pkg/dimse"
	"github.com/otcheredev/dicom-gateway/pkg/logger"
)

// ErrBusy is returned when a run is already in progress.
var ErrBusy = errors.New("check-storage run already in progress")

// DefaultArchive is the registry name of the archive device.
const DefaultArchive = "PACS"

// Phases reported by Status.
const (
	PhaseIdle    = "idle"
	PhaseStudies = "querying studies on device"
	PhaseSeries  = "querying series on device"
	PhaseCompare = "querying series in archive"
)

// Study fields copied onto each series for display.
var studyFields = []string{
	dimse.PatientName,
	dimse.PatientID,
	dimse.StudyDescription,
	dimse.StudyInstanceUID,
	dimse.StudyDate,
	dimse.StudyTime,
}

// Querier is the part of the transaction client the engine needs.
type Querier interface {
	Query(ctx context.Context, device *models.Device, criteria *dimse.Dataset) []*dimse.Dataset
	QueryStudies(ctx context.Context, device *models.Device, criteria *dimse.Dataset, fields []string) []*dimse.Dataset
	QuerySeries(ctx context.Context, device *models.Device, studyUID string, criteria *dimse.Dataset, fields []string) []*dimse.Dataset
	ReleaseAll() error
}

// DeviceRegistry resolves device names.
type DeviceRegistry interface {
	Get(ctx context.Context, name string) (*models.Device, error)
}

// AuditRecorder receives one entry per run.
type AuditRecorder interface {
	Create(ctx context.Context, entry *models.AuditLog) error
}

// Config wires an Engine.
type Config struct {
	Registry DeviceRegistry
	// Client returns the client used to query a device. The engine asks
	// for one per device and releases its associations at the end of a run.
	Client  func(device string) Querier
	Archive string
	Audit   AuditRecorder
}

// Status is a snapshot of the current run.
type Status struct {
	Phase    string  `json:"status"`
	Progress float64 `json:"-"`
	Percent  string  `json:"progress"`
}

// Ignored is a series the filters removed from the comparison.
type Ignored struct {
	Series *dimse.Dataset
	Reason string
}

// Report partitions the source series of one run.
type Report struct {
	Device   *models.Device
	Dates    DateSpec
	Missing  []*dimse.Dataset
	Ignored  []Ignored
	Archived []*dimse.Dataset
}

// Engine runs find-missing-series sweeps, one at a time.
type Engine struct {
	cfg Config
	log zerolog.Logger

	run sync.Mutex

	mu       sync.RWMutex
	phase    string
	progress float64
}

// NewEngine creates an engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Archive == "" {
		cfg.Archive = DefaultArchive
	}
	return &Engine{cfg: cfg, log: logger.With("checkstorage"), phase: PhaseIdle}
}

// Status returns the current phase and progress. It is safe to call while
// a run is in progress.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{Phase: e.phase, Progress: e.progress, Percent: fmt.Sprintf("%.0f%%", 100*e.progress)}
}

func (e *Engine) setPhase(phase string) {
	e.mu.Lock()
	e.phase, e.progress = phase, 0
	e.mu.Unlock()
}

func (e *Engine) setProgress(done, total int) {
	if total == 0 {
		return
	}
	e.mu.Lock()
	e.progress = float64(done) / float64(total)
	e.mu.Unlock()
}

// FindMissingSeries lists the series of deviceName within dates and checks
// each one against the archive.
func (e *Engine) FindMissingSeries(ctx context.Context, deviceName string, dates DateSpec) (*Report, error) {
	if !e.run.TryLock() {
		return nil, ErrBusy
	}
	defer e.run.Unlock()
	defer e.setPhase(PhaseIdle)

	start := time.Now()
	report, err := e.find(ctx, deviceName, dates)
	e.audit(ctx, deviceName, dates, report, err, time.Since(start))
	return report, err
}

func (e *Engine) find(ctx context.Context, deviceName string, dates DateSpec) (*Report, error) {
	device, err := e.cfg.Registry.Get(ctx, deviceName)
	if err != nil {
		return nil, err
	}
	archive, err := e.cfg.Registry.Get(ctx, e.cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	filter, err := NewFilter(device)
	if err != nil {
		return nil, err
	}

	log := e.log.With().Str("device", device.Name).Str("dates", dates.String()).Logger()
	log.Info().Msg("Check-storage started")

	source := e.cfg.Client(device.Name)
	series, err := e.collectSeries(ctx, source, device, dates, filter.Fields())
	if rerr := source.ReleaseAll(); rerr != nil {
		log.Warn().Err(rerr).Msg("Releasing device associations")
	}
	if err != nil {
		return nil, err
	}

	report := &Report{Device: device, Dates: dates}
	var candidates []*dimse.Dataset
	for _, s := range series {
		if reason := filter.Reject(s); reason != "" {
			log.Debug().Str("series", s.Get(dimse.SeriesInstanceUID, "")).Str("reason", reason).Msg("Series ignored")
			report.Ignored = append(report.Ignored, Ignored{Series: s, Reason: reason})
			continue
		}
		candidates = append(candidates, s)
	}

	archiveClient := e.cfg.Client(archive.Name)
	err = e.compare(ctx, archiveClient, device, archive, candidates, report)
	if rerr := archiveClient.ReleaseAll(); rerr != nil {
		log.Warn().Err(rerr).Msg("Releasing archive associations")
	}
	if err != nil {
		return nil, err
	}

	for outcome, n := range map[string]int{
		"missing":  len(report.Missing),
		"ignored":  len(report.Ignored),
		"archived": len(report.Archived),
	} {
		metrics.CheckStorageSeries.WithLabelValues(device.Name, outcome).Set(float64(n))
	}
	log.Info().
		Int("missing", len(report.Missing)).
		Int("ignored", len(report.Ignored)).
		Int("archived", len(report.Archived)).
		Msg("Check-storage finished")
	return report, nil
}

// queryStudies pages a date range backward one day per query.
func (e *Engine) queryStudies(ctx context.Context, q Querier, device *models.Device, dates DateSpec) ([]*dimse.Dataset, error) {
	fields := []string{
		dimse.PatientName,
		dimse.PatientID,
		dimse.StudyDate,
		dimse.StudyTime,
		dimse.StudyDescription,
		device.StudyCountField(),
	}
	e.setPhase(PhaseStudies)

	days := dates.Days()
	if len(days) == 0 {
		criteria := dimse.NewDataset().MustSet(dimse.StudyDate)
		return q.QueryStudies(ctx, device, criteria, fields), ctx.Err()
	}

	seen := make(map[string]bool)
	var studies []*dimse.Dataset
	for i, day := range days {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		criteria := dimse.NewDataset().MustSet(dimse.StudyDate, day)
		for _, st := range q.QueryStudies(ctx, device, criteria, fields) {
			uid := st.Get(dimse.StudyInstanceUID, "")
			if seen[uid] {
				continue
			}
			seen[uid] = true
			studies = append(studies, st)
		}
		e.setProgress(i+1, len(days))
	}
	return studies, nil
}

func (e *Engine) collectSeries(ctx context.Context, q Querier, device *models.Device, dates DateSpec, extra []string) ([]*dimse.Dataset, error) {
	studies, err := e.queryStudies(ctx, q, device, dates)
	if err != nil {
		return nil, err
	}

	fields := []string{
		dimse.SeriesNumber,
		dimse.SeriesDate,
		dimse.SeriesTime,
		dimse.SeriesDescription,
		dimse.Modality,
		device.SeriesCountField(),
	}
	for _, kw := range extra {
		if !slices.Contains(fields, kw) && !slices.Contains(studyFields, kw) {
			fields = append(fields, kw)
		}
	}

	e.setPhase(PhaseSeries)
	var out []*dimse.Dataset
	for i, study := range studies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.setProgress(i, len(studies))
		uid := study.Get(dimse.StudyInstanceUID, "")
		for _, s := range q.QuerySeries(ctx, device, uid, dimse.NewDataset(), fields) {
			for _, kw := range studyFields {
				s.MustSet(kw, study.Strings(kw)...)
			}
			out = append(out, s)
		}
	}
	return out, nil
}

func (e *Engine) compare(ctx context.Context, q Querier, device, archive *models.Device, series []*dimse.Dataset, report *Report) error {
	e.setPhase(PhaseCompare)
	sourceCount := device.SeriesCountField()
	archiveCount := archive.SeriesCountField()

	for i, s := range series {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.setProgress(i, len(series))

		criteria := dimse.NewDataset().
			MustSet(dimse.QueryRetrieveLevel, dimse.LevelSeries).
			MustSet(dimse.StudyInstanceUID, s.Get(dimse.StudyInstanceUID, "")).
			MustSet(dimse.SeriesInstanceUID, s.Get(dimse.SeriesInstanceUID, ""))
		if archiveCount != "" {
			criteria.MustSet(archiveCount)
		}
		found := q.Query(ctx, archive, criteria)

		if archived(found, s, sourceCount, archiveCount) {
			report.Archived = append(report.Archived, s)
		} else {
			report.Missing = append(report.Missing, s)
		}
	}
	return nil
}

// archived reports whether the archive holds series. Counts are compared
// only when the source reports them; an archive that does not report its
// own count then cannot confirm the series.
func archived(found []*dimse.Dataset, series *dimse.Dataset, sourceCount, archiveCount string) bool {
	if len(found) == 0 {
		return false
	}
	if sourceCount == "" {
		return true
	}
	if archiveCount == "" {
		return false
	}
	if want, ok := series.Int(sourceCount); ok {
		got, ok := found[0].Int(archiveCount)
		return ok && got == want
	}
	return strings.TrimSpace(series.Get(sourceCount, "")) == strings.TrimSpace(found[0].Get(archiveCount, ""))
}

func (e *Engine) audit(ctx context.Context, deviceName string, dates DateSpec, report *Report, err error, took time.Duration) {
	if e.cfg.Audit == nil {
		return
	}
	entry := &models.AuditLog{
		Action:       models.AuditCheckStorageRun,
		Device:       deviceName,
		ResourceType: "SERIES",
		Detail:       "dates=" + dates.String(),
		Status:       "success",
		Duration:     took.Milliseconds(),
	}
	if report != nil {
		entry.Detail += fmt.Sprintf(" missing=%d ignored=%d archived=%d",
			len(report.Missing), len(report.Ignored), len(report.Archived))
	}
	if err != nil {
		entry.Status = "failure"
		entry.ErrorMessage = err.Error()
	}
	if aerr := e.cfg.Audit.Create(ctx, entry); aerr != nil {
		e.log.Warn().Err(aerr).Msg("Failed to record audit entry")
	}
}

// MissingRows flattens the missing series into task-ready rows: the
// display fields, the series count under ImgsSeries, the source device
// and level SERIES.
func (r *Report) MissingRows() []map[string]string {
	countField := r.Device.SeriesCountField()
	out := make([]map[string]string, 0, len(r.Missing))
	for _, s := range r.Missing {
		row := map[string]string{
			"source": r.Device.Name,
			"level":  dimse.LevelSeries,
		}
		for _, kw := range []string{
			dimse.PatientName, dimse.PatientID,
			dimse.StudyDescription, dimse.StudyInstanceUID, dimse.StudyDate, dimse.StudyTime,
			dimse.SeriesTime, dimse.SeriesNumber, dimse.Modality, dimse.SeriesDescription,
			dimse.SeriesInstanceUID,
		} {
			row[kw] = s.Get(kw, "")
		}
		row["ImgsSeries"] = ""
		if countField != "" {
			row["ImgsSeries"] = s.Get(countField, "")
		}
		out = append(out, row)
	}
	return out
}
