package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/otcheredev/dicom-gateway/internal/models"
	"github.com/otcheredev/dicom-gateway/pkg/logger"
)

// Row is one line of the task table.
type Row struct {
	TaskID            int    `json:"task_id"`
	Type              Type   `json:"type"`
	Level             Level  `json:"level"`
	PatientName       string `json:"PatientName"`
	PatientID         string `json:"PatientID"`
	StudyInstanceUID  string `json:"StudyInstanceUID"`
	StudyDate         string `json:"StudyDate"`
	StudyTime         string `json:"StudyTime"`
	SeriesInstanceUID string `json:"SeriesInstanceUID"`
	SeriesNumber      string `json:"SeriesNumber"`
	Description       string `json:"description"`
	Imgs              string `json:"imgs"`
	Modality          string `json:"modality"`
	Source            string `json:"source"`
	Destination       string `json:"destination"`
	Started           string `json:"started"`
	Status            Status `json:"status"`
	Progress          string `json:"progress"`

	// Request is kept so that unfinished tasks can be resubmitted after a
	// restart.
	Request Request `json:"-"`
}

func newRow(id int, req Request, now time.Time) *Row {
	return &Row{
		TaskID:            id,
		Type:              req.Type,
		Level:             req.Level,
		PatientName:       req.PatientName,
		PatientID:         req.PatientID,
		StudyInstanceUID:  req.StudyInstanceUID,
		StudyDate:         req.StudyDate,
		StudyTime:         req.StudyTime,
		SeriesInstanceUID: req.SeriesInstanceUID,
		SeriesNumber:      req.SeriesNumber,
		Description:       req.Description(),
		Imgs:              req.Imgs(),
		Modality:          req.DisplayModality(),
		Source:            req.Source,
		Destination:       req.Destination,
		Started:           now.Format(time.TimeOnly),
		Status:            StatusPending,
		Progress:          "0",
		Request:           req,
	}
}

// DeviceRegistry resolves device names.
type DeviceRegistry interface {
	Get(ctx context.Context, name string) (*models.Device, error)
}

// Checkpoint persists the task table between runs.
type Checkpoint interface {
	Save(ctx context.Context, rows []Row) error
	Load(ctx context.Context) ([]Row, error)
}

// AuditRecorder receives task audit entries.
type AuditRecorder interface {
	Create(ctx context.Context, entry *models.AuditLog) error
}

// ManagerConfig wires a Manager to its collaborators.
type ManagerConfig struct {
	Registry DeviceRegistry
	// Retriever returns the client a new device handler will own.
	Retriever  func(source string) Retriever
	Checkpoint Checkpoint
	Audit      AuditRecorder
	Handler    HandlerConfig
}

// Manager routes task requests and actions to per-device handlers and keeps
// the task table.
type Manager struct {
	cfg ManagerConfig
	log zerolog.Logger

	mu       sync.Mutex
	ctx      context.Context
	nextID   int
	rows     map[int]*Row
	handlers map[string]*DeviceHandler
}

// NewManager creates a manager. Start must be called before tasks run.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		log:      logger.With("task-manager"),
		ctx:      context.Background(),
		rows:     make(map[int]*Row),
		handlers: make(map[string]*DeviceHandler),
	}
}

// Start restores the checkpointed table and resubmits unfinished tasks.
// Handlers run until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	if m.cfg.Checkpoint == nil {
		return nil
	}
	rows, err := m.cfg.Checkpoint.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load task checkpoint: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range rows {
		row := rows[i]
		m.rows[row.TaskID] = &row
		if row.TaskID >= m.nextID {
			m.nextID = row.TaskID + 1
		}

		task, err := m.buildTask(ctx, row.TaskID, row.Request)
		if err != nil {
			m.log.Warn().Err(err).Int("task_id", row.TaskID).Msg("Restored task cannot run")
			if !row.Status.Terminal() {
				m.rows[row.TaskID].Status = StatusFailed
			}
			continue
		}
		if row.Status.Terminal() {
			task.Status = row.Status
			task.Progress = row.Progress
		}
		m.handlerFor(row.Request.SourceName()).Enqueue(Modifier{Action: ActionNew, TaskID: row.TaskID, Task: task})
	}
	m.log.Info().Int("tasks", len(rows)).Int("next_id", m.nextID).Msg("Task table restored")
	return nil
}

func (m *Manager) buildTask(ctx context.Context, id int, req Request) (*Task, error) {
	source, err := m.cfg.Registry.Get(ctx, req.SourceName())
	if err != nil {
		return nil, err
	}
	task := &Task{ID: id, Request: req, Source: source, Created: time.Now()}
	switch req.Type {
	case TypeMove:
		dest, err := m.cfg.Registry.Get(ctx, req.Destination)
		if err != nil {
			return nil, err
		}
		task.DestinationAET = dest.AETitle
	case TypeGet:
		task.Request.Destination = models.LocalStoreName
	}
	return task, nil
}

// handlerFor returns the handler for source, creating it on first use.
// Callers hold m.mu.
func (m *Manager) handlerFor(source string) *DeviceHandler {
	if h, ok := m.handlers[source]; ok {
		return h
	}
	hcfg := m.cfg.Handler
	hcfg.OnChange = m.onChange
	h := NewDeviceHandler(source, m.cfg.Retriever(source), hcfg)
	h.Start(m.ctx)
	m.handlers[source] = h
	return h
}

func (m *Manager) onChange(info Info) {
	m.mu.Lock()
	row, ok := m.rows[info.ID]
	if ok {
		row.Status = info.Status
		row.Progress = info.Progress
	}
	m.mu.Unlock()
	if ok && info.Status.Terminal() {
		m.checkpoint()
	}
}

// NewTask validates req, records its row and hands it to the source
// device's handler.
func (m *Manager) NewTask(ctx context.Context, req Request) (int, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	task, err := m.buildTask(ctx, 0, req)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	task.ID = id
	row := newRow(id, task.Request, time.Now())
	m.rows[id] = row
	m.handlerFor(req.SourceName()).Enqueue(Modifier{Action: ActionNew, TaskID: id, Task: task})
	snapshot := *row
	m.mu.Unlock()

	m.log.Info().
		Int("task_id", id).
		Str("type", string(req.Type)).
		Str("level", string(req.Level)).
		Str("source", req.Source).
		Str("destination", snapshot.Destination).
		Msg("Task created")
	m.audit(ctx, models.AuditTaskCreated, &snapshot, "")
	m.checkpoint()
	return id, nil
}

// Submit creates tasks in order. A SERIES request is dropped when a STUDY
// request for the same study is part of the batch. It returns the created
// ids and the per-request errors (nil for created or dropped requests).
func (m *Manager) Submit(ctx context.Context, reqs []Request) ([]int, []error) {
	studies := make(map[string]bool)
	for _, r := range reqs {
		if r.Level == LevelStudy {
			studies[r.StudyInstanceUID] = true
		}
	}
	var ids []int
	errs := make([]error, len(reqs))
	for i, r := range reqs {
		if r.Level == LevelSeries && studies[r.StudyInstanceUID] {
			continue
		}
		id, err := m.NewTask(ctx, r)
		if err != nil {
			errs[i] = err
			continue
		}
		ids = append(ids, id)
	}
	return ids, errs
}

// Manage applies action to task id.
func (m *Manager) Manage(ctx context.Context, action string, id int) error {
	a, err := ParseAction(action)
	if err != nil {
		return err
	}
	if a == ActionNew {
		return fmt.Errorf("%w: use NewTask to create tasks", ErrInvalidAction)
	}

	m.mu.Lock()
	row, ok := m.rows[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	h := m.handlerFor(row.Request.SourceName())
	if _, known := h.Task(id); !known && a == ActionRetry {
		// Rows restored without a runnable task get one on retry.
		task, err := m.buildTask(ctx, id, row.Request)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		h.Enqueue(Modifier{Action: ActionNew, TaskID: id, Task: task})
	} else {
		h.Enqueue(Modifier{Action: a, TaskID: id})
	}
	switch a {
	case ActionDelete:
		delete(m.rows, id)
	case ActionRetry:
		row.Started = time.Now().Format(time.TimeOnly)
		row.Status = StatusPending
		row.Progress = "-"
	}
	snapshot := *row
	m.mu.Unlock()

	m.log.Info().Int("task_id", id).Str("action", string(a)).Msg("Task action")
	m.audit(ctx, models.AuditTaskAction, &snapshot, string(a))
	m.checkpoint()
	return nil
}

// TasksTable refreshes every row from its handler and returns the table
// ordered by task id. A row whose handler does not know it keeps its last
// recorded values.
func (m *Manager) TasksTable() []Row {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Row, 0, len(m.rows))
	for id, row := range m.rows {
		if h, ok := m.handlers[row.Request.SourceName()]; ok {
			if info, ok := h.Task(id); ok {
				row.Status = info.Status
				row.Progress = info.Progress
			}
		}
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Task returns one refreshed row.
func (m *Manager) Task(id int) (Row, error) {
	for _, row := range m.TasksTable() {
		if row.TaskID == id {
			return row, nil
		}
	}
	return Row{}, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
}

// Handler returns the handler for a source device, if one was created.
func (m *Manager) Handler(source string) (*DeviceHandler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handlers[source]
	return h, ok
}

// Stop stops every handler concurrently and writes a final checkpoint.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	handlers := make([]*DeviceHandler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handlers {
		g.Go(func() error {
			if err := h.Stop(gctx); err != nil {
				return fmt.Errorf("failed to stop handler %s: %w", h.Source(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	m.checkpoint()
	return err
}

func (m *Manager) checkpoint() {
	if m.cfg.Checkpoint == nil {
		return
	}
	rows := m.TasksTable()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.cfg.Checkpoint.Save(ctx, rows); err != nil {
		m.log.Error().Err(err).Msg("Failed to save task checkpoint")
	}
}

func (m *Manager) audit(ctx context.Context, action string, row *Row, detail string) {
	if m.cfg.Audit == nil {
		return
	}
	entry := &models.AuditLog{
		Action:       action,
		Device:       row.Source,
		ResourceType: string(row.Level),
		ResourceUID:  row.StudyInstanceUID,
		Detail:       fmt.Sprintf("task %d %s %s", row.TaskID, row.Type, detail),
		Status:       "success",
	}
	if row.Level == LevelSeries {
		entry.ResourceUID = row.SeriesInstanceUID
	}
	if err := m.cfg.Audit.Create(ctx, entry); err != nil {
		m.log.Warn().Err(err).Int("task_id", row.TaskID).Msg("Failed to record audit entry")
	}
}

// IsNotFound reports whether err means an unknown task or device.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound) || errors.Is(err, models.ErrDeviceNotFound)
}
