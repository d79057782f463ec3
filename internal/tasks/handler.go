package tasks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/otcheredev/dicom-gateway/internal/metrics"
	"github.com/otcheredev/dicom-gateway/pkg/dimse"
	"github.com/otcheredev/dicom-gateway/pkg/logger"
)

const noTask = -1

// HandlerConfig configures a DeviceHandler.
type HandlerConfig struct {
	// IdleWait bounds the sleep between checks when nothing is runnable.
	IdleWait time.Duration
	// StepTimeout bounds each wait for a peer response.
	StepTimeout time.Duration
	// OnStore receives instances arriving during GET tasks.
	OnStore dimse.StoreFunc
	// OnChange is called from the worker after a modifier changed a task.
	OnChange func(Info)
}

// DeviceHandler runs the tasks of one source device, one step at a time.
type DeviceHandler struct {
	source    string
	retriever Retriever
	cfg       HandlerConfig
	log       zerolog.Logger

	mu      sync.RWMutex
	tasks   map[int]*Task
	current int

	qmu   sync.Mutex
	queue []Modifier
	wake  chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDeviceHandler creates a handler. Start launches its worker.
func NewDeviceHandler(source string, r Retriever, cfg HandlerConfig) *DeviceHandler {
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = time.Second
	}
	return &DeviceHandler{
		source:    source,
		retriever: r,
		cfg:       cfg,
		log:       logger.With("tasks").With().Str("source", source).Logger(),
		tasks:     make(map[int]*Task),
		current:   noTask,
		wake:      make(chan struct{}, 1),
	}
}

// Source returns the device name the handler serves.
func (h *DeviceHandler) Source() string {
	return h.source
}

// Start launches the worker. It stops when ctx is cancelled or Stop is called.
func (h *DeviceHandler) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go h.run(ctx)
}

// Stop cancels the worker and waits for it to release every association.
func (h *DeviceHandler) Stop(ctx context.Context) error {
	if h.cancel == nil {
		return nil
	}
	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue posts a modifier. Modifiers are applied in submission order.
func (h *DeviceHandler) Enqueue(m Modifier) {
	h.qmu.Lock()
	h.queue = append(h.queue, m)
	h.qmu.Unlock()

	h.log.Debug().Str("action", string(m.Action)).Int("task_id", m.TaskID).Msg("Queued modifier")
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *DeviceHandler) dequeue() (Modifier, bool) {
	h.qmu.Lock()
	defer h.qmu.Unlock()
	if len(h.queue) == 0 {
		return Modifier{}, false
	}
	m := h.queue[0]
	h.queue = h.queue[1:]
	return m, true
}

// Task returns a snapshot of one task.
func (h *DeviceHandler) Task(id int) (Info, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.tasks[id]
	if !ok {
		return Info{}, false
	}
	return t.info(), true
}

// Tasks returns snapshots of every task, by id.
func (h *DeviceHandler) Tasks() []Info {
	h.mu.RLock()
	out := make([]Info, 0, len(h.tasks))
	for _, t := range h.tasks {
		out = append(out, t.info())
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Active returns the id of the active task, if any.
func (h *DeviceHandler) Active() (int, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.current == noTask {
		return 0, false
	}
	t, ok := h.tasks[h.current]
	if !ok || t.Status != StatusActive {
		return 0, false
	}
	return h.current, true
}

func (h *DeviceHandler) run(ctx context.Context) {
	defer close(h.done)
	defer h.closeAll()

	h.log.Info().Msg("Task handler started")
	for ctx.Err() == nil {
		if m, ok := h.dequeue(); ok {
			h.apply(m)
			h.selectNext()
			continue
		}
		if id, ok := h.Active(); ok {
			h.step(ctx, id)
			continue
		}
		select {
		case <-ctx.Done():
		case <-h.wake:
		case <-time.After(h.cfg.IdleWait):
		}
	}
	h.log.Info().Msg("Task handler stopped")
}

func (h *DeviceHandler) closeAll() {
	h.mu.Lock()
	for _, t := range h.tasks {
		if t.step != nil {
			t.step.Close()
		}
	}
	h.mu.Unlock()
	if err := h.retriever.ReleaseAll(); err != nil {
		h.log.Warn().Err(err).Msg("Releasing associations")
	}
}

func (h *DeviceHandler) step(ctx context.Context, id int) {
	h.mu.RLock()
	t := h.tasks[id]
	step, gen := t.step, t.gen
	h.mu.RUnlock()

	res := step.Advance(ctx)
	if ctx.Err() != nil {
		return
	}

	h.mu.Lock()
	if h.tasks[id] == t && res.Progress != "" {
		t.Progress = res.Progress
	}
	h.mu.Unlock()

	switch res.Kind {
	case Done:
		h.log.Debug().Int("task_id", id).Str("progress", res.Progress).Msg("Task step finished")
		h.Enqueue(Modifier{Action: ActionComplete, TaskID: id, gen: gen})
	case Failed:
		h.log.Warn().Err(res.Err).Int("task_id", id).Msg("Task step failed")
		h.Enqueue(Modifier{Action: ActionFail, TaskID: id, gen: gen})
	}
}

func (h *DeviceHandler) newTask(t *Task) {
	t.Priority = 1
	if len(h.tasks) > 0 {
		t.Priority = h.minPriority() - 1
	}
	if !t.Status.Terminal() {
		t.Status = StatusPending
	}
	if t.Progress == "" {
		t.Progress = "-"
	}
	t.step = newStep(t, h.retriever, h.cfg.OnStore, h.cfg.StepTimeout)
	h.tasks[t.ID] = t
}

func (h *DeviceHandler) minPriority() int {
	first := true
	var min int
	for _, t := range h.tasks {
		if first || t.Priority < min {
			min, first = t.Priority, false
		}
	}
	return min
}

func (h *DeviceHandler) maxPriority() int {
	first := true
	var max int
	for _, t := range h.tasks {
		if first || t.Priority > max {
			max, first = t.Priority, false
		}
	}
	return max
}

// apply performs one modifier. Unknown task ids are ignored.
func (h *DeviceHandler) apply(m Modifier) {
	h.mu.Lock()
	var changed *Info
	defer func() {
		h.mu.Unlock()
		if changed != nil && h.cfg.OnChange != nil {
			h.cfg.OnChange(*changed)
		}
	}()

	ev := h.log.Debug().Str("action", string(m.Action)).Int("task_id", m.TaskID)
	if m.Action == ActionNew {
		if m.Task == nil {
			ev.Msg("Ignoring new modifier without a task")
			return
		}
		h.newTask(m.Task)
		ev.Int("priority", m.Task.Priority).Msg("Added task")
		metrics.TaskTransitions.WithLabelValues(string(m.Task.Request.Type), string(m.Task.Status)).Inc()
		h.updateQueued()
		info := m.Task.info()
		changed = &info
		return
	}

	t, ok := h.tasks[m.TaskID]
	if !ok {
		h.log.Warn().Str("action", string(m.Action)).Int("task_id", m.TaskID).Msg("Modifier for unknown task ignored")
		return
	}
	before := t.Status

	switch m.Action {
	case ActionPause:
		// A started step keeps its pooled association while paused.
		if t.Status.runnable() {
			t.Status = StatusPaused
		}
	case ActionContinue:
		if t.Status == StatusPaused {
			t.Status = StatusPending
		}
	case ActionRetry:
		if t.step != nil {
			t.step.Close()
		}
		delete(h.tasks, t.ID)
		if h.current == t.ID {
			h.current = noTask
		}
		fresh := &Task{
			ID:             t.ID,
			Request:        t.Request,
			Source:         t.Source,
			DestinationAET: t.DestinationAET,
			Created:        time.Now(),
			gen:            t.gen + 1,
		}
		h.newTask(fresh)
		t = fresh
	case ActionRush:
		if !t.Status.Terminal() {
			t.Priority = h.maxPriority() + 1
		}
	case ActionDelete:
		if t.step != nil {
			t.step.Close()
		}
		delete(h.tasks, t.ID)
		if h.current == t.ID {
			h.current = noTask
		}
		ev.Msg("Deleted task")
		h.updateQueued()
		return
	case ActionComplete, ActionFail:
		if m.gen != t.gen {
			ev.Msg("Stale step result ignored")
			return
		}
		if t.step != nil {
			t.step.Close()
		}
		t.Status = StatusCompleted
		if m.Action == ActionFail {
			t.Status = StatusFailed
		}
	}

	ev.Str("status", string(t.Status)).Int("priority", t.Priority).Msg("Applied modifier")
	if t.Status != before {
		metrics.TaskTransitions.WithLabelValues(string(t.Request.Type), string(t.Status)).Inc()
	}
	h.updateQueued()
	info := t.info()
	changed = &info
}

func (h *DeviceHandler) updateQueued() {
	n := 0
	for _, t := range h.tasks {
		if !t.Status.Terminal() {
			n++
		}
	}
	metrics.TasksQueued.WithLabelValues(h.source).Set(float64(n))
}

// selectNext makes the highest priority runnable task active. Ties go to the
// lowest id.
func (h *DeviceHandler) selectNext() {
	h.mu.Lock()
	defer h.mu.Unlock()

	var next *Task
	for _, t := range h.tasks {
		if !t.Status.runnable() {
			continue
		}
		if next == nil || t.Priority > next.Priority || (t.Priority == next.Priority && t.ID < next.ID) {
			next = t
		}
	}
	if next == nil {
		h.current = noTask
		return
	}
	if next.ID != h.current {
		if prev, ok := h.tasks[h.current]; ok && prev.Status == StatusActive {
			prev.Status = StatusPending
		}
		h.log.Debug().Int("task_id", next.ID).Int("priority", next.Priority).Msg("Switching active task")
	}
	next.Status = StatusActive
	h.current = next.ID
}
