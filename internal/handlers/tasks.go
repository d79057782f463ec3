package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/otcheredev/dicom-gateway/internal/tasks"
)

// TaskManager is the part of *tasks.Manager the HTTP layer drives.
type TaskManager interface {
	NewTask(ctx context.Context, req tasks.Request) (int, error)
	Submit(ctx context.Context, reqs []tasks.Request) ([]int, []error)
	Manage(ctx context.Context, action string, id int) error
	TasksTable() []tasks.Row
	Task(id int) (tasks.Row, error)
}

type TaskHandler struct {
	manager TaskManager
}

func NewTaskHandler(manager TaskManager) *TaskHandler {
	return &TaskHandler{manager: manager}
}

// Routes mounts the task endpoints.
func (h *TaskHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Post("/batch", h.Submit)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/{action}", h.Manage)
}

// List returns the task table ordered by task id
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.TasksTable())
}

// Create creates one task
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req tasks.Request
	if !decode(w, r, &req) {
		return
	}
	id, err := h.manager.NewTask(r.Context(), req)
	if err != nil {
		writeError(w, r, err, "Failed to create task")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"task_id": id})
}

type submitResponse struct {
	TaskIDs []int         `json:"task_ids"`
	Errors  []submitError `json:"errors,omitempty"`
}

type submitError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// Submit creates a batch of tasks. Series covered by a study in the same
// batch are dropped.
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var reqs []tasks.Request
	if !decode(w, r, &reqs) {
		return
	}
	writeJSON(w, http.StatusCreated, submit(r.Context(), h.manager, reqs))
}

func submit(ctx context.Context, m TaskManager, reqs []tasks.Request) submitResponse {
	ids, errs := m.Submit(ctx, reqs)
	resp := submitResponse{TaskIDs: ids}
	if resp.TaskIDs == nil {
		resp.TaskIDs = []int{}
	}
	for i, err := range errs {
		if err != nil {
			resp.Errors = append(resp.Errors, submitError{Index: i, Error: err.Error()})
		}
	}
	return resp
}

func taskID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid task ID"})
		return 0, false
	}
	return id, true
}

// Get returns one task row
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	row, err := h.manager.Task(id)
	if err != nil {
		writeError(w, r, err, "Failed to get task")
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// Manage applies pause, continue, retry, rush or delete to a task
func (h *TaskHandler) Manage(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	action := chi.URLParam(r, "action")
	if err := h.manager.Manage(r.Context(), action, id); err != nil {
		writeError(w, r, err, "Failed to manage task")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
