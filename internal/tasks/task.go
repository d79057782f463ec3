// Package tasks runs MOVE and GET tasks against remote devices: one worker
// lane per source device, driven by queued modifiers.
package tasks

import (
	"errors"
	"fmt"
	"time"

	"github.com/otcheredev/dicom-gateway/internal/models"
	"github.com/otcheredev/dicom-gateway/pkg/dimse"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrInvalidAction = errors.New("invalid task action")
	ErrInvalidTask   = errors.New("invalid task request")
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether only a retry can move the task on.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) runnable() bool {
	return s == StatusActive || s == StatusPending
}

// Type is the DIMSE operation a task performs.
type Type string

const (
	TypeMove Type = "MOVE"
	TypeGet  Type = "GET"
)

// Level is the entity a task retrieves.
type Level string

const (
	LevelStudy  Level = "STUDY"
	LevelSeries Level = "SERIES"
)

// Action names a task modifier.
type Action string

const (
	ActionNew      Action = "new"
	ActionPause    Action = "pause"
	ActionContinue Action = "continue"
	ActionRetry    Action = "retry"
	ActionRush     Action = "rush"
	ActionDelete   Action = "delete"
	ActionComplete Action = "complete"
	ActionFail     Action = "fail"
)

// ParseAction validates a modifier name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionNew, ActionPause, ActionContinue, ActionRetry, ActionRush, ActionDelete, ActionComplete, ActionFail:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
}

// LocalSource is accepted as a source name for the gateway's own store.
const LocalSource = "local"

// Request describes one entity to retrieve, together with the display
// fields shown in the task table.
type Request struct {
	Type        Type   `json:"type"`
	Level       Level  `json:"level"`
	Source      string `json:"source"`
	Destination string `json:"destination"`

	PatientName       string `json:"PatientName"`
	PatientID         string `json:"PatientID"`
	StudyInstanceUID  string `json:"StudyInstanceUID"`
	StudyDate         string `json:"StudyDate"`
	StudyTime         string `json:"StudyTime"`
	StudyDescription  string `json:"StudyDescription"`
	ModalitiesInStudy string `json:"ModalitiesInStudy"`
	SeriesInstanceUID string `json:"SeriesInstanceUID,omitempty"`
	SeriesNumber      string `json:"SeriesNumber,omitempty"`
	SeriesDescription string `json:"SeriesDescription,omitempty"`
	Modality          string `json:"Modality,omitempty"`
	ImgsStudy         string `json:"ImgsStudy,omitempty"`
	ImgsSeries        string `json:"ImgsSeries,omitempty"`
}

// Validate checks the request before any task is created.
func (r *Request) Validate() error {
	switch r.Type {
	case TypeMove:
		if r.Destination == "" {
			return fmt.Errorf("%w: MOVE needs a destination", ErrInvalidTask)
		}
	case TypeGet:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTask, r.Type)
	}
	if r.Source == "" {
		return fmt.Errorf("%w: missing source", ErrInvalidTask)
	}
	if r.StudyInstanceUID == "" {
		return fmt.Errorf("%w: missing StudyInstanceUID", ErrInvalidTask)
	}
	switch r.Level {
	case LevelStudy:
	case LevelSeries:
		if r.SeriesInstanceUID == "" {
			return fmt.Errorf("%w: missing SeriesInstanceUID", ErrInvalidTask)
		}
	default:
		return fmt.Errorf("%w: unknown level %q", ErrInvalidTask, r.Level)
	}
	return nil
}

// SourceName maps the "local" alias to the registry entry for this gateway.
func (r *Request) SourceName() string {
	if r.Source == LocalSource {
		return models.LocalStoreName
	}
	return r.Source
}

// Identifier returns the retrieve identifier: level and UIDs only.
func (r *Request) Identifier() *dimse.Dataset {
	ds := dimse.NewDataset().
		MustSet(dimse.QueryRetrieveLevel, string(r.Level)).
		MustSet(dimse.StudyInstanceUID, r.StudyInstanceUID)
	if r.Level == LevelSeries {
		ds.MustSet(dimse.SeriesInstanceUID, r.SeriesInstanceUID)
	}
	return ds
}

// Imgs is the expected instance count for the requested level.
func (r *Request) Imgs() string {
	if r.Level == LevelStudy {
		return r.ImgsStudy
	}
	return r.ImgsSeries
}

// Description is the display description for the requested level.
func (r *Request) Description() string {
	if r.Level == LevelStudy {
		return r.StudyDescription
	}
	return r.StudyDescription + " / " + r.SeriesDescription
}

// DisplayModality is ModalitiesInStudy for studies and Modality for series.
func (r *Request) DisplayModality() string {
	if r.Level == LevelStudy {
		return r.ModalitiesInStudy
	}
	return r.Modality
}

// Task is one unit of work owned by a DeviceHandler.
type Task struct {
	ID             int
	Request        Request
	Source         *models.Device
	DestinationAET string

	Priority int
	Status   Status
	Progress string
	Created  time.Time

	gen  int
	step Step
}

// Info is a read-only snapshot of a task.
type Info struct {
	ID       int
	Priority int
	Status   Status
	Progress string
}

func (t *Task) info() Info {
	return Info{ID: t.ID, Priority: t.Priority, Status: t.Status, Progress: t.Progress}
}

// Modifier is a queued change to a task. Task is only set for ActionNew.
type Modifier struct {
	Action Action
	TaskID int
	Task   *Task

	// gen ties complete/fail to the step that produced them, so a retry
	// queued in between is not overwritten.
	gen int
}
