package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/otcheredev/dicom-gateway/internal/adapters"
	"github.com/otcheredev/dicom-gateway/internal/models"
	"github.com/otcheredev/dicom-gateway/pkg/dimse"
)

// StepState is where a step is in its transaction.
type StepState int

const (
	StepNotStarted StepState = iota
	StepAwaitingResponse
	StepCompleted
	StepFailed
)

func (s StepState) String() string {
	switch s {
	case StepNotStarted:
		return "not-started"
	case StepAwaitingResponse:
		return "awaiting-response"
	case StepCompleted:
		return "completed"
	case StepFailed:
		return "failed"
	}
	return fmt.Sprintf("StepState(%d)", int(s))
}

// ResultKind tags a StepResult.
type ResultKind int

const (
	Continuing ResultKind = iota
	Done
	Failed
)

// StepResult is the outcome of one Advance.
type StepResult struct {
	Kind     ResultKind
	Progress string
	Err      error
}

// Step is the resumable transaction behind a task.
type Step interface {
	// Advance performs one increment of work.
	Advance(ctx context.Context) StepResult
	State() StepState
	// Close releases the step's association. It is safe to call repeatedly.
	Close() error
}

// Retriever starts the transactions tasks run. *adapters.Client satisfies it.
type Retriever interface {
	StartMove(ctx context.Context, source *models.Device, destAET string, ds *dimse.Dataset) (adapters.Stream, error)
	StartGet(ctx context.Context, source *models.Device, ds *dimse.Dataset, onStore dimse.StoreFunc) (adapters.Stream, error)
	ReleaseAll() error
}

var _ Retriever = (*adapters.Client)(nil)

// retrieveStep drives one C-MOVE or C-GET stream.
type retrieveStep struct {
	start       func(ctx context.Context) (adapters.Stream, error)
	imgs        string
	nextTimeout time.Duration

	state    StepState
	stream   adapters.Stream
	progress string
	err      error
	closed   bool
}

func newStep(t *Task, r Retriever, onStore dimse.StoreFunc, nextTimeout time.Duration) *retrieveStep {
	id := t.Request.Identifier()
	s := &retrieveStep{imgs: t.Request.Imgs(), nextTimeout: nextTimeout, progress: "-"}
	if s.imgs == "" {
		s.imgs = "?"
	}
	switch t.Request.Type {
	case TypeGet:
		s.start = func(ctx context.Context) (adapters.Stream, error) {
			return r.StartGet(ctx, t.Source, id, onStore)
		}
	default:
		s.start = func(ctx context.Context) (adapters.Stream, error) {
			return r.StartMove(ctx, t.Source, t.DestinationAET, id)
		}
	}
	return s
}

func (s *retrieveStep) State() StepState {
	return s.state
}

func (s *retrieveStep) Advance(ctx context.Context) StepResult {
	switch s.state {
	case StepCompleted:
		return StepResult{Kind: Done, Progress: s.progress}
	case StepFailed:
		return StepResult{Kind: Failed, Progress: s.progress, Err: s.err}
	case StepNotStarted:
		stream, err := s.start(ctx)
		if err != nil {
			return s.fail(err)
		}
		s.stream = stream
		s.state = StepAwaitingResponse
		return StepResult{Kind: Continuing, Progress: s.progress}
	}

	if s.nextTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.nextTimeout)
		defer cancel()
	}
	rsp, err := s.stream.Next(ctx)
	if errors.Is(err, io.EOF) {
		s.state = StepCompleted
		s.Close()
		return StepResult{Kind: Done, Progress: s.progress}
	}
	if err != nil {
		return s.fail(err)
	}
	if dimse.IsFailure(rsp.Status) {
		return s.fail(&dimse.StatusError{Op: "retrieve", Status: rsp.Status, Comment: rsp.ErrorComment})
	}
	if rsp.SubOps != nil {
		s.progress = fmt.Sprintf("%d / %s", rsp.SubOps.Completed, s.imgs)
	}
	if !rsp.Pending() {
		s.state = StepCompleted
		s.Close()
		return StepResult{Kind: Done, Progress: s.progress}
	}
	return StepResult{Kind: Continuing, Progress: s.progress}
}

func (s *retrieveStep) fail(err error) StepResult {
	s.state = StepFailed
	s.err = err
	s.Close()
	return StepResult{Kind: Failed, Progress: s.progress, Err: err}
}

func (s *retrieveStep) Close() error {
	if s.closed || s.stream == nil {
		s.closed = true
		return nil
	}
	s.closed = true
	if err := s.stream.Close(); err != nil {
		log.Debug().Err(err).Msg("Closing retrieve stream")
		return err
	}
	return nil
}
