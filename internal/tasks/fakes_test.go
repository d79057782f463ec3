package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/otcheredev/dicom-gateway/internal/adapters"
	"github.com/otcheredev/dicom-gateway/internal/models"
	"github.com/otcheredev/dicom-gateway/pkg/dimse"
)

type fakeStream struct {
	mu        sync.Mutex
	responses []*dimse.Response
	err       error
	block     chan struct{}
	closes    int
}

func (s *fakeStream) Next(ctx context.Context) (*dimse.Response, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	rsp := s.responses[0]
	s.responses = s.responses[1:]
	return rsp, nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeStream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// moveResponses reports n sub-operations one by one, then success.
func moveResponses(n int) []*dimse.Response {
	var out []*dimse.Response
	for i := 1; i <= n; i++ {
		out = append(out, &dimse.Response{
			Status: dimse.StatusPending,
			SubOps: &dimse.SubOperations{Remaining: n - i, Completed: i},
		})
	}
	return append(out, &dimse.Response{Status: dimse.StatusSuccess, SubOps: &dimse.SubOperations{Completed: n}})
}

type fakeRetriever struct {
	mu       sync.Mutex
	streams  map[string][]*fakeStream
	startErr map[string]error
	started  []string
	dests    []string
	released int
}

func newFakeRetriever() *fakeRetriever {
	return &fakeRetriever{streams: make(map[string][]*fakeStream), startErr: make(map[string]error)}
}

// add queues a stream for the next start of study.
func (r *fakeRetriever) add(study string, s *fakeStream) *fakeStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[study] = append(r.streams[study], s)
	return s
}

func (r *fakeRetriever) start(ds *dimse.Dataset, dest string) (adapters.Stream, error) {
	study := ds.Get(dimse.StudyInstanceUID, "")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, study)
	r.dests = append(r.dests, dest)
	if err := r.startErr[study]; err != nil {
		return nil, err
	}
	queued := r.streams[study]
	if len(queued) == 0 {
		return &fakeStream{responses: moveResponses(1)}, nil
	}
	r.streams[study] = queued[1:]
	return queued[0], nil
}

func (r *fakeRetriever) StartMove(_ context.Context, _ *models.Device, destAET string, ds *dimse.Dataset) (adapters.Stream, error) {
	return r.start(ds, destAET)
}

func (r *fakeRetriever) StartGet(_ context.Context, _ *models.Device, ds *dimse.Dataset, _ dimse.StoreFunc) (adapters.Stream, error) {
	return r.start(ds, "")
}

func (r *fakeRetriever) ReleaseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released++
	return nil
}

func (r *fakeRetriever) Started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

type fakeRegistry map[string]*models.Device

func (f fakeRegistry) Get(_ context.Context, name string) (*models.Device, error) {
	d, ok := f[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrDeviceNotFound, name)
	}
	return d, nil
}

func testRegistry() fakeRegistry {
	return fakeRegistry{
		"ct":                   {Name: "ct", AETitle: "CT01", Address: "10.0.0.2", Port: 104},
		"pacs":                 {Name: "pacs", AETitle: "PACS", Address: "10.0.0.3", Port: 104},
		models.LocalStoreName: {Name: models.LocalStoreName, AETitle: "GATEWAY", Address: "0.0.0.0", Port: 11112},
	}
}

type memCheckpoint struct {
	mu    sync.Mutex
	rows  []Row
	saves int
	err   error
}

func (c *memCheckpoint) Save(_ context.Context, rows []Row) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves++
	c.rows = append([]Row(nil), rows...)
	return c.err
}

func (c *memCheckpoint) Load(context.Context) ([]Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Row(nil), c.rows...), nil
}

func moveRequest(study string) Request {
	return Request{
		Type:             TypeMove,
		Level:            LevelStudy,
		Source:           "ct",
		Destination:      "pacs",
		PatientName:      "DOE^JANE",
		PatientID:        "P1",
		StudyInstanceUID: study,
		StudyDescription: "CT HEAD",
		ImgsStudy:        "10",
	}
}

func newTask(id int, study string) *Task {
	return &Task{
		ID:             id,
		Request:        moveRequest(study),
		Source:         testRegistry()["ct"],
		DestinationAET: "PACS",
		Created:        time.Now(),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errConnReset = errors.New("connection reset by peer")
