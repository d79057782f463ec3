package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/otcheredev/dicom-gateway/internal/models"
)

func newTestManager(t *testing.T, r *fakeRetriever, cp *memCheckpoint) *Manager {
	t.Helper()
	m := NewManager(ManagerConfig{
		Registry:   testRegistry(),
		Retriever:  func(string) Retriever { return r },
		Checkpoint: cp,
		Handler:    HandlerConfig{IdleWait: 10 * time.Millisecond},
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Stop(ctx)
	})
	return m
}

func waitRow(t *testing.T, m *Manager, id int, want Status) Row {
	t.Helper()
	var row Row
	waitFor(t, "row "+string(want), func() bool {
		row, _ = m.Task(id)
		return row.Status == want
	})
	return row
}

func seriesRequest(study, series string) Request {
	req := moveRequest(study)
	req.Level = LevelSeries
	req.SeriesInstanceUID = series
	req.SeriesNumber = "3"
	req.SeriesDescription = "AXIAL"
	req.Modality = "CT"
	req.ImgsSeries = "120"
	return req
}

func TestNewRowDerivesDisplayFields(t *testing.T) {
	now := time.Date(2026, 3, 2, 14, 5, 9, 0, time.UTC)

	study := moveRequest("1.1")
	study.ModalitiesInStudy = "CT\\SR"
	row := newRow(3, study, now)
	if row.Started != "14:05:09" {
		t.Errorf("started = %q", row.Started)
	}
	if row.Status != StatusPending || row.Progress != "0" {
		t.Errorf("status, progress = %s, %q", row.Status, row.Progress)
	}
	if row.Imgs != "10" || row.Description != "CT HEAD" || row.Modality != "CT\\SR" {
		t.Errorf("study row = %+v", row)
	}

	row = newRow(4, seriesRequest("1.1", "1.1.1"), now)
	if row.Imgs != "120" || row.Description != "CT HEAD / AXIAL" || row.Modality != "CT" {
		t.Errorf("series row = %+v", row)
	}
}

func TestManagerAssignsSequentialIDs(t *testing.T) {
	r := newFakeRetriever()
	m := newTestManager(t, r, &memCheckpoint{})
	ctx := context.Background()

	for want := 0; want < 3; want++ {
		id, err := m.NewTask(ctx, moveRequest("1.1"))
		if err != nil {
			t.Fatal(err)
		}
		if id != want {
			t.Fatalf("id = %d, want %d", id, want)
		}
	}

	if err := m.Manage(ctx, "delete", 2); err != nil {
		t.Fatal(err)
	}
	id, err := m.NewTask(ctx, moveRequest("1.2"))
	if err != nil {
		t.Fatal(err)
	}
	if id != 3 {
		t.Fatalf("id after delete = %d, ids must not be reused", id)
	}
	if _, err := m.Task(2); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("deleted row lookup err = %v", err)
	}
}

func TestManagerRejectsBadRequests(t *testing.T) {
	m := newTestManager(t, newFakeRetriever(), &memCheckpoint{})
	ctx := context.Background()

	unknownSource := moveRequest("1.1")
	unknownSource.Source = "mri"
	if _, err := m.NewTask(ctx, unknownSource); !errors.Is(err, models.ErrDeviceNotFound) || !IsNotFound(err) {
		t.Errorf("unknown source err = %v", err)
	}

	unknownDest := moveRequest("1.1")
	unknownDest.Destination = "archive"
	if _, err := m.NewTask(ctx, unknownDest); !errors.Is(err, models.ErrDeviceNotFound) {
		t.Errorf("unknown destination err = %v", err)
	}

	badType := moveRequest("1.1")
	badType.Type = "STORE"
	if _, err := m.NewTask(ctx, badType); !errors.Is(err, ErrInvalidTask) {
		t.Errorf("bad type err = %v", err)
	}

	if len(m.TasksTable()) != 0 {
		t.Fatal("rejected requests created rows")
	}
}

func TestManageErrors(t *testing.T) {
	m := newTestManager(t, newFakeRetriever(), &memCheckpoint{})
	ctx := context.Background()
	id, err := m.NewTask(ctx, moveRequest("1.1"))
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Manage(ctx, "pause", 42); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("unknown id err = %v", err)
	}
	if err := m.Manage(ctx, "explode", id); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("unknown action err = %v", err)
	}
	if err := m.Manage(ctx, "new", id); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("new via Manage err = %v", err)
	}
}

func TestGetTaskTargetsLocalStore(t *testing.T) {
	r := newFakeRetriever()
	m := newTestManager(t, r, &memCheckpoint{})

	req := moveRequest("1.1")
	req.Type = TypeGet
	req.Destination = ""
	req.Source = LocalSource
	id, err := m.NewTask(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	row := waitRow(t, m, id, StatusCompleted)
	if row.Destination != models.LocalStoreName {
		t.Errorf("destination = %q", row.Destination)
	}
	if _, ok := m.Handler(models.LocalStoreName); !ok {
		t.Error("local source was not mapped to the local store handler")
	}
}

func TestSubmitDropsSeriesCoveredByStudy(t *testing.T) {
	r := newFakeRetriever()
	m := newTestManager(t, r, &memCheckpoint{})

	ids, errs := m.Submit(context.Background(), []Request{
		moveRequest("1.1"),
		seriesRequest("1.1", "1.1.1"),
		seriesRequest("1.2", "1.2.1"),
	})
	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d: %v", i, err)
		}
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v, want 2 tasks", ids)
	}
	rows := m.TasksTable()
	if len(rows) != 2 || rows[0].Level != LevelStudy || rows[1].SeriesInstanceUID != "1.2.1" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestManagerRetryRunsTaskAgain(t *testing.T) {
	r := newFakeRetriever()
	m := newTestManager(t, r, &memCheckpoint{})
	ctx := context.Background()

	id, err := m.NewTask(ctx, moveRequest("1.1"))
	if err != nil {
		t.Fatal(err)
	}
	waitRow(t, m, id, StatusCompleted)

	if err := m.Manage(ctx, "retry", id); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second run", func() bool { return len(r.Started()) == 2 })
	waitRow(t, m, id, StatusCompleted)
}

func TestManagerCheckpointsTerminalTasks(t *testing.T) {
	cp := &memCheckpoint{}
	m := newTestManager(t, newFakeRetriever(), cp)

	id, err := m.NewTask(context.Background(), moveRequest("1.1"))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "checkpointed completion", func() bool {
		rows, _ := cp.Load(context.Background())
		return len(rows) == 1 && rows[0].TaskID == id && rows[0].Status == StatusCompleted
	})
	rows, _ := cp.Load(context.Background())
	if rows[0].Request.StudyInstanceUID != "1.1" {
		t.Fatalf("checkpoint lost the request: %+v", rows[0].Request)
	}
}

func TestManagerRestoresCheckpoint(t *testing.T) {
	now := time.Now()
	done := newRow(4, moveRequest("1.1"), now)
	done.Status = StatusCompleted
	done.Progress = "10 / 10"
	unfinished := newRow(7, moveRequest("1.2"), now)
	unfinished.Status = StatusActive
	orphanReq := moveRequest("1.3")
	orphanReq.Source = "retired"
	orphan := newRow(5, orphanReq, now)

	cp := &memCheckpoint{rows: []Row{*done, *unfinished, *orphan}}
	r := newFakeRetriever()
	m := newTestManager(t, r, cp)

	waitRow(t, m, 7, StatusCompleted)
	if row, _ := m.Task(4); row.Status != StatusCompleted || row.Progress != "10 / 10" {
		t.Errorf("restored completed row = %s %q", row.Status, row.Progress)
	}
	if row, _ := m.Task(5); row.Status != StatusFailed {
		t.Errorf("row with unknown source = %s, want failed", row.Status)
	}
	for _, study := range r.Started() {
		if study != "1.2" {
			t.Errorf("restored terminal task %s was run again", study)
		}
	}

	id, err := m.NewTask(context.Background(), moveRequest("1.4"))
	if err != nil {
		t.Fatal(err)
	}
	if id != 8 {
		t.Fatalf("next id = %d, want 8", id)
	}
}

func TestManagerRushAcrossTasks(t *testing.T) {
	r := newFakeRetriever()
	gate := make(chan struct{})
	r.add("1.1", &fakeStream{responses: moveResponses(2), block: gate})
	m := newTestManager(t, r, &memCheckpoint{})
	ctx := context.Background()

	first, _ := m.NewTask(ctx, moveRequest("1.1"))
	second, _ := m.NewTask(ctx, moveRequest("1.2"))
	waitRow(t, m, first, StatusActive)
	if row, _ := m.Task(second); row.Status != StatusPending {
		t.Fatalf("second task = %s, want pending", row.Status)
	}

	if err := m.Manage(ctx, "rush", second); err != nil {
		t.Fatal(err)
	}
	gate <- struct{}{}
	waitRow(t, m, second, StatusCompleted)

	close(gate)
	waitRow(t, m, first, StatusCompleted)
}
