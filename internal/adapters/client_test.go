package adapters

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/otcheredev/dicom-gateway/internal/models"
	"github.com/otcheredev/dicom-gateway/pkg/dimse"
)

// fakePACS answers C-FIND from a fixed set of records and acknowledges
// C-MOVE and C-STORE.
type fakePACS struct {
	mu      sync.Mutex
	records []*dimse.Dataset
	queries []*dimse.Dataset
	moves   []*dimse.Dataset
	dests   []string
	stored  []string
}

func (p *fakePACS) find(ctx context.Context, a *dimse.Association, req *dimse.Message) error {
	q, err := a.Dataset(req)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.queries = append(p.queries, q)
	records := p.records
	p.mu.Unlock()

	level := q.Get(dimse.QueryRetrieveLevel, "")
	for _, r := range records {
		if r.Get(dimse.QueryRetrieveLevel, "") != level {
			continue
		}
		if !matches(r, q) {
			continue
		}
		out := dimse.NewDataset()
		for _, kw := range q.Keywords() {
			if r.Has(kw) {
				out.MustSet(kw, r.Strings(kw)...)
			}
		}
		if err := a.Respond(ctx, req, dimse.StatusPending, out, nil); err != nil {
			return err
		}
	}
	return a.Respond(ctx, req, dimse.StatusSuccess, nil, nil)
}

func matches(r, q *dimse.Dataset) bool {
	for _, kw := range q.Keywords() {
		want := q.Get(kw, "")
		if want == "" || kw == dimse.QueryRetrieveLevel {
			continue
		}
		if r.Get(kw, "") != want {
			return false
		}
	}
	return true
}

func (p *fakePACS) move(ctx context.Context, a *dimse.Association, req *dimse.Message) error {
	q, err := a.Dataset(req)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.moves = append(p.moves, q)
	p.dests = append(p.dests, req.Command.MoveDestination)
	p.mu.Unlock()
	if q.Get(dimse.StudyInstanceUID, "") == "missing" {
		return a.Respond(ctx, req, 0xA801, nil, nil)
	}
	if err := a.Respond(ctx, req, dimse.StatusPending, nil, &dimse.SubOperations{Remaining: 1, Completed: 1}); err != nil {
		return err
	}
	return a.Respond(ctx, req, dimse.StatusSuccess, nil, &dimse.SubOperations{Completed: 2, Warning: 1})
}

func (p *fakePACS) store(_ context.Context, req *dimse.StoreRequest) uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, uid := range p.stored {
		if uid == req.SOPInstanceUID {
			return dimse.StatusDuplicateSOP
		}
	}
	p.stored = append(p.stored, req.SOPInstanceUID)
	return dimse.StatusSuccess
}

func (p *fakePACS) snapshot() (queries, moves []*dimse.Dataset, dests []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append(queries, p.queries...), append(moves, p.moves...), append(dests, p.dests...)
}

func startPACS(t *testing.T, p *fakePACS) *models.Device {
	t.Helper()
	srv := dimse.NewServer(dimse.ServerConfig{
		AETitle: "PACS",
		Address: "127.0.0.1",
		Accept:  func(string) bool { return true },
		OnStore: p.store,
		Handlers: map[uint16]dimse.RequestHandler{
			dimse.CFindRQ: p.find,
			dimse.CMoveRQ: p.move,
		},
	})
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return &models.Device{
		Name:       "pacs",
		AETitle:    "PACS",
		Address:    "127.0.0.1",
		Port:       srv.Addr().(*net.TCPAddr).Port,
		ImgsStudy:  models.CountUnknown,
		ImgsSeries: dimse.NumberOfSeriesRelatedInstances,
	}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(Config{CallingAET: "GATEWAY", Timeout: 5 * time.Second})
	t.Cleanup(func() { c.Close() })
	return c
}

func study(uid, date string) *dimse.Dataset {
	return dimse.NewDataset().
		MustSet(dimse.QueryRetrieveLevel, dimse.LevelStudy).
		MustSet(dimse.StudyInstanceUID, uid).
		MustSet(dimse.StudyDate, date).
		MustSet(dimse.PatientName, "DOE^JANE").
		MustSet(dimse.NumberOfStudyRelatedInstances, "12")
}

func series(studyUID, uid string, count string) *dimse.Dataset {
	return dimse.NewDataset().
		MustSet(dimse.QueryRetrieveLevel, dimse.LevelSeries).
		MustSet(dimse.StudyInstanceUID, studyUID).
		MustSet(dimse.SeriesInstanceUID, uid).
		MustSet(dimse.SeriesDescription, "AX T1").
		MustSet(dimse.NumberOfSeriesRelatedInstances, count)
}

func TestEcho(t *testing.T) {
	device := startPACS(t, &fakePACS{})
	c := newTestClient(t)

	if got := c.Echo(context.Background(), device); got != int(dimse.StatusSuccess) {
		t.Fatalf("Echo = %d, want 0", got)
	}
	if stats := c.Stats(); stats.TotalAssociations != 1 || stats.Busy != 0 {
		t.Fatalf("pool after echo = %+v", stats)
	}
}

func TestEchoUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := newTestClient(t)
	device := &models.Device{Name: "gone", AETitle: "GONE", Address: "127.0.0.1", Port: port}
	if got := c.Echo(context.Background(), device); got != EchoFailed {
		t.Fatalf("Echo = %d, want %d", got, EchoFailed)
	}
	if got := c.Query(context.Background(), device, dimse.NewDataset()); len(got) != 0 {
		t.Fatalf("Query on unreachable device returned %d results", len(got))
	}
}

func TestQueryStudiesAddsLevelAndKeys(t *testing.T) {
	p := &fakePACS{records: []*dimse.Dataset{study("1.1", "20240102"), study("1.2", "20240103")}}
	device := startPACS(t, p)
	c := newTestClient(t)

	criteria := dimse.NewDataset().MustSet(dimse.StudyDate, "20240102")
	got := c.QueryStudies(context.Background(), device, criteria, nil)
	if len(got) != 1 || got[0].Get(dimse.StudyInstanceUID, "") != "1.1" {
		t.Fatalf("QueryStudies = %v", got)
	}
	if got[0].Get(dimse.PatientName, "") != "DOE^JANE" {
		t.Errorf("PatientName = %q", got[0].Get(dimse.PatientName, ""))
	}

	queries, _, _ := p.snapshot()
	q := queries[0]
	if q.Get(dimse.QueryRetrieveLevel, "") != dimse.LevelStudy {
		t.Errorf("level = %q", q.Get(dimse.QueryRetrieveLevel, ""))
	}
	if !q.Has(dimse.StudyInstanceUID) || !q.Has(dimse.StudyDescription) {
		t.Errorf("default return keys missing: %v", q.Keywords())
	}
	if q.Has(dimse.NumberOfStudyRelatedInstances) {
		t.Error("unknown study count field should not be requested")
	}
	if criteria.Has(dimse.QueryRetrieveLevel) {
		t.Error("caller's criteria were modified")
	}
}

func TestQuerySeriesRequestsCountField(t *testing.T) {
	p := &fakePACS{records: []*dimse.Dataset{
		series("1.1", "1.1.1", "20"),
		series("1.1", "1.1.2", "3"),
		series("1.9", "1.9.1", "1"),
	}}
	device := startPACS(t, p)
	c := newTestClient(t)

	got := c.QuerySeries(context.Background(), device, "1.1", nil, nil)
	if len(got) != 2 {
		t.Fatalf("QuerySeries returned %d series, want 2", len(got))
	}
	if n, ok := got[0].Int(dimse.NumberOfSeriesRelatedInstances); !ok || n != 20 {
		t.Errorf("count = %d, %v", n, ok)
	}
}

func TestRetrieveIdentifierKeepsOnlyUIDs(t *testing.T) {
	ds := study("1.1", "20240102").MustSet(dimse.SeriesInstanceUID, "1.1.1")
	id := RetrieveIdentifier(ds)
	want := map[string]bool{dimse.QueryRetrieveLevel: true, dimse.StudyInstanceUID: true, dimse.SeriesInstanceUID: true}
	for _, kw := range id.Keywords() {
		if !want[kw] {
			t.Errorf("unexpected field %s", kw)
		}
		delete(want, kw)
	}
	if len(want) != 0 {
		t.Errorf("missing fields %v", want)
	}
}

func TestMoveResults(t *testing.T) {
	p := &fakePACS{}
	device := startPACS(t, p)
	c := newTestClient(t)

	results := c.Move(context.Background(), device, "ARCHIVE", []*dimse.Dataset{
		study("1.1", "20240102"),
		study("missing", "20240102"),
	})
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	r := results[0]
	if r.Completed == nil || *r.Completed != 2 || *r.Warning != 1 || *r.Failed != 0 {
		t.Errorf("first result = %+v", r)
	}
	if results[1].Completed != nil {
		t.Errorf("failed move should report no counters, got %+v", results[1])
	}
	_, moves, dests := p.snapshot()
	if dests[0] != "ARCHIVE" {
		t.Errorf("destination = %q", dests[0])
	}
	if moves[0].Has(dimse.PatientName) || moves[0].Has(dimse.StudyDate) {
		t.Errorf("descriptive fields forwarded: %v", moves[0].Keywords())
	}
}

func TestStoreDatasets(t *testing.T) {
	p := &fakePACS{}
	device := startPACS(t, p)
	c := newTestClient(t)

	inst := dimse.NewDataset().
		MustSet(dimse.SOPClassUID, dimse.CTImageStorage).
		MustSet(dimse.SOPInstanceUID, "1.2.3").
		MustSet(dimse.StudyInstanceUID, "1.2")
	noClass := dimse.NewDataset().MustSet(dimse.SOPInstanceUID, "1.2.4")
	got := c.StoreDatasets(context.Background(), device, []*dimse.Dataset{inst, noClass, inst})
	want := []bool{true, false, false}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("StoreDatasets = %v, want %v", got, want)
		}
	}
}

func TestProbeCountFields(t *testing.T) {
	today := time.Now().Format("20060102")
	p := &fakePACS{records: []*dimse.Dataset{study("1.1", today), series("1.1", "1.1.1", "4")}}
	device := startPACS(t, p)
	c := newTestClient(t)

	s, sr := c.ProbeCountFields(context.Background(), device, 3)
	if s != dimse.NumberOfStudyRelatedInstances || sr != dimse.NumberOfSeriesRelatedInstances {
		t.Fatalf("ProbeCountFields = %q, %q", s, sr)
	}
}

func TestProbeCountFieldsNothingFound(t *testing.T) {
	device := startPACS(t, &fakePACS{})
	c := newTestClient(t)

	s, sr := c.ProbeCountFields(context.Background(), device, 2)
	if s != models.CountUnknown || sr != models.CountUnknown {
		t.Fatalf("ProbeCountFields = %q, %q", s, sr)
	}
}

func TestFactoryReturnsSameClient(t *testing.T) {
	f := NewClientFactory(Config{CallingAET: "GATEWAY"})
	a := f.Client("ct1")
	if f.Client("ct1") != a {
		t.Fatal("factory created a second client for the same key")
	}
	if f.Client("ct2") == a {
		t.Fatal("different keys share a client")
	}
	if err := f.Remove("ct1"); err != nil {
		t.Fatal(err)
	}
	if f.Client("ct1") == a {
		t.Fatal("removed client handed out again")
	}
	if stats := f.Stats(); len(stats) != 2 || stats["ct2"].TotalAssociations != 0 {
		t.Fatalf("Stats = %+v", stats)
	}
	if err := f.CloseAll(); err != nil {
		t.Fatal(err)
	}
}
