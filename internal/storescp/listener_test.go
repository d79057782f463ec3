package storescp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/otcheredev/dicom-gateway/internal/adapters"
	"github.com/otcheredev/dicom-gateway/internal/models"
	"github.com/otcheredev/dicom-gateway/pkg/dimse"
)

const ctImageStorage = "1.2.840.10008.5.1.4.1.1.2"

type memInstances struct {
	mu      sync.Mutex
	rows    map[string]string
	deleted []string
}

func newMemInstances() *memInstances {
	return &memInstances{rows: make(map[string]string)}
}

func (m *memInstances) CreateInstance(_ context.Context, ds *dimse.Dataset, path, _, _ string) (*models.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uid := ds.Get(dimse.SOPInstanceUID, "")
	if _, ok := m.rows[uid]; ok {
		return nil, fmt.Errorf("%w: %s", models.ErrDuplicateInstance, uid)
	}
	m.rows[uid] = path
	return &models.Instance{SOPInstanceUID: uid, FilePath: path}, nil
}

func (m *memInstances) DeleteInstance(_ context.Context, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, uid)
	m.deleted = append(m.deleted, uid)
	return nil
}

func (m *memInstances) path(uid string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[uid]
	return p, ok
}

func instance(sop string) *dimse.Dataset {
	return dimse.NewDataset().
		MustSet(dimse.SOPClassUID, ctImageStorage).
		MustSet(dimse.SOPInstanceUID, sop).
		MustSet(dimse.StudyInstanceUID, "1.2.3").
		MustSet(dimse.SeriesInstanceUID, "1.2.3.4").
		MustSet(dimse.PatientID, "P1").
		MustSet(dimse.Modality, "CT")
}

func storeRequest(t *testing.T, ds *dimse.Dataset) *dimse.StoreRequest {
	t.Helper()
	data, err := dimse.EncodeDataset(ds, dimse.ExplicitVRLittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	return &dimse.StoreRequest{
		CallingAET:     "CT01",
		SOPClassUID:    ds.Get(dimse.SOPClassUID, ""),
		SOPInstanceUID: ds.Get(dimse.SOPInstanceUID, ""),
		TransferSyntax: dimse.ExplicitVRLittleEndian,
		Data:           data,
	}
}

func TestStorageStatuses(t *testing.T) {
	root := t.TempDir()
	store := newMemInstances()
	s := NewStorage(root, store, nil)
	ctx := context.Background()

	if got := s.Handle(ctx, storeRequest(t, instance("1.2.3.4.5"))); got != dimse.StatusSuccess {
		t.Fatalf("first store = 0x%04x", got)
	}
	want := filepath.Join(root, "1.2.3", "1.2.3.4", "1.2.3.4.5")
	if p, ok := store.path("1.2.3.4.5"); !ok || p != want {
		t.Fatalf("recorded path = %q, %v; want %q", p, ok, want)
	}
	f, err := dimse.ReadFile(want)
	if err != nil {
		t.Fatalf("stored file unreadable: %v", err)
	}
	if f.SOPInstanceUID != "1.2.3.4.5" || f.SourceAET != "CT01" {
		t.Errorf("file meta = %+v", f)
	}

	if got := s.Handle(ctx, storeRequest(t, instance("1.2.3.4.5"))); got != dimse.StatusDuplicateSOP {
		t.Fatalf("duplicate store = 0x%04x, want 0x0117", got)
	}

	bad := instance("1.2.3.4.6")
	bad.MustSet(dimse.SeriesInstanceUID, "../../etc")
	if got := s.Handle(ctx, storeRequest(t, bad)); got != dimse.StatusOutOfResources {
		t.Fatalf("bad UID store = 0x%04x, want 0xa700", got)
	}
}

func TestStorageWriteFailureRemovesRow(t *testing.T) {
	root := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(root, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	store := newMemInstances()
	s := NewStorage(root, store, nil)

	if got := s.Handle(context.Background(), storeRequest(t, instance("1.2.3.4.7"))); got != dimse.StatusOutOfResources {
		t.Fatalf("status = 0x%04x, want 0xa700", got)
	}
	if _, ok := store.path("1.2.3.4.7"); ok {
		t.Fatal("row kept for an instance that was not written")
	}
	if len(store.deleted) != 1 {
		t.Fatalf("deleted = %v", store.deleted)
	}
}

func startListener(t *testing.T, handler dimse.StoreFunc) *Listener {
	t.Helper()
	l := New(Config{AETitle: "GATEWAY", Address: "127.0.0.1", Timeout: 5 * time.Second}, handler)
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l.Stop(ctx)
	})
	return l
}

func listenerDevice(l *Listener) *models.Device {
	return &models.Device{
		Name:    "gateway",
		AETitle: l.Config().AETitle,
		Address: "127.0.0.1",
		Port:    l.Addr().(*net.TCPAddr).Port,
	}
}

func newClient(t *testing.T) *adapters.Client {
	t.Helper()
	c := adapters.NewClient(adapters.Config{CallingAET: "CT01", Timeout: 5 * time.Second})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestListenerReceivesStores(t *testing.T) {
	store := newMemInstances()
	l := startListener(t, NewStorage(t.TempDir(), store, nil).Handle)
	c := newClient(t)
	dev := listenerDevice(l)
	ctx := context.Background()

	if status := c.Echo(ctx, dev); status != 0 {
		t.Fatalf("echo status = %d", status)
	}
	got := c.StoreDatasets(ctx, dev, []*dimse.Dataset{instance("1.2.3.4.10"), instance("1.2.3.4.10"), instance("1.2.3.4.11")})
	if !got[0] || got[1] || !got[2] {
		t.Fatalf("store results = %v, want [true false true]", got)
	}
	if _, ok := store.path("1.2.3.4.11"); !ok {
		t.Fatal("instance not recorded")
	}
}

func TestReconfigureRollsBack(t *testing.T) {
	l := startListener(t, NewStorage(t.TempDir(), newMemInstances(), nil).Handle)
	before := l.Config()

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	next := before
	next.AETitle = "OTHER"
	next.Port = busy.Addr().(*net.TCPAddr).Port
	if err := l.Reconfigure(context.Background(), next); err == nil {
		t.Fatal("reconfigure onto a busy port succeeded")
	}
	if !l.Running() {
		t.Fatal("listener left stopped after a failed reconfigure")
	}
	if got := l.Config(); got.AETitle != before.AETitle || got.Port != before.Port {
		t.Fatalf("config after rollback = %+v, want %+v", got, before)
	}
	if status := newClient(t).Echo(context.Background(), listenerDevice(l)); status != 0 {
		t.Fatalf("echo after rollback = %d", status)
	}
}

func TestReconfigureApplies(t *testing.T) {
	l := startListener(t, NewStorage(t.TempDir(), newMemInstances(), nil).Handle)

	next := l.Config()
	next.AETitle = "GATEWAY2"
	if err := l.Reconfigure(context.Background(), next); err != nil {
		t.Fatal(err)
	}
	if !l.Running() || l.Config().AETitle != "GATEWAY2" {
		t.Fatalf("running=%v config=%+v", l.Running(), l.Config())
	}

	bad := next
	bad.AETitle = "THIS_TITLE_IS_TOO_LONG"
	if err := l.Reconfigure(context.Background(), bad); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
	if l.Config().AETitle != "GATEWAY2" {
		t.Fatal("invalid config was applied")
	}
}

func TestStopAndReconfigureWhileStopped(t *testing.T) {
	l := startListener(t, NewStorage(t.TempDir(), newMemInstances(), nil).Handle)
	if err := l.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if l.Running() || l.Addr() != nil {
		t.Fatal("listener still running after Stop")
	}

	cfg := l.Config()
	cfg.AETitle = "LATER"
	if err := l.Reconfigure(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if l.Running() {
		t.Fatal("reconfigure started a stopped listener")
	}
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	if l.Config().AETitle != "LATER" {
		t.Fatalf("config = %+v", l.Config())
	}
}
