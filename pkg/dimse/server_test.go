package dimse

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func listenServer(t *testing.T, cfg ServerConfig) (*Server, Endpoint) {
	t.Helper()
	cfg.AETitle = "PEER"
	cfg.Address = "127.0.0.1"
	srv := NewServer(cfg)
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve()
	return srv, Endpoint{AETitle: cfg.AETitle, Address: "127.0.0.1", Port: srv.Addr().(*net.TCPAddr).Port}
}

func TestShutdownFinishesStoreSplitAcrossFragments(t *testing.T) {
	var stored atomic.Int32
	srv, ep := listenServer(t, ServerConfig{
		Timeout: 5 * time.Second,
		OnStore: func(ctx context.Context, req *StoreRequest) uint16 {
			stored.Add(1)
			return StatusSuccess
		},
	})
	a := dialPeer(t, ep, Profile{Contexts: StorageContexts([]string{CTImageStorage}, UncompressedSyntaxes)})

	pc, ok := a.contextFor(CTImageStorage, "")
	if !ok {
		t.Fatal("storage context not accepted")
	}
	data, err := EncodeDataset(NewDataset().
		MustSet(SOPClassUID, CTImageStorage).
		MustSet(SOPInstanceUID, "1.2.826.0.1.3680043.2.1").
		MustSet(PatientID, "P001"), pc.TransferSyntax)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cmd := &Command{
		Field:                  CStoreRQ,
		AffectedSOPClassUID:    CTImageStorage,
		AffectedSOPInstanceUID: "1.2.826.0.1.3680043.2.1",
		MessageID:              a.nextMessageID(),
		Priority:               priorityNorm,
		HasDataset:             true,
	}
	half := len(data) / 2
	if err := writePDU(a.conn, pduPData, encodePData(pdv{contextID: pc.ID, command: true, last: true, data: cmd.Encode()})); err != nil {
		t.Fatalf("write command: %v", err)
	}
	if err := writePDU(a.conn, pduPData, encodePData(pdv{contextID: pc.ID, data: data[:half]})); err != nil {
		t.Fatalf("write first fragment: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	shutdown := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdown <- srv.Shutdown(ctx)
	}()
	select {
	case err := <-shutdown:
		t.Fatalf("Shutdown returned %v while a store was half received", err)
	case <-time.After(200 * time.Millisecond):
	}

	if err := writePDU(a.conn, pduPData, encodePData(pdv{contextID: pc.ID, last: true, data: data[half:]})); err != nil {
		t.Fatalf("write last fragment: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := a.Receive(ctx)
	if err != nil {
		t.Fatalf("receive response: %v", err)
	}
	if msg.Command.Field != CStoreRSP || msg.Command.Status != StatusSuccess {
		t.Fatalf("response = 0x%04x status 0x%04x", msg.Command.Field, msg.Command.Status)
	}
	if got := stored.Load(); got != 1 {
		t.Fatalf("stored = %d, want 1", got)
	}
	if err := <-shutdown; err != nil {
		t.Fatalf("Shutdown = %v", err)
	}
}

func TestShutdownAbortsIdleAssociations(t *testing.T) {
	srv, ep := listenServer(t, ServerConfig{})
	a := dialPeer(t, ep, Profile{Contexts: []ContextProposal{{VerificationSOPClass, UncompressedSyntaxes}}})
	if status, err := a.Echo(context.Background()); err != nil || status != StatusSuccess {
		t.Fatalf("echo = 0x%04x, %v", status, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown = %v", err)
	}
	if _, err := a.Receive(ctx); !errors.Is(err, ErrAborted) {
		t.Fatalf("Receive after shutdown = %v, want ErrAborted", err)
	}
}

func TestShutdownAbortsStalledMessageWhenContextExpires(t *testing.T) {
	srv, ep := listenServer(t, ServerConfig{Timeout: time.Minute})
	a := dialPeer(t, ep, Profile{Contexts: StorageContexts([]string{CTImageStorage}, UncompressedSyntaxes)})
	pc, _ := a.contextFor(CTImageStorage, "")
	cmd := &Command{Field: CStoreRQ, AffectedSOPClassUID: CTImageStorage, AffectedSOPInstanceUID: "1.2.3", MessageID: 1, HasDataset: true}
	if err := writePDU(a.conn, pduPData, encodePData(pdv{contextID: pc.ID, command: true, last: true, data: cmd.Encode()})); err != nil {
		t.Fatalf("write command: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := srv.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown = %v, want deadline exceeded", err)
	}
	if _, err := a.Receive(context.Background()); !errors.Is(err, ErrAborted) {
		t.Fatalf("Receive = %v, want ErrAborted", err)
	}
}
