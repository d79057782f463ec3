package dimse

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func acceptAll(string) bool { return true }

// startPeer runs a server on a loopback port and returns its endpoint.
func startPeer(t *testing.T, cfg ServerConfig) Endpoint {
	t.Helper()
	cfg.Address = "127.0.0.1"
	cfg.Port = 0
	if cfg.AETitle == "" {
		cfg.AETitle = "PEER"
	}
	srv := NewServer(cfg)
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return Endpoint{AETitle: cfg.AETitle, Address: "127.0.0.1", Port: srv.Addr().(*net.TCPAddr).Port}
}

func dialPeer(t *testing.T, ep Endpoint, profile Profile) *Association {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := Dial(ctx, AssociationConfig{
		Endpoint:   ep,
		CallingAET: "GATEWAY",
		Timeout:    5 * time.Second,
		Contexts:   profile.Contexts,
		SCPRoles:   profile.SCPRoles,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return a
}

func TestEchoAndRelease(t *testing.T) {
	ep := startPeer(t, ServerConfig{})
	a := dialPeer(t, ep, Profile{Contexts: []ContextProposal{{VerificationSOPClass, UncompressedSyntaxes}}})

	status, err := a.Echo(context.Background())
	if err != nil || status != StatusSuccess {
		t.Fatalf("echo = 0x%04x, %v", status, err)
	}
	if err := a.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := a.Release(); err != nil {
		t.Fatalf("second release should be a no-op, got %v", err)
	}
	if a.IsEstablished() {
		t.Fatal("association still established after release")
	}
	if _, err := a.Echo(context.Background()); !errors.Is(err, ErrNotEstablished) {
		t.Fatalf("echo after release: got %v, want ErrNotEstablished", err)
	}
}

func TestDialRejectedWithoutCommonContext(t *testing.T) {
	ep := startPeer(t, ServerConfig{Accept: func(string) bool { return false }})
	_, err := Dial(context.Background(), AssociationConfig{Endpoint: ep, CallingAET: "GATEWAY", Timeout: 2 * time.Second})
	var ae *AssociationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AssociationError, got %v", err)
	}
	var rj *RejectError
	if !errors.As(err, &rj) {
		t.Fatalf("expected a rejection, got %v", err)
	}
}

func TestFindStream(t *testing.T) {
	ep := startPeer(t, ServerConfig{
		Accept: acceptAll,
		Handlers: map[uint16]RequestHandler{
			CFindRQ: func(ctx context.Context, a *Association, req *Message) error {
				q, err := a.Dataset(req)
				if err != nil {
					return err
				}
				for _, uid := range []string{"1.1", "1.2"} {
					r := NewDataset().
						MustSet(QueryRetrieveLevel, q.Get(QueryRetrieveLevel, "")).
						MustSet(StudyInstanceUID, uid)
					if err := a.Respond(ctx, req, StatusPending, r, nil); err != nil {
						return err
					}
				}
				return a.Respond(ctx, req, StatusSuccess, nil, nil)
			},
		},
	})
	a := dialPeer(t, ep, QueryProfile)
	defer a.Release()

	ctx := context.Background()
	s, err := a.Find(ctx, StudyRootFind, NewDataset().MustSet(QueryRetrieveLevel, LevelStudy).MustSet(StudyInstanceUID))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	rsps, err := s.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(rsps) != 3 {
		t.Fatalf("got %d responses, want 3", len(rsps))
	}
	if got := rsps[1].Identifier.Get(StudyInstanceUID, ""); got != "1.2" {
		t.Errorf("second identifier = %q", got)
	}
	if rsps[2].Pending() || rsps[2].Identifier != nil {
		t.Errorf("final response = %+v", rsps[2])
	}
	if _, err := s.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Next after final: %v, want io.EOF", err)
	}

	// The association is reusable after the stream completes.
	if status, err := a.Echo(ctx); err != nil || status != StatusSuccess {
		t.Fatalf("echo after find = 0x%04x, %v", status, err)
	}
}

func TestMoveStreamReportsSubOperations(t *testing.T) {
	var dest atomic.Value
	ep := startPeer(t, ServerConfig{
		Accept: acceptAll,
		Handlers: map[uint16]RequestHandler{
			CMoveRQ: func(ctx context.Context, a *Association, req *Message) error {
				dest.Store(req.Command.MoveDestination)
				for i := 1; i <= 2; i++ {
					if err := a.Respond(ctx, req, StatusPending, nil, &SubOperations{Remaining: 3 - i, Completed: i}); err != nil {
						return err
					}
				}
				return a.Respond(ctx, req, StatusSuccess, nil, &SubOperations{Completed: 3})
			},
		},
	})
	a := dialPeer(t, ep, QueryProfile)
	defer a.Release()

	ctx := context.Background()
	s, err := a.Move(ctx, StudyRootMove, "ARCHIVE", NewDataset().MustSet(QueryRetrieveLevel, LevelStudy).MustSet(StudyInstanceUID, "1.2"))
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	var completed []int
	for {
		rsp, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		completed = append(completed, rsp.SubOps.Completed)
	}
	if len(completed) != 3 || completed[2] != 3 {
		t.Fatalf("completed counters = %v", completed)
	}
	if got := dest.Load(); got != "ARCHIVE" {
		t.Errorf("move destination = %v", got)
	}
}

func TestGetReceivesInstancesOnSameAssociation(t *testing.T) {
	ep := startPeer(t, ServerConfig{
		Accept: acceptAll,
		Handlers: map[uint16]RequestHandler{
			CGetRQ: func(ctx context.Context, a *Association, req *Message) error {
				inst := NewDataset().
					MustSet(SOPClassUID, CTImageStorage).
					MustSet(SOPInstanceUID, "1.2.3.4").
					MustSet(StudyInstanceUID, "1.2")
				status, err := a.StoreDataset(ctx, inst)
				if err != nil {
					return err
				}
				ops := &SubOperations{Completed: 1}
				if status != StatusSuccess {
					ops = &SubOperations{Failed: 1}
				}
				return a.Respond(ctx, req, StatusSuccess, nil, ops)
			},
		},
	})
	profile := Profile{
		Contexts: append(DefaultContexts(), StorageContexts([]string{CTImageStorage}, UncompressedSyntaxes)...),
		SCPRoles: []string{CTImageStorage},
	}
	a := dialPeer(t, ep, profile)
	defer a.Release()

	var received []string
	onStore := func(_ context.Context, req *StoreRequest) uint16 {
		ds, err := req.Dataset()
		if err != nil {
			return StatusOutOfResources
		}
		received = append(received, ds.Get(SOPInstanceUID, ""))
		return StatusSuccess
	}
	ctx := context.Background()
	s, err := a.Get(ctx, StudyRootGet, NewDataset().MustSet(QueryRetrieveLevel, LevelStudy).MustSet(StudyInstanceUID, "1.2"), onStore)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	rsps, err := s.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(received) != 1 || received[0] != "1.2.3.4" {
		t.Fatalf("received = %v", received)
	}
	last := rsps[len(rsps)-1]
	if last.SubOps == nil || last.SubOps.Completed != 1 {
		t.Fatalf("final sub-operations = %+v", last.SubOps)
	}
}

func TestReceiveHonoursContextCancellation(t *testing.T) {
	block := make(chan struct{})
	ep := startPeer(t, ServerConfig{
		Accept: acceptAll,
		Handlers: map[uint16]RequestHandler{
			CFindRQ: func(ctx context.Context, a *Association, req *Message) error {
				<-block
				return nil
			},
		},
	})
	defer close(block)
	a := dialPeer(t, ep, QueryProfile)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s, err := a.Find(ctx, StudyRootFind, NewDataset().MustSet(QueryRetrieveLevel, LevelStudy))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next = %v, want deadline exceeded", err)
	}
	if a.IsEstablished() {
		t.Fatal("association should be dropped after an interrupted read")
	}
}

func TestResponseTimeoutIsAssociationError(t *testing.T) {
	block := make(chan struct{})
	ep := startPeer(t, ServerConfig{
		Accept: acceptAll,
		Handlers: map[uint16]RequestHandler{
			CFindRQ: func(ctx context.Context, a *Association, req *Message) error {
				<-block
				return nil
			},
		},
	})
	defer close(block)
	a, err := Dial(context.Background(), AssociationConfig{
		Endpoint:        ep,
		CallingAET:      "GATEWAY",
		Timeout:         5 * time.Second,
		ResponseTimeout: 100 * time.Millisecond,
		Contexts:        QueryProfile.Contexts,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	s, err := a.Find(ctx, StudyRootFind, NewDataset().MustSet(QueryRetrieveLevel, LevelStudy))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	_, err = s.Next(ctx)
	var ae *AssociationError
	if !errors.As(err, &ae) || !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("Next = %v, want an AssociationError wrapping a read timeout", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("a peer timeout must not look like a context deadline")
	}
}

func TestReceiveReportsContextCancellation(t *testing.T) {
	block := make(chan struct{})
	ep := startPeer(t, ServerConfig{
		Accept: acceptAll,
		Handlers: map[uint16]RequestHandler{
			CFindRQ: func(ctx context.Context, a *Association, req *Message) error {
				<-block
				return nil
			},
		},
	})
	defer close(block)
	a := dialPeer(t, ep, QueryProfile)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := a.Find(ctx, StudyRootFind, NewDataset().MustSet(QueryRetrieveLevel, LevelStudy))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	time.AfterFunc(50*time.Millisecond, cancel)
	if _, err := s.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Next = %v, want context canceled", err)
	}
}
