package dimse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RequestHandler serves one inbound DIMSE request. It is responsible for
// sending every response.
type RequestHandler func(ctx context.Context, a *Association, req *Message) error

// ServerConfig configures the acceptor side.
type ServerConfig struct {
	AETitle string
	Address string
	Port    int
	// Accept decides which abstract syntaxes are accepted. Defaults to
	// AcceptStorage.
	Accept func(abstractSyntax string) bool
	// TransferSyntaxes in order of preference. Defaults to StorageSyntaxes.
	TransferSyntaxes []string
	MaxPDULength     uint32
	Timeout          time.Duration
	// OnStore serves C-STORE when no handler is registered for it.
	OnStore StoreFunc
	// Handlers override the built-in echo and store handling per command field.
	Handlers map[uint16]RequestHandler
}

// AcceptStorage accepts verification and every storage SOP class.
func AcceptStorage(abstractSyntax string) bool {
	return abstractSyntax == VerificationSOPClass || IsStorageClass(abstractSyntax)
}

// Server accepts associations and dispatches their requests.
type Server struct {
	cfg    ServerConfig
	mu     sync.Mutex
	ln     net.Listener
	wg     sync.WaitGroup
	active map[*Association]struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer returns a server that is not yet listening.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Accept == nil {
		cfg.Accept = AcceptStorage
	}
	if len(cfg.TransferSyntaxes) == 0 {
		cfg.TransferSyntaxes = StorageSyntaxes
	}
	if cfg.MaxPDULength == 0 {
		cfg.MaxPDULength = defaultMaxPDULength
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{cfg: cfg, active: make(map[*Association]struct{}), ctx: ctx, cancel: cancel}
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("failed to listen on %s:%d: %w", s.cfg.Address, s.cfg.Port, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until Shutdown. It returns nil after a shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server is not listening")
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// Shutdown stops accepting and waits for every association to finish the
// message it is receiving or handling. Associations waiting for their next
// message are aborted. When ctx expires first the remaining associations
// are aborted and ctx's error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.mu.Lock()
	if s.ln != nil {
		s.ln.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		active := make([]*Association, 0, len(s.active))
		for a := range s.active {
			active = append(active, a)
		}
		s.mu.Unlock()
		for _, a := range active {
			_ = a.Abort()
		}
		return ctx.Err()
	}
}

func (s *Server) track(a *Association) {
	s.mu.Lock()
	s.active[a] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(a *Association) {
	s.mu.Lock()
	delete(s.active, a)
	s.mu.Unlock()
}

func (s *Server) serveConn(conn net.Conn) {
	a, err := s.negotiate(conn)
	if err != nil {
		log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Association not established")
		conn.Close()
		return
	}
	log.Debug().
		Str("calling_aet", a.peer.AETitle).
		Str("remote", conn.RemoteAddr().String()).
		Int("contexts", len(a.contexts)).
		Msg("Association accepted")

	s.track(a)
	defer s.untrack(a)

	handlerCtx := context.WithoutCancel(s.ctx)
	for {
		msg, err := a.receive(context.Background(), s.ctx, s.cfg.Timeout)
		if err != nil {
			switch {
			case errors.Is(err, ErrShuttingDown):
				_ = a.Abort()
			case errors.Is(err, ErrReleased), errors.Is(err, ErrAborted):
			default:
				log.Warn().Err(err).Str("calling_aet", a.peer.AETitle).Msg("Association ended")
			}
			a.drop()
			return
		}
		if err := s.dispatch(handlerCtx, a, msg); err != nil {
			log.Warn().Err(err).Str("calling_aet", a.peer.AETitle).Msg("Request handling failed")
			_ = a.Abort()
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, a *Association, msg *Message) error {
	if h, ok := s.cfg.Handlers[msg.Command.Field]; ok {
		return h(ctx, a, msg)
	}
	switch msg.Command.Field {
	case CEchoRQ:
		return a.Respond(ctx, msg, StatusSuccess, nil, nil)
	case CStoreRQ:
		status := StatusOutOfResources
		if s.cfg.OnStore != nil {
			status = s.cfg.OnStore(ctx, &StoreRequest{
				CallingAET:     a.peer.AETitle,
				CalledAET:      a.local,
				SOPClassUID:    msg.Command.AffectedSOPClassUID,
				SOPInstanceUID: msg.Command.AffectedSOPInstanceUID,
				TransferSyntax: a.TransferSyntax(msg.ContextID),
				MoveOriginator: msg.Command.MoveOriginatorAET,
				Data:           msg.Data,
			})
		}
		return a.Respond(ctx, msg, status, nil, nil)
	case CCancelRQ:
		return nil
	}
	if msg.Command.IsResponse() {
		return fmt.Errorf("%w: unsolicited response 0x%04x", errUnexpectedPDU, msg.Command.Field)
	}
	return a.Respond(ctx, msg, StatusProcessingFailed, nil, nil)
}

func (s *Server) negotiate(conn net.Conn) (*Association, error) {
	_ = conn.SetDeadline(time.Now().Add(s.cfg.Timeout))
	typ, body, err := readPDU(conn)
	if err != nil {
		return nil, err
	}
	if typ != pduAssociateRQ {
		return nil, fmt.Errorf("%w: type 0x%02x", errUnexpectedPDU, typ)
	}
	rq, err := decodeAssociate(body)
	if err != nil {
		return nil, err
	}

	ac := &associateRQAC{CalledAET: rq.CalledAET, CallingAET: rq.CallingAET, MaxPDULength: s.cfg.MaxPDULength}
	contexts := make(map[byte]acceptedContext)
	for _, pc := range rq.Contexts {
		res := presentationContext{ID: pc.ID}
		switch ts := s.pickSyntax(pc.TransferSyntaxes); {
		case !s.cfg.Accept(pc.AbstractSyntax):
			res.Result = resultAbstractNotSupported
		case ts == "":
			res.Result = resultTransferNotSupported
		default:
			res.Result = resultAcceptance
			res.TransferSyntaxes = []string{ts}
			contexts[pc.ID] = acceptedContext{ID: pc.ID, AbstractSyntax: pc.AbstractSyntax, TransferSyntax: ts}
		}
		ac.Contexts = append(ac.Contexts, res)
	}
	if len(contexts) == 0 {
		_ = writePDU(conn, pduAssociateRJ, encodeReject(&RejectError{Result: 1, Source: 1, Reason: 1}))
		return nil, ErrNoPresentationContext
	}
	if err := writePDU(conn, pduAssociateAC, ac.encode(true)); err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	peer := Endpoint{AETitle: rq.CallingAET}
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		peer.Address = addr.IP.String()
		peer.Port = addr.Port
	}
	return &Association{
		conn:       conn,
		local:      s.cfg.AETitle,
		peer:       peer,
		contexts:   contexts,
		peerMaxPDU: rq.MaxPDULength,
		timeout:    s.cfg.Timeout,
		lastUsed:   time.Now(),
	}, nil
}

func (s *Server) pickSyntax(proposed []string) string {
	for _, want := range s.cfg.TransferSyntaxes {
		for _, ts := range proposed {
			if ts == want {
				return ts
			}
		}
	}
	return ""
}
