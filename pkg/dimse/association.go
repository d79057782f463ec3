package dimse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrNotEstablished is returned by operations on a released, aborted or
	// never-negotiated association.
	ErrNotEstablished = errors.New("association not established")
	// ErrAborted is returned when the peer sends A-ABORT.
	ErrAborted = errors.New("association aborted by peer")
	// ErrReleased is returned when the peer releases the association.
	ErrReleased = errors.New("association released by peer")
	// ErrShuttingDown is returned to a listening server's receive loop when
	// shutdown interrupts the wait for the next message.
	ErrShuttingDown = errors.New("server shutting down")
	// ErrNoPresentationContext is returned when no accepted context fits a request.
	ErrNoPresentationContext = errors.New("no accepted presentation context")
)

// Endpoint identifies a remote application entity.
type Endpoint struct {
	AETitle string
	Address string
	Port    int
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.AETitle + "@" + e.Addr()
}

// AssociationError wraps a failure to establish or keep an association.
type AssociationError struct {
	Endpoint Endpoint
	Err      error
}

func (e *AssociationError) Error() string {
	return fmt.Sprintf("association with %s failed: %v", e.Endpoint, e.Err)
}

func (e *AssociationError) Unwrap() error {
	return e.Err
}

// ContextProposal is one abstract syntax with its acceptable transfer syntaxes.
type ContextProposal struct {
	AbstractSyntax   string
	TransferSyntaxes []string
}

// AssociationConfig holds configuration for DICOM associations
type AssociationConfig struct {
	Endpoint
	CallingAET string
	// Timeout bounds connect, negotiation and release.
	Timeout time.Duration
	// ResponseTimeout bounds the wait for each inbound message. Zero means
	// only the caller's context applies.
	ResponseTimeout time.Duration
	MaxPDULength    uint32
	Contexts        []ContextProposal
	// SCPRoles lists SOP classes for which the SCP role is requested, so the
	// peer can send C-STORE sub-operations back during C-GET.
	SCPRoles []string
}

func (c *AssociationConfig) setDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxPDULength == 0 {
		c.MaxPDULength = defaultMaxPDULength
	}
	if len(c.Contexts) == 0 {
		c.Contexts = DefaultContexts()
	}
}

type acceptedContext struct {
	ID             byte
	AbstractSyntax string
	TransferSyntax string
}

// Association is an established DICOM association.
type Association struct {
	conn            net.Conn
	local           string
	peer            Endpoint
	contexts        map[byte]acceptedContext
	peerMaxPDU      uint32
	timeout         time.Duration
	responseTimeout time.Duration

	writeMu  sync.Mutex
	readMu   sync.Mutex
	mu       sync.Mutex
	closed   bool
	lastUsed time.Time
	msgID    atomic.Uint32
	release  sync.Once
}

// Dial opens a TCP connection to the configured endpoint and negotiates an
// association.
func Dial(ctx context.Context, cfg AssociationConfig) (*Association, error) {
	cfg.setDefaults()
	fail := func(err error) error { return &AssociationError{Endpoint: cfg.Endpoint, Err: err} }

	dialer := &net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		return nil, fail(err)
	}

	rq := &associateRQAC{
		CalledAET:    cfg.AETitle,
		CallingAET:   cfg.CallingAET,
		MaxPDULength: cfg.MaxPDULength,
	}
	proposed := make(map[byte]string, len(cfg.Contexts))
	for i, p := range cfg.Contexts {
		id := byte(2*i + 1)
		proposed[id] = p.AbstractSyntax
		rq.Contexts = append(rq.Contexts, presentationContext{
			ID:               id,
			AbstractSyntax:   p.AbstractSyntax,
			TransferSyntaxes: p.TransferSyntaxes,
		})
	}
	for _, uid := range cfg.SCPRoles {
		rq.Roles = append(rq.Roles, roleSelection{SOPClassUID: uid, SCU: true, SCP: true})
	}

	deadline := time.Now().Add(cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := writePDU(conn, pduAssociateRQ, rq.encode(false)); err != nil {
		conn.Close()
		return nil, fail(fmt.Errorf("failed to send associate request: %w", err))
	}
	typ, body, err := readPDU(conn)
	if err != nil {
		conn.Close()
		return nil, fail(fmt.Errorf("failed to receive associate response: %w", err))
	}

	switch typ {
	case pduAssociateAC:
	case pduAssociateRJ:
		conn.Close()
		return nil, fail(decodeReject(body))
	case pduAbort:
		conn.Close()
		return nil, fail(ErrAborted)
	default:
		conn.Close()
		return nil, fail(fmt.Errorf("%w: type 0x%02x", errUnexpectedPDU, typ))
	}

	ac, err := decodeAssociate(body)
	if err != nil {
		conn.Close()
		return nil, fail(err)
	}
	a := &Association{
		conn:            conn,
		local:           cfg.CallingAET,
		peer:            cfg.Endpoint,
		contexts:        make(map[byte]acceptedContext),
		peerMaxPDU:      ac.MaxPDULength,
		timeout:         cfg.Timeout,
		responseTimeout: cfg.ResponseTimeout,
		lastUsed:        time.Now(),
	}
	for _, pc := range ac.Contexts {
		abstract, ok := proposed[pc.ID]
		if !ok || pc.Result != resultAcceptance || len(pc.TransferSyntaxes) == 0 {
			continue
		}
		a.contexts[pc.ID] = acceptedContext{ID: pc.ID, AbstractSyntax: abstract, TransferSyntax: pc.TransferSyntaxes[0]}
	}
	if len(a.contexts) == 0 {
		_ = a.Abort()
		return nil, fail(ErrNoPresentationContext)
	}
	_ = conn.SetDeadline(time.Time{})
	return a, nil
}

// IsEstablished reports whether the association can carry messages.
func (a *Association) IsEstablished() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.closed
}

// Peer returns the remote endpoint.
func (a *Association) Peer() Endpoint {
	return a.peer
}

// LocalAET returns this side's AE title.
func (a *Association) LocalAET() string {
	return a.local
}

// LastUsed returns the time of the last message exchanged.
func (a *Association) LastUsed() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUsed
}

func (a *Association) touch() {
	a.mu.Lock()
	a.lastUsed = time.Now()
	a.mu.Unlock()
}

// Accepts reports whether a context for sopClass was accepted.
func (a *Association) Accepts(sopClass string) bool {
	_, ok := a.contextFor(sopClass, "")
	return ok
}

func (a *Association) contextFor(sopClass, transferSyntax string) (acceptedContext, bool) {
	var best acceptedContext
	found := false
	for _, pc := range a.contexts {
		if pc.AbstractSyntax != sopClass {
			continue
		}
		if transferSyntax != "" && pc.TransferSyntax != transferSyntax {
			continue
		}
		if !found || pc.ID < best.ID {
			best, found = pc, true
		}
	}
	return best, found
}

// TransferSyntax returns the transfer syntax negotiated for a context id.
func (a *Association) TransferSyntax(contextID byte) string {
	return a.contexts[contextID].TransferSyntax
}

func (a *Association) nextMessageID() uint16 {
	return uint16(a.msgID.Add(1))
}

func (a *Association) markClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.closed = true
	return true
}

// Release performs an orderly A-RELEASE. It runs at most once; later calls
// and calls after an abort return nil.
func (a *Association) Release() error {
	var err error
	a.release.Do(func() {
		if !a.markClosed() {
			return
		}
		defer a.conn.Close()
		_ = a.conn.SetDeadline(time.Now().Add(a.timeout))
		a.writeMu.Lock()
		err = writePDU(a.conn, pduReleaseRQ, make([]byte, 4))
		a.writeMu.Unlock()
		if err != nil {
			err = fmt.Errorf("failed to send release request: %w", err)
			return
		}
		for {
			typ, _, rerr := readPDU(a.conn)
			if rerr != nil {
				err = fmt.Errorf("failed to receive release response: %w", rerr)
				return
			}
			if typ == pduReleaseRP || typ == pduAbort {
				return
			}
		}
	})
	return err
}

// Abort sends A-ABORT and closes the connection.
func (a *Association) Abort() error {
	if !a.markClosed() {
		return nil
	}
	_ = a.conn.SetWriteDeadline(time.Now().Add(a.timeout))
	a.writeMu.Lock()
	err := writePDU(a.conn, pduAbort, []byte{0, 0, 0, 0})
	a.writeMu.Unlock()
	a.conn.Close()
	return err
}

func (a *Association) drop() {
	if a.markClosed() {
		a.conn.Close()
	}
}

// Message is a reassembled DIMSE message. Data holds the encoded dataset in
// the context's transfer syntax.
type Message struct {
	ContextID byte
	Command   *Command
	Data      []byte
}

// Dataset decodes the message's data set.
func (a *Association) Dataset(msg *Message) (*Dataset, error) {
	if msg.Data == nil {
		return nil, nil
	}
	return DecodeDataset(msg.Data, a.TransferSyntax(msg.ContextID))
}

// Send fragments msg into P-DATA-TF PDUs within the peer's maximum length.
func (a *Association) Send(ctx context.Context, msg *Message) error {
	if !a.IsEstablished() {
		return ErrNotEstablished
	}
	chunk := int(a.peerMaxPDU) - 6
	if a.peerMaxPDU == 0 || chunk < 128 {
		chunk = int(defaultMaxPDULength) - 6
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	deadline := time.Now().Add(a.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = a.conn.SetWriteDeadline(deadline)

	write := func(data []byte, command bool) error {
		if len(data) == 0 {
			return writePDU(a.conn, pduPData, encodePData(pdv{contextID: msg.ContextID, command: command, last: true}))
		}
		for off := 0; off < len(data); off += chunk {
			end := min(off+chunk, len(data))
			p := pdv{contextID: msg.ContextID, command: command, last: end == len(data), data: data[off:end]}
			if err := writePDU(a.conn, pduPData, encodePData(p)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := write(msg.Command.Encode(), true); err != nil {
		a.drop()
		return &AssociationError{Endpoint: a.peer, Err: err}
	}
	if msg.Command.HasDataset {
		if err := write(msg.Data, false); err != nil {
			a.drop()
			return &AssociationError{Endpoint: a.peer, Err: err}
		}
	}
	a.touch()
	return nil
}

// Receive reads the next complete DIMSE message. A peer release or abort
// closes the association and is reported as ErrReleased or ErrAborted. When
// ctx ends first its cause is returned, context.DeadlineExceeded for a
// deadline, while a peer that outlasts the response timeout yields an
// AssociationError.
func (a *Association) Receive(ctx context.Context) (*Message, error) {
	return a.receive(ctx, nil, 0)
}

// receive reads one message. Once idle is done it interrupts the wait for
// the first PDU of a message, returning ErrShuttingDown, but never a message
// the peer has already begun. With idle set each PDU is read under its own
// pduTimeout instead of the response timeout.
func (a *Association) receive(ctx, idle context.Context, pduTimeout time.Duration) (*Message, error) {
	if !a.IsEstablished() {
		return nil, ErrNotEstablished
	}
	a.readMu.Lock()
	defer a.readMu.Unlock()

	limit := a.responseTimeout
	if idle != nil {
		limit = 0
	}
	ctxBound := a.armRead(ctx, limit)
	stop := context.AfterFunc(ctx, func() { _ = a.conn.SetReadDeadline(time.Now()) })
	defer stop()

	first, err := a.awaitMessage(idle)
	if errors.Is(err, ErrShuttingDown) {
		return nil, err
	}
	if err != nil {
		return nil, a.readFailed(ctx, ctxBound, err)
	}
	var r io.Reader = io.MultiReader(bytes.NewReader(first), a.conn)

	var (
		cmdBuf, dataBuf []byte
		cmd             *Command
		contextID       byte
	)
	for {
		if idle != nil {
			ctxBound = a.armRead(ctx, pduTimeout)
		}
		typ, body, err := readPDU(r)
		if err != nil {
			return nil, a.readFailed(ctx, ctxBound, err)
		}
		r = a.conn
		switch typ {
		case pduPData:
		case pduReleaseRQ:
			a.writeMu.Lock()
			_ = writePDU(a.conn, pduReleaseRP, make([]byte, 4))
			a.writeMu.Unlock()
			a.drop()
			return nil, ErrReleased
		case pduAbort:
			a.drop()
			return nil, ErrAborted
		default:
			_ = a.Abort()
			return nil, fmt.Errorf("%w: type 0x%02x", errUnexpectedPDU, typ)
		}

		pdvs, err := decodePData(body)
		if err != nil {
			_ = a.Abort()
			return nil, err
		}
		for _, p := range pdvs {
			if _, ok := a.contexts[p.contextID]; !ok {
				_ = a.Abort()
				return nil, fmt.Errorf("%w: context %d", ErrNoPresentationContext, p.contextID)
			}
			if p.command {
				cmdBuf = append(cmdBuf, p.data...)
				if !p.last {
					continue
				}
				cmd, err = DecodeCommand(cmdBuf)
				if err != nil {
					_ = a.Abort()
					return nil, err
				}
				contextID = p.contextID
				if !cmd.HasDataset {
					a.touch()
					return &Message{ContextID: contextID, Command: cmd}, nil
				}
				continue
			}
			if cmd == nil {
				_ = a.Abort()
				return nil, fmt.Errorf("%w: data before command", ErrMalformed)
			}
			dataBuf = append(dataBuf, p.data...)
			if p.last {
				a.touch()
				if dataBuf == nil {
					dataBuf = []byte{}
				}
				return &Message{ContextID: contextID, Command: cmd, Data: dataBuf}, nil
			}
		}
	}
}

// armRead sets the read deadline to limit from now, or to the context
// deadline when that comes first, and reports whether the context won.
func (a *Association) armRead(ctx context.Context, limit time.Duration) bool {
	var deadline time.Time
	if limit > 0 {
		deadline = time.Now().Add(limit)
	}
	ctxBound := false
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || !d.After(deadline)) {
		deadline, ctxBound = d, true
	}
	_ = a.conn.SetReadDeadline(deadline)
	if ctx.Err() != nil {
		_ = a.conn.SetReadDeadline(time.Now())
	}
	return ctxBound
}

// awaitMessage blocks for the first byte of the next PDU. idle may cut the
// wait short only until that byte has arrived.
func (a *Association) awaitMessage(idle context.Context) ([]byte, error) {
	first := make([]byte, 1)
	if idle == nil {
		_, err := io.ReadFull(a.conn, first)
		return first, err
	}
	if idle.Err() != nil {
		return nil, ErrShuttingDown
	}
	var (
		mu                   sync.Mutex
		started, interrupted bool
	)
	stop := context.AfterFunc(idle, func() {
		mu.Lock()
		defer mu.Unlock()
		if !started {
			interrupted = true
			_ = a.conn.SetReadDeadline(time.Now())
		}
	})
	_, err := io.ReadFull(a.conn, first)
	stop()
	mu.Lock()
	started = true
	cut := interrupted
	mu.Unlock()
	if err != nil && cut {
		return nil, ErrShuttingDown
	}
	return first, err
}

func (a *Association) readFailed(ctx context.Context, ctxBound bool, err error) error {
	a.drop()
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if ctxBound && errors.Is(err, os.ErrDeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return &AssociationError{Endpoint: a.peer, Err: err}
}
