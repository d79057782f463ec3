package dimse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// SOP class UIDs.
const (
	VerificationSOPClass = "1.2.840.10008.1.1"
	StudyRootFind        = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootMove        = "1.2.840.10008.5.1.4.1.2.2.2"
	StudyRootGet         = "1.2.840.10008.5.1.4.1.2.2.3"
	PatientRootFind      = "1.2.840.10008.5.1.4.1.2.1.1"
	StoragePrefix        = "1.2.840.10008.5.1.4.1.1."
	CTImageStorage       = "1.2.840.10008.5.1.4.1.1.2"
	MRImageStorage       = "1.2.840.10008.5.1.4.1.1.4"
	SecondaryCapture     = "1.2.840.10008.5.1.4.1.1.7"
	GERawDataStorage     = "1.2.840.113619.4.30"
)

// CommonStorageClasses are requested with the SCP role during C-GET when the
// caller does not name any.
var CommonStorageClasses = []string{
	CTImageStorage,
	MRImageStorage,
	SecondaryCapture,
	"1.2.840.10008.5.1.4.1.1.1",     // CR
	"1.2.840.10008.5.1.4.1.1.1.1",   // DX
	"1.2.840.10008.5.1.4.1.1.6.1",   // US
	"1.2.840.10008.5.1.4.1.1.128",   // PET
	"1.2.840.10008.5.1.4.1.1.12.1",  // XA
	"1.2.840.10008.5.1.4.1.1.20",    // NM
	"1.2.840.10008.5.1.4.1.1.4.1",   // Enhanced MR
	"1.2.840.10008.5.1.4.1.1.66",    // Raw data
	"1.2.840.10008.5.1.4.1.1.88.11", // Basic SR
	GERawDataStorage,
}

// IsStorageClass reports whether uid is a storage SOP class the gateway
// handles.
func IsStorageClass(uid string) bool {
	return strings.HasPrefix(uid, StoragePrefix) || uid == GERawDataStorage
}

// DefaultContexts proposes verification plus study root find, move and get.
func DefaultContexts() []ContextProposal {
	out := make([]ContextProposal, 0, 4)
	for _, uid := range []string{VerificationSOPClass, StudyRootFind, StudyRootMove, StudyRootGet} {
		out = append(out, ContextProposal{AbstractSyntax: uid, TransferSyntaxes: UncompressedSyntaxes})
	}
	return out
}

// StorageContexts proposes each SOP class with the given transfer syntaxes.
func StorageContexts(sopClasses []string, syntaxes []string) []ContextProposal {
	out := make([]ContextProposal, 0, len(sopClasses))
	for _, uid := range sopClasses {
		out = append(out, ContextProposal{AbstractSyntax: uid, TransferSyntaxes: syntaxes})
	}
	return out
}

// StatusError reports a non-success DIMSE status.
type StatusError struct {
	Op      string
	Status  uint16
	Comment string
}

func (e *StatusError) Error() string {
	if e.Comment != "" {
		return fmt.Sprintf("%s failed with status 0x%04x: %s", e.Op, e.Status, e.Comment)
	}
	return fmt.Sprintf("%s failed with status 0x%04x", e.Op, e.Status)
}

// StoreRequest is one inbound or outbound C-STORE.
type StoreRequest struct {
	CallingAET     string
	CalledAET      string
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
	MoveOriginator string
	Data           []byte
}

// Dataset decodes the request payload.
func (r *StoreRequest) Dataset() (*Dataset, error) {
	return DecodeDataset(r.Data, r.TransferSyntax)
}

// StoreFunc handles an inbound C-STORE and returns the status to send back.
type StoreFunc func(ctx context.Context, req *StoreRequest) uint16

func (a *Association) request(ctx context.Context, sopClass string, cmd *Command, identifier *Dataset) (byte, error) {
	pc, ok := a.contextFor(sopClass, "")
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoPresentationContext, sopClass)
	}
	cmd.AffectedSOPClassUID = sopClass
	cmd.MessageID = a.nextMessageID()
	cmd.Priority = priorityNorm
	msg := &Message{ContextID: pc.ID, Command: cmd}
	if identifier != nil {
		data, err := EncodeDataset(identifier, pc.TransferSyntax)
		if err != nil {
			return 0, err
		}
		cmd.HasDataset = true
		msg.Data = data
	}
	return pc.ID, a.Send(ctx, msg)
}

// Echo performs a C-ECHO and returns the peer's status.
func (a *Association) Echo(ctx context.Context) (uint16, error) {
	cmd := &Command{Field: CEchoRQ}
	if _, err := a.request(ctx, VerificationSOPClass, cmd, nil); err != nil {
		return 0, err
	}
	for {
		msg, err := a.Receive(ctx)
		if err != nil {
			return 0, err
		}
		if msg.Command.Field == CEchoRSP && msg.Command.MessageIDBeingRespondedTo == cmd.MessageID {
			return msg.Command.Status, nil
		}
	}
}

// Find starts a C-FIND and returns the response stream.
func (a *Association) Find(ctx context.Context, sopClass string, identifier *Dataset) (*Stream, error) {
	return a.startStream(ctx, sopClass, &Command{Field: CFindRQ}, CFindRSP, identifier, nil)
}

// Move starts a C-MOVE towards destination.
func (a *Association) Move(ctx context.Context, sopClass, destination string, identifier *Dataset) (*Stream, error) {
	return a.startStream(ctx, sopClass, &Command{Field: CMoveRQ, MoveDestination: destination}, CMoveRSP, identifier, nil)
}

// Get starts a C-GET. Instances the peer sends back are passed to onStore.
func (a *Association) Get(ctx context.Context, sopClass string, identifier *Dataset, onStore StoreFunc) (*Stream, error) {
	return a.startStream(ctx, sopClass, &Command{Field: CGetRQ}, CGetRSP, identifier, onStore)
}

func (a *Association) startStream(ctx context.Context, sopClass string, cmd *Command, rspField uint16, identifier *Dataset, onStore StoreFunc) (*Stream, error) {
	ctxID, err := a.request(ctx, sopClass, cmd, identifier)
	if err != nil {
		return nil, err
	}
	return &Stream{
		assoc:     a,
		contextID: ctxID,
		msgID:     cmd.MessageID,
		rspField:  rspField,
		onStore:   onStore,
	}, nil
}

// Store sends one C-STORE and returns the peer's status. The request's
// transfer syntax must have been accepted for its SOP class.
func (a *Association) Store(ctx context.Context, req *StoreRequest) (uint16, error) {
	pc, ok := a.contextFor(req.SOPClassUID, req.TransferSyntax)
	if !ok {
		return 0, fmt.Errorf("%w: %s in %s", ErrNoPresentationContext, req.SOPClassUID, req.TransferSyntax)
	}
	cmd := &Command{
		Field:                  CStoreRQ,
		AffectedSOPClassUID:    req.SOPClassUID,
		AffectedSOPInstanceUID: req.SOPInstanceUID,
		MessageID:              a.nextMessageID(),
		Priority:               priorityNorm,
		HasDataset:             true,
		MoveOriginatorAET:      req.MoveOriginator,
	}
	if err := a.Send(ctx, &Message{ContextID: pc.ID, Command: cmd, Data: req.Data}); err != nil {
		return 0, err
	}
	for {
		msg, err := a.Receive(ctx)
		if err != nil {
			return 0, err
		}
		if msg.Command.Field == CStoreRSP && msg.Command.MessageIDBeingRespondedTo == cmd.MessageID {
			return msg.Command.Status, nil
		}
	}
}

// StoreDataset encodes ds in the negotiated transfer syntax and stores it.
func (a *Association) StoreDataset(ctx context.Context, ds *Dataset) (uint16, error) {
	sopClass := ds.Get(SOPClassUID, "")
	pc, ok := a.contextFor(sopClass, "")
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoPresentationContext, sopClass)
	}
	data, err := EncodeDataset(ds, pc.TransferSyntax)
	if err != nil {
		return 0, err
	}
	return a.Store(ctx, &StoreRequest{
		SOPClassUID:    sopClass,
		SOPInstanceUID: ds.Get(SOPInstanceUID, ""),
		TransferSyntax: pc.TransferSyntax,
		Data:           data,
	})
}

// Respond answers req with the given status. identifier and subOps may be nil.
func (a *Association) Respond(ctx context.Context, req *Message, status uint16, identifier *Dataset, subOps *SubOperations) error {
	cmd := &Command{
		Field:                     req.Command.Field | 0x8000,
		AffectedSOPClassUID:       req.Command.AffectedSOPClassUID,
		MessageIDBeingRespondedTo: req.Command.MessageID,
		Status:                    status,
		AffectedSOPInstanceUID:    req.Command.AffectedSOPInstanceUID,
		SubOps:                    subOps,
	}
	msg := &Message{ContextID: req.ContextID, Command: cmd}
	if identifier != nil {
		data, err := EncodeDataset(identifier, a.TransferSyntax(req.ContextID))
		if err != nil {
			return err
		}
		cmd.HasDataset = true
		msg.Data = data
	}
	return a.Send(ctx, msg)
}

// Response is one C-FIND, C-MOVE or C-GET response.
type Response struct {
	Status       uint16
	Identifier   *Dataset
	SubOps       *SubOperations
	ErrorComment string
}

// Pending reports whether more responses follow.
func (r *Response) Pending() bool {
	return IsPending(r.Status)
}

// Stream iterates the responses to one request. Next returns io.EOF once the
// final response has been returned.
type Stream struct {
	assoc     *Association
	contextID byte
	msgID     uint16
	rspField  uint16
	onStore   StoreFunc

	mu   sync.Mutex
	done bool
}

// Association returns the association carrying the stream.
func (s *Stream) Association() *Association {
	return s.assoc
}

// Done reports whether the final response was received.
func (s *Stream) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Next blocks for the next response.
func (s *Stream) Next(ctx context.Context) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil, io.EOF
	}
	for {
		msg, err := s.assoc.Receive(ctx)
		if err != nil {
			return nil, err
		}
		cmd := msg.Command
		if cmd.Field == CStoreRQ {
			if err := s.handleStore(ctx, msg); err != nil {
				return nil, err
			}
			continue
		}
		if cmd.Field != s.rspField || cmd.MessageIDBeingRespondedTo != s.msgID {
			return nil, fmt.Errorf("%w: command 0x%04x for message %d", errUnexpectedPDU, cmd.Field, cmd.MessageIDBeingRespondedTo)
		}
		rsp := &Response{Status: cmd.Status, SubOps: cmd.SubOps, ErrorComment: cmd.ErrorComment}
		if msg.Data != nil {
			rsp.Identifier, err = s.assoc.Dataset(msg)
			if err != nil {
				return nil, err
			}
		}
		if !IsPending(cmd.Status) {
			s.done = true
		}
		return rsp, nil
	}
}

func (s *Stream) handleStore(ctx context.Context, msg *Message) error {
	status := StatusOutOfResources
	if s.onStore != nil {
		status = s.onStore(ctx, &StoreRequest{
			CallingAET:     s.assoc.peer.AETitle,
			CalledAET:      s.assoc.local,
			SOPClassUID:    msg.Command.AffectedSOPClassUID,
			SOPInstanceUID: msg.Command.AffectedSOPInstanceUID,
			TransferSyntax: s.assoc.TransferSyntax(msg.ContextID),
			MoveOriginator: msg.Command.MoveOriginatorAET,
			Data:           msg.Data,
		})
	}
	return s.assoc.Respond(ctx, msg, status, nil, nil)
}

// Cancel sends C-CANCEL for an unfinished stream.
func (s *Stream) Cancel(ctx context.Context) error {
	if s.Done() {
		return nil
	}
	cmd := &Command{Field: CCancelRQ, MessageIDBeingRespondedTo: s.msgID}
	return s.assoc.Send(ctx, &Message{ContextID: s.contextID, Command: cmd})
}

// Drain reads the stream to completion and returns every response.
func (s *Stream) Drain(ctx context.Context) ([]*Response, error) {
	var out []*Response
	for {
		rsp, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rsp)
	}
}
