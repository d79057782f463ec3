package dimse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// PDU types.
const (
	pduAssociateRQ byte = 0x01
	pduAssociateAC byte = 0x02
	pduAssociateRJ byte = 0x03
	pduPData       byte = 0x04
	pduReleaseRQ   byte = 0x05
	pduReleaseRP   byte = 0x06
	pduAbort       byte = 0x07
)

// Item types inside association PDUs.
const (
	itemApplicationContext byte = 0x10
	itemPresentationRQ     byte = 0x20
	itemPresentationAC     byte = 0x21
	itemAbstractSyntax     byte = 0x30
	itemTransferSyntax     byte = 0x40
	itemUserInformation    byte = 0x50
	itemMaxLength          byte = 0x51
	itemImplementationUID  byte = 0x52
	itemRoleSelection      byte = 0x54
	itemImplementationName byte = 0x55
)

// Presentation context results.
const (
	resultAcceptance             byte = 0
	resultUserRejection          byte = 1
	resultAbstractNotSupported   byte = 3
	resultTransferNotSupported   byte = 4
	applicationContextName            = "1.2.840.10008.3.1.1.1"
	implementationClassUID            = "1.2.826.0.1.3680043.9.7433.1.1"
	implementationVersionName         = "DICOM_GATEWAY_V1"
	maxPDUBody                        = 64 << 20
	defaultMaxPDULength        uint32 = 16384
)

var errUnexpectedPDU = errors.New("unexpected PDU")

type presentationContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
	Result           byte
}

type roleSelection struct {
	SOPClassUID string
	SCU         bool
	SCP         bool
}

// associateRQAC covers both A-ASSOCIATE-RQ and A-ASSOCIATE-AC; they share
// a layout and differ in the presentation context item type.
type associateRQAC struct {
	CalledAET             string
	CallingAET            string
	Contexts              []presentationContext
	MaxPDULength          uint32
	ImplementationUID     string
	ImplementationVersion string
	Roles                 []roleSelection
}

func readPDU(r io.Reader) (byte, []byte, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[2:])
	if length > maxPDUBody {
		return 0, nil, fmt.Errorf("PDU length %d exceeds limit", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("failed to read PDU data: %w", err)
	}
	return header[0], body, nil
}

func writePDU(w io.Writer, typ byte, body []byte) error {
	buf := make([]byte, 0, 6+len(body))
	buf = append(buf, typ, 0x00)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(body)))
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

func appendItem(out []byte, typ byte, value []byte) []byte {
	out = append(out, typ, 0x00)
	out = binary.BigEndian.AppendUint16(out, uint16(len(value)))
	return append(out, value...)
}

func (a *associateRQAC) encode(accept bool) []byte {
	body := []byte{0x00, 0x01, 0x00, 0x00}
	body = append(body, padAET(a.CalledAET)...)
	body = append(body, padAET(a.CallingAET)...)
	body = append(body, make([]byte, 32)...)
	body = appendItem(body, itemApplicationContext, []byte(applicationContextName))

	for _, pc := range a.Contexts {
		var v []byte
		if accept {
			v = []byte{pc.ID, 0x00, pc.Result, 0x00}
			ts := ""
			if len(pc.TransferSyntaxes) > 0 {
				ts = pc.TransferSyntaxes[0]
			}
			v = appendItem(v, itemTransferSyntax, []byte(ts))
			body = appendItem(body, itemPresentationAC, v)
			continue
		}
		v = []byte{pc.ID, 0x00, 0x00, 0x00}
		v = appendItem(v, itemAbstractSyntax, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			v = appendItem(v, itemTransferSyntax, []byte(ts))
		}
		body = appendItem(body, itemPresentationRQ, v)
	}

	var ui []byte
	ui = appendItem(ui, itemMaxLength, binary.BigEndian.AppendUint32(nil, a.MaxPDULength))
	ui = appendItem(ui, itemImplementationUID, []byte(implementationClassUID))
	for _, r := range a.Roles {
		v := binary.BigEndian.AppendUint16(nil, uint16(len(r.SOPClassUID)))
		v = append(v, r.SOPClassUID...)
		v = append(v, boolByte(r.SCU), boolByte(r.SCP))
		ui = appendItem(ui, itemRoleSelection, v)
	}
	ui = appendItem(ui, itemImplementationName, []byte(implementationVersionName))
	return appendItem(body, itemUserInformation, ui)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

type itemReader struct {
	buf []byte
	pos int
}

func (r *itemReader) next() (byte, []byte, bool, error) {
	if r.pos >= len(r.buf) {
		return 0, nil, false, nil
	}
	if r.pos+4 > len(r.buf) {
		return 0, nil, false, fmt.Errorf("%w: truncated item", ErrMalformed)
	}
	typ := r.buf[r.pos]
	n := int(binary.BigEndian.Uint16(r.buf[r.pos+2:]))
	r.pos += 4
	if r.pos+n > len(r.buf) {
		return 0, nil, false, fmt.Errorf("%w: item 0x%02x overruns PDU", ErrMalformed, typ)
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return typ, v, true, nil
}

func decodeAssociate(body []byte) (*associateRQAC, error) {
	if len(body) < 68 {
		return nil, fmt.Errorf("%w: short associate PDU", ErrMalformed)
	}
	a := &associateRQAC{
		CalledAET:  strings.TrimSpace(string(body[4:20])),
		CallingAET: strings.TrimSpace(string(body[20:36])),
	}
	items := &itemReader{buf: body[68:]}
	for {
		typ, v, ok, err := items.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return a, nil
		}
		switch typ {
		case itemPresentationRQ, itemPresentationAC:
			if len(v) < 4 {
				return nil, fmt.Errorf("%w: short presentation context", ErrMalformed)
			}
			pc := presentationContext{ID: v[0], Result: v[2]}
			sub := &itemReader{buf: v[4:]}
			for {
				st, sv, ok, err := sub.next()
				if err != nil {
					return nil, err
				}
				if !ok {
					break
				}
				uid := strings.TrimRight(string(sv), " \x00")
				switch st {
				case itemAbstractSyntax:
					pc.AbstractSyntax = uid
				case itemTransferSyntax:
					pc.TransferSyntaxes = append(pc.TransferSyntaxes, uid)
				}
			}
			a.Contexts = append(a.Contexts, pc)
		case itemUserInformation:
			if err := a.decodeUserInfo(v); err != nil {
				return nil, err
			}
		}
	}
}

func (a *associateRQAC) decodeUserInfo(v []byte) error {
	sub := &itemReader{buf: v}
	for {
		typ, sv, ok, err := sub.next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		switch typ {
		case itemMaxLength:
			if len(sv) >= 4 {
				a.MaxPDULength = binary.BigEndian.Uint32(sv)
			}
		case itemImplementationUID:
			a.ImplementationUID = strings.TrimRight(string(sv), "\x00")
		case itemImplementationName:
			a.ImplementationVersion = strings.TrimSpace(string(sv))
		case itemRoleSelection:
			if len(sv) < 2 {
				continue
			}
			n := int(binary.BigEndian.Uint16(sv))
			if len(sv) < 2+n+2 {
				continue
			}
			a.Roles = append(a.Roles, roleSelection{
				SOPClassUID: strings.TrimRight(string(sv[2:2+n]), "\x00"),
				SCU:         sv[2+n] == 1,
				SCP:         sv[3+n] == 1,
			})
		}
	}
}

// RejectError reports an A-ASSOCIATE-RJ from the peer.
type RejectError struct {
	Result byte
	Source byte
	Reason byte
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("association rejected (result %d, source %d, reason %d)", e.Result, e.Source, e.Reason)
}

func encodeReject(e *RejectError) []byte {
	return []byte{0x00, e.Result, e.Source, e.Reason}
}

func decodeReject(body []byte) *RejectError {
	if len(body) < 4 {
		return &RejectError{}
	}
	return &RejectError{Result: body[1], Source: body[2], Reason: body[3]}
}

// padAET pads an AE title to 16 bytes with spaces.
func padAET(aet string) []byte {
	result := []byte(aet)
	if len(result) > 16 {
		result = result[:16]
	}
	for len(result) < 16 {
		result = append(result, ' ')
	}
	return result
}

type pdv struct {
	contextID byte
	command   bool
	last      bool
	data      []byte
}

func encodePData(items ...pdv) []byte {
	var body []byte
	for _, p := range items {
		var hdr byte
		if p.command {
			hdr |= 0x01
		}
		if p.last {
			hdr |= 0x02
		}
		body = binary.BigEndian.AppendUint32(body, uint32(len(p.data)+2))
		body = append(body, p.contextID, hdr)
		body = append(body, p.data...)
	}
	return body
}

func decodePData(body []byte) ([]pdv, error) {
	var out []pdv
	pos := 0
	for pos < len(body) {
		if pos+6 > len(body) {
			return nil, fmt.Errorf("%w: truncated PDV", ErrMalformed)
		}
		n := int(binary.BigEndian.Uint32(body[pos:]))
		if n < 2 || pos+4+n > len(body) {
			return nil, fmt.Errorf("%w: PDV length %d", ErrMalformed, n)
		}
		hdr := body[pos+5]
		out = append(out, pdv{
			contextID: body[pos+4],
			command:   hdr&0x01 != 0,
			last:      hdr&0x02 != 0,
			data:      body[pos+6 : pos+4+n],
		})
		pos += 4 + n
	}
	return out, nil
}
