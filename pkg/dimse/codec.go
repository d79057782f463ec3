package dimse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// Transfer syntax UIDs.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
	JPEGBaseline           = "1.2.840.10008.1.2.4.50"
	JPEGLossless           = "1.2.840.10008.1.2.4.70"
	JPEG2000Lossless       = "1.2.840.10008.1.2.4.90"
	JPEG2000               = "1.2.840.10008.1.2.4.91"
	RLELossless            = "1.2.840.10008.1.2.5"
)

// UncompressedSyntaxes is the transfer syntax list proposed for query and
// retrieve contexts.
var UncompressedSyntaxes = []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian}

// StorageSyntaxes is what a storage provider accepts: the uncompressed set
// plus the common encapsulated syntaxes, whose datasets are explicit little
// endian.
var StorageSyntaxes = []string{
	ExplicitVRLittleEndian,
	ImplicitVRLittleEndian,
	ExplicitVRBigEndian,
	JPEGBaseline,
	JPEGLossless,
	JPEG2000Lossless,
	JPEG2000,
	RLELossless,
}

// ErrMalformed is returned for truncated or inconsistent encodings.
var ErrMalformed = errors.New("malformed dataset encoding")

const undefinedLength = 0xFFFFFFFF

var (
	itemTag     = tag.Tag{Group: 0xFFFE, Element: 0xE000}
	itemDelim   = tag.Tag{Group: 0xFFFE, Element: 0xE00D}
	seqDelim    = tag.Tag{Group: 0xFFFE, Element: 0xE0DD}
	maxSkipNest = 64
)

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

type syntax struct {
	explicit bool
	order    byteOrder
}

func syntaxFor(uid string) (syntax, error) {
	switch uid {
	case ImplicitVRLittleEndian:
		return syntax{explicit: false, order: binary.LittleEndian}, nil
	case ExplicitVRBigEndian:
		return syntax{explicit: true, order: binary.BigEndian}, nil
	case ExplicitVRLittleEndian, JPEGBaseline, JPEGLossless, JPEG2000Lossless, JPEG2000, RLELossless:
		return syntax{explicit: true, order: binary.LittleEndian}, nil
	}
	if strings.HasPrefix(uid, "1.2.840.10008.1.2.4.") {
		return syntax{explicit: true, order: binary.LittleEndian}, nil
	}
	return syntax{}, fmt.Errorf("unsupported transfer syntax %q", uid)
}

func longVR(vr string) bool {
	switch vr {
	case "OB", "OD", "OF", "OL", "OV", "OW", "SQ", "SV", "UC", "UN", "UR", "UT", "UV":
		return true
	}
	return false
}

func binaryVR(vr string) bool {
	switch vr {
	case "OB", "OD", "OF", "OL", "OV", "OW", "UN":
		return true
	}
	return false
}

// EncodeDataset serialises ds in the given transfer syntax. Sequences are not
// produced.
func EncodeDataset(ds *Dataset, transferSyntax string) ([]byte, error) {
	sx, err := syntaxFor(transferSyntax)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, el := range ds.Elements() {
		value, err := encodeValue(el, sx.order)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", el.Keyword, err)
		}
		out = appendHeader(out, sx, el.Tag, el.VR, uint32(len(value)))
		out = append(out, value...)
	}
	return out, nil
}

func appendHeader(out []byte, sx syntax, t tag.Tag, vr string, length uint32) []byte {
	out = sx.order.AppendUint16(out, t.Group)
	out = sx.order.AppendUint16(out, t.Element)
	if !sx.explicit {
		return sx.order.AppendUint32(out, length)
	}
	out = append(out, vr[0], vr[1])
	if longVR(vr) {
		out = append(out, 0, 0)
		return sx.order.AppendUint32(out, length)
	}
	return sx.order.AppendUint16(out, uint16(length))
}

func encodeValue(el *Element, order byteOrder) ([]byte, error) {
	if el.Raw != nil {
		v := append([]byte(nil), el.Raw...)
		if len(v)%2 == 1 {
			v = append(v, 0)
		}
		return v, nil
	}
	var out []byte
	switch el.VR {
	case "US", "SS":
		for _, s := range el.Values {
			n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
			if err != nil {
				return nil, err
			}
			out = order.AppendUint16(out, uint16(n))
		}
		return out, nil
	case "UL", "SL":
		for _, s := range el.Values {
			n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return nil, err
			}
			out = order.AppendUint32(out, uint32(n))
		}
		return out, nil
	case "FL":
		for _, s := range el.Values {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 32)
			if err != nil {
				return nil, err
			}
			out = order.AppendUint32(out, math.Float32bits(float32(f)))
		}
		return out, nil
	case "FD":
		for _, s := range el.Values {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, err
			}
			out = order.AppendUint64(out, math.Float64bits(f))
		}
		return out, nil
	case "AT":
		return nil, fmt.Errorf("AT values are not supported")
	}
	out = []byte(strings.Join(el.Values, `\`))
	if len(out)%2 == 1 {
		if el.VR == "UI" {
			out = append(out, 0)
		} else {
			out = append(out, ' ')
		}
	}
	return out, nil
}

// DecodeDataset parses an encoded dataset. Sequences and undefined-length
// values are skipped over; every other attribute is kept, including those
// outside the dictionary.
func DecodeDataset(data []byte, transferSyntax string) (*Dataset, error) {
	sx, err := syntaxFor(transferSyntax)
	if err != nil {
		return nil, err
	}
	d := &decoder{buf: data, sx: sx}
	ds := NewDataset()
	for d.pos < len(d.buf) {
		t, vr, length, err := d.header()
		if err != nil {
			return nil, err
		}
		if length == undefinedLength {
			if err := d.skipUndefined(0); err != nil {
				return nil, err
			}
			continue
		}
		value, err := d.take(length)
		if err != nil {
			return nil, err
		}
		if vr == "SQ" || t.Group == 0xFFFE {
			continue
		}
		ds.put(decodeElement(t, vr, value, sx.order))
	}
	return ds, nil
}

type decoder struct {
	buf []byte
	pos int
	sx  syntax
}

func (d *decoder) take(n uint32) ([]byte, error) {
	if uint64(d.pos)+uint64(n) > uint64(len(d.buf)) {
		return nil, ErrMalformed
	}
	v := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return v, nil
}

func (d *decoder) header() (tag.Tag, string, uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return tag.Tag{}, "", 0, err
	}
	t := tag.Tag{Group: d.sx.order.Uint16(b[0:2]), Element: d.sx.order.Uint16(b[2:4])}

	if !d.sx.explicit || t.Group == 0xFFFE {
		lb, err := d.take(4)
		if err != nil {
			return t, "", 0, err
		}
		vr := "UN"
		if e, ok := LookupTag(t); ok {
			vr = e.VR
		}
		return t, vr, d.sx.order.Uint32(lb), nil
	}

	vb, err := d.take(2)
	if err != nil {
		return t, "", 0, err
	}
	vr := string(vb)
	if longVR(vr) {
		lb, err := d.take(6)
		if err != nil {
			return t, vr, 0, err
		}
		return t, vr, d.sx.order.Uint32(lb[2:]), nil
	}
	lb, err := d.take(2)
	if err != nil {
		return t, vr, 0, err
	}
	return t, vr, uint32(d.sx.order.Uint16(lb)), nil
}

// skipUndefined consumes items until the sequence delimiter.
func (d *decoder) skipUndefined(depth int) error {
	if depth > maxSkipNest {
		return ErrMalformed
	}
	for {
		t, _, length, err := d.header()
		if err != nil {
			return err
		}
		switch t {
		case seqDelim:
			return nil
		case itemTag:
			if length != undefinedLength {
				if _, err := d.take(length); err != nil {
					return err
				}
				continue
			}
			if err := d.skipItem(depth + 1); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unexpected (%04X,%04X) in sequence", ErrMalformed, t.Group, t.Element)
		}
	}
}

func (d *decoder) skipItem(depth int) error {
	for {
		t, _, length, err := d.header()
		if err != nil {
			return err
		}
		if t == itemDelim {
			return nil
		}
		if length == undefinedLength {
			if err := d.skipUndefined(depth); err != nil {
				return err
			}
			continue
		}
		if _, err := d.take(length); err != nil {
			return err
		}
	}
}

func decodeElement(t tag.Tag, vr string, value []byte, order binary.ByteOrder) *Element {
	el := &Element{Tag: t, VR: vr}
	if e, ok := LookupTag(t); ok {
		el.Keyword = e.Keyword
	}
	switch vr {
	case "US":
		for i := 0; i+2 <= len(value); i += 2 {
			el.Values = append(el.Values, strconv.Itoa(int(order.Uint16(value[i:]))))
		}
	case "SS":
		for i := 0; i+2 <= len(value); i += 2 {
			el.Values = append(el.Values, strconv.Itoa(int(int16(order.Uint16(value[i:])))))
		}
	case "UL":
		for i := 0; i+4 <= len(value); i += 4 {
			el.Values = append(el.Values, strconv.FormatUint(uint64(order.Uint32(value[i:])), 10))
		}
	case "SL":
		for i := 0; i+4 <= len(value); i += 4 {
			el.Values = append(el.Values, strconv.Itoa(int(int32(order.Uint32(value[i:])))))
		}
	case "FL":
		for i := 0; i+4 <= len(value); i += 4 {
			f := math.Float32frombits(order.Uint32(value[i:]))
			el.Values = append(el.Values, strconv.FormatFloat(float64(f), 'g', -1, 32))
		}
	case "FD":
		for i := 0; i+8 <= len(value); i += 8 {
			f := math.Float64frombits(order.Uint64(value[i:]))
			el.Values = append(el.Values, strconv.FormatFloat(f, 'g', -1, 64))
		}
	case "AT":
		el.Raw = append([]byte(nil), value...)
	default:
		if binaryVR(vr) {
			el.Raw = append([]byte(nil), value...)
			return el
		}
		s := strings.TrimRight(string(value), " \x00")
		if s == "" {
			return el
		}
		for _, v := range strings.Split(s, `\`) {
			el.Values = append(el.Values, strings.TrimSpace(strings.TrimRight(v, "\x00")))
		}
	}
	return el
}
