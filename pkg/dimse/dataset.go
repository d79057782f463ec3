package dimse

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// ErrUnknownField is returned when a keyword is not part of the dictionary.
var ErrUnknownField = errors.New("unknown dataset field")

// Element is a single attribute value. Text and numeric values are held as
// strings; binary values keep their raw bytes.
type Element struct {
	Tag     tag.Tag
	VR      string
	Keyword string
	Values  []string
	Raw     []byte
}

// Dataset is an ordered set of attributes keyed by tag.
type Dataset struct {
	elems map[tag.Tag]*Element
}

// NewDataset returns an empty dataset.
func NewDataset() *Dataset {
	return &Dataset{elems: make(map[tag.Tag]*Element)}
}

// Set assigns values to the attribute named by keyword. Calling Set with no
// values creates an empty attribute, which in a query means "return this key".
func (d *Dataset) Set(keyword string, values ...string) error {
	e, ok := Lookup(keyword)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownField, keyword)
	}
	d.put(&Element{Tag: e.Tag, VR: e.VR, Keyword: e.Keyword, Values: append([]string(nil), values...)})
	return nil
}

// MustSet is Set for keywords known at compile time. It panics on an unknown
// keyword and returns d for chaining.
func (d *Dataset) MustSet(keyword string, values ...string) *Dataset {
	if err := d.Set(keyword, values...); err != nil {
		panic(err)
	}
	return d
}

// SetInt stores an integer string value.
func (d *Dataset) SetInt(keyword string, v int) error {
	return d.Set(keyword, strconv.Itoa(v))
}

func (d *Dataset) put(el *Element) {
	if d.elems == nil {
		d.elems = make(map[tag.Tag]*Element)
	}
	d.elems[el.Tag] = el
}

// Delete removes the attribute named by keyword.
func (d *Dataset) Delete(keyword string) {
	if e, ok := Lookup(keyword); ok {
		delete(d.elems, e.Tag)
	}
}

// Has reports whether the attribute is present, even if empty.
func (d *Dataset) Has(keyword string) bool {
	_, ok := d.element(keyword)
	return ok
}

func (d *Dataset) element(keyword string) (*Element, bool) {
	if d == nil {
		return nil, false
	}
	e, ok := Lookup(keyword)
	if !ok {
		return nil, false
	}
	el, ok := d.elems[e.Tag]
	return el, ok
}

// Get returns the value of keyword, multiple values joined with a backslash,
// or def when the attribute is absent.
func (d *Dataset) Get(keyword, def string) string {
	el, ok := d.element(keyword)
	if !ok {
		return def
	}
	return strings.Join(el.Values, `\`)
}

// Strings returns all values of keyword.
func (d *Dataset) Strings(keyword string) []string {
	el, ok := d.element(keyword)
	if !ok {
		return nil
	}
	return append([]string(nil), el.Values...)
}

// Int parses the first value of keyword as an integer.
func (d *Dataset) Int(keyword string) (int, bool) {
	el, ok := d.element(keyword)
	if !ok || len(el.Values) == 0 {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(el.Values[0]))
	if err != nil {
		return 0, false
	}
	return v, true
}

// Date parses a DA attribute (YYYYMMDD).
func (d *Dataset) Date(keyword string) (time.Time, bool) {
	el, ok := d.element(keyword)
	if !ok || len(el.Values) == 0 {
		return time.Time{}, false
	}
	t, err := time.Parse("20060102", strings.TrimSpace(el.Values[0]))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// IsUID reports whether keyword names a UID-valued attribute.
func IsUID(keyword string) bool {
	e, ok := Lookup(keyword)
	return ok && e.VR == "UI"
}

// Len returns the number of attributes.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.elems)
}

// Elements returns the attributes in tag order.
func (d *Dataset) Elements() []*Element {
	if d == nil {
		return nil
	}
	out := make([]*Element, 0, len(d.elems))
	for _, el := range d.elems {
		out = append(out, el)
	}
	sort.Slice(out, func(i, j int) bool { return tagLess(out[i].Tag, out[j].Tag) })
	return out
}

// Keywords returns the keywords present in the dataset, in tag order.
// Attributes outside the dictionary are skipped.
func (d *Dataset) Keywords() []string {
	var out []string
	for _, el := range d.Elements() {
		if el.Keyword != "" {
			out = append(out, el.Keyword)
		}
	}
	return out
}

// Map flattens the known text attributes into a keyword → value map.
func (d *Dataset) Map() map[string]string {
	out := make(map[string]string)
	for _, el := range d.Elements() {
		if el.Keyword == "" || el.Raw != nil {
			continue
		}
		out[el.Keyword] = strings.Join(el.Values, `\`)
	}
	return out
}

// FromMap builds a dataset from keyword → value pairs. Values containing a
// backslash become multi-valued.
func FromMap(m map[string]string) (*Dataset, error) {
	d := NewDataset()
	for k, v := range m {
		var vals []string
		if v != "" {
			vals = strings.Split(v, `\`)
		}
		if err := d.Set(k, vals...); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Clone returns a deep copy.
func (d *Dataset) Clone() *Dataset {
	c := NewDataset()
	if d == nil {
		return c
	}
	for t, el := range d.elems {
		cp := *el
		cp.Values = append([]string(nil), el.Values...)
		if el.Raw != nil {
			cp.Raw = append([]byte(nil), el.Raw...)
		}
		c.elems[t] = &cp
	}
	return c
}

// Merge copies every attribute of other into d, overwriting existing ones.
func (d *Dataset) Merge(other *Dataset) {
	for _, el := range other.Clone().elems {
		d.put(el)
	}
}

// String renders the dataset for logs.
func (d *Dataset) String() string {
	var b strings.Builder
	for i, el := range d.Elements() {
		if i > 0 {
			b.WriteString(" ")
		}
		name := el.Keyword
		if name == "" {
			name = fmt.Sprintf("(%04X,%04X)", el.Tag.Group, el.Tag.Element)
		}
		if el.Raw != nil {
			fmt.Fprintf(&b, "%s=<%d bytes>", name, len(el.Raw))
			continue
		}
		fmt.Fprintf(&b, "%s=%q", name, strings.Join(el.Values, `\`))
	}
	return b.String()
}
