package checkstorage

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidDate is returned for an unknown selector or a malformed date.
var ErrInvalidDate = errors.New("invalid date selection")

// Date selectors accepted by ParseDateSpec.
const (
	AnyDate   = "anydate"
	Today     = "today"
	Yesterday = "yesterday"
	Day       = "day"
	Range     = "range"
)

const (
	inputLayout = "2006-01-02"
	dicomLayout = "20060102"
)

// DateSpec is a resolved study date selection. The zero value matches any
// date.
type DateSpec struct {
	Start, End time.Time
}

// ParseDateSpec resolves a selector. start and end are YYYY-MM-DD; day
// uses start only. A range whose start is after its end is narrowed to the
// start day.
func ParseDateSpec(selector, start, end string, now time.Time) (DateSpec, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch selector {
	case AnyDate, "":
		return DateSpec{}, nil
	case Today:
		return DateSpec{Start: today, End: today}, nil
	case Yesterday:
		y := today.AddDate(0, 0, -1)
		return DateSpec{Start: y, End: y}, nil
	case Day:
		d, err := time.Parse(inputLayout, start)
		if err != nil {
			return DateSpec{}, fmt.Errorf("%w: start date %q", ErrInvalidDate, start)
		}
		return DateSpec{Start: d, End: d}, nil
	case Range:
		s, err := time.Parse(inputLayout, start)
		if err != nil {
			return DateSpec{}, fmt.Errorf("%w: start date %q", ErrInvalidDate, start)
		}
		e, err := time.Parse(inputLayout, end)
		if err != nil {
			return DateSpec{}, fmt.Errorf("%w: end date %q", ErrInvalidDate, end)
		}
		if s.After(e) {
			e = s
		}
		return DateSpec{Start: s, End: e}, nil
	}
	return DateSpec{}, fmt.Errorf("%w: selector %q", ErrInvalidDate, selector)
}

// Any reports whether the selection matches every date.
func (d DateSpec) Any() bool {
	return d.Start.IsZero()
}

// String renders the StudyDate matching value: "", YYYYMMDD or
// YYYYMMDD-YYYYMMDD.
func (d DateSpec) String() string {
	if d.Any() {
		return ""
	}
	if d.Start.Equal(d.End) {
		return d.Start.Format(dicomLayout)
	}
	return d.Start.Format(dicomLayout) + "-" + d.End.Format(dicomLayout)
}

// Days lists the covered days from the end date back to the start date.
func (d DateSpec) Days() []string {
	if d.Any() {
		return nil
	}
	var out []string
	for day := d.End; !day.Before(d.Start); day = day.AddDate(0, 0, -1) {
		out = append(out, day.Format(dicomLayout))
	}
	return out
}
