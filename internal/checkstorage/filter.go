package checkstorage

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/otcheredev/dicom-gateway/internal/models"
	"github.com/otcheredev/dicom-gateway/pkg/dimse"
)

// ErrInvalidRule is returned for an advanced rule that cannot be compiled.
var ErrInvalidRule = errors.New("invalid filter rule")

// condition is one compiled advanced rule: Field or Field[N] against a
// pattern that must (or must not) match the whole value.
type condition struct {
	key    string
	field  string
	index  int // 1-based; 0 means the joined value
	negate bool
	re     *regexp.Regexp
}

var keyPattern = regexp.MustCompile(`^([A-Za-z0-9]+)(?:\[([1-9][0-9]*)\])?$`)

func parseCondition(key, expr string) (condition, error) {
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return condition{}, fmt.Errorf("%w: bad key %q", ErrInvalidRule, key)
	}
	if _, ok := dimse.Lookup(m[1]); !ok {
		return condition{}, fmt.Errorf("%w: unknown field %q", ErrInvalidRule, m[1])
	}
	c := condition{key: key, field: m[1]}
	if m[2] != "" {
		c.index, _ = strconv.Atoi(m[2])
	}

	var pattern string
	switch {
	case strings.HasPrefix(expr, "!="):
		c.negate, pattern = true, expr[2:]
	case strings.HasPrefix(expr, "="):
		pattern = expr[1:]
	default:
		return condition{}, fmt.Errorf("%w: %s: value must start with = or !=", ErrInvalidRule, key)
	}
	re, err := regexp.Compile(`^(?:` + pattern + `)$`)
	if err != nil {
		return condition{}, fmt.Errorf("%w: %s: %v", ErrInvalidRule, key, err)
	}
	c.re = re
	return c, nil
}

func (c condition) value(ds *dimse.Dataset) (string, bool) {
	if !ds.Has(c.field) {
		return "", false
	}
	if c.index == 0 {
		return ds.Get(c.field, ""), true
	}
	vals := ds.Strings(c.field)
	if c.index > len(vals) {
		return "", false
	}
	return vals[c.index-1], true
}

// holds reports whether the rule is satisfied. An absent value satisfies
// a negated rule and fails a positive one.
func (c condition) holds(ds *dimse.Dataset) bool {
	v, ok := c.value(ds)
	if !ok {
		return c.negate
	}
	return c.re.MatchString(v) != c.negate
}

// ValidateConditions checks one advanced rule set.
func ValidateConditions(conditions map[string]string) error {
	for k, v := range conditions {
		if _, err := parseCondition(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Filter decides which source series take part in the comparison. It is
// built from a device's basic filters, advanced rule sets and exclusion
// rules.
type Filter struct {
	basic      []models.BasicFilter
	advanced   [][]condition
	exclusions []models.ExclusionRule
	countField string
}

// NewFilter compiles the rules attached to device.
func NewFilter(device *models.Device) (*Filter, error) {
	f := &Filter{
		basic:      device.BasicFilters,
		exclusions: device.ExclusionRules,
		countField: device.SeriesCountField(),
	}
	for _, set := range device.AdvancedFilters {
		var conds []condition
		for k, v := range set.Conditions {
			c, err := parseCondition(k, v)
			if err != nil {
				return nil, fmt.Errorf("device %s: %w", device.Name, err)
			}
			conds = append(conds, c)
		}
		f.advanced = append(f.advanced, conds)
	}
	return f, nil
}

// Fields lists the attributes the rules look at, so they can be requested
// as return keys.
func (f *Filter) Fields() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(kw string) {
		if kw != "" && !seen[kw] {
			seen[kw] = true
			out = append(out, kw)
		}
	}
	for _, b := range f.basic {
		add(b.Field)
	}
	for _, set := range f.advanced {
		for _, c := range set {
			add(c.field)
		}
	}
	for _, r := range f.exclusions {
		for k := range r.Conditions {
			add(k)
		}
	}
	return out
}

// Reject returns a non-empty reason when ds must be ignored.
func (f *Filter) Reject(ds *dimse.Dataset) string {
	for _, b := range f.basic {
		if ds.Has(b.Field) && ds.Get(b.Field, "") == b.Value {
			return fmt.Sprintf("%s == %q", b.Field, b.Value)
		}
	}
	for _, set := range f.advanced {
		for _, c := range set {
			if !c.holds(ds) {
				return "advanced rule " + c.key
			}
		}
	}
	for _, r := range f.exclusions {
		if f.excludes(r, ds) {
			if r.Description != "" {
				return "exclusion rule: " + r.Description
			}
			return "exclusion rule"
		}
	}
	return ""
}

func (f *Filter) excludes(r models.ExclusionRule, ds *dimse.Dataset) bool {
	if len(r.Conditions) == 0 && r.InstanceCount == nil {
		return false
	}
	for field, want := range r.Conditions {
		if !ds.Has(field) || ds.Get(field, "") != want {
			return false
		}
	}
	if r.InstanceCount != nil {
		if f.countField == "" {
			return false
		}
		n, ok := ds.Int(f.countField)
		if !ok || n != *r.InstanceCount {
			return false
		}
	}
	return true
}
