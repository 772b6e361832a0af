// Package params validates raw request parameters against a declarative rule
// table and produces a typed, ordered ParameterSet.
package params

import (
	"encoding/json"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Set is a validated parameter set. Values are float64, int64, string or
// bool. Names iterate in rule declaration order.
type Set struct {
	names  []string
	values map[string]any
}

// NewSet builds a Set directly, mostly for tests and fixed arguments.
func NewSet() *Set {
	return &Set{values: make(map[string]any)}
}

// Put appends or replaces a value.
func (s *Set) Put(name string, v any) {
	if _, ok := s.values[name]; !ok {
		s.names = append(s.names, name)
	}
	s.values[name] = v
}

// Names returns parameter names in declaration order.
func (s *Set) Names() []string { return append([]string(nil), s.names...) }

// Len reports the number of parameters.
func (s *Set) Len() int { return len(s.names) }

// Get returns the raw typed value.
func (s *Set) Get(name string) (any, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Float returns a numeric value as float64.
func (s *Set) Float(name string) float64 {
	switch v := s.values[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

// Int returns an integer value.
func (s *Set) Int(name string) int64 {
	switch v := s.values[name].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

// String returns a string value.
func (s *Set) String(name string) string {
	v, _ := s.values[name].(string)
	return v
}

// Text renders a value as a worker command-line argument.
func (s *Set) Text(name string) string {
	v, ok := s.values[name]
	if !ok {
		return ""
	}
	return canonical(v)
}

// Map returns a copy of the values.
func (s *Set) Map() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// MarshalJSON encodes the set with sorted keys, so two sets holding equal
// values always serialize identically regardless of how they were built.
func (s *Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.values)
}

// Canonical returns the stable serialization used as a cache key.
func (s *Set) Canonical() string {
	b, err := s.MarshalJSON()
	if err != nil {
		return ""
	}
	return string(b)
}

// Validate applies rules in declaration order and fails on the first
// violation. Parameters in raw that no rule declares are ignored.
func Validate(rules []Rule, raw map[string]any) (*Set, error) {
	set := NewSet()
	for _, r := range rules {
		v, present := lookup(raw, r.Name)
		if !present {
			switch {
			case r.Default != nil:
				v = r.Default
			case r.Required:
				return nil, missing(r)
			default:
				continue
			}
		}
		coerced, err := coerce(r, v)
		if err != nil {
			return nil, err
		}
		set.Put(r.Name, coerced)
	}
	return set, nil
}

// lookup treats JSON null and blank strings as absent.
func lookup(raw map[string]any, name string) (any, bool) {
	v, ok := raw[name]
	if !ok || v == nil {
		return nil, false
	}
	if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
		return nil, false
	}
	return v, true
}

func coerce(r Rule, v any) (any, error) {
	var out any
	switch r.Type {
	case Number, Integer:
		f, ok := toFloat(v)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, invalidType(r, v)
		}
		if r.Type == Integer {
			if f != math.Floor(f) || f < math.MinInt64 || f >= math.MaxInt64 {
				return nil, invalidType(r, v)
			}
			out = int64(f)
		} else {
			out = f
		}
		if err := checkRange(r, f); err != nil {
			return nil, err
		}
	case Boolean:
		b, ok := toBool(v)
		if !ok {
			return nil, invalidType(r, v)
		}
		out = b
	default:
		s, ok := toString(v)
		if !ok {
			return nil, invalidType(r, v)
		}
		out = s
	}
	if len(r.Enum) > 0 && !slices.Contains(r.Enum, canonical(out)) {
		return nil, invalidEnum(r, out)
	}
	return out, nil
}

func checkRange(r Rule, f float64) error {
	if r.Min != nil {
		if f < *r.Min || (r.MinExclusive && f == *r.Min) {
			return outOfRange(r, f)
		}
	}
	if r.Max != nil && f > *r.Max {
		return outOfRange(r, f)
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		return b, err == nil
	}
	return false, false
}

func toString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x), true
	case float64, int64, int, bool:
		return canonical(x), true
	case json.Number:
		return x.String(), true
	}
	return "", false
}
