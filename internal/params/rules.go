package params

import (
	"fmt"
	"strconv"
	"strings"
)

// Type is the value type a Rule coerces its parameter to.
type Type string

const (
	Number  Type = "number"
	Integer Type = "integer"
	String  Type = "string"
	Boolean Type = "boolean"
)

// Rule declares how one named parameter is validated.
type Rule struct {
	Name         string   `json:"name"`
	Type         Type     `json:"type"`
	Min          *float64 `json:"min,omitempty"`
	Max          *float64 `json:"max,omitempty"`
	MinExclusive bool     `json:"minExclusive,omitempty"`
	Enum         []string `json:"enum,omitempty"`
	Default      any      `json:"default,omitempty"`
	Required     bool     `json:"required"`
	Description  string   `json:"description,omitempty"`
}

// Bound returns a pointer to v for use as Rule.Min or Rule.Max.
func Bound(v float64) *float64 { return &v }

// Num declares a number rule with a default.
func Num(name string, def float64, desc string) Rule {
	return Rule{Name: name, Type: Number, Default: def, Description: desc}
}

// Int declares an integer rule with a default.
func Int(name string, def int64, desc string) Rule {
	return Rule{Name: name, Type: Integer, Default: def, Description: desc}
}

// Str declares a string rule with a default.
func Str(name, def, desc string) Rule {
	return Rule{Name: name, Type: String, Default: def, Description: desc}
}

// Flag declares a boolean rule with a default.
func Flag(name string, def bool, desc string) Rule {
	return Rule{Name: name, Type: Boolean, Default: def, Description: desc}
}

// Between returns a copy of r constrained to [min, max].
func (r Rule) Between(min, max float64) Rule {
	r.Min = Bound(min)
	r.Max = Bound(max)
	return r
}

// Positive returns a copy of r that rejects values <= 0.
func (r Rule) Positive() Rule {
	r.Min = Bound(0)
	r.MinExclusive = true
	return r
}

// MustProvide returns a copy of r without a default that fails when absent.
func (r Rule) MustProvide() Rule {
	r.Default = nil
	r.Required = true
	return r
}

// OneOf returns a copy of r restricted to the given values.
func (r Rule) OneOf(values ...string) Rule {
	r.Enum = append([]string(nil), values...)
	return r
}

func (r Rule) rangeText() (string, string) {
	lo, hi := "-inf", "+inf"
	if r.Min != nil {
		lo = formatFloat(*r.Min)
	}
	if r.Max != nil {
		hi = formatFloat(*r.Max)
	}
	return lo, hi
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// canonical renders a coerced value the way enum membership is compared.
func canonical(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return formatFloat(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// Stringify renders a raw request value as trimmed text. nil becomes "".
func Stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return canonical(v)
}

func (r Rule) allowed() string {
	return strings.Join(r.Enum, ", ")
}
