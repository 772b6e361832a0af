// Package models describes every computational worker the gateway fronts.
//
// A Profile binds a route to a worker script, the rules its parameters must
// satisfy and the way validated parameters become the worker's argv. The
// orchestration core is the same for every profile.
package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xsigma/platform/gateway/internal/params"
)

// ArgStyle says how a worker expects its parameters.
type ArgStyle string

const (
	// JSONArgs passes one argument: the parameters as a JSON object.
	JSONArgs ArgStyle = "json"
	// PositionalArgs passes each parameter as its own argument, in Positional order.
	PositionalArgs ArgStyle = "positional"
)

// Profile is one worker configuration.
type Profile struct {
	Name        string
	Description string
	Methods     []string
	Route       string
	Script      string
	Rules       []params.Rule
	Style       ArgStyle
	// Positional lists argv parameter names for PositionalArgs profiles.
	Positional []string
	// Fixed members merged into the JSON argument, e.g. a model_type selector.
	Fixed map[string]any
	// Trailing returns extra positional arguments that depend on other values.
	Trailing func(*params.Set) []string
	// Presets fills request-dependent defaults before validation.
	Presets func(raw map[string]any)
	// Check runs cross-field constraints after every rule passed.
	Check func(*params.Set) error
	// Timeout overrides the gateway default when positive.
	Timeout time.Duration
	// TimeoutFor picks a timeout from the validated parameters when set.
	TimeoutFor func(*params.Set) time.Duration
	// Executable overrides the gateway interpreter for this profile.
	Executable string
	Cache      bool
	// Envelope marks workers that print {status, data, error}; successful
	// responses are unwrapped to data.
	Envelope bool
	Disabled bool
}

// Validate applies presets, rules and the cross-field check. raw is not
// modified.
func (p *Profile) Validate(raw map[string]any) (*params.Set, error) {
	in := make(map[string]any, len(raw))
	for k, v := range raw {
		in[k] = v
	}
	if p.Presets != nil {
		p.Presets(in)
	}
	set, err := params.Validate(p.Rules, in)
	if err != nil {
		return nil, err
	}
	if p.Check != nil {
		if err := p.Check(set); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// Args renders the worker argv that follows the script path.
func (p *Profile) Args(set *params.Set) ([]string, error) {
	switch p.Style {
	case JSONArgs:
		payload := set.Map()
		for k, v := range p.Fixed {
			payload[k] = v
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s parameters: %w", p.Name, err)
		}
		return []string{string(b)}, nil
	case PositionalArgs:
		args := make([]string, 0, len(p.Positional)+2)
		for _, name := range p.Positional {
			if _, ok := set.Get(name); !ok {
				return nil, fmt.Errorf("%s: positional parameter %q has no value", p.Name, name)
			}
			args = append(args, set.Text(name))
		}
		if p.Trailing != nil {
			args = append(args, p.Trailing(set)...)
		}
		return args, nil
	}
	return nil, fmt.Errorf("%s: unknown argument style %q", p.Name, p.Style)
}

// ResolveTimeout picks the timeout for one request; zero means the gateway default.
func (p *Profile) ResolveTimeout(set *params.Set) time.Duration {
	if p.TimeoutFor != nil {
		if d := p.TimeoutFor(set); d > 0 {
			return d
		}
	}
	return p.Timeout
}

// Summary is the public description of a profile served by /models.
type Summary struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Methods     []string      `json:"methods"`
	Route       string        `json:"route"`
	Script      string        `json:"script"`
	ArgStyle    ArgStyle      `json:"argStyle"`
	Cached      bool          `json:"cached"`
	Timeout     string        `json:"timeout,omitempty"`
	Parameters  []params.Rule `json:"parameters"`
}

func (p *Profile) Summary() Summary {
	s := Summary{
		Name:        p.Name,
		Description: p.Description,
		Methods:     append([]string(nil), p.Methods...),
		Route:       p.Route,
		Script:      p.Script,
		ArgStyle:    p.Style,
		Cached:      p.Cache,
		Parameters:  append([]params.Rule(nil), p.Rules...),
	}
	if p.Timeout > 0 {
		s.Timeout = p.Timeout.String()
	}
	return s
}

// Override adjusts a built-in profile from the YAML config file.
type Override struct {
	Script     string        `yaml:"script"`
	Executable string        `yaml:"executable"`
	Timeout    time.Duration `yaml:"timeout"`
	Cache      *bool         `yaml:"cache"`
	Disabled   bool          `yaml:"disabled"`
}

// Registry holds the enabled profiles in route order.
type Registry struct {
	profiles []*Profile
	byName   map[string]*Profile
}

// NewRegistry copies the given profiles into a registry. Duplicate names are
// an error.
func NewRegistry(profiles []*Profile) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Profile, len(profiles))}
	for _, p := range profiles {
		if _, dup := r.byName[p.Name]; dup {
			return nil, fmt.Errorf("duplicate model profile %q", p.Name)
		}
		cp := *p
		r.profiles = append(r.profiles, &cp)
		r.byName[p.Name] = &cp
	}
	return r, nil
}

// Apply merges overrides into the registry. Unknown names are rejected so a
// typo in the config file does not go unnoticed.
func (r *Registry) Apply(overrides map[string]Override) error {
	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p, ok := r.byName[name]
		if !ok {
			return fmt.Errorf("override for unknown model %q (known: %s)", name, strings.Join(r.Names(), ", "))
		}
		o := overrides[name]
		if o.Script != "" {
			p.Script = o.Script
		}
		if o.Executable != "" {
			p.Executable = o.Executable
		}
		if o.Timeout > 0 {
			p.Timeout = o.Timeout
		}
		if o.Cache != nil {
			p.Cache = *o.Cache
		}
		p.Disabled = o.Disabled
	}
	return nil
}

// Lookup returns an enabled profile.
func (r *Registry) Lookup(name string) (*Profile, bool) {
	p, ok := r.byName[name]
	if !ok || p.Disabled {
		return nil, false
	}
	return p, true
}

// All returns the enabled profiles in declaration order.
func (r *Registry) All() []*Profile {
	out := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		if !p.Disabled {
			out = append(out, p)
		}
	}
	return out
}

// Names lists every known profile, enabled or not.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p.Name)
	}
	return out
}
