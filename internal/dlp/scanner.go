package dlp

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Violation describes one policy hit in worker output.
type Violation struct {
	Rule   string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("dlp violation (%s): %s", v.Rule, v.Detail)
}

const redacted = "[REDACTED]"

// defaultMaxDetailBytes caps how much worker output a debug response carries.
const defaultMaxDetailBytes = 16 << 10

// secretEnv names variables whose values must never leave the process.
var secretEnv = []string{
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"AZURE_STORAGE_KEY",
	"SFTP_PASSWORD",
	"FTPS_PASSWORD",
}

type pattern struct {
	rule string
	re   *regexp.Regexp
}

var defaultPatterns = []pattern{
	{"aws_access_key", regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{"private_key", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"credential_assignment", regexp.MustCompile(`(?i)\b(password|passwd|secret|token|api[_-]?key)\s*[=:]\s*\S+`)},
}

// Scanner checks worker output before it is shown to a client. A nil
// *Scanner is valid and lets everything through unchanged.
type Scanner struct {
	secrets  map[string]string // value -> env name
	patterns []pattern
	maxBytes int
	enforce  bool
}

// Options configures a Scanner directly; NewScannerFromEnv fills it from env.
type Options struct {
	Secrets        map[string]string
	Patterns       []string
	MaxDetailBytes int
	Monitor        bool
}

// New builds a scanner. Extra patterns are compiled as Go regular expressions.
func New(opts Options) (*Scanner, error) {
	s := &Scanner{
		secrets:  make(map[string]string, len(opts.Secrets)),
		patterns: append([]pattern(nil), defaultPatterns...),
		maxBytes: opts.MaxDetailBytes,
		enforce:  !opts.Monitor,
	}
	if s.maxBytes <= 0 {
		s.maxBytes = defaultMaxDetailBytes
	}
	for name, value := range opts.Secrets {
		// very short values would redact ordinary words
		if len(value) >= 4 {
			s.secrets[value] = name
		}
	}
	for i, raw := range opts.Patterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("DLP pattern %d: %w", i+1, err)
		}
		s.patterns = append(s.patterns, pattern{rule: fmt.Sprintf("custom_%d", i+1), re: re})
	}
	return s, nil
}

// NewScannerFromEnv builds a scanner from environment variables.
// It can be disabled entirely via DLP_DISABLED=true.
func NewScannerFromEnv() (*Scanner, error) {
	if strings.EqualFold(os.Getenv("DLP_DISABLED"), "true") {
		return nil, nil
	}
	opts := Options{
		Secrets: make(map[string]string),
		Monitor: strings.EqualFold(os.Getenv("DLP_MODE"), "monitor"),
	}
	for _, name := range secretEnv {
		if v := os.Getenv(name); v != "" {
			opts.Secrets[name] = v
		}
	}
	if raw := os.Getenv("DLP_PATTERNS"); raw != "" {
		for _, pat := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(pat); trimmed != "" {
				opts.Patterns = append(opts.Patterns, trimmed)
			}
		}
	}
	if raw := os.Getenv("DLP_MAX_DETAIL_BYTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			opts.MaxDetailBytes = v
		}
	}
	return New(opts)
}

// Enforced reports whether hits are redacted rather than only reported.
func (s *Scanner) Enforced() bool {
	return s != nil && s.enforce
}

// Scan lists every rule text matches, without changing it.
func (s *Scanner) Scan(text string) []Violation {
	if s == nil || text == "" {
		return nil
	}
	var out []Violation
	for _, name := range s.secretNames(text) {
		out = append(out, Violation{Rule: "secret_env", Detail: fmt.Sprintf("value of %s", name)})
	}
	for _, p := range s.patterns {
		if n := len(p.re.FindAllStringIndex(text, -1)); n > 0 {
			out = append(out, Violation{Rule: p.rule, Detail: fmt.Sprintf("%d match(es)", n)})
		}
	}
	return out
}

// Redact masks every hit when enforcing and returns the hits either way.
func (s *Scanner) Redact(text string) (string, []Violation) {
	violations := s.Scan(text)
	if len(violations) == 0 || !s.Enforced() {
		return text, violations
	}
	return s.mask(text), violations
}

// Detail prepares worker output for a debug response: redacted, then capped.
func (s *Scanner) Detail(text string) (string, []Violation) {
	clean, violations := s.Redact(text)
	limit := defaultMaxDetailBytes
	if s != nil {
		limit = s.maxBytes
	}
	if len(clean) > limit {
		clean = clean[:limit] + "\n... (truncated)"
	}
	return clean, violations
}

// Mask redacts text for logs in every mode.
func (s *Scanner) Mask(text string) string {
	if s == nil {
		return text
	}
	return s.mask(text)
}

func (s *Scanner) mask(text string) string {
	for value := range s.secrets {
		text = strings.ReplaceAll(text, value, redacted)
	}
	for _, p := range s.patterns {
		text = p.re.ReplaceAllString(text, redacted)
	}
	return text
}

func (s *Scanner) secretNames(text string) []string {
	var names []string
	for value, name := range s.secrets {
		if strings.Contains(text, value) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
