// Package redact masks secrets in text before it is logged, cached or
// rendered. Pause reasons and error messages come from the remote pipeline
// and sometimes echo back the rejected credential.
package redact

import (
	"regexp"
	"strings"
)

// Mask replaces a secret.
const Mask = "[redacted]"

var (
	// Provider key shapes: sk-..., sk-ant-..., gsk_..., AIza..., hf_...
	keyPattern = regexp.MustCompile(`\b(?:sk-(?:ant-|proj-|or-)?[A-Za-z0-9_\-]{8,}|gsk_[A-Za-z0-9]{8,}|AIza[0-9A-Za-z_\-]{20,}|hf_[A-Za-z0-9]{8,})`)
	// key=value and key: value forms.
	assignPattern = regexp.MustCompile(`(?i)\b(api[_-]?key|token|secret|password)(\s*[:=]\s*)([^\s,;"']{6,})`)
	bearerPattern = regexp.MustCompile(`(?i)\b(bearer)(\s+)([^\s,;"']{6,})`)
)

// Filter masks secrets. The zero value masks the built-in key shapes only.
type Filter struct {
	// Extra are literal values to mask wherever they appear, such as the
	// configured API token.
	Extra []string
}

// String masks every secret in s.
func (f Filter) String(s string) string {
	if s == "" {
		return s
	}
	for _, v := range f.Extra {
		if len(v) >= 4 {
			s = strings.ReplaceAll(s, v, Mask)
		}
	}
	s = keyPattern.ReplaceAllString(s, Mask)
	s = assignPattern.ReplaceAllString(s, "${1}${2}"+Mask)
	s = bearerPattern.ReplaceAllString(s, "${1}${2}"+Mask)
	return s
}

// String masks secrets in s with the default filter.
func String(s string) string {
	return Filter{}.String(s)
}
