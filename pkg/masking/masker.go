// Package masking redacts secrets and truncates oversized payloads at the
// logging and audit boundary. Masking never alters the payload handed to
// handlers; only what gets persisted or logged.
package masking

import (
	"fmt"
	"regexp"
)

const (
	// Redacted replaces any secret value.
	Redacted = "[REDACTED]"

	// MaxLoggedPayload caps logged/audited payload size. Larger payloads
	// are truncated with size metadata preserved.
	MaxLoggedPayload = 1 << 20
)

// secretKeys are the field names whose values are always redacted,
// case-insensitive, matching both JSON-style and key=value forms.
var secretKeys = []string{"password", "token", "secret", "api_key", "apikey", "key"}

type compiledPattern struct {
	re          *regexp.Regexp
	replacement string
}

var patterns = compilePatterns()

// compilePatterns builds one pattern per secret key for JSON fields and one
// for key=value pairs. Patterns are compiled eagerly at package init.
func compilePatterns() []compiledPattern {
	out := make([]compiledPattern, 0, 2*len(secretKeys))
	for _, key := range secretKeys {
		// "password": "..."  (JSON field, any spacing)
		jsonRe := regexp.MustCompile(`(?i)("` + key + `"\s*:\s*)"[^"]*"`)
		out = append(out, compiledPattern{
			re:          jsonRe,
			replacement: `${1}"` + Redacted + `"`,
		})
		// password=... or password: ... (env / query / header forms)
		kvRe := regexp.MustCompile(`(?i)\b(` + key + `)(\s*[:=]\s*)\S+`)
		out = append(out, compiledPattern{
			re:          kvRe,
			replacement: `${1}${2}` + Redacted,
		})
	}
	return out
}

// MaskString redacts secret values in s.
func MaskString(s string) string {
	for _, p := range patterns {
		s = p.re.ReplaceAllString(s, p.replacement)
	}
	return s
}

// MaskMap returns a copy of m with secret-keyed values redacted and nested
// maps masked recursively.
func MaskMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSecretKey(k) {
			out[k] = Redacted
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			out[k] = MaskMap(val)
		case string:
			out[k] = MaskString(val)
		default:
			out[k] = v
		}
	}
	return out
}

var secretKeyRe = regexp.MustCompile(`(?i)^(password|token|secret|api_?key|key)$`)

func isSecretKey(k string) bool {
	return secretKeyRe.MatchString(k)
}

// Truncate caps s at MaxLoggedPayload bytes, appending size metadata when
// cut so the original length survives in the audit trail.
func Truncate(s string) string {
	if len(s) <= MaxLoggedPayload {
		return s
	}
	return fmt.Sprintf("%s… [truncated: %d of %d bytes]", s[:MaxLoggedPayload], MaxLoggedPayload, len(s))
}
