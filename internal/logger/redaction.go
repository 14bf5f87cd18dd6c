package logger

import (
	"io"
	"regexp"

	"github.com/harun/clawgate/pkg/authprofile"
)

// Redactor masks credentials in log output. Matches keep a short head and
// tail so operators can still tell keys apart.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a new redactor with default patterns. A pattern with
// a capture group masks only the first group.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// JSON credential fields, as written by the store and by zerolog
			regexp.MustCompile(`"(?:access|refresh|token|key|apiKey|api_key|access_token|refresh_token)"\s*:\s*"([^"]{8,})"`),

			// API keys
			regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{16,}`),
			regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),

			// Bearer tokens
			regexp.MustCompile(`Bearer\s+([a-zA-Z0-9._~+/=-]+)`),

			// Google API keys
			regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`),
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact masks every match in s.
func (r *Redactor) Redact(s string) string {
	result := s
	for _, pattern := range r.patterns {
		result = maskMatches(pattern, result)
	}
	return result
}

func maskMatches(re *regexp.Regexp, s string) string {
	locs := re.FindAllStringSubmatchIndex(s, -1)
	if len(locs) == 0 {
		return s
	}
	out := make([]byte, 0, len(s))
	last := 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		if len(loc) >= 4 && loc[2] >= 0 {
			start, end = loc[2], loc[3]
		}
		out = append(out, s[last:start]...)
		out = append(out, authprofile.MaskSecret(s[start:end])...)
		last = end
	}
	out = append(out, s[last:]...)
	return string(out)
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

// redactingWriter is an io.Writer that redacts sensitive information
type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success since callers wrote p, not the redacted
// form.
func (w *redactingWriter) Write(p []byte) (int, error) {
	redacted := w.redactor.Redact(string(p))
	if _, err := w.writer.Write([]byte(redacted)); err != nil {
		return 0, err
	}
	return len(p), nil
}
