package cli

import (
	"strings"
	"time"

	"github.com/roach88/eventcore/internal/es"
)

const timeLayout = "2006-01-02 15:04:05"

// formatTime renders t in UTC, or "-" for the zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}

// formatPreview renders a payload preview as key=value pairs.
func formatPreview(p es.PayloadPreview) string {
	parts := make([]string, 0, len(p.Fields)+1)
	for _, f := range p.Fields {
		parts = append(parts, f.Key+"="+f.Value)
	}
	if p.Truncated {
		parts = append(parts, "...")
	}
	return strings.Join(parts, " ")
}

// orDash returns s, or "-" when s is empty.
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// yesNo renders a flag for tables.
func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
