package display

import (
	"fmt"
	"strings"

	"caseline/internal/metrics"
)

func FormatRunMetrics(rm *metrics.RunMetrics) string {
	if rm == nil {
		return "No metrics available."
	}
	var sb strings.Builder
	sb.WriteString("Execution metrics:\n")
	sb.WriteString(fmt.Sprintf("- Total: %d ms  (status=%s)\n", rm.DurationMs, rm.Status))
	for _, s := range rm.Steps {
		line := fmt.Sprintf("    %-28s %5d ms  [%s]", s.ID, s.DurationMs, s.Status)
		if s.Retries > 0 {
			line += fmt.Sprintf("  retries=%d", s.Retries)
		}
		sb.WriteString(line + "\n")
	}
	return sb.String()
}
