package display

import (
	"fmt"
	"strings"
	"time"

	"caseline/internal/feedback"
	"caseline/internal/plan"
)

const maxResultValueLength = 100

// FormatPlan renders a plan preview for the confirmation prompt.
func FormatPlan(p *plan.Plan, rep plan.Report) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Proposed analysis plan for run %s:\n", p.RunID))
	sb.WriteString("--------------------------------------------------\n")
	for i, s := range p.Steps {
		tag := ""
		if !s.Requested {
			tag = "  (dependency)"
		}
		sb.WriteString(fmt.Sprintf("%d. %s%s\n", i+1, s.ID, tag))
		if len(s.DependsOn) > 0 {
			sb.WriteString(fmt.Sprintf("   after: %s\n", strings.Join(s.DependsOn, ", ")))
		}
		sb.WriteString(fmt.Sprintf("   %s\n", s.Reasoning))
	}
	sb.WriteString(fmt.Sprintf("Estimated duration: %s - %s (%d independent, %d dependent)\n",
		fmtDuration(rep.EstimateMin), fmtDuration(rep.EstimateMax), rep.Independent, rep.Dependent))
	sb.WriteString("--------------------------------------------------")
	return sb.String()
}

// FormatRunOutcome summarizes a finished run: per-step status, retries and a
// truncated view of each result.
func FormatRunOutcome(p *plan.Plan, status string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Run %s %s:\n", p.RunID, strings.ToUpper(status)))
	for _, s := range p.Steps {
		line := fmt.Sprintf("  - %-28s %-10s", s.ID, s.Status)
		if s.RetryCount > 0 {
			line += fmt.Sprintf("  retries=%d", s.RetryCount)
		}
		if s.Err != "" {
			line += "  " + formatValue(s.Err)
		}
		sb.WriteString(line + "\n")
		if s.Status == plan.StatusCompleted && len(s.Result) > 0 {
			for key, val := range s.Result {
				sb.WriteString(fmt.Sprintf("      %s: %s\n", key, formatValue(val)))
			}
		}
	}
	if len(p.History) > 0 {
		sb.WriteString("  Adaptations:\n")
		for _, rec := range p.History {
			sb.WriteString(fmt.Sprintf("    [%s] %s: %s\n", rec.Trigger, rec.Strategy, rec.Reason))
		}
	}
	sb.WriteString("--------------------------------------------------")
	return sb.String()
}

// FormatFeedbackRequest renders a pending human escalation above the prompt.
func FormatFeedbackRequest(req *feedback.Request) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[Feedback %s] %s\n", req.ID, req.Prompt))
	if len(req.Options) > 0 {
		sb.WriteString(fmt.Sprintf("  Options: %s\n", strings.Join(req.Options, " / ")))
	}
	sb.WriteString(fmt.Sprintf("  Answer with: answer %s <text>  |  approve %s  |  deny %s",
		req.ID, req.ID, req.ID))
	return sb.String()
}

func formatValue(value any) string {
	s := fmt.Sprintf("%v", value)
	s = strings.ReplaceAll(s, "\n", "\\n")
	if len(s) > maxResultValueLength {
		return s[:maxResultValueLength] + "..."
	}
	return s
}

func fmtDuration(d time.Duration) string {
	return d.Round(time.Minute).String()
}
