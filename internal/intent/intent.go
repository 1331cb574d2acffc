package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"caseline/internal/catalog"
	"caseline/internal/llm"
)

// Intent is the structured reading of one natural-language REPL line: either
// a run control command or a goal with the analysis kinds it calls for.
type Intent struct {
	Kinds                []string `json:"kinds"`
	RequiresConfirmation bool     `json:"requires_confirmation"`
	Cancel               bool     `json:"cancel"`
	Resume               bool     `json:"resume"`
	TargetRunID          string   `json:"target_run_id"`
	TargetIsPrevious     bool     `json:"target_is_previous"`
}

func buildSelectionPrompt(reg *catalog.Registry, goal string) string {
	var sb strings.Builder
	sb.WriteString("You are an expert analysis intake agent. Respond ONLY with this JSON (no extra text):\n")
	sb.WriteString(`{"kinds": [<zero or more kind names>], "requires_confirmation": <bool>, "cancel": <bool>, "resume": <bool>, "target_run_id": "<string or empty>", "target_is_previous": <bool>}` + "\n\n")

	sb.WriteString(reg.PromptPart())
	sb.WriteString("\nRules:\n")
	sb.WriteString("- kinds: the analysis kinds the request calls for, chosen ONLY from the list above. Do not add dependencies; they are resolved automatically.\n")
	sb.WriteString("- requires_confirmation: true ONLY if the user asks to see/review/confirm/preview the plan before it runs.\n")
	sb.WriteString("- cancel: true if the user asks to stop/abort/kill a run.\n")
	sb.WriteString("- resume: true if the user asks to resume or continue an earlier run.\n")
	sb.WriteString("- target_run_id: a run id the user names explicitly (otherwise empty).\n")
	sb.WriteString("- target_is_previous: true if the user says 'previous', 'last', or 'most recent' run.\n\n")

	sb.WriteString("Examples:\n")
	sb.WriteString("User: \"build a timeline of the loan dispute and flag anything risky\"\n")
	sb.WriteString(`Assistant: {"kinds": ["timeline", "risk-analysis"], "requires_confirmation": false, "cancel": false, "resume": false, "target_run_id": "", "target_is_previous": false}` + "\n\n")
	sb.WriteString("User: \"show me the plan before you analyze the contract discrepancies\"\n")
	sb.WriteString(`Assistant: {"kinds": ["discrepancy-detection"], "requires_confirmation": true, "cancel": false, "resume": false, "target_run_id": "", "target_is_previous": false}` + "\n\n")

	sb.WriteString("User request: \"")
	sb.WriteString(goal)
	sb.WriteString("\"\nAssistant JSON response: ")
	return sb.String()
}

// Analyze maps a request line to an Intent. Kind names the model invents are
// dropped; an empty selection falls back to the catalog's required kinds so a
// vague goal still produces a useful run.
func Analyze(ctx context.Context, client *llm.Client, reg *catalog.Registry, goal string) (*Intent, error) {
	raw, err := client.GenerateJSON(ctx, buildSelectionPrompt(reg, goal), nil)
	if err != nil {
		return nil, fmt.Errorf("analyze request intent: %w", err)
	}
	var in Intent
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &in); err != nil {
		return nil, fmt.Errorf("error parsing intent JSON: %v\nRaw Response: %s", err, raw)
	}

	var known []string
	for _, k := range in.Kinds {
		k = strings.TrimSpace(strings.ToLower(k))
		if _, ok := reg.Get(k); ok {
			known = append(known, k)
		}
	}
	in.Kinds = known
	if len(in.Kinds) == 0 && !in.Cancel && !in.Resume {
		for _, k := range reg.Kinds() {
			if k.Required {
				in.Kinds = append(in.Kinds, k.Name)
			}
		}
	}
	if !in.Cancel && !in.Resume {
		in.TargetRunID = ""
		in.TargetIsPrevious = false
	}
	return &in, nil
}

func cleanJSON(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
