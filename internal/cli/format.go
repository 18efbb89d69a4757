package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/itchyny/gojq"

	"github.com/rocketship-ai/qatrack/internal/environment"
)

func statusLabel(status environment.Status) string {
	switch status {
	case environment.StatusBacklog:
		return color.YellowString("● backlog")
	case environment.StatusInProgress:
		return color.CyanString("↻ in_progress")
	case environment.StatusDone:
		return color.GreenString("✓ done")
	default:
		return string(status)
	}
}

func scenarioLabel(status environment.ScenarioStatus) string {
	switch status {
	case environment.ScenarioDone, environment.ScenarioDoneAutomated:
		return color.GreenString(string(status))
	case environment.ScenarioNotApplicable:
		return color.HiBlackString(string(status))
	case environment.ScenarioInProgress:
		return color.CyanString(string(status))
	case environment.ScenarioBlocked:
		return color.RedString(string(status))
	default:
		return color.YellowString(string(status))
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}
	diff := time.Since(t)

	if diff < time.Minute {
		return "just now"
	} else if diff < time.Hour {
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	} else if diff < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	} else if diff < 7*24*time.Hour {
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
	return t.Format("Jan 02")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// runJQ evaluates expr against a JSON document and writes every result as
// indented JSON.
func runJQ(w io.Writer, expr string, document []byte) error {
	query, err := gojq.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid jq expression: %w", err)
	}

	var input interface{}
	if err := json.Unmarshal(document, &input); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	iter := query.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, ok := v.(error); ok {
			if haltErr, ok := err.(*gojq.HaltError); ok && haltErr.Value() == nil {
				return nil
			}
			return fmt.Errorf("jq evaluation failed: %w", err)
		}
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, string(out)); err != nil {
			return err
		}
	}
}
