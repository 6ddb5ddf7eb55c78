package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/olivergale/metis-portal2-sub002/pkg/lifecycle"
	"github.com/olivergale/metis-portal2-sub002/pkg/triage"
	"github.com/olivergale/metis-portal2-sub002/pkg/workorder"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusColor(s workorder.Status) string {
	label := string(s)
	switch {
	case s.IsSuccess():
		return color.New(color.FgGreen).Sprint(label)
	case s == workorder.StatusFailed:
		return color.New(color.FgRed).Sprint(label)
	case s == workorder.StatusBlocked:
		return color.New(color.FgYellow).Sprint(label)
	case s == workorder.StatusInProgress || s == workorder.StatusReview:
		return color.New(color.FgCyan).Sprint(label)
	case s.IsTerminal():
		return color.New(color.FgHiBlack).Sprint(label)
	default:
		return label
	}
}

func severityColor(s triage.Severity) string {
	label := strings.ToUpper(string(s))
	switch s {
	case triage.SeverityCritical:
		return color.New(color.FgRed, color.Bold).Sprint(label)
	case triage.SeverityHigh:
		return color.New(color.FgRed).Sprint(label)
	case triage.SeverityMedium:
		return color.New(color.FgYellow).Sprint(label)
	default:
		return color.New(color.FgBlue).Sprint(label)
	}
}

func check(ok bool) string {
	if ok {
		return color.New(color.FgGreen).Sprint("✓")
	}
	return color.New(color.FgRed).Sprint("✗")
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func printEffects(effects []lifecycle.Effect) {
	if len(effects) == 0 {
		return
	}
	fmt.Println("Settlement:")
	for _, e := range effects {
		fmt.Printf("  %s %s: %s → %s\n", e.Action, e.WorkOrderID, statusColor(e.FromStatus), statusColor(e.ToStatus))
	}
}
