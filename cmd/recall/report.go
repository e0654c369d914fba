package main

import (
	"fmt"
	"strconv"
	"strings"

	"recall/internal/consensus"
	"recall/internal/extraction"
	"recall/internal/store"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Semantic colors
var (
	successColor = lipgloss.Color("#8BC34A") // Lime Green
	warningColor = lipgloss.Color("#FFC107") // Yellow
	errorColor   = lipgloss.Color("#e53935") // Red
	infoColor    = lipgloss.Color("#2196F3") // Blue
	mutedColor   = lipgloss.Color("#6b7785")
)

var (
	labelStyle  = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(successColor)
	warnStyle   = lipgloss.NewStyle().Foreground(warningColor)
	failStyle   = lipgloss.NewStyle().Foreground(errorColor)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(infoColor).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	winnerStyle = cellStyle.Foreground(successColor)
	borderStyle = lipgloss.NewStyle().Foreground(mutedColor)
)

const maxCellWidth = 60

func outcomeStyle(o extraction.Outcome) lipgloss.Style {
	switch o {
	case extraction.OutcomeError:
		return failStyle
	case extraction.OutcomeMaxIterations, extraction.OutcomeEmptyContinuation:
		return okStyle
	default:
		return warnStyle
	}
}

// preview renders text on one line, escaping line breaks and truncating.
func preview(s string) string {
	s = strings.NewReplacer("\r", `\r`, "\n", `\n`, "\t", `\t`).Replace(s)
	if r := []rune(s); len(r) > maxCellWidth {
		s = string(r[:maxCellWidth-3]) + "..."
	}
	return strconv.Quote(s)
}

// groupsTable renders the normalized groups of a batch, winner first.
func groupsTable(res consensus.Result) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers("#", "COUNT", "VARIANTS", "REPRESENTATIVE").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row == 0 && res.Reached:
				return winnerStyle
			default:
				return cellStyle
			}
		})
	for i, g := range res.Groups {
		t.Row(strconv.Itoa(i+1), strconv.Itoa(g.Count), strconv.Itoa(len(g.Variants)), preview(g.Representative))
	}
	return t.String()
}

// runsTable renders journal rows.
func runsTable(runs []store.RunSummary) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers("RUN", "MODE", "MODEL", "OUTCOME", "ITER", "BATCHES", "BYTES", "STARTED").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, r := range runs {
		outcome := r.Outcome
		if outcome == "" {
			outcome = "-"
		}
		t.Row(
			store.ShortID(r.ID),
			r.Mode,
			r.Model,
			outcome,
			strconv.Itoa(r.Iterations),
			strconv.Itoa(r.Attempts),
			strconv.Itoa(r.BufferLen),
			r.StartedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return t.String()
}

// iterationsTable renders the journaled batches of one run.
func iterationsTable(recs []extraction.IterationRecord) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers("ITER", "ATTEMPT", "TOKENS", "STATE", "VOTES", "APPENDED").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, r := range recs {
		appended := "-"
		if r.Appended != "" {
			appended = preview(r.Appended)
		}
		t.Row(
			strconv.Itoa(r.Iteration),
			strconv.Itoa(r.Attempt),
			strconv.Itoa(r.MaxTokens),
			r.State,
			fmt.Sprintf("%d/%d (need %d)", r.TopCount, r.Valid, r.Threshold),
			appended,
		)
	}
	return t.String()
}
