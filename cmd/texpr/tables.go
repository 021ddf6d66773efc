// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"maps"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	redRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
)

// newPlainTable creates a table with alternating row styles. Rows listed in reds are highlighted.
func newPlainTable(withHeader bool, alignments ...lipgloss.Position) *lgtable.Table {
	return newTableWithReds(withHeader, nil, alignments...)
}

func newTableWithReds(withHeader bool, reds map[int]bool, alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row < 0 {
				s = headerRowStyle
				return
			}
			switch {
			case reds[row]:
				s = redRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			s = s.Align(alignment)
			return
		})
}

// resultsTable renders one row per scenario. Failed scenarios are shown in red.
func resultsTable(results []*result) *lgtable.Table {
	reds := make(map[int]bool)
	for ii, r := range results {
		if r.err != nil {
			reds[ii] = true
		}
	}
	table := newTableWithReds(true, reds, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("scenario", "backends", "outputs", "elements", "memory", "first call", "mean call")
	for _, r := range results {
		if r.err != nil {
			table.Row(r.scenario.name, "error", "-", "-", "-", "-", r.err.Error())
			continue
		}
		table.Row(r.scenario.name, r.backendsString(),
			humanize.Comma(int64(r.outputs)),
			humanize.Comma(int64(r.elements)),
			humanize.Bytes(r.bytes),
			r.first.String(),
			r.mean.String())
	}
	return table
}

// countersTable renders the counters that changed, sorted by name.
func countersTable(delta map[string]int64) *lgtable.Table {
	table := newPlainTable(true, lipgloss.Left, lipgloss.Right)
	table.Headers("counter", "delta")
	for _, name := range slices.Sorted(maps.Keys(delta)) {
		table.Row(name, humanize.Comma(delta[name]))
	}
	return table
}
