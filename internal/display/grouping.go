// Package display formats opentmuxctl's human-facing output: grouping
// tracked sessions by parent and rendering a styled stats table or a live
// dashboard.
package display

import (
	"sort"
)

// SessionRow is the flattened view of a tracked session display needs;
// callers build this from sessionmanager state without display importing
// that package's internals.
type SessionRow struct {
	SessionID string
	ParentID  string
	Title     string
	PaneID    string
	State     string // "active", "idle", "missing"
}

// ParentGroup is every session spawned from one parent, in the order the
// rows were passed to GroupByParent.
type ParentGroup struct {
	ParentID string
	Rows     []SessionRow
}

// GroupByParent groups rows by ParentID, sorted by parent id for stable
// output, with each group's rows kept in their incoming order.
func GroupByParent(rows []SessionRow) []ParentGroup {
	index := make(map[string]int)
	var groups []ParentGroup
	for _, row := range rows {
		if i, ok := index[row.ParentID]; ok {
			groups[i].Rows = append(groups[i].Rows, row)
			continue
		}
		index[row.ParentID] = len(groups)
		groups = append(groups, ParentGroup{ParentID: row.ParentID, Rows: []SessionRow{row}})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ParentID < groups[j].ParentID })
	return groups
}

// stateFade is how much a badge is pre-faded before position shading is
// layered on: a missing session should read as fading out even at index 0,
// while an active one stays crisp until position pushes it down the group.
var stateFade = map[string]float64{
	"active":  0.0,
	"idle":    0.12,
	"missing": 0.28,
}

const defaultStateFade = 0.08

// ShadeBadgeColor darkens baseColor by a combination of the session's state
// and its position within its parent group, so a long-missing session near
// the bottom of a busy group reads as distinctly faded while a fresh active
// session at the top of a small group stays near full saturation.
func ShadeBadgeColor(baseColor, state string, indexInGroup int) string {
	fade, ok := stateFade[state]
	if !ok {
		fade = defaultStateFade
	}
	fade += float64(indexInGroup) * 0.06
	if fade > 0.5 {
		fade = 0.5
	}
	return darkenColorBy(baseColor, fade)
}
