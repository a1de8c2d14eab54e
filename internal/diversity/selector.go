// Package diversity spreads AI analysis across topic categories so that one
// hot topic cannot monopolize the scarce daily budget.
//
// Selection is deterministic: categories are ranked by how long ago they were
// last chosen (never-chosen first), candidates within a category by priority
// descending, and picks interleave round-robin across categories. Identical
// inputs always produce identical output.
package diversity

import (
	"sort"

	"github.com/whalewatch/engine/internal/models"
)

// SelectNext picks up to k candidates from the pool. The least-recently
// covered category (per history, oldest first) contributes its best candidate
// first, then the next category, round-robin until k picks are made or the
// pool is exhausted. Returns fewer than k when the pool is small; never
// errors.
//
// Ties between categories with equal recency break on category identifier
// ascending. Ties between candidates of equal priority break on candidate ID
// ascending.
func SelectNext(candidates []models.Candidate, history []string, k int) []models.Candidate {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}

	groups := make(map[string][]models.Candidate)
	for _, c := range candidates {
		groups[c.Category] = append(groups[c.Category], c)
	}
	for cat := range groups {
		g := groups[cat]
		sort.Slice(g, func(i, j int) bool {
			if g[i].Priority != g[j].Priority {
				return g[i].Priority > g[j].Priority
			}
			return g[i].ID < g[j].ID
		})
	}

	// Most recent position of each category in history; -1 when never chosen.
	lastSeen := make(map[string]int, len(history))
	for i, cat := range history {
		lastSeen[cat] = i
	}

	ordered := make([]string, 0, len(groups))
	for cat := range groups {
		ordered = append(ordered, cat)
	}
	sort.Slice(ordered, func(i, j int) bool {
		ri, rj := recency(lastSeen, ordered[i]), recency(lastSeen, ordered[j])
		if ri != rj {
			return ri < rj
		}
		return ordered[i] < ordered[j]
	})

	var picks []models.Candidate
	for len(picks) < k {
		progressed := false
		for _, cat := range ordered {
			g := groups[cat]
			if len(g) == 0 {
				continue
			}
			picks = append(picks, g[0])
			groups[cat] = g[1:]
			progressed = true
			if len(picks) == k {
				break
			}
		}
		if !progressed {
			break
		}
	}
	return picks
}

func recency(lastSeen map[string]int, cat string) int {
	if i, ok := lastSeen[cat]; ok {
		return i
	}
	return -1
}

// Record appends the chosen topics to history and trims it to the last
// window entries. A non-positive window disables trimming.
func Record(history []string, topics []string, window int) []string {
	out := append(append([]string(nil), history...), topics...)
	if window > 0 && len(out) > window {
		out = out[len(out)-window:]
	}
	return out
}
