// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

package picker

import (
	"sort"
	"strings"

	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"
)

// match is one account that survived the current query, with the
// score and character positions fzf assigned to it.
type match struct {
	// index is the position in the original account list.
	index int
	label string
	score int
	// positions are rune indices of matched characters in label,
	// used for highlighting.
	positions []int
}

// rank scores every account against the query and returns the
// matches ordered best-first, ties broken by list order. An empty
// query matches everything in list order.
func rank(accounts []string, query string, slab *util.Slab) []match {
	if query == "" {
		matches := make([]match, len(accounts))
		for i, label := range accounts {
			matches[i] = match{index: i, label: label}
		}
		return matches
	}

	// fzf expects the pattern lowercased for case-insensitive
	// matching.
	pattern := []rune(strings.ToLower(query))

	var matches []match
	for i, label := range accounts {
		chars := util.ToChars([]byte(label))
		result, positions := algo.FuzzyMatchV2(false, true, true, &chars, pattern, true, slab)
		if result.Start < 0 {
			continue
		}
		entry := match{index: i, label: label, score: result.Score}
		if positions != nil {
			entry.positions = append(entry.positions, *positions...)
			sort.Ints(entry.positions)
		}
		matches = append(matches, entry)
	}

	sort.SliceStable(matches, func(a, b int) bool {
		return matches[a].score > matches[b].score
	})
	return matches
}
