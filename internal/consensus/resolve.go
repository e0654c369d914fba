package consensus

import (
	"sort"

	"recall/internal/perception"
)

// Threshold returns the number of agreeing samples required for consensus:
// max(1, floor(numRequests * percent / 100)).
func Threshold(numRequests, percent int) int {
	t := numRequests * percent / 100
	if t < 1 {
		return 1
	}
	return t
}

// Variant is one original (pre-normalization) text and how often it occurred.
type Variant struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

// Group collects the samples sharing one canonical form.
type Group struct {
	Canonical      string    `json:"canonical"`
	Count          int       `json:"count"`
	Representative string    `json:"representative"`
	Variants       []Variant `json:"variants"` // encounter order
}

// Result is the resolver's verdict on one batch.
type Result struct {
	Reached   bool    `json:"reached"`
	Text      string  `json:"text,omitempty"` // representative of the winner; empty unless Reached
	TopCount  int     `json:"top_count"`
	Valid     int     `json:"valid"`
	Threshold int     `json:"threshold"`
	Groups    []Group `json:"groups"` // count descending, then first seen
}

// Winner returns the leading group, if any sample was present.
func (r Result) Winner() (Group, bool) {
	if len(r.Groups) == 0 {
		return Group{}, false
	}
	return r.Groups[0], true
}

// GroupBatch tallies the present samples of a batch by canonical form. Absent
// samples are discarded; a present sample with empty text is a vote for "".
func GroupBatch(batch []perception.Sample) []Group {
	index := make(map[string]int)
	var groups []Group

	for _, s := range batch {
		if !s.Present {
			continue
		}
		canonical := Normalize(s.Text)
		gi, ok := index[canonical]
		if !ok {
			gi = len(groups)
			index[canonical] = gi
			groups = append(groups, Group{Canonical: canonical})
		}
		g := &groups[gi]
		g.Count++
		found := false
		for vi := range g.Variants {
			if g.Variants[vi].Text == s.Text {
				g.Variants[vi].Count++
				found = true
				break
			}
		}
		if !found {
			g.Variants = append(g.Variants, Variant{Text: s.Text, Count: 1})
		}
	}

	for gi := range groups {
		groups[gi].Representative = representative(groups[gi].Variants)
	}
	// Stable: equal counts keep encounter order, so the first-seen form wins ties.
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Count > groups[j].Count
	})
	return groups
}

func representative(variants []Variant) string {
	best := -1
	var text string
	for _, v := range variants {
		if v.Count > best {
			best = v.Count
			text = v.Text
		}
	}
	return text
}

// Resolve groups the batch and reports whether the leading canonical form
// meets threshold. On success Text is the most frequent original among the
// winner's members, ties going to the first encountered.
func Resolve(batch []perception.Sample, threshold int) Result {
	groups := GroupBatch(batch)
	res := Result{
		Valid:     perception.CountPresent(batch),
		Threshold: threshold,
		Groups:    groups,
	}
	winner, ok := res.Winner()
	if !ok {
		return res
	}
	res.TopCount = winner.Count
	if winner.Count >= threshold {
		res.Reached = true
		res.Text = winner.Representative
	}
	return res
}
