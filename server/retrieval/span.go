package retrieval

import (
	"sort"

	"github.com/hrygo/contextgate/store"
)

// RetrievedMessage is a message projected into a retrieval result. IsAnchor
// is true when the message was a direct similarity hit rather than pulled in
// by radius expansion.
type RetrievedMessage struct {
	*store.Message
	Score    float32
	IsAnchor bool
}

// MessageSpan is a contiguous run of messages assembled around one or more
// anchors. Produced, merged, and discarded within a single retrieval call.
type MessageSpan struct {
	StartTurnIndex int32
	EndTurnIndex   int32
	TokenEstimate  int
	AnchorCount    int
	SumScore       float32
	Messages       []*RetrievedMessage
}

// turnRange is an anchor's radius-expanded turn interval, before messages
// are fetched.
type turnRange struct {
	start   int32
	end     int32
	anchors []*store.MessageWithScore
}

// expandRanges converts anchors into radius-expanded ranges and merges any
// two that overlap or touch (gap of at most one turn). Ranges are returned
// sorted by start.
func expandRanges(anchors []*store.MessageWithScore, radius int32) []turnRange {
	if len(anchors) == 0 {
		return nil
	}

	ranges := make([]turnRange, 0, len(anchors))
	for _, a := range anchors {
		start := a.Message.TurnIndex - radius
		if start < 0 {
			start = 0
		}
		ranges = append(ranges, turnRange{
			start:   start,
			end:     a.Message.TurnIndex + radius,
			anchors: []*store.MessageWithScore{a},
		})
	}
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].start < ranges[j].start
	})

	merged := []turnRange{ranges[0]}
	for _, r := range ranges[1:] {
		prev := &merged[len(merged)-1]
		if r.start <= prev.end+1 {
			if r.end > prev.end {
				prev.end = r.end
			}
			prev.anchors = append(prev.anchors, r.anchors...)
		} else {
			merged = append(merged, r)
		}
	}
	return merged
}

// newSpan builds a span from the fetched messages of one merged range,
// marking anchors and carrying over their similarity scores.
func newSpan(r turnRange, msgs []*store.Message) *MessageSpan {
	scoreByTurn := make(map[int32]float32, len(r.anchors))
	for _, a := range r.anchors {
		scoreByTurn[a.Message.TurnIndex] = a.Score
	}

	span := &MessageSpan{
		StartTurnIndex: r.start,
		EndTurnIndex:   r.end,
	}
	for _, m := range msgs {
		rm := &RetrievedMessage{Message: m}
		if score, ok := scoreByTurn[m.TurnIndex]; ok {
			rm.Score = score
			rm.IsAnchor = true
			span.AnchorCount++
			span.SumScore += score
		}
		span.TokenEstimate += m.TokenEstimate
		span.Messages = append(span.Messages, rm)
	}
	return span
}

// selectWithinBudget picks spans greedily by anchor count (tie-broken by
// summed similarity) until the token budget runs out. The first span that
// does not fit whole is included partially, expanding outward from its
// anchor. The returned spans are sorted chronologically.
func selectWithinBudget(spans []*MessageSpan, budget int) []*MessageSpan {
	sorted := make([]*MessageSpan, len(spans))
	copy(sorted, spans)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].AnchorCount != sorted[j].AnchorCount {
			return sorted[i].AnchorCount > sorted[j].AnchorCount
		}
		return sorted[i].SumScore > sorted[j].SumScore
	})

	selected := make([]*MessageSpan, 0, len(sorted))
	remaining := budget
	for _, span := range sorted {
		if span.TokenEstimate <= remaining {
			selected = append(selected, span)
			remaining -= span.TokenEstimate
			continue
		}
		if remaining <= 0 {
			break
		}
		if partial := partialSpan(span, remaining); partial != nil {
			selected = append(selected, partial)
			remaining -= partial.TokenEstimate
		}
		break
	}

	sort.Slice(selected, func(i, j int) bool {
		return selected[i].StartTurnIndex < selected[j].StartTurnIndex
	})
	return selected
}

// partialSpan trims a span to the budget by walking outward from its first
// anchor, alternating right then left. Returns nil when not even one
// message fits.
func partialSpan(span *MessageSpan, budget int) *MessageSpan {
	anchor := 0
	for i, m := range span.Messages {
		if m.IsAnchor {
			anchor = i
			break
		}
	}

	included := make([]*RetrievedMessage, 0, len(span.Messages))
	remaining := budget
	take := func(i int) bool {
		m := span.Messages[i]
		if m.TokenEstimate > remaining {
			return false
		}
		included = append(included, m)
		remaining -= m.TokenEstimate
		return true
	}

	if !take(anchor) {
		return nil
	}
	// A non-fitting message closes its own direction only; the other side
	// keeps filling until it stops fitting too.
	right, left := anchor+1, anchor-1
	rightOpen, leftOpen := true, true
	for (rightOpen && right < len(span.Messages)) || (leftOpen && left >= 0) {
		if rightOpen && right < len(span.Messages) {
			if take(right) {
				right++
			} else {
				rightOpen = false
			}
		}
		if leftOpen && left >= 0 {
			if take(left) {
				left--
			} else {
				leftOpen = false
			}
		}
	}

	sort.Slice(included, func(i, j int) bool {
		return included[i].TurnIndex < included[j].TurnIndex
	})

	partial := &MessageSpan{
		StartTurnIndex: included[0].TurnIndex,
		EndTurnIndex:   included[len(included)-1].TurnIndex,
		Messages:       included,
	}
	for _, m := range included {
		partial.TokenEstimate += m.TokenEstimate
		if m.IsAnchor {
			partial.AnchorCount++
			partial.SumScore += m.Score
		}
	}
	return partial
}
