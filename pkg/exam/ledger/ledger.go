// Package ledger is the append-only transcript and cost record for a session.
// Turns are never mutated or removed once appended; redaction is modeled as a
// trailing system turn, which keeps the record auditable end to end.
package ledger

import (
	"fmt"
	"time"

	"github.com/vivavoce/viva/pkg/exam/types"
)

// Per-minute cost rates by tier, derived from the smart-selection pricing the
// assessment product runs on.
const (
	liteRatePerMinute     = 0.00075
	advancedRatePerMinute = 0.0042
)

// DuplicateIndexError reports an append with a turn index that already
// exists. It signals an integration bug, not a recoverable condition.
type DuplicateIndexError struct {
	Index int
}

func (e *DuplicateIndexError) Error() string {
	return fmt.Sprintf("ledger: duplicate turn index %d", e.Index)
}

// Ledger accumulates the turns of a single session in index order. It is not
// safe for concurrent use; the orchestrator serializes access per session.
type Ledger struct {
	turns []types.Turn
}

func New() *Ledger {
	return &Ledger{turns: make([]types.Turn, 0, 32)}
}

// NextIndex returns the index the next appended turn must carry.
func (l *Ledger) NextIndex() int {
	return len(l.turns)
}

// Append adds a turn. Indices must be strictly increasing and gap-free.
func (l *Ledger) Append(turn types.Turn) error {
	if turn.Index < len(l.turns) {
		return &DuplicateIndexError{Index: turn.Index}
	}
	if turn.Index != len(l.turns) {
		return fmt.Errorf("ledger: turn index %d leaves a gap (next is %d)", turn.Index, len(l.turns))
	}
	l.turns = append(l.turns, turn)
	return nil
}

// Len returns the number of turns appended so far.
func (l *Ledger) Len() int {
	return len(l.turns)
}

// TotalCost sums estimated cost over all turns.
func (l *Ledger) TotalCost() float64 {
	var total float64
	for _, t := range l.turns {
		total += t.EstimatedCost
	}
	return total
}

// CostByTier breaks the total down by the tier that produced each turn.
// User and system turns carry no tier and no cost.
func (l *Ledger) CostByTier() map[types.Tier]float64 {
	out := make(map[types.Tier]float64, 2)
	for _, t := range l.turns {
		if t.TierUsed == "" {
			continue
		}
		out[t.TierUsed] += t.EstimatedCost
	}
	return out
}

// TurnsSince returns the turns appended at or after the given instant, in
// index order. The phase machine uses this to evaluate exit conditions
// against the current phase only.
func (l *Ledger) TurnsSince(at time.Time) []types.Turn {
	start := len(l.turns)
	for i, t := range l.turns {
		if !t.At.Before(at) {
			start = i
			break
		}
	}
	out := make([]types.Turn, len(l.turns)-start)
	copy(out, l.turns[start:])
	return out
}

// UserTurns returns every user turn appended so far, in index order.
func (l *Ledger) UserTurns() []types.Turn {
	out := make([]types.Turn, 0, len(l.turns)/2)
	for _, t := range l.turns {
		if t.Speaker == types.SpeakerUser {
			out = append(out, t)
		}
	}
	return out
}

// Snapshot returns a copy of the full transcript.
func (l *Ledger) Snapshot() []types.Turn {
	out := make([]types.Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// TierCost estimates the cost of an assistant turn produced on the given
// tier for the given amount of generated speech.
func TierCost(tier types.Tier, speech time.Duration) float64 {
	minutes := speech.Minutes()
	if minutes <= 0 {
		return 0
	}
	switch tier {
	case types.TierAdvanced:
		return minutes * advancedRatePerMinute
	default:
		return minutes * liteRatePerMinute
	}
}
