// Package tier decides which class of conversation backend serves the next
// assistant turn. Phase 1 and 2 content is definitionally simple enough for
// the lite tier; phase 3 upgrades to the advanced tier when the candidate's
// language shows enough complexity signals.
package tier

import (
	"github.com/vivavoce/viva/pkg/exam/types"
)

// DefaultUpgradeThreshold is the complexity signal at which phase 3
// conversation moves to the advanced tier.
const DefaultUpgradeThreshold = 3

// Selector chooses a tier per phase. One selector belongs to exactly one
// session; the upgrade latch must not leak across sessions.
type Selector struct {
	threshold int
	upgraded  bool
}

func NewSelector() *Selector {
	return &Selector{threshold: DefaultUpgradeThreshold}
}

// NewSelectorWithThreshold overrides the upgrade threshold. Values below 1
// fall back to the default.
func NewSelectorWithThreshold(threshold int) *Selector {
	if threshold < 1 {
		threshold = DefaultUpgradeThreshold
	}
	return &Selector{threshold: threshold}
}

// Select returns the tier for the upcoming assistant turn. Once the advanced
// tier has been selected the session never downgrades, which avoids
// mid-conversation quality oscillation.
func (s *Selector) Select(phase types.Phase, complexitySignal int) types.Tier {
	if s.upgraded {
		return types.TierAdvanced
	}
	if phase == types.Phase3 && complexitySignal >= s.threshold {
		s.upgraded = true
		return types.TierAdvanced
	}
	return types.TierLite
}

// Upgraded reports whether the session has latched onto the advanced tier.
func (s *Selector) Upgraded() bool {
	return s.upgraded
}
