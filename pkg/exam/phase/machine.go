// Package phase owns the ordered examination phases and their transition
// rules. Evaluate is a pure function of observed facts; it performs no I/O
// and reads no clocks of its own, so the orchestrator can call it from both
// the turn path and the background timer with identical semantics.
package phase

import (
	"time"

	"github.com/vivavoce/viva/pkg/exam/types"
)

// Effect is a side effect the orchestrator must apply after a transition.
type Effect string

const (
	// EffectReselectTier re-evaluates the backend tier for the new phase.
	EffectReselectTier Effect = "reselect_tier"
	// EffectResetPrompt switches to the new phase's instruction variant.
	EffectResetPrompt Effect = "reset_prompt"
	// EffectEmitTranscript hands the finished ledger to the scoring engine.
	EffectEmitTranscript Effect = "emit_transcript"
	// EffectPreserveLedger keeps the partial ledger of an unfinished session.
	EffectPreserveLedger Effect = "preserve_ledger"
)

// Config carries the phase-exit thresholds. Zero fields fall back to the
// defaults the assessment format prescribes.
type Config struct {
	Phase1Exchanges int
	Phase1Timeout   time.Duration
	Phase2MinSpeech time.Duration
	Phase2Timeout   time.Duration
	Phase3Exchanges int
	Phase3Timeout   time.Duration
	IdleTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Phase1Exchanges <= 0 {
		c.Phase1Exchanges = 5
	}
	if c.Phase1Timeout <= 0 {
		c.Phase1Timeout = 5 * time.Minute
	}
	if c.Phase2MinSpeech <= 0 {
		c.Phase2MinSpeech = 90 * time.Second
	}
	if c.Phase2Timeout <= 0 {
		c.Phase2Timeout = 4 * time.Minute
	}
	if c.Phase3Exchanges <= 0 {
		c.Phase3Exchanges = 4
	}
	if c.Phase3Timeout <= 0 {
		c.Phase3Timeout = 5 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

// Observation is everything Evaluate is allowed to know about a session at
// one instant.
type Observation struct {
	Now            time.Time
	PhaseEnteredAt time.Time
	LastActivityAt time.Time

	// ExchangesInPhase counts completed user/assistant pairs since the
	// current phase was entered.
	ExchangesInPhase int
	// UserSpeechInPhase is cumulative user speaking time in the current phase.
	UserSpeechInPhase time.Duration

	ClientCanceled  bool
	SafetyTerminate bool
}

// Transition describes one applied phase change.
type Transition struct {
	From    types.Phase
	To      types.Phase
	Reason  string
	Effects []Effect
}

// Evaluate returns the transition due for the current phase, if any.
// Safety termination and abort conditions take precedence over progress.
func (c Config) Evaluate(current types.Phase, obs Observation) (Transition, bool) {
	c = c.withDefaults()

	if current.Terminal() {
		return Transition{}, false
	}

	if obs.SafetyTerminate {
		return Transition{
			From:    current,
			To:      types.PhaseSafetyTerminated,
			Reason:  "safety_terminate",
			Effects: []Effect{EffectPreserveLedger},
		}, true
	}

	if current == types.PhaseInit {
		// Sessions enter Phase1 immediately upon creation.
		return Transition{
			From:    current,
			To:      types.Phase1,
			Reason:  "session_start",
			Effects: []Effect{EffectReselectTier, EffectResetPrompt},
		}, true
	}

	if obs.ClientCanceled {
		return Transition{
			From:    current,
			To:      types.PhaseAborted,
			Reason:  "client_cancel",
			Effects: []Effect{EffectPreserveLedger},
		}, true
	}
	if !obs.LastActivityAt.IsZero() && obs.Now.Sub(obs.LastActivityAt) >= c.IdleTimeout {
		return Transition{
			From:    current,
			To:      types.PhaseAborted,
			Reason:  "idle_timeout",
			Effects: []Effect{EffectPreserveLedger},
		}, true
	}

	elapsed := obs.Now.Sub(obs.PhaseEnteredAt)

	switch current {
	case types.Phase1:
		if obs.ExchangesInPhase >= c.Phase1Exchanges {
			return advance(current, types.Phase2, "exchange_count"), true
		}
		if elapsed >= c.Phase1Timeout {
			return advance(current, types.Phase2, "phase_timeout"), true
		}
	case types.Phase2:
		if obs.UserSpeechInPhase >= c.Phase2MinSpeech {
			return advance(current, types.Phase3, "speech_duration"), true
		}
		if elapsed >= c.Phase2Timeout {
			return advance(current, types.Phase3, "phase_timeout"), true
		}
	case types.Phase3:
		if obs.ExchangesInPhase >= c.Phase3Exchanges {
			return complete(current, "exchange_count"), true
		}
		if elapsed >= c.Phase3Timeout {
			return complete(current, "phase_timeout"), true
		}
	}

	return Transition{}, false
}

func advance(from, to types.Phase, reason string) Transition {
	return Transition{
		From:    from,
		To:      to,
		Reason:  reason,
		Effects: []Effect{EffectReselectTier, EffectResetPrompt},
	}
}

func complete(from types.Phase, reason string) Transition {
	return Transition{
		From:    from,
		To:      types.PhaseCompleted,
		Reason:  reason,
		Effects: []Effect{EffectEmitTranscript},
	}
}

// StatusFor maps a terminal phase to the session status it implies.
func StatusFor(p types.Phase) types.Status {
	switch p {
	case types.PhaseCompleted:
		return types.StatusCompleted
	case types.PhaseAborted:
		return types.StatusAborted
	case types.PhaseSafetyTerminated:
		return types.StatusTerminatedForSafety
	default:
		return types.StatusActive
	}
}
