// Package types holds the shared data model for a spoken-assessment session.
package types

import "time"

// Tier is a class of conversation backend compute.
type Tier string

const (
	TierLite     Tier = "lite"
	TierAdvanced Tier = "advanced"
)

// Phase is an ordered segment of the examination.
type Phase string

const (
	PhaseInit             Phase = "init"
	Phase1                Phase = "phase1"
	Phase2                Phase = "phase2"
	Phase3                Phase = "phase3"
	PhaseCompleted        Phase = "completed"
	PhaseAborted          Phase = "aborted"
	PhaseSafetyTerminated Phase = "safety_terminated"
)

// Terminal reports whether no further transitions can leave the phase.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseAborted, PhaseSafetyTerminated:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive              Status = "active"
	StatusCompleted           Status = "completed"
	StatusAborted             Status = "aborted"
	StatusTerminatedForSafety Status = "terminated_for_safety"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
	SpeakerSystem    Speaker = "system"
)

// Directive is the content safety monitor's graduated instruction for a turn.
type Directive string

const (
	DirectiveAllow     Directive = "allow"
	DirectiveGuide     Directive = "guide"
	DirectiveRedirect  Directive = "redirect"
	DirectiveTerminate Directive = "terminate"
)

// Severity orders directives: allow < guide < redirect < terminate.
func (d Directive) Severity() int {
	switch d {
	case DirectiveAllow:
		return 0
	case DirectiveGuide:
		return 1
	case DirectiveRedirect:
		return 2
	case DirectiveTerminate:
		return 3
	default:
		return 0
	}
}

// MaxDirective returns the more severe of the two directives.
func MaxDirective(a, b Directive) Directive {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// Moderation is a directive with an optional human-readable reason, attached
// to the turn that triggered it.
type Moderation struct {
	Directive Directive `json:"directive"`
	Reason    string    `json:"reason,omitempty"`
}

// Turn is one exchange unit. Turns are immutable once appended to the ledger.
type Turn struct {
	Index          int           `json:"index"`
	Speaker        Speaker       `json:"speaker"`
	Text           string        `json:"text"`
	TierUsed       Tier          `json:"tier_used,omitempty"`
	Moderation     Moderation    `json:"moderation"`
	EstimatedCost  float64       `json:"estimated_cost"`
	SpeechDuration time.Duration `json:"speech_duration,omitempty"`
	At             time.Time     `json:"at"`
}

// Session is one examination attempt. It is owned exclusively by its
// orchestrator while Status is active.
type Session struct {
	ID             string    `json:"id"`
	Phase          Phase     `json:"phase"`
	TierInUse      Tier      `json:"tier_in_use"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	PhaseEnteredAt time.Time `json:"phase_entered_at"`
}
