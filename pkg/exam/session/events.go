package session

import (
	"github.com/vivavoce/viva/pkg/exam/backend"
	"github.com/vivavoce/viva/pkg/exam/types"
)

// EventType discriminates outbound session events.
type EventType string

const (
	EventAssistantTurn    EventType = "assistant_turn"
	EventPhaseChange      EventType = "phase_change"
	EventModerationNotice EventType = "moderation_notice"
	EventSessionEnd       EventType = "session_end"
	EventError            EventType = "error"
)

// Event is one outbound notification. Downstream consumers (transport, audio
// playback) receive these over a single ordered channel instead of nested
// callbacks, which preserves per-session ordering guarantees.
type Event struct {
	Type      EventType
	SessionID string

	// EventAssistantTurn
	Turn *types.Turn

	// EventPhaseChange
	Phase  types.Phase
	Reason string

	// EventModerationNotice
	Directive types.Directive
	Notice    string

	// EventSessionEnd
	Status     types.Status
	TotalCost  float64
	Assessment *backend.Assessment

	// EventError
	Message string
}
