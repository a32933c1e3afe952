// Package moderation inspects every turn of a session for policy violations
// and produces a graduated directive. The policy is deliberately soft where
// it can be: guide and redirect keep the examination running, and only
// severe-violation categories or repeated escalation end a session.
package moderation

import (
	"regexp"
	"strings"

	"github.com/vivavoce/viva/pkg/exam/types"
)

// Pattern classes, from most to least severe. Severe matches may terminate
// without a prior guide or redirect; the other classes never do.
var severePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(threat|kill|murder|bomb|weapon|gun)\b`),
	regexp.MustCompile(`(?i)\b(extreme|graphic|violent)\s+(content|description)\b`),
	regexp.MustCompile(`(?i)\b(hate|kill|murder|die)\s+(you|them|everyone)\b`),
	regexp.MustCompile(`(?i)\b(racist|sexist|discriminatory)\b`),
}

var redirectPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(drugs?|marijuana|cocaine|heroin)\b`),
	regexp.MustCompile(`(?i)\b(sex|sexual|pornography|explicit)\b`),
	regexp.MustCompile(`(?i)\b(violence|fight|punch|kick|hurt)\s+(someone|people)\b`),
	regexp.MustCompile(`(?i)\b(cheating|cheat|plagiarism)\b`),
}

var guidePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(f\*{2,3}|f[\*@#]{1,3}k|sh\*t|d\*mn|h\*ll)\b`),
	regexp.MustCompile(`(?i)\b(stupid|idiot|moron)\b`),
	regexp.MustCompile(`(?i)\b(drunk|wasted)\b`),
}

// Repeated profanity in one turn escalates from guide to terminate.
const repeatedProfanityLimit = 3

var guideResponses = []string{
	"I see. Let's continue with our discussion. Can you elaborate on that using more formal language?",
	"That's understandable. How would you express that in a more academic way?",
	"Let's maintain a formal tone for this assessment. Can you rephrase that thought?",
}

var redirectResponses = []string{
	"That's an interesting point. Let's focus on a more suitable topic for our discussion. Can you tell me about your hobbies instead?",
	"I understand, but let's redirect our conversation to something more appropriate. What do you enjoy doing in your free time?",
	"Let's move to a different topic that might be more relevant for your assessment. Could you describe your hometown?",
}

// TerminationMessage is the fixed in-character message delivered when a
// session is ended for safety. Moderation never surfaces as a raw error.
const TerminationMessage = "I'm sorry, but I need to end this assessment due to inappropriate content. " +
	"Speaking assessments are held to professional standards. " +
	"You may restart the assessment when you're ready to proceed appropriately."

// Monitor evaluates turns and tracks session-level severity. One monitor
// belongs to exactly one session. Session severity only ratchets upward;
// a clean turn after a redirect does not erase the outstanding redirect.
type Monitor struct {
	sessionDirective types.Directive
	responseSeq      int
}

func NewMonitor() *Monitor {
	return &Monitor{sessionDirective: types.DirectiveAllow}
}

// Evaluate classifies one turn of text and updates session-level severity.
// The returned moderation is the per-turn record; SessionDirective exposes
// the ratcheted session state.
func (m *Monitor) Evaluate(text string) types.Moderation {
	out := m.classify(text)
	m.sessionDirective = types.MaxDirective(m.sessionDirective, out.Directive)
	return out
}

func (m *Monitor) classify(text string) types.Moderation {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return types.Moderation{Directive: types.DirectiveAllow}
	}

	for _, p := range severePatterns {
		if p.MatchString(trimmed) {
			return types.Moderation{Directive: types.DirectiveTerminate, Reason: "severe content violation"}
		}
	}

	for _, p := range guidePatterns {
		if len(p.FindAllStringIndex(trimmed, -1)) >= repeatedProfanityLimit {
			return types.Moderation{Directive: types.DirectiveTerminate, Reason: "repeated inappropriate language"}
		}
	}

	for _, p := range redirectPatterns {
		if p.MatchString(trimmed) {
			return types.Moderation{Directive: types.DirectiveRedirect, Reason: "inappropriate topic"}
		}
	}

	for _, p := range guidePatterns {
		if p.MatchString(trimmed) {
			return types.Moderation{Directive: types.DirectiveGuide, Reason: "informal or mild language"}
		}
	}

	return types.Moderation{Directive: types.DirectiveAllow}
}

// SessionDirective returns the maximum severity seen so far this session.
func (m *Monitor) SessionDirective() types.Directive {
	if m == nil {
		return types.DirectiveAllow
	}
	return m.sessionDirective
}

// GuideLine returns the next in-character reminder used to soften a guide
// directive. Lines rotate so back-to-back guides do not repeat verbatim.
func (m *Monitor) GuideLine() string {
	line := guideResponses[m.responseSeq%len(guideResponses)]
	m.responseSeq++
	return line
}

// RedirectLine returns the next in-character topic change for a redirect.
func (m *Monitor) RedirectLine() string {
	line := redirectResponses[m.responseSeq%len(redirectResponses)]
	m.responseSeq++
	return line
}
