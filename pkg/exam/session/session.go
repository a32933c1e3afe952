// Package session hosts the orchestrator that conducts one live spoken
// assessment: it owns the phase machine, the ledger, the tier selector, and
// the safety monitor for exactly one session, and it is the only component
// that performs I/O. Turns are processed strictly sequentially; the backend
// invocation is the single suspension point per turn.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vivavoce/viva/pkg/exam/backend"
	"github.com/vivavoce/viva/pkg/exam/complexity"
	"github.com/vivavoce/viva/pkg/exam/ledger"
	"github.com/vivavoce/viva/pkg/exam/moderation"
	"github.com/vivavoce/viva/pkg/exam/phase"
	"github.com/vivavoce/viva/pkg/exam/tier"
	"github.com/vivavoce/viva/pkg/exam/types"
)

// ErrSessionClosed is returned by Submit once the session left the active
// state.
var ErrSessionClosed = errors.New("session is closed")

// ErrSessionBusy is returned by Submit when the inbound queue is full; the
// client is sending faster than turns can be processed.
var ErrSessionBusy = errors.New("session inbound queue is full")

// Store persists session and turn records write-through. Implementations
// must tolerate repeated session saves (upsert semantics).
type Store interface {
	SaveSession(ctx context.Context, sess types.Session) error
	SaveTurn(ctx context.Context, sessionID string, turn types.Turn) error
}

// UserTurn is one inbound candidate utterance, already transcribed.
type UserTurn struct {
	Text string
	// SpeechDuration is the audio timing measured by the transport. Zero
	// means unknown; the orchestrator estimates from word count instead.
	SpeechDuration time.Duration
}

// Dependencies carries everything an orchestrator needs. Backend clients are
// passed in explicitly; there is no shared model-client singleton.
type Dependencies struct {
	Logger  *slog.Logger
	Backend backend.Conversation
	Scorer  backend.Scorer
	Store   Store

	SessionID   string
	PhaseConfig phase.Config
	Detector    *complexity.Detector

	// TickInterval is the background cadence for idle and phase timeout
	// checks, independent of turn arrival.
	TickInterval  time.Duration
	RetryBackoff  time.Duration
	InboundQueue  int
	OutboundQueue int

	Now func() time.Time
}

// Orchestrator drives one session. Construct with New, start with Run, feed
// with Submit, and consume Events until it closes.
type Orchestrator struct {
	logger   *slog.Logger
	backend  backend.Conversation
	scorer   backend.Scorer
	store    Store
	detector *complexity.Detector
	now      func() time.Time

	phaseCfg     phase.Config
	tickInterval time.Duration
	retryBackoff time.Duration

	ledger   *ledger.Ledger
	monitor  *moderation.Monitor
	selector *tier.Selector

	sess            types.Session
	lastActivity    time.Time
	phaseExchanges  int
	phaseUserSpeech time.Duration
	phase2Entered   time.Time
	pendingUserTurn bool

	inbound  chan UserTurn
	outbound chan Event
	closed   atomic.Bool
	done     chan struct{}

	// Cancellation is signaled out-of-band: a full inbound queue must never
	// delay an abort.
	cancelOnce   sync.Once
	cancelCh     chan struct{}
	cancelReason string
}

func New(deps Dependencies) (*Orchestrator, error) {
	if deps.Backend == nil {
		return nil, fmt.Errorf("conversation backend is required")
	}
	if deps.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Detector == nil {
		deps.Detector = complexity.New()
	}
	if deps.TickInterval <= 0 {
		deps.TickInterval = 10 * time.Second
	}
	if deps.RetryBackoff <= 0 {
		deps.RetryBackoff = 500 * time.Millisecond
	}
	if deps.InboundQueue <= 0 {
		deps.InboundQueue = 16
	}
	if deps.OutboundQueue <= 0 {
		deps.OutboundQueue = 64
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	now := deps.Now()
	return &Orchestrator{
		logger:       deps.Logger,
		backend:      deps.Backend,
		scorer:       deps.Scorer,
		store:        deps.Store,
		detector:     deps.Detector,
		now:          deps.Now,
		phaseCfg:     deps.PhaseConfig,
		tickInterval: deps.TickInterval,
		retryBackoff: deps.RetryBackoff,
		ledger:       ledger.New(),
		monitor:      moderation.NewMonitor(),
		selector:     tier.NewSelector(),
		sess: types.Session{
			ID:             deps.SessionID,
			Phase:          types.PhaseInit,
			TierInUse:      types.TierLite,
			Status:         types.StatusActive,
			StartedAt:      now,
			PhaseEnteredAt: now,
		},
		lastActivity: now,
		inbound:      make(chan UserTurn, deps.InboundQueue),
		outbound:     make(chan Event, deps.OutboundQueue),
		done:         make(chan struct{}),
		cancelCh:     make(chan struct{}),
	}, nil
}

// Events returns the ordered outbound event channel. It is closed when the
// session ends.
func (o *Orchestrator) Events() <-chan Event {
	return o.outbound
}

// Submit queues one inbound user turn. Turns arriving while a backend call
// is in flight queue behind it; they are never processed concurrently.
func (o *Orchestrator) Submit(turn UserTurn) error {
	if o.closed.Load() {
		return ErrSessionClosed
	}
	select {
	case o.inbound <- turn:
		return nil
	case <-o.done:
		return ErrSessionClosed
	default:
		return ErrSessionBusy
	}
}

// Cancel requests an immediate abort. It never blocks on in-flight work and
// bypasses the inbound queue entirely, so queued turns cannot delay it. The
// first reason wins.
func (o *Orchestrator) Cancel(reason string) {
	o.cancelOnce.Do(func() {
		o.cancelReason = reason
		close(o.cancelCh)
	})
}

// Run drives the session until a terminal phase. It must be called exactly
// once; all session state is confined to this goroutine.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.close()

	// Sessions enter Phase1 immediately.
	if tr, ok := o.phaseCfg.Evaluate(o.sess.Phase, o.observation(false)); ok {
		o.applyTransition(ctx, tr)
	}

	ticker := time.NewTicker(o.tickInterval)
	defer ticker.Stop()

	for {
		if o.sess.Phase.Terminal() {
			return nil
		}
		// Cancellation outranks queued turns.
		select {
		case <-o.cancelCh:
			o.abort(ctx, o.cancelReason)
			continue
		default:
		}
		select {
		case turn := <-o.inbound:
			o.handleUserTurn(ctx, turn)
		case <-o.cancelCh:
			o.abort(ctx, o.cancelReason)
		case <-ticker.C:
			o.evaluatePhase(ctx, false)
		case <-ctx.Done():
			o.logger.Info("session context canceled", "session_id", o.sess.ID)
			o.evaluatePhase(context.WithoutCancel(ctx), true)
			return ctx.Err()
		}
	}
}

// handleUserTurn runs the full inbound pipeline for one candidate utterance.
func (o *Orchestrator) handleUserTurn(ctx context.Context, in UserTurn) {
	now := o.now()
	o.lastActivity = now

	speech := in.SpeechDuration
	if speech <= 0 {
		speech = estimateSpeech(in.Text)
	}

	mod := o.monitor.Evaluate(in.Text)
	userTurn := types.Turn{
		Index:          o.ledger.NextIndex(),
		Speaker:        types.SpeakerUser,
		Text:           in.Text,
		Moderation:     mod,
		SpeechDuration: speech,
		At:             now,
	}
	if !o.appendTurn(ctx, userTurn) {
		return
	}
	o.phaseUserSpeech += speech
	o.pendingUserTurn = true

	if mod.Directive == types.DirectiveTerminate {
		o.terminateForSafety(ctx, mod.Reason)
		return
	}

	// A transition may be due before the assistant reply (phase timeout
	// crossed while the candidate spoke).
	o.evaluatePhase(ctx, false)
	if o.sess.Phase.Terminal() {
		return
	}

	switch mod.Directive {
	case types.DirectiveRedirect:
		line := o.monitor.RedirectLine()
		o.emitModerationNotice(mod.Directive, line)
		o.respondWithRedirect(ctx, line)
	case types.DirectiveGuide:
		line := o.monitor.GuideLine()
		o.emitModerationNotice(mod.Directive, line)
		o.respondWithBackend(ctx, line)
	default:
		o.respondWithBackend(ctx, "")
	}
	if o.sess.Phase.Terminal() {
		return
	}

	// The completed exchange may satisfy a phase exit condition.
	o.evaluatePhase(ctx, false)
}

// respondWithBackend asks the conversation backend for the next assistant
// turn. prefix, when set, is a moderation guide line spliced ahead of the
// model's reply.
func (o *Orchestrator) respondWithBackend(ctx context.Context, prefix string) {
	signal := o.complexitySignal()
	selected := o.selector.Select(o.sess.Phase, signal)
	if selected != o.sess.TierInUse {
		o.logger.Info("tier upgraded",
			"session_id", o.sess.ID, "tier", string(selected), "complexity_signal", signal)
		o.sess.TierInUse = selected
		o.persistSession(ctx)
	}

	req := backend.Request{
		SessionID:    o.sess.ID,
		Tier:         selected,
		Instructions: tier.InstructionsFor(o.sess.Phase),
		History:      o.ledger.Snapshot(),
	}
	resp, usedTier, err := o.invokeBackend(ctx, req)
	if err != nil {
		o.logger.Error("backend exhausted all attempts",
			"session_id", o.sess.ID, "error", err)
		o.emit(Event{Type: EventError, SessionID: o.sess.ID, Message: "the assessment backend is unavailable"})
		o.abort(ctx, "backend_unavailable")
		return
	}

	text := resp.Text
	if prefix != "" {
		text = prefix + " " + text
	}

	// The backend's own output passes through the monitor before it is
	// considered final.
	mod := o.monitor.Evaluate(text)
	if mod.Directive == types.DirectiveTerminate {
		o.terminateForSafety(ctx, "assistant response rejected: "+mod.Reason)
		return
	}

	o.appendAssistantTurn(ctx, text, usedTier, mod, true)
}

// respondWithRedirect skips ahead to the next scripted question without a
// backend call; the session stays in the same phase.
func (o *Orchestrator) respondWithRedirect(ctx context.Context, line string) {
	o.appendAssistantTurn(ctx, line, o.sess.TierInUse, types.Moderation{Directive: types.DirectiveAllow}, false)
}

// appendAssistantTurn records one assistant turn. billed is false for locally
// scripted lines (openers, redirects), which consume no model time.
func (o *Orchestrator) appendAssistantTurn(ctx context.Context, text string, usedTier types.Tier, mod types.Moderation, billed bool) {
	now := o.now()
	speech := estimateSpeech(text)
	var cost float64
	if billed {
		cost = ledger.TierCost(usedTier, speech)
	}
	turn := types.Turn{
		Index:          o.ledger.NextIndex(),
		Speaker:        types.SpeakerAssistant,
		Text:           text,
		TierUsed:       usedTier,
		Moderation:     mod,
		EstimatedCost:  cost,
		SpeechDuration: speech,
		At:             now,
	}
	if !o.appendTurn(ctx, turn) {
		return
	}
	o.lastActivity = now
	if o.pendingUserTurn {
		o.phaseExchanges++
		o.pendingUserTurn = false
	}
	o.emit(Event{Type: EventAssistantTurn, SessionID: o.sess.ID, Turn: &turn, Phase: o.sess.Phase})
}

// appendTurn writes through to the ledger and the store. A persistence
// failure is one of the few conditions that surfaces to the client.
func (o *Orchestrator) appendTurn(ctx context.Context, turn types.Turn) bool {
	if err := o.ledger.Append(turn); err != nil {
		o.logger.Error("ledger append rejected", "session_id", o.sess.ID, "error", err)
		return false
	}
	if o.store != nil {
		if err := o.store.SaveTurn(ctx, o.sess.ID, turn); err != nil {
			o.logger.Error("turn persistence failed", "session_id", o.sess.ID, "error", err)
			o.emit(Event{Type: EventError, SessionID: o.sess.ID, Message: "failed to record the session transcript"})
			o.abort(ctx, "persistence_failure")
			return false
		}
	}
	return true
}

// complexitySignal counts distinct indicators across user turns from phase 2
// onward. Phase 1 speech never feeds the signal.
func (o *Orchestrator) complexitySignal() int {
	if o.phase2Entered.IsZero() {
		return 0
	}
	return o.detector.Score(o.ledger.TurnsSince(o.phase2Entered))
}

func (o *Orchestrator) observation(canceled bool) phase.Observation {
	return phase.Observation{
		Now:               o.now(),
		PhaseEnteredAt:    o.sess.PhaseEnteredAt,
		LastActivityAt:    o.lastActivity,
		ExchangesInPhase:  o.phaseExchanges,
		UserSpeechInPhase: o.phaseUserSpeech,
		ClientCanceled:    canceled,
	}
}

func (o *Orchestrator) evaluatePhase(ctx context.Context, canceled bool) {
	tr, ok := o.phaseCfg.Evaluate(o.sess.Phase, o.observation(canceled))
	if !ok {
		return
	}
	o.applyTransition(ctx, tr)
}

func (o *Orchestrator) applyTransition(ctx context.Context, tr phase.Transition) {
	now := o.now()
	o.logger.Info("phase transition",
		"session_id", o.sess.ID, "from", string(tr.From), "to", string(tr.To), "reason", tr.Reason)

	o.sess.Phase = tr.To
	o.sess.PhaseEnteredAt = now
	o.phaseExchanges = 0
	o.phaseUserSpeech = 0
	o.pendingUserTurn = false
	if tr.To == types.Phase2 {
		o.phase2Entered = now
	}

	o.emit(Event{Type: EventPhaseChange, SessionID: o.sess.ID, Phase: tr.To, Reason: tr.Reason})

	// Turn rows reference the session row, so the session record must be
	// written before any effect appends a turn (the phase opener is the very
	// first write of a new session).
	o.persistSession(ctx)

	for _, effect := range tr.Effects {
		switch effect {
		case phase.EffectReselectTier:
			selected := o.selector.Select(o.sess.Phase, o.complexitySignal())
			if selected != o.sess.TierInUse {
				o.sess.TierInUse = selected
			}
		case phase.EffectResetPrompt:
			o.openPhase(ctx)
		case phase.EffectEmitTranscript:
			o.completeSession(ctx)
		case phase.EffectPreserveLedger:
			// The ledger is in memory and written through; nothing to drop.
		}
	}

	switch tr.To {
	case types.PhaseAborted:
		o.finish(ctx, types.StatusAborted, tr.Reason, nil)
	case types.PhaseSafetyTerminated:
		// terminateForSafety already appended the closing system turn.
		o.finish(ctx, types.StatusTerminatedForSafety, tr.Reason, nil)
	}
}

// openPhase delivers the scripted opening question for the phase just
// entered. Openers are local script, not backend output, and carry no cost.
func (o *Orchestrator) openPhase(ctx context.Context) {
	opener, ok := phaseOpeners[o.sess.Phase]
	if !ok {
		return
	}
	o.appendAssistantTurn(ctx, opener, o.sess.TierInUse, types.Moderation{Directive: types.DirectiveAllow}, false)
}

func (o *Orchestrator) terminateForSafety(ctx context.Context, reason string) {
	closing := types.Turn{
		Index:      o.ledger.NextIndex(),
		Speaker:    types.SpeakerSystem,
		Text:       moderation.TerminationMessage,
		Moderation: types.Moderation{Directive: types.DirectiveTerminate, Reason: reason},
		At:         o.now(),
	}
	o.appendTurn(ctx, closing)
	o.emitModerationNotice(types.DirectiveTerminate, moderation.TerminationMessage)

	obs := o.observation(false)
	obs.SafetyTerminate = true
	if tr, ok := o.phaseCfg.Evaluate(o.sess.Phase, obs); ok {
		o.applyTransition(ctx, tr)
	}
}

func (o *Orchestrator) completeSession(ctx context.Context) {
	var assessment *backend.Assessment
	if o.scorer != nil {
		result, err := o.scorer.Score(ctx, o.sess.ID, o.ledger.Snapshot())
		if err != nil {
			// The transcript is durable; scoring can be replayed offline.
			o.logger.Error("scoring failed", "session_id", o.sess.ID, "error", err)
		} else {
			assessment = &result
		}
	}
	o.finish(ctx, types.StatusCompleted, "completed", assessment)
}

func (o *Orchestrator) abort(ctx context.Context, reason string) {
	obs := o.observation(true)
	if tr, ok := o.phaseCfg.Evaluate(o.sess.Phase, obs); ok {
		if reason != "" {
			tr.Reason = reason
		}
		o.applyTransition(ctx, tr)
	}
}

func (o *Orchestrator) finish(ctx context.Context, status types.Status, reason string, assessment *backend.Assessment) {
	if o.sess.Status != types.StatusActive {
		return
	}
	o.sess.Status = status
	o.persistSession(ctx)
	o.emit(Event{
		Type:       EventSessionEnd,
		SessionID:  o.sess.ID,
		Status:     status,
		Reason:     reason,
		TotalCost:  o.ledger.TotalCost(),
		Assessment: assessment,
	})
	o.logger.Info("session finished",
		"session_id", o.sess.ID, "status", string(status), "reason", reason,
		"turns", o.ledger.Len(), "total_cost", o.ledger.TotalCost())
}

func (o *Orchestrator) persistSession(ctx context.Context) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveSession(ctx, o.sess); err != nil {
		o.logger.Error("session persistence failed", "session_id", o.sess.ID, "error", err)
	}
}

func (o *Orchestrator) emitModerationNotice(d types.Directive, notice string) {
	o.emit(Event{Type: EventModerationNotice, SessionID: o.sess.ID, Directive: d, Notice: notice})
}

func (o *Orchestrator) emit(ev Event) {
	select {
	case o.outbound <- ev:
	default:
		// A slow consumer loses the event; the transport resyncs from the
		// ledger rather than stalling the run loop.
		o.logger.Warn("outbound event dropped", "session_id", o.sess.ID, "type", string(ev.Type))
	}
}

func (o *Orchestrator) close() {
	if o.closed.CompareAndSwap(false, true) {
		close(o.done)
		close(o.outbound)
	}
}

// Snapshot returns a copy of the session record. It is safe only after Run
// has returned or from the Run goroutine; concurrent use during an active
// session reads through the store instead.
func (o *Orchestrator) Snapshot() types.Session {
	return o.sess
}

// Transcript returns a copy of the ledger contents.
func (o *Orchestrator) Transcript() []types.Turn {
	return o.ledger.Snapshot()
}

// TotalCost returns the summed estimated cost over all turns so far.
func (o *Orchestrator) TotalCost() float64 {
	return o.ledger.TotalCost()
}

var phaseOpeners = map[types.Phase]string{
	types.Phase1: "Good afternoon, and welcome. My name is Maya and I'll be conducting your speaking assessment today. Let's begin with some questions about yourself. Do you live in a house or an apartment?",
	types.Phase2: "Now I'm going to give you a topic, and I'd like you to talk about it for one to two minutes. Describe a place you enjoy visiting. You should say where it is, how often you go there, and explain why you enjoy it. You have one minute to think before you start.",
	types.Phase3: "We've been talking about a place you enjoy visiting, and I'd like to discuss with you one or two more general questions related to this. Why do you think some places attract far more visitors than others?",
}
