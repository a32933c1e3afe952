package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vivavoce/viva/pkg/exam/backend"
	"github.com/vivavoce/viva/pkg/exam/moderation"
	"github.com/vivavoce/viva/pkg/exam/phase"
	"github.com/vivavoce/viva/pkg/exam/types"
)

type fakeBackend struct {
	mu      sync.Mutex
	calls   []backend.Request
	respond func(req backend.Request) (backend.Response, error)
}

func (f *fakeBackend) Converse(ctx context.Context, req backend.Request) (backend.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(req)
	}
	return backend.Response{Text: "Thank you. Could you tell me a little more about that?"}, nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeBackend) callTiers() []types.Tier {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Tier, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Tier
	}
	return out
}

type fakeScorer struct {
	assessment backend.Assessment
	err        error
	calls      int
}

func (f *fakeScorer) Score(ctx context.Context, sessionID string, transcript []types.Turn) (backend.Assessment, error) {
	f.calls++
	if f.err != nil {
		return backend.Assessment{}, f.err
	}
	return f.assessment, nil
}

type fakeStore struct {
	mu       sync.Mutex
	sessions []types.Session
	turns    []types.Turn
	turnErr  error
}

func (f *fakeStore) SaveSession(ctx context.Context, sess types.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, sess)
	return nil
}

func (f *fakeStore) SaveTurn(ctx context.Context, sessionID string, turn types.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.turnErr != nil {
		return f.turnErr
	}
	f.turns = append(f.turns, turn)
	return nil
}

// fkStore enforces the store schema's referential order: a turn may only be
// written for a session whose record has already been saved.
type fkStore struct {
	mu       sync.Mutex
	ops      []string
	sessions map[string]bool
}

func newFKStore() *fkStore {
	return &fkStore{sessions: make(map[string]bool)}
}

func (f *fkStore) SaveSession(ctx context.Context, sess types.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sess.ID] = true
	f.ops = append(f.ops, "session")
	return nil
}

func (f *fkStore) SaveTurn(ctx context.Context, sessionID string, turn types.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[sessionID] {
		return fmt.Errorf("insert turn: no session row %q", sessionID)
	}
	f.ops = append(f.ops, "turn")
	return nil
}

func (f *fkStore) opOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ops))
	copy(out, f.ops)
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// shortPhases completes a session after one exchange in phase 1, one second
// of phase-2 speech, and one exchange in phase 3.
func shortPhases() phase.Config {
	return phase.Config{
		Phase1Exchanges: 1,
		Phase2MinSpeech: time.Second,
		Phase3Exchanges: 1,
		IdleTimeout:     time.Minute,
	}
}

func newTestOrchestrator(t *testing.T, deps Dependencies) *Orchestrator {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = quietLogger()
	}
	if deps.SessionID == "" {
		deps.SessionID = "s_test"
	}
	if deps.TickInterval == 0 {
		deps.TickInterval = 10 * time.Millisecond
	}
	if deps.RetryBackoff == 0 {
		deps.RetryBackoff = time.Millisecond
	}
	o, err := New(deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

// drive runs the orchestrator, queues the given turns, and returns every
// event emitted before the session ended.
func drive(t *testing.T, o *Orchestrator, turns ...UserTurn) []Event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()

	for i, turn := range turns {
		if err := o.Submit(turn); err != nil {
			t.Fatalf("Submit turn %d: %v", i, err)
		}
	}

	var events []Event
	timeout := time.After(4 * time.Second)
	for {
		select {
		case ev, ok := <-o.Events():
			if !ok {
				<-done
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("session did not finish; events so far: %d", len(events))
		}
	}
}

func findEnd(t *testing.T, events []Event) Event {
	t.Helper()
	for _, ev := range events {
		if ev.Type == EventSessionEnd {
			return ev
		}
	}
	t.Fatalf("no session_end event in %d events", len(events))
	return Event{}
}

func TestSessionCompletesThroughAllPhases(t *testing.T) {
	fb := &fakeBackend{}
	sc := &fakeScorer{assessment: backend.Assessment{OverallBand: 6.5, Feedback: "solid"}}
	st := &fakeStore{}

	o := newTestOrchestrator(t, Dependencies{
		Backend:     fb,
		Scorer:      sc,
		Store:       st,
		PhaseConfig: shortPhases(),
	})

	events := drive(t, o,
		UserTurn{Text: "I live in an apartment with my family.", SpeechDuration: 4 * time.Second},
		UserTurn{Text: "The place I enjoy visiting is the old harbor, I go there every month.", SpeechDuration: 2 * time.Second},
		UserTurn{Text: "I think famous places attract people because of their history.", SpeechDuration: 3 * time.Second},
	)

	end := findEnd(t, events)
	if end.Status != types.StatusCompleted {
		t.Fatalf("status: got %s, want completed", end.Status)
	}
	if end.Assessment == nil || end.Assessment.OverallBand != 6.5 {
		t.Fatalf("assessment: got %+v", end.Assessment)
	}
	if sc.calls != 1 {
		t.Fatalf("scorer calls: got %d, want 1", sc.calls)
	}
	if end.TotalCost <= 0 {
		t.Fatalf("total cost: got %v, want > 0", end.TotalCost)
	}

	// The phase sequence must be strictly ordered with no skips.
	var phases []types.Phase
	for _, ev := range events {
		if ev.Type == EventPhaseChange {
			phases = append(phases, ev.Phase)
		}
	}
	want := []types.Phase{types.Phase1, types.Phase2, types.Phase3, types.PhaseCompleted}
	if len(phases) != len(want) {
		t.Fatalf("phase changes: got %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("phase change %d: got %s, want %s", i, phases[i], want[i])
		}
	}

	// Ledger indices are gap-free and every turn was written through.
	transcript := o.Transcript()
	for i, turn := range transcript {
		if turn.Index != i {
			t.Fatalf("turn %d carries index %d", i, turn.Index)
		}
	}
	if len(st.turns) != len(transcript) {
		t.Fatalf("persisted turns: got %d, want %d", len(st.turns), len(transcript))
	}

	final := o.Snapshot()
	if final.Phase != types.PhaseCompleted || final.Status != types.StatusCompleted {
		t.Fatalf("final snapshot: %+v", final)
	}
}

func TestSessionRowPersistsBeforeFirstTurn(t *testing.T) {
	fb := &fakeBackend{}
	st := newFKStore()
	o := newTestOrchestrator(t, Dependencies{
		Backend:     fb,
		Store:       st,
		PhaseConfig: shortPhases(),
	})

	events := drive(t, o,
		UserTurn{Text: "I live in a flat near the station.", SpeechDuration: 3 * time.Second},
		UserTurn{Text: "The harbor is the place I visit most.", SpeechDuration: 2 * time.Second},
		UserTurn{Text: "Crowds follow famous landmarks.", SpeechDuration: 2 * time.Second},
	)

	end := findEnd(t, events)
	if end.Status != types.StatusCompleted {
		t.Fatalf("status: got %s, want completed (reason %q)", end.Status, end.Reason)
	}

	ops := st.opOrder()
	if len(ops) == 0 || ops[0] != "session" {
		t.Fatalf("first store write must be the session row, got %v", ops)
	}
}

func TestCancelBypassesFullInboundQueue(t *testing.T) {
	release := make(chan struct{})
	fb := &fakeBackend{
		respond: func(req backend.Request) (backend.Response, error) {
			<-release
			return backend.Response{Text: "Thank you."}, nil
		},
	}
	o := newTestOrchestrator(t, Dependencies{
		Backend:      fb,
		PhaseConfig:  shortPhases(),
		InboundQueue: 1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()

	if err := o.Submit(UserTurn{Text: "first turn", SpeechDuration: time.Second}); err != nil {
		t.Fatalf("Submit first: %v", err)
	}

	// Wait until the first turn is blocked inside the backend call.
	deadline := time.Now().Add(2 * time.Second)
	for fb.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("backend call never started")
		}
		time.Sleep(time.Millisecond)
	}

	// Fill the inbound queue behind the in-flight turn.
	if err := o.Submit(UserTurn{Text: "queued turn", SpeechDuration: time.Second}); err != nil {
		t.Fatalf("Submit queued: %v", err)
	}
	if err := o.Submit(UserTurn{Text: "overflow turn"}); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("queue should be full, got %v", err)
	}

	o.Cancel("client_disconnect")
	close(release)

	var end Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-o.Events():
			if !ok {
				<-done
				if end.Type != EventSessionEnd {
					t.Fatal("no session_end event")
				}
				if end.Status != types.StatusAborted {
					t.Fatalf("status: got %s, want aborted", end.Status)
				}
				if end.Reason != "client_disconnect" {
					t.Fatalf("reason: got %q, want client_disconnect", end.Reason)
				}
				// The queued turn is never processed after the cancel.
				if got := fb.callCount(); got != 1 {
					t.Fatalf("backend calls: got %d, want 1", got)
				}
				return
			}
			if ev.Type == EventSessionEnd {
				end = ev
			}
		case <-timeout:
			t.Fatal("session did not abort after cancel with a full queue")
		}
	}
}

func TestTierUpgradesOnComplexPhase3Speech(t *testing.T) {
	fb := &fakeBackend{}
	o := newTestOrchestrator(t, Dependencies{
		Backend:     fb,
		PhaseConfig: shortPhases(),
	})

	events := drive(t, o,
		UserTurn{Text: "I live near the river.", SpeechDuration: 4 * time.Second},
		UserTurn{
			Text:           "Hypothetically, I would have chosen the mountains; nevertheless, the river calms me, and to what extent that matters is debatable.",
			SpeechDuration: 2 * time.Second,
		},
		UserTurn{Text: "Furthermore, tourism changes those places.", SpeechDuration: 3 * time.Second},
	)

	end := findEnd(t, events)
	if end.Status != types.StatusCompleted {
		t.Fatalf("status: got %s", end.Status)
	}

	var sawAdvanced bool
	for _, ev := range events {
		if ev.Type == EventAssistantTurn && ev.Turn.TierUsed == types.TierAdvanced {
			sawAdvanced = true
		}
	}
	if !sawAdvanced {
		t.Fatal("no assistant turn used the advanced tier")
	}

	// Once upgraded, no later backend call may drop back to lite.
	tiers := fb.callTiers()
	upgradedAt := -1
	for i, tier := range tiers {
		if tier == types.TierAdvanced {
			upgradedAt = i
			break
		}
	}
	if upgradedAt == -1 {
		t.Fatalf("no advanced call in %v", tiers)
	}
	for _, tier := range tiers[upgradedAt:] {
		if tier != types.TierAdvanced {
			t.Fatalf("tier downgraded after upgrade: %v", tiers)
		}
	}
}

func TestPhase1SpeechNeverTriggersUpgrade(t *testing.T) {
	fb := &fakeBackend{}
	o := newTestOrchestrator(t, Dependencies{
		Backend: fb,
		PhaseConfig: phase.Config{
			Phase1Exchanges: 2,
			Phase2MinSpeech: time.Second,
			Phase3Exchanges: 1,
			IdleTimeout:     time.Minute,
		},
	})

	complex := "Hypothetically, I would have moved; nevertheless, to what extent it helps is arguably unclear."
	events := drive(t, o,
		UserTurn{Text: complex, SpeechDuration: 3 * time.Second},
		UserTurn{Text: complex, SpeechDuration: 3 * time.Second},
		UserTurn{Text: "A place I like is the park.", SpeechDuration: 2 * time.Second},
		UserTurn{Text: "People visit for the views.", SpeechDuration: 2 * time.Second},
	)

	end := findEnd(t, events)
	if end.Status != types.StatusCompleted {
		t.Fatalf("status: got %s", end.Status)
	}
	for _, ev := range events {
		if ev.Type == EventAssistantTurn && ev.Turn.TierUsed == types.TierAdvanced {
			t.Fatal("phase 1 complexity leaked into tier selection")
		}
	}
}

func TestSevereContentTerminatesSession(t *testing.T) {
	fb := &fakeBackend{}
	st := &fakeStore{}
	o := newTestOrchestrator(t, Dependencies{
		Backend:     fb,
		Store:       st,
		PhaseConfig: shortPhases(),
	})

	events := drive(t, o,
		UserTurn{Text: "I will kill you if you fail me.", SpeechDuration: 2 * time.Second},
	)

	end := findEnd(t, events)
	if end.Status != types.StatusTerminatedForSafety {
		t.Fatalf("status: got %s, want terminated_for_safety", end.Status)
	}
	if end.Assessment != nil {
		t.Fatal("terminated sessions must not be scored")
	}

	// No backend call is made for a terminated turn.
	if fb.callCount() != 0 {
		t.Fatalf("backend calls: got %d, want 0", fb.callCount())
	}

	// The ledger is preserved: offending user turn plus the closing system turn.
	transcript := o.Transcript()
	if len(transcript) < 2 {
		t.Fatalf("transcript length: got %d", len(transcript))
	}
	last := transcript[len(transcript)-1]
	if last.Speaker != types.SpeakerSystem || last.Text != moderation.TerminationMessage {
		t.Fatalf("closing turn: %+v", last)
	}

	var sawNotice bool
	for _, ev := range events {
		if ev.Type == EventModerationNotice && ev.Directive == types.DirectiveTerminate {
			sawNotice = true
		}
	}
	if !sawNotice {
		t.Fatal("no terminate moderation notice emitted")
	}
}

func TestRedirectSkipsBackendAndContinues(t *testing.T) {
	fb := &fakeBackend{}
	o := newTestOrchestrator(t, Dependencies{
		Backend: fb,
		PhaseConfig: phase.Config{
			Phase1Exchanges: 2,
			IdleTimeout:     time.Minute,
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()

	if err := o.Submit(UserTurn{Text: "My friends mostly talk about drugs.", SpeechDuration: 2 * time.Second}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var redirectTurn *types.Turn
	var noticeMsg string
	timeout := time.After(3 * time.Second)
	for redirectTurn == nil {
		select {
		case ev := <-o.Events():
			switch ev.Type {
			case EventModerationNotice:
				if ev.Directive == types.DirectiveRedirect {
					noticeMsg = ev.Notice
				}
			case EventAssistantTurn:
				if ev.Turn.Speaker == types.SpeakerAssistant && ev.Turn.Index > 0 {
					redirectTurn = ev.Turn
				}
			}
		case <-timeout:
			t.Fatal("no redirect response arrived")
		}
	}

	if strings.TrimSpace(noticeMsg) == "" {
		t.Fatal("redirect notice carries no wording")
	}
	if fb.callCount() != 0 {
		t.Fatalf("redirect must not call the backend, got %d calls", fb.callCount())
	}
	// The notice and the spoken redirect line are the same wording.
	if redirectTurn.Text != noticeMsg {
		t.Fatalf("redirect turn %q != notice %q", redirectTurn.Text, noticeMsg)
	}
	if redirectTurn.EstimatedCost != 0 {
		t.Fatalf("locally scripted turn carries cost %v", redirectTurn.EstimatedCost)
	}

	o.Cancel("test_done")
	<-done
}

func TestGuidePrefixesBackendResponse(t *testing.T) {
	fb := &fakeBackend{}
	o := newTestOrchestrator(t, Dependencies{
		Backend:     fb,
		PhaseConfig: shortPhases(),
	})

	events := drive(t, o,
		UserTurn{Text: "My boss is an idiot about schedules.", SpeechDuration: 2 * time.Second},
		UserTurn{Text: "The harbor is my favorite place.", SpeechDuration: 2 * time.Second},
		UserTurn{Text: "History attracts visitors.", SpeechDuration: 2 * time.Second},
	)

	var guided *types.Turn
	var guideNotice string
	for i, ev := range events {
		if ev.Type == EventModerationNotice && ev.Directive == types.DirectiveGuide {
			guideNotice = ev.Notice
			for _, later := range events[i:] {
				if later.Type == EventAssistantTurn {
					guided = later.Turn
					break
				}
			}
		}
	}
	if guided == nil {
		t.Fatal("no guided assistant turn found")
	}
	if strings.TrimSpace(guideNotice) == "" {
		t.Fatal("guide notice carries no wording")
	}
	// The canned reminder from the notice precedes the model's actual reply.
	if !strings.HasPrefix(guided.Text, guideNotice) {
		t.Fatalf("guided turn %q does not open with the notice %q", guided.Text, guideNotice)
	}
	if !strings.Contains(guided.Text, "Thank you. Could you tell me") {
		t.Fatalf("guided turn lost the backend reply: %q", guided.Text)
	}
}

func TestBackendFailureAbortsAfterDegrade(t *testing.T) {
	fb := &fakeBackend{
		respond: func(req backend.Request) (backend.Response, error) {
			return backend.Response{}, backend.NewUnavailableError("down", errors.New("dial tcp"))
		},
	}
	st := &fakeStore{}
	o := newTestOrchestrator(t, Dependencies{
		Backend:     fb,
		Store:       st,
		PhaseConfig: shortPhases(),
	})

	events := drive(t, o,
		UserTurn{Text: "I live in a small town.", SpeechDuration: 2 * time.Second},
	)

	end := findEnd(t, events)
	if end.Status != types.StatusAborted {
		t.Fatalf("status: got %s, want aborted", end.Status)
	}

	// Two attempts on the selected tier, then the lite fallback.
	if got := fb.callCount(); got != 3 {
		t.Fatalf("backend attempts: got %d, want 3", got)
	}

	var sawErr bool
	for _, ev := range events {
		if ev.Type == EventError {
			sawErr = true
		}
	}
	if !sawErr {
		t.Fatal("no error event surfaced to the client")
	}

	// The partial ledger survives the abort.
	if len(o.Transcript()) == 0 {
		t.Fatal("ledger was dropped on abort")
	}
}

func TestDegradeFallsBackToLite(t *testing.T) {
	fb := &fakeBackend{
		respond: func(req backend.Request) (backend.Response, error) {
			if req.Tier == types.TierAdvanced {
				return backend.Response{}, backend.NewUnavailableError("advanced down", nil)
			}
			return backend.Response{Text: "lite reply"}, nil
		},
	}
	o := newTestOrchestrator(t, Dependencies{Backend: fb})

	resp, usedTier, err := o.invokeBackend(context.Background(), backend.Request{
		SessionID: "s_test",
		Tier:      types.TierAdvanced,
		History:   []types.Turn{{Speaker: types.SpeakerUser, Text: "hi"}},
	})
	if err != nil {
		t.Fatalf("invokeBackend: %v", err)
	}
	if usedTier != types.TierLite {
		t.Fatalf("used tier: got %s, want lite", usedTier)
	}
	if resp.Text != "lite reply" {
		t.Fatalf("response: %q", resp.Text)
	}
	if tiers := fb.callTiers(); len(tiers) != 3 ||
		tiers[0] != types.TierAdvanced || tiers[1] != types.TierAdvanced || tiers[2] != types.TierLite {
		t.Fatalf("attempt tiers: %v", fb.callTiers())
	}
}

func TestNonRetryableErrorSkipsDegrade(t *testing.T) {
	fb := &fakeBackend{
		respond: func(req backend.Request) (backend.Response, error) {
			return backend.Response{}, backend.NewInvalidRequestError("bad history")
		},
	}
	o := newTestOrchestrator(t, Dependencies{Backend: fb})

	_, _, err := o.invokeBackend(context.Background(), backend.Request{
		SessionID: "s_test",
		Tier:      types.TierAdvanced,
		History:   []types.Turn{{Speaker: types.SpeakerUser, Text: "hi"}},
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := fb.callCount(); got != 1 {
		t.Fatalf("attempts for non-retryable error: got %d, want 1", got)
	}
}

func TestIdleTimeoutAbortsSession(t *testing.T) {
	fb := &fakeBackend{}
	o := newTestOrchestrator(t, Dependencies{
		Backend: fb,
		PhaseConfig: phase.Config{
			IdleTimeout: 30 * time.Millisecond,
		},
		TickInterval: 10 * time.Millisecond,
	})

	events := drive(t, o)

	end := findEnd(t, events)
	if end.Status != types.StatusAborted {
		t.Fatalf("status: got %s, want aborted", end.Status)
	}
	if end.Reason != "idle_timeout" {
		t.Fatalf("reason: got %q, want idle_timeout", end.Reason)
	}
}

func TestCancelAbortsAndPreservesLedger(t *testing.T) {
	fb := &fakeBackend{}
	o := newTestOrchestrator(t, Dependencies{Backend: fb})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()

	if err := o.Submit(UserTurn{Text: "Hello, nice to meet you.", SpeechDuration: time.Second}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	o.Cancel("client_end")

	var end Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-o.Events():
			if !ok {
				<-done
				if end.Type != EventSessionEnd {
					t.Fatal("no session_end before close")
				}
				if end.Status != types.StatusAborted {
					t.Fatalf("status: got %s", end.Status)
				}
				if len(o.Transcript()) == 0 {
					t.Fatal("ledger was dropped on cancel")
				}
				return
			}
			if ev.Type == EventSessionEnd {
				end = ev
			}
		case <-timeout:
			t.Fatal("session did not end after cancel")
		}
	}
}

func TestSubmitAfterCloseReturnsError(t *testing.T) {
	fb := &fakeBackend{}
	o := newTestOrchestrator(t, Dependencies{Backend: fb})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()

	o.Cancel("shutdown")
	for range o.Events() {
	}
	<-done
	cancel()

	if err := o.Submit(UserTurn{Text: "late"}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Submit after close: got %v, want ErrSessionClosed", err)
	}
}

func TestPersistenceFailureSurfacesAndAborts(t *testing.T) {
	fb := &fakeBackend{}
	st := &fakeStore{turnErr: errors.New("disk full")}
	o := newTestOrchestrator(t, Dependencies{
		Backend:     fb,
		Store:       st,
		PhaseConfig: shortPhases(),
	})

	events := drive(t, o)

	// The phase-1 opener is the first persisted turn, so the failure hits
	// before any user input.
	end := findEnd(t, events)
	if end.Status != types.StatusAborted {
		t.Fatalf("status: got %s, want aborted", end.Status)
	}
	var sawErr bool
	for _, ev := range events {
		if ev.Type == EventError {
			sawErr = true
		}
	}
	if !sawErr {
		t.Fatal("persistence failure was silent")
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Dependencies{SessionID: "s"}); err == nil {
		t.Fatal("missing backend should fail")
	}
	if _, err := New(Dependencies{Backend: &fakeBackend{}}); err == nil {
		t.Fatal("missing session id should fail")
	}
}
