package phase

import (
	"testing"
	"time"

	"github.com/vivavoce/viva/pkg/exam/types"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func obsAt(entered time.Time, now time.Time) Observation {
	return Observation{
		Now:            now,
		PhaseEnteredAt: entered,
		LastActivityAt: now,
	}
}

func TestEvaluateTransitions(t *testing.T) {
	cfg := Config{}

	tests := []struct {
		name    string
		current types.Phase
		obs     Observation
		wantTo  types.Phase
		wantWhy string
		wantOK  bool
	}{
		{
			name:    "init enters phase1 immediately",
			current: types.PhaseInit,
			obs:     obsAt(t0, t0),
			wantTo:  types.Phase1,
			wantWhy: "session_start",
			wantOK:  true,
		},
		{
			name:    "phase1 no exit yet",
			current: types.Phase1,
			obs:     obsAt(t0, t0.Add(time.Minute)),
			wantOK:  false,
		},
		{
			name:    "phase1 exchange count",
			current: types.Phase1,
			obs: Observation{
				Now: t0.Add(time.Minute), PhaseEnteredAt: t0, LastActivityAt: t0.Add(time.Minute),
				ExchangesInPhase: 5,
			},
			wantTo:  types.Phase2,
			wantWhy: "exchange_count",
			wantOK:  true,
		},
		{
			name:    "phase1 timeout",
			current: types.Phase1,
			obs:     obsAt(t0, t0.Add(5*time.Minute)),
			wantTo:  types.Phase2,
			wantWhy: "phase_timeout",
			wantOK:  true,
		},
		{
			name:    "phase2 speech duration",
			current: types.Phase2,
			obs: Observation{
				Now: t0.Add(time.Minute), PhaseEnteredAt: t0, LastActivityAt: t0.Add(time.Minute),
				UserSpeechInPhase: 90 * time.Second,
			},
			wantTo:  types.Phase3,
			wantWhy: "speech_duration",
			wantOK:  true,
		},
		{
			name:    "phase2 timeout",
			current: types.Phase2,
			obs:     obsAt(t0, t0.Add(4*time.Minute)),
			wantTo:  types.Phase3,
			wantWhy: "phase_timeout",
			wantOK:  true,
		},
		{
			name:    "phase3 exchange count completes",
			current: types.Phase3,
			obs: Observation{
				Now: t0.Add(time.Minute), PhaseEnteredAt: t0, LastActivityAt: t0.Add(time.Minute),
				ExchangesInPhase: 4,
			},
			wantTo:  types.PhaseCompleted,
			wantWhy: "exchange_count",
			wantOK:  true,
		},
		{
			name:    "phase3 timeout completes",
			current: types.Phase3,
			obs:     obsAt(t0, t0.Add(5*time.Minute)),
			wantTo:  types.PhaseCompleted,
			wantWhy: "phase_timeout",
			wantOK:  true,
		},
		{
			name:    "client cancel aborts",
			current: types.Phase2,
			obs: Observation{
				Now: t0, PhaseEnteredAt: t0, LastActivityAt: t0,
				ClientCanceled: true,
			},
			wantTo:  types.PhaseAborted,
			wantWhy: "client_cancel",
			wantOK:  true,
		},
		{
			name:    "safety terminate wins over progress",
			current: types.Phase3,
			obs: Observation{
				Now: t0.Add(time.Minute), PhaseEnteredAt: t0, LastActivityAt: t0.Add(time.Minute),
				ExchangesInPhase: 10, SafetyTerminate: true,
			},
			wantTo:  types.PhaseSafetyTerminated,
			wantWhy: "safety_terminate",
			wantOK:  true,
		},
		{
			name:    "completed is terminal",
			current: types.PhaseCompleted,
			obs: Observation{
				Now: t0.Add(time.Hour), PhaseEnteredAt: t0, LastActivityAt: t0,
				ClientCanceled: true, SafetyTerminate: true,
			},
			wantOK: false,
		},
		{
			name:    "aborted is terminal",
			current: types.PhaseAborted,
			obs:     obsAt(t0, t0.Add(time.Hour)),
			wantOK:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, ok := cfg.Evaluate(tt.current, tt.obs)
			if ok != tt.wantOK {
				t.Fatalf("ok: got %v, want %v (transition %+v)", ok, tt.wantOK, tr)
			}
			if !ok {
				return
			}
			if tr.From != tt.current {
				t.Fatalf("From: got %s, want %s", tr.From, tt.current)
			}
			if tr.To != tt.wantTo {
				t.Fatalf("To: got %s, want %s", tr.To, tt.wantTo)
			}
			if tr.Reason != tt.wantWhy {
				t.Fatalf("Reason: got %q, want %q", tr.Reason, tt.wantWhy)
			}
		})
	}
}

func TestIdleTimeoutBoundary(t *testing.T) {
	cfg := Config{IdleTimeout: 60 * time.Second}
	last := t0

	// One nanosecond short of the limit must not abort.
	obs := Observation{Now: last.Add(60*time.Second - time.Nanosecond), PhaseEnteredAt: t0, LastActivityAt: last}
	if _, ok := cfg.Evaluate(types.Phase1, obs); ok {
		t.Fatal("aborted before the idle limit elapsed")
	}

	// Exactly at the limit aborts.
	obs.Now = last.Add(60 * time.Second)
	tr, ok := cfg.Evaluate(types.Phase1, obs)
	if !ok || tr.To != types.PhaseAborted || tr.Reason != "idle_timeout" {
		t.Fatalf("at the idle limit: got %+v ok=%v", tr, ok)
	}
}

func TestAdvanceEffects(t *testing.T) {
	cfg := Config{}
	obs := Observation{
		Now: t0.Add(time.Minute), PhaseEnteredAt: t0, LastActivityAt: t0.Add(time.Minute),
		ExchangesInPhase: 5,
	}
	tr, ok := cfg.Evaluate(types.Phase1, obs)
	if !ok {
		t.Fatal("expected a transition")
	}
	if !hasEffect(tr, EffectReselectTier) || !hasEffect(tr, EffectResetPrompt) {
		t.Fatalf("advance effects: got %v", tr.Effects)
	}

	obs.ExchangesInPhase = 4
	tr, ok = cfg.Evaluate(types.Phase3, obs)
	if !ok {
		t.Fatal("expected completion")
	}
	if !hasEffect(tr, EffectEmitTranscript) {
		t.Fatalf("completion effects: got %v", tr.Effects)
	}

	obs.ClientCanceled = true
	tr, ok = cfg.Evaluate(types.Phase2, obs)
	if !ok {
		t.Fatal("expected abort")
	}
	if !hasEffect(tr, EffectPreserveLedger) {
		t.Fatalf("abort effects: got %v", tr.Effects)
	}
}

func TestCustomThresholds(t *testing.T) {
	cfg := Config{Phase1Exchanges: 2, Phase3Exchanges: 1}

	obs := Observation{Now: t0, PhaseEnteredAt: t0, LastActivityAt: t0, ExchangesInPhase: 2}
	if tr, ok := cfg.Evaluate(types.Phase1, obs); !ok || tr.To != types.Phase2 {
		t.Fatalf("phase1 with custom threshold: got %+v ok=%v", tr, ok)
	}

	obs.ExchangesInPhase = 1
	if tr, ok := cfg.Evaluate(types.Phase3, obs); !ok || tr.To != types.PhaseCompleted {
		t.Fatalf("phase3 with custom threshold: got %+v ok=%v", tr, ok)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		phase types.Phase
		want  types.Status
	}{
		{types.PhaseCompleted, types.StatusCompleted},
		{types.PhaseAborted, types.StatusAborted},
		{types.PhaseSafetyTerminated, types.StatusTerminatedForSafety},
		{types.Phase2, types.StatusActive},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.phase); got != tt.want {
			t.Fatalf("StatusFor(%s): got %s, want %s", tt.phase, got, tt.want)
		}
	}
}

func hasEffect(tr Transition, e Effect) bool {
	for _, got := range tr.Effects {
		if got == e {
			return true
		}
	}
	return false
}
