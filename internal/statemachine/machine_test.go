package statemachine

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/pitabwire/medicoord/model"
)

func newTestMachine(opts ...Option) *Machine {
	return New("patient-1", zap.NewNop(), opts...)
}

func TestMachine_standardPathwayProgression(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()

	pathway := []model.State{
		model.StateTriage,
		model.StateInitialAssessment,
		model.StateDiagnosis,
		model.StateTreatmentPlanning,
		model.StateTreatment,
		model.StateMonitoring,
		model.StateFollowUp,
		model.StateDischarge,
	}
	for _, target := range pathway {
		if !m.TransitionTo(ctx, target, nil) {
			t.Fatalf("TransitionTo(%s) = false from %s, want true", target, m.CurrentState())
		}
	}
	if got := m.CurrentState(); got != model.StateDischarge {
		t.Errorf("CurrentState = %s, want %s", got, model.StateDischarge)
	}
	if got := len(m.History()); got != len(pathway) {
		t.Errorf("history length = %d, want %d", got, len(pathway))
	}
}

func TestMachine_skippingStatesIsRejected(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()

	if m.TransitionTo(ctx, model.StateTreatment, nil) {
		t.Error("TransitionTo(treatment) from intake = true, want false")
	}
	if got := m.CurrentState(); got != model.StatePatientIntake {
		t.Errorf("CurrentState = %s, want %s after rejected transition", got, model.StatePatientIntake)
	}
	if len(m.History()) != 0 {
		t.Error("rejected transition appended to history")
	}
}

func TestMachine_emergencyRequiresFlag(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()
	m.TransitionTo(ctx, model.StateTriage, nil)

	if m.TransitionTo(ctx, model.StateEmergency, nil) {
		t.Error("emergency transition without flag = true, want false")
	}
	if m.CanTransitionTo(ctx, model.StateEmergency, model.TransitionContext{model.CtxIsEmergency: true}) != true {
		t.Error("CanTransitionTo(emergency) with flag = false, want true")
	}
	if !m.TransitionTo(ctx, model.StateEmergency, model.TransitionContext{model.CtxIsEmergency: true}) {
		t.Error("emergency transition with flag = false, want true")
	}
	if !m.IsEmergency() {
		t.Error("IsEmergency = false after escalation")
	}
}

func TestMachine_emergencyDeescalation(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()
	m.TransitionTo(ctx, model.StateTriage, nil)

	if !m.TriggerEmergency(ctx, nil) {
		t.Fatal("TriggerEmergency = false, want true")
	}

	// Leaving emergency needs no flag; being in emergency satisfies the guard.
	if !m.TransitionTo(ctx, model.StateTreatment, nil) {
		t.Error("de-escalation to treatment = false, want true")
	}
	if m.IsEmergency() {
		t.Error("IsEmergency = true after de-escalation")
	}
}

func TestMachine_customConditionAndAction(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()

	var actionRan bool
	m.AddTransition(model.StatePatientIntake, model.StateDischarge,
		func(_ context.Context, tc model.TransitionContext) bool {
			return tc.Bool("administrative_discharge")
		},
		func(_ context.Context, tc model.TransitionContext) bool {
			actionRan = true
			return true
		})

	if m.TransitionTo(ctx, model.StateDischarge, nil) {
		t.Error("transition without condition data = true, want false")
	}
	if !m.TransitionTo(ctx, model.StateDischarge, model.TransitionContext{"administrative_discharge": true}) {
		t.Error("transition with condition data = false, want true")
	}
	if !actionRan {
		t.Error("action never ran")
	}
}

func TestMachine_actionAbortsTransition(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()

	m.AddTransition(model.StatePatientIntake, model.StateMonitoring, nil,
		func(_ context.Context, _ model.TransitionContext) bool { return false })

	if m.TransitionTo(ctx, model.StateMonitoring, nil) {
		t.Error("transition with aborting action = true, want false")
	}
	if got := m.CurrentState(); got != model.StatePatientIntake {
		t.Errorf("CurrentState = %s, want unchanged %s", got, model.StatePatientIntake)
	}
}

func TestMachine_concurrentTransitionsHaveOneWinner(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()

	const attempts = 32
	var wg sync.WaitGroup
	results := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- m.TransitionTo(ctx, model.StateTriage, nil)
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for ok := range results {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
	if got := len(m.History()); got != 1 {
		t.Errorf("history length = %d, want 1", got)
	}
}

func TestMachine_forceStateChangeBypassesGuards(t *testing.T) {
	m := newTestMachine()

	m.ForceStateChange(model.StateMonitoring, "chart correction")

	if got := m.CurrentState(); got != model.StateMonitoring {
		t.Errorf("CurrentState = %s, want %s", got, model.StateMonitoring)
	}
	history := m.History()
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if !history[0].Forced {
		t.Error("history entry not marked forced")
	}
	if history[0].Reason != "chart correction" {
		t.Errorf("history reason = %q, want %q", history[0].Reason, "chart correction")
	}
}

func TestMachine_historyStripsSubjectID(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()

	m.TransitionTo(ctx, model.StateTriage, model.TransitionContext{"acuity": 3})

	history := m.History()
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	entry := history[0]
	if _, present := entry.Context[model.CtxSubjectID]; present {
		t.Error("subject_id leaked into history context")
	}
	if entry.Context["acuity"] != 3 {
		t.Errorf("history context acuity = %v, want 3", entry.Context["acuity"])
	}
}

func TestMachine_availableTransitions(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()
	m.TransitionTo(ctx, model.StateTriage, nil)

	got := m.AvailableTransitions(ctx, nil)
	if len(got) != 1 || got[0] != model.StateInitialAssessment {
		t.Errorf("AvailableTransitions without emergency flag = %v, want [initial_assessment]", got)
	}

	got = m.AvailableTransitions(ctx, model.TransitionContext{model.CtxIsEmergency: true})
	want := map[model.State]bool{model.StateInitialAssessment: true, model.StateEmergency: true}
	if len(got) != 2 {
		t.Fatalf("AvailableTransitions with emergency flag = %v, want 2 states", got)
	}
	for _, s := range got {
		if !want[s] {
			t.Errorf("unexpected available transition %s", s)
		}
	}
}

func TestMachine_dischargeHasNoOutgoingRules(t *testing.T) {
	m := newTestMachine(WithInitialState(model.StateDischarge))
	ctx := context.Background()

	if got := m.AvailableTransitions(ctx, model.TransitionContext{model.CtxIsEmergency: true}); len(got) != 0 {
		t.Errorf("AvailableTransitions from discharge = %v, want none", got)
	}
}

func TestMachine_archiveReceivesEntries(t *testing.T) {
	store := NewMemoryHistoryStore()
	m := newTestMachine(WithHistoryStore(store))
	ctx := context.Background()

	m.TransitionTo(ctx, model.StateTriage, nil)
	m.ForceStateChange(model.StateMonitoring, "correction")

	entries, err := store.List(ctx, "patient-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("archived entries = %d, want 2", len(entries))
	}
	if entries[0].To != model.StateTriage || entries[1].To != model.StateMonitoring {
		t.Errorf("archived targets = %s, %s; want triage, monitoring", entries[0].To, entries[1].To)
	}
}

func TestMachine_stateInfo(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()
	m.TransitionTo(ctx, model.StateTriage, nil)

	info := m.StateInfo()
	if info.State != model.StateTriage {
		t.Errorf("StateInfo.State = %s, want %s", info.State, model.StateTriage)
	}
	if info.Transitions != 1 {
		t.Errorf("StateInfo.Transitions = %d, want 1", info.Transitions)
	}
	if info.TimeInState < 0 {
		t.Errorf("StateInfo.TimeInState = %v, want non-negative", info.TimeInState)
	}
	// Declared edges from triage: initial_assessment and emergency.
	if len(info.RuleTargets) != 2 {
		t.Errorf("StateInfo.RuleTargets = %v, want 2 declared edges", info.RuleTargets)
	}
}
