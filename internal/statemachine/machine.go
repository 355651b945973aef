// Package statemachine tracks a patient's position in the care lifecycle.
// Each machine is created per subject at intake and lives for the whole
// episode; transitions are validated by guard conditions and recorded in
// an append-only history.
package statemachine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/medicoord/internal/observability"
	"github.com/pitabwire/medicoord/model"
)

// Condition guards a transition rule. A nil condition always passes.
type Condition func(ctx context.Context, tc model.TransitionContext) bool

// Action runs after a transition is validated but before it commits.
// Returning false aborts the transition.
type Action func(ctx context.Context, tc model.TransitionContext) bool

type rule struct {
	id        string
	from      model.State
	to        model.State
	condition Condition
	action    Action
}

// Machine is a guarded finite state machine for one subject. A single
// mutex serializes transitions, so concurrent attempts resolve to exactly
// one winner.
type Machine struct {
	mu        sync.Mutex
	subjectID string
	current   model.State
	enteredAt time.Time
	rules     []rule
	history   []model.HistoryEntry

	logger  *zap.Logger
	metrics *observability.Metrics
	archive HistoryStore
}

// Option configures a Machine.
type Option func(*Machine)

// WithMetrics attaches metric instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(sm *Machine) { sm.metrics = m }
}

// WithHistoryStore attaches a durable archive for history entries.
// Archive writes are best effort; a failed append never blocks a
// transition.
func WithHistoryStore(store HistoryStore) Option {
	return func(sm *Machine) { sm.archive = store }
}

// WithInitialState overrides the patient_intake starting state.
func WithInitialState(s model.State) Option {
	return func(sm *Machine) { sm.current = s }
}

// New creates a machine for the given subject, starting at patient intake
// with the standard care pathway registered.
func New(subjectID string, logger *zap.Logger, opts ...Option) *Machine {
	m := &Machine{
		subjectID: subjectID,
		current:   model.StatePatientIntake,
		enteredAt: time.Now().UTC(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.registerCarePathway()
	return m
}

// registerCarePathway installs the standard progression plus emergency
// escalation and de-escalation edges. Discharge has no outgoing rules.
func (m *Machine) registerCarePathway() {
	steps := []struct{ from, to model.State }{
		{model.StatePatientIntake, model.StateTriage},
		{model.StateTriage, model.StateInitialAssessment},
		{model.StateInitialAssessment, model.StateDiagnosis},
		{model.StateDiagnosis, model.StateTreatmentPlanning},
		{model.StateTreatmentPlanning, model.StateTreatment},
		{model.StateTreatment, model.StateMonitoring},
		{model.StateMonitoring, model.StateFollowUp},
		{model.StateMonitoring, model.StateTreatment},
		{model.StateFollowUp, model.StateDischarge},
	}
	for _, s := range steps {
		m.AddTransition(s.from, s.to, nil, nil)
	}

	// Escalation into emergency is allowed from active care states, gated
	// on the emergency flag. Leaving emergency goes back to diagnosis or
	// treatment.
	escalationSources := []model.State{
		model.StateTriage,
		model.StateInitialAssessment,
		model.StateDiagnosis,
		model.StateTreatment,
	}
	for _, from := range escalationSources {
		m.AddTransition(from, model.StateEmergency, emergencyGuard, nil)
	}
	m.AddTransition(model.StateEmergency, model.StateDiagnosis, emergencyGuard, nil)
	m.AddTransition(model.StateEmergency, model.StateTreatment, emergencyGuard, nil)
}

// emergencyGuard passes when the caller flags an emergency or when the
// machine is already in the emergency state and de-escalating.
func emergencyGuard(_ context.Context, tc model.TransitionContext) bool {
	if tc.Bool(model.CtxIsEmergency) {
		return true
	}
	from, _ := tc[model.CtxFromState].(model.State)
	return from == model.StateEmergency
}

// AddTransition registers a transition rule and returns its id. Multiple
// rules between the same pair of states are allowed; the transition
// succeeds if any rule passes.
func (m *Machine) AddTransition(from, to model.State, condition Condition, action Action) string {
	r := rule{
		id:        uuid.New().String(),
		from:      from,
		to:        to,
		condition: condition,
		action:    action,
	}
	m.mu.Lock()
	m.rules = append(m.rules, r)
	m.mu.Unlock()
	return r.id
}

// enrich clones the transition context and injects the machine-owned keys.
func (m *Machine) enrich(tc model.TransitionContext, from, to model.State) model.TransitionContext {
	out := tc.Clone()
	out[model.CtxFromState] = from
	out[model.CtxToState] = to
	out[model.CtxSubjectID] = m.subjectID
	return out
}

// matchLocked returns the first rule from the current state to target
// whose condition passes. Caller holds the mutex.
func (m *Machine) matchLocked(ctx context.Context, target model.State, tc model.TransitionContext) (rule, bool) {
	for _, r := range m.rules {
		if r.from != m.current || r.to != target {
			continue
		}
		if r.condition == nil || r.condition(ctx, tc) {
			return r, true
		}
	}
	return rule{}, false
}

// CanTransitionTo reports whether a transition to target would currently
// be allowed. The answer is advisory: another caller may win the
// transition between the check and a subsequent TransitionTo.
func (m *Machine) CanTransitionTo(ctx context.Context, target model.State, tc model.TransitionContext) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	enriched := m.enrich(tc, m.current, target)
	_, ok := m.matchLocked(ctx, target, enriched)
	return ok
}

// TransitionTo attempts a guarded transition to target. Validation, the
// rule action and the history append all happen under the mutex, so
// racing callers observe exactly one winner; the loser revalidates
// against the new state and is rejected.
func (m *Machine) TransitionTo(ctx context.Context, target model.State, tc model.TransitionContext) bool {
	m.mu.Lock()

	from := m.current
	enriched := m.enrich(tc, from, target)

	r, ok := m.matchLocked(ctx, target, enriched)
	if !ok {
		m.mu.Unlock()
		m.recordDenied(from, target, "no passing rule")
		return false
	}

	if r.action != nil && !r.action(ctx, enriched) {
		m.mu.Unlock()
		m.recordDenied(from, target, "action aborted")
		return false
	}

	entry := model.HistoryEntry{
		From:         from,
		To:           target,
		Timestamp:    time.Now().UTC(),
		Context:      scrubContext(enriched),
		TransitionID: r.id,
	}
	m.history = append(m.history, entry)
	m.current = target
	m.enteredAt = entry.Timestamp
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordTransition(string(from), string(target))
	}
	m.logger.Info("state transition",
		zap.String("subject_id", m.subjectID),
		zap.String("from_state", string(from)),
		zap.String("to_state", string(target)))
	m.archiveEntry(ctx, entry)
	return true
}

// AvailableTransitions returns the target states reachable from the
// current state whose guards pass with the given context.
func (m *Machine) AvailableTransitions(ctx context.Context, tc model.TransitionContext) []model.State {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[model.State]bool)
	var out []model.State
	for _, r := range m.rules {
		if r.from != m.current || seen[r.to] {
			continue
		}
		enriched := m.enrich(tc, m.current, r.to)
		if r.condition == nil || r.condition(ctx, enriched) {
			seen[r.to] = true
			out = append(out, r.to)
		}
	}
	return out
}

// ForceStateChange moves the machine to newState unconditionally,
// bypassing guards and actions. Intended for administrative correction;
// the history entry is marked forced.
func (m *Machine) ForceStateChange(newState model.State, reason string) {
	m.mu.Lock()
	from := m.current
	entry := model.HistoryEntry{
		From:      from,
		To:        newState,
		Timestamp: time.Now().UTC(),
		Forced:    true,
		Reason:    reason,
	}
	m.history = append(m.history, entry)
	m.current = newState
	m.enteredAt = entry.Timestamp
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordForcedTransition()
	}
	m.logger.Warn("forced state change",
		zap.String("subject_id", m.subjectID),
		zap.String("from_state", string(from)),
		zap.String("to_state", string(newState)),
		zap.String("reason", reason))
	m.archiveEntry(context.Background(), entry)
}

// TriggerEmergency escalates to the emergency state through the normal
// guarded path, setting the emergency flag on the supplied context.
func (m *Machine) TriggerEmergency(ctx context.Context, tc model.TransitionContext) bool {
	enriched := tc.Clone()
	enriched[model.CtxIsEmergency] = true

	ok := m.TransitionTo(ctx, model.StateEmergency, enriched)
	if ok && m.metrics != nil {
		m.metrics.RecordEmergencyOverride()
	}
	return ok
}

// IsEmergency reports whether the machine is in the emergency state.
func (m *Machine) IsEmergency() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == model.StateEmergency
}

// CurrentState returns the machine's current state.
func (m *Machine) CurrentState() model.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SubjectID returns the subject this machine tracks.
func (m *Machine) SubjectID() string {
	return m.subjectID
}

// History returns a copy of the transition history, oldest first.
func (m *Machine) History() []model.HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.HistoryEntry(nil), m.history...)
}

// TimeInState returns how long the machine has been in its current state.
func (m *Machine) TimeInState() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.enteredAt)
}

// StateInfo is a point-in-time summary of a machine.
type StateInfo struct {
	SubjectID   string        `json:"subject_id"`
	State       model.State   `json:"state"`
	EnteredAt   time.Time     `json:"entered_at"`
	TimeInState time.Duration `json:"time_in_state"`
	Transitions int           `json:"transitions"`
	RuleTargets []model.State `json:"rule_targets"`
}

// StateInfo returns a summary of the machine. RuleTargets lists declared
// outgoing edges without evaluating guards.
func (m *Machine) StateInfo() StateInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[model.State]bool)
	var targets []model.State
	for _, r := range m.rules {
		if r.from == m.current && !seen[r.to] {
			seen[r.to] = true
			targets = append(targets, r.to)
		}
	}
	return StateInfo{
		SubjectID:   m.subjectID,
		State:       m.current,
		EnteredAt:   m.enteredAt,
		TimeInState: time.Since(m.enteredAt),
		Transitions: len(m.history),
		RuleTargets: targets,
	}
}

// archiveEntry writes a history entry to the durable archive, if one is
// configured. Failures are logged and swallowed.
func (m *Machine) archiveEntry(ctx context.Context, entry model.HistoryEntry) {
	if m.archive == nil {
		return
	}
	if err := m.archive.Append(ctx, m.subjectID, entry); err != nil {
		m.logger.Error("history archive append failed",
			zap.String("subject_id", m.subjectID),
			zap.Error(err))
	}
}

func (m *Machine) recordDenied(from, to model.State, reason string) {
	if m.metrics != nil {
		m.metrics.RecordTransitionDenied(string(from), string(to))
	}
	m.logger.Debug("transition denied",
		zap.String("subject_id", m.subjectID),
		zap.String("from_state", string(from)),
		zap.String("to_state", string(to)),
		zap.String("reason", reason))
}

// scrubContext strips the subject id from a context before it is logged
// or archived.
func scrubContext(tc model.TransitionContext) model.TransitionContext {
	out := tc.Clone()
	delete(out, model.CtxSubjectID)
	return out
}
