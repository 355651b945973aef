package model

import "time"

// State is one value of the care lifecycle.
type State string

// Care lifecycle states. The set is closed; discharge is conventionally
// terminal but not structurally prevented from further transitions.
const (
	StatePatientIntake     State = "patient_intake"
	StateTriage            State = "triage"
	StateInitialAssessment State = "initial_assessment"
	StateDiagnosis         State = "diagnosis"
	StateTreatmentPlanning State = "treatment_planning"
	StateTreatment         State = "treatment"
	StateMonitoring        State = "monitoring"
	StateFollowUp          State = "follow_up"
	StateDischarge         State = "discharge"
	StateEmergency         State = "emergency"
)

// Context keys the state machine injects before evaluating guards.
const (
	CtxFromState   = "from_state"
	CtxToState     = "to_state"
	CtxSubjectID   = "subject_id"
	CtxIsEmergency = "is_emergency"
)

// TransitionContext carries caller-supplied data into transition guards
// and actions.
type TransitionContext map[string]any

// Clone returns a shallow copy so enrichment never mutates the caller's map.
func (tc TransitionContext) Clone() TransitionContext {
	out := make(TransitionContext, len(tc)+3)
	for k, v := range tc {
		out[k] = v
	}
	return out
}

// Bool reads a boolean flag from the context, defaulting to false.
func (tc TransitionContext) Bool(key string) bool {
	v, _ := tc[key].(bool)
	return v
}

// HistoryEntry is one append-only record of a state change. Forced entries
// bypass guard evaluation. The subject id is stripped from the logged
// context for privacy.
type HistoryEntry struct {
	From         State             `json:"from_state"`
	To           State             `json:"to_state"`
	Timestamp    time.Time         `json:"timestamp"`
	Context      TransitionContext `json:"context,omitempty"`
	Forced       bool              `json:"forced,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	TransitionID string            `json:"transition_id,omitempty"`
}
