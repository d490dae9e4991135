package schema

import "encoding/json"

// ActionDefinition is a template-level action node. The engine never inspects
// the executable payload behind Action; it only asks a collaborator to run it.
type ActionDefinition struct {
	ID           string          `json:"id"`
	Name         string          `json:"name,omitempty"`
	Sequence     int             `json:"sequence,omitempty"`
	Action       string          `json:"action"`
	Params       json.RawMessage `json:"params,omitempty"`
	Predecessors []string        `json:"predecessors,omitempty"` // ActionDefinition IDs within the same template
}

// Template is an ordered collection of action definitions plus the optional
// trigger-side configuration used by the externally-triggered entry path.
type Template struct {
	Ref     string             `json:"ref"`
	Name    string             `json:"name,omitempty"`
	Actions []ActionDefinition `json:"actions"`

	// Trigger configuration. All three are optional; they only apply when a
	// runtime is instantiated through trigger.Service rather than directly.
	PayloadSchema   json.RawMessage `json:"payload_schema,omitempty"`   // JSON schema for trigger payloads
	RecordGetter    string          `json:"record_getter,omitempty"`    // gojq expression locating the target record in the payload
	FilterCondition string          `json:"filter_condition,omitempty"` // CEL expression gating instantiation
}

// RuntimeState is the lifecycle state of a runtime instance.
type RuntimeState string

const (
	RuntimeStateDraft      RuntimeState = "draft"
	RuntimeStateInProgress RuntimeState = "in_progress"
	RuntimeStateDone       RuntimeState = "done"
	RuntimeStateCancel     RuntimeState = "cancel"
)

// StepState is the lifecycle state of a step instance.
type StepState string

const (
	StepStateWaiting StepState = "waiting"
	StepStateReady   StepState = "ready"
	StepStateDone    StepState = "done"
	StepStateError   StepState = "error"
	StepStateCancel  StepState = "cancel"
)

// TerminalStep reports whether s is a terminal step state.
func TerminalStep(s StepState) bool {
	return s == StepStateDone || s == StepStateError || s == StepStateCancel
}

// TerminalRuntime reports whether s is a terminal runtime state.
func TerminalRuntime(s RuntimeState) bool {
	return s == RuntimeStateDone || s == RuntimeStateCancel
}

// TargetContext carries the business context a runtime instance executes
// against. PartnerID is the required principal; CompanyID is the optional
// multi-tenant scope.
type TargetContext struct {
	PartnerID     string  `json:"partner_id"`
	DiffPartnerID string  `json:"diff_partner_id,omitempty"`
	Amount        float64 `json:"amount,omitempty"`
	CurrencyID    string  `json:"currency_id,omitempty"`
	Date          string  `json:"date,omitempty"`
	Reference     string  `json:"reference,omitempty"`
	CompanyID     string  `json:"company_id,omitempty"`
}

// Well-known execution context keys. The step executor tags runtime scalar
// fields under these keys when assembling the collaborator context.
const (
	CtxPartnerID     = "default_partner_id"
	CtxDiffPartnerID = "default_diff_partner_id"
	CtxAmount        = "default_amount"
	CtxCurrencyID    = "default_currency_id"
	CtxReference     = "default_reference"
	CtxDate          = "default_date"
	CtxCompanyID     = "target_company_id"
	CtxRuntimeID     = "runtime_id"
	CtxStepID        = "step_id"
)
