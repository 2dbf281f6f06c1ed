package types

// DefinitionStatus is the lifecycle status of a workflow definition.
type DefinitionStatus string

const (
	DefinitionDraft    DefinitionStatus = "draft"
	DefinitionActive   DefinitionStatus = "active"
	DefinitionPaused   DefinitionStatus = "paused"
	DefinitionArchived DefinitionStatus = "archived"
)

// StepType is the closed set of step kinds a definition may contain.
type StepType string

const (
	StepSendMessage   StepType = "send_message"
	StepMutateContact StepType = "mutate_contact"
	StepHTTPCall      StepType = "http_call"
	StepWait          StepType = "wait"
	StepCondition     StepType = "condition"
	StepSplit         StepType = "split"
	StepGoal          StepType = "goal"
	StepTerminal      StepType = "terminal"
)

// StepTypes lists every known step type.
var StepTypes = []StepType{
	StepSendMessage, StepMutateContact, StepHTTPCall, StepWait,
	StepCondition, StepSplit, StepGoal, StepTerminal,
}

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	for _, known := range StepTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Branching reports whether steps of this type select a successor by branch name.
func (t StepType) Branching() bool {
	return t == StepCondition || t == StepSplit || t == StepGoal
}

// Branch names used by condition and goal steps.
const (
	BranchTrue    = "true"
	BranchFalse   = "false"
	BranchSuccess = "success"
	BranchTimeout = "timeout"
)

// WorkflowDefinition is a versioned automation graph.
// Version 0 holds the editable draft; published versions start at 1.
type WorkflowDefinition struct {
	ID           uint64           `json:"id" yaml:"id"`
	Name         string           `json:"name" yaml:"name"`
	Version      int              `json:"version" yaml:"version"`
	Status       DefinitionStatus `json:"status" yaml:"status"`
	AllowReentry bool             `json:"allow_reentry,omitempty" yaml:"allow_reentry,omitempty"`
	Trigger      Trigger          `json:"trigger" yaml:"trigger"`
	StartStep    string           `json:"start_step,omitempty" yaml:"start_step,omitempty"`
	Steps        []Step           `json:"steps" yaml:"steps"`
	CreatedAt    int64            `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt    int64            `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Step returns the step with the given id.
func (d WorkflowDefinition) Step(id string) (Step, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Entry returns the id of the first step executed on enrollment.
func (d WorkflowDefinition) Entry() string {
	if d.StartStep != "" {
		return d.StartStep
	}
	if len(d.Steps) > 0 {
		return d.Steps[0].ID
	}
	return ""
}

// Trigger kinds. Inbound CRM events carry one of these as their type.
const (
	TriggerContactCreated  = "contact_created"
	TriggerTagAdded        = "tag_added"
	TriggerTagRemoved      = "tag_removed"
	TriggerFieldChanged    = "field_changed"
	TriggerMessageReceived = "message_received"
	TriggerMessageReplied  = "message_replied"
	TriggerManual          = "manual"
)

// TriggerTypes lists every trigger kind a definition may use.
var TriggerTypes = []string{
	TriggerContactCreated, TriggerTagAdded, TriggerTagRemoved, TriggerFieldChanged,
	TriggerMessageReceived, TriggerMessageReplied, TriggerManual,
}

// Trigger is the event kind plus filter that causes new enrollments.
type Trigger struct {
	Type   string     `json:"type" yaml:"type"`
	Filter *Predicate `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// Step is one node of a definition graph.
type Step struct {
	ID       string                 `json:"id" yaml:"id"`
	Type     StepType               `json:"type" yaml:"type"`
	Name     string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Config   map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	Next     string                 `json:"next,omitempty" yaml:"next,omitempty"`
	Branches map[string]string      `json:"branches,omitempty" yaml:"branches,omitempty"`
}

// Successors returns every step id this step can move to.
func (s Step) Successors() []string {
	var out []string
	if s.Next != "" {
		out = append(out, s.Next)
	}
	for _, target := range s.Branches {
		out = append(out, target)
	}
	return out
}

// Predicate is a node of an AND/OR/NOT tree over field comparisons.
// Exactly one member is set.
type Predicate struct {
	All       []Predicate `json:"all,omitempty" yaml:"all,omitempty"`
	Any       []Predicate `json:"any,omitempty" yaml:"any,omitempty"`
	Not       *Predicate  `json:"not,omitempty" yaml:"not,omitempty"`
	Condition *Condition  `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Condition compares a resolved field against a value.
type Condition struct {
	Field    string      `json:"field" yaml:"field" jsonschema:"required,minLength=1"`
	Operator string      `json:"operator" yaml:"operator" jsonschema:"required,enum=equals,enum=not_equals,enum=contains,enum=exists,enum=greater_than,enum=less_than,enum=within_duration"`
	Value    interface{} `json:"value,omitempty" yaml:"value"`
}

// EnrollmentStatus is the lifecycle status of an enrollment.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentWaiting   EnrollmentStatus = "waiting"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentExited    EnrollmentStatus = "exited"
	EnrollmentFailed    EnrollmentStatus = "failed"
)

// Open reports whether the status still holds the (definition, contact) slot.
func (s EnrollmentStatus) Open() bool {
	return s == EnrollmentActive || s == EnrollmentWaiting
}

// Enrollment is the run of one contact through one pinned definition version.
type Enrollment struct {
	ID                uint64                            `json:"id"`
	DefinitionID      uint64                            `json:"definition_id"`
	DefinitionVersion int                               `json:"definition_version"`
	ContactID         string                            `json:"contact_id"`
	Status            EnrollmentStatus                  `json:"status"`
	CurrentStepID     string                            `json:"current_step_id"`
	ResumeStepID      string                            `json:"resume_step_id,omitempty"`
	PendingWakeID     uint64                            `json:"pending_wake_id,omitempty"`
	StepCount         int                               `json:"step_count"`
	SplitSeed         int64                             `json:"split_seed"`
	Context           map[string]map[string]interface{} `json:"context"`
	LeaseOwner        string                            `json:"lease_owner,omitempty"`
	LeaseExpiresAt    int64                             `json:"lease_expires_at,omitempty"`
	ExitReason        string                            `json:"exit_reason,omitempty"`
	CreatedAt         int64                             `json:"created_at"`
	UpdatedAt         int64                             `json:"updated_at"`
	CompletedAt       int64                             `json:"completed_at,omitempty"`
}

// LogStatus is the status of a single step attempt.
type LogStatus string

const (
	LogPending   LogStatus = "pending"
	LogRunning   LogStatus = "running"
	LogCompleted LogStatus = "completed"
	LogFailed    LogStatus = "failed"
	LogSkipped   LogStatus = "skipped"
)

// Final reports whether a log entry with this status can no longer change.
func (s LogStatus) Final() bool {
	return s == LogCompleted || s == LogFailed || s == LogSkipped
}

// StepExecutionLog records one attempt of one step.
type StepExecutionLog struct {
	ID             uint64                 `json:"id"`
	EnrollmentID   uint64                 `json:"enrollment_id"`
	StepID         string                 `json:"step_id"`
	StepType       StepType               `json:"step_type"`
	Attempt        int                    `json:"attempt"`
	Status         LogStatus              `json:"status"`
	Input          map[string]interface{} `json:"input,omitempty"`
	Output         map[string]interface{} `json:"output,omitempty"`
	Error          string                 `json:"error,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	StartedAt      int64                  `json:"started_at"`
	FinishedAt     int64                  `json:"finished_at,omitempty"`
}

// WakeStatus is the status of a scheduled wake.
type WakeStatus string

const (
	WakePending    WakeStatus = "pending"
	WakeClaimed    WakeStatus = "claimed"
	WakeDone       WakeStatus = "done"
	WakeDeadLetter WakeStatus = "dead_letter"
)

// ScheduledWake instructs the scheduler to resume an enrollment at a step
// no earlier than DueAt.
type ScheduledWake struct {
	ID             uint64     `json:"id"`
	EnrollmentID   uint64     `json:"enrollment_id"`
	StepID         string     `json:"step_id"`
	DueAt          int64      `json:"due_at"`
	Status         WakeStatus `json:"status"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	ClaimOwner     string     `json:"claim_owner,omitempty"`
	LeaseExpiresAt int64      `json:"lease_expires_at,omitempty"`
	CreatedAt      int64      `json:"created_at"`
	UpdatedAt      int64      `json:"updated_at"`
}
