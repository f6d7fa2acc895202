package domain

import "encoding/json"

// IdentifierState is the lifecycle state of a registered identifier.
type IdentifierState string

const (
	StateNone       IdentifierState = "none"
	StateDraft      IdentifierState = "draft"
	StateRegistered IdentifierState = "registered"
	StateFindable   IdentifierState = "findable"
	StateDeleted    IdentifierState = "deleted"
)

// Valid reports whether s is a persisted state.
func (s IdentifierState) Valid() bool {
	switch s {
	case StateDraft, StateRegistered, StateFindable, StateDeleted:
		return true
	}
	return false
}

// Mintable reports whether s may be chosen as the initial state of a mint.
func (s IdentifierState) Mintable() bool {
	switch s {
	case StateDraft, StateRegistered, StateFindable:
		return true
	}
	return false
}

func ParseState(v string) (IdentifierState, bool) {
	s := IdentifierState(v)
	return s, s.Valid()
}

// Action is a lifecycle operation on an identifier.
type Action string

const (
	ActionMint       Action = "mint"
	ActionUpdate     Action = "update"
	ActionVerify     Action = "verify"
	ActionDeactivate Action = "deactivate"
	ActionReactivate Action = "reactivate"
)

// Queueable reports whether a can be requested asynchronously.
func (a Action) Queueable() bool {
	switch a {
	case ActionMint, ActionUpdate, ActionVerify:
		return true
	}
	return false
}

// LogAction is the action recorded in the action log.
type LogAction string

const (
	LogMint             LogAction = "mint"
	LogMintFailed       LogAction = "mint_failed"
	LogUpdate           LogAction = "update"
	LogUpdateFailed     LogAction = "update_failed"
	LogVerify           LogAction = "verify"
	LogDeactivate       LogAction = "deactivate"
	LogDeactivateFailed LogAction = "deactivate_failed"
	LogReactivate       LogAction = "reactivate"
	LogReactivateFailed LogAction = "reactivate_failed"
)

// LogActionFor returns the log action for the outcome of a.
func LogActionFor(a Action, ok bool) LogAction {
	switch a {
	case ActionMint:
		if ok {
			return LogMint
		}
		return LogMintFailed
	case ActionUpdate:
		if ok {
			return LogUpdate
		}
		return LogUpdateFailed
	case ActionVerify:
		return LogVerify
	case ActionDeactivate:
		if ok {
			return LogDeactivate
		}
		return LogDeactivateFailed
	case ActionReactivate:
		if ok {
			return LogReactivate
		}
		return LogReactivateFailed
	}
	return LogAction(string(a))
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// SourceRecord is the archival description an identifier is minted for.
// Properties holds extension values used by lookup mapping rules.
type SourceRecord struct {
	ID               int64             `json:"id" yaml:"id"`
	Title            string            `json:"title" yaml:"title"`
	Identifier       string            `json:"identifier,omitempty" yaml:"identifier"`
	Slug             string            `json:"slug,omitempty" yaml:"slug"`
	RepositoryCode   string            `json:"repository_code,omitempty" yaml:"repository_code"`
	Level            string            `json:"level,omitempty" yaml:"level"`
	DateDisplay      string            `json:"date_display,omitempty" yaml:"date_display"`
	DateStart        string            `json:"date_start,omitempty" yaml:"date_start"`
	DateEnd          string            `json:"date_end,omitempty" yaml:"date_end"`
	Creators         string            `json:"creators,omitempty" yaml:"creators"`
	Contributors     string            `json:"contributors,omitempty" yaml:"contributors"`
	Description      string            `json:"description,omitempty" yaml:"description"`
	Subjects         string            `json:"subjects,omitempty" yaml:"subjects"`
	Language         string            `json:"language,omitempty" yaml:"language"`
	HasDigitalObject bool              `json:"has_digital_object" yaml:"has_digital_object"`
	Properties       map[string]string `json:"properties,omitempty" yaml:"properties"`
	UpdatedAt        string            `json:"updated_at,omitempty" yaml:"-" format:"date-time"`
}

type IdentifierRecord struct {
	ID                    string          `json:"id"`
	Identifier            string          `json:"identifier"`
	RecordID              int64           `json:"record_id"`
	GroupCode             string          `json:"group_code,omitempty"`
	State                 IdentifierState `json:"state" enum:"draft,registered,findable,deleted"`
	LastRegisteredPayload json.RawMessage `json:"last_registered_payload,omitempty"`
	LastSyncAt            *string         `json:"last_sync_at,omitempty" format:"date-time"`
	DeactivationReason    *string         `json:"deactivation_reason,omitempty"`
	CreatedAt             string          `json:"created_at" format:"date-time"`
	UpdatedAt             string          `json:"updated_at" format:"date-time"`
}

type ActionLogEntry struct {
	ID           int64           `json:"id"`
	IdentifierID *string         `json:"identifier_id,omitempty"`
	RecordID     int64           `json:"record_id"`
	Action       LogAction       `json:"action"`
	StateBefore  IdentifierState `json:"state_before"`
	StateAfter   IdentifierState `json:"state_after"`
	Details      map[string]any  `json:"details,omitempty"`
	ActorID      string          `json:"actor_id"`
	TS           string          `json:"ts" format:"date-time"`
}

// RecordLock is the workspace-wide lease serializing lifecycle operations on
// one record across processes.
type RecordLock struct {
	RecordID   int64  `json:"record_id"`
	Holder     string `json:"holder"`
	AcquiredAt string `json:"acquired_at"`
	ExpiresAt  string `json:"expires_at"`
}

type Job struct {
	ID          int64     `json:"id"`
	RecordID    int64     `json:"record_id"`
	Action      Action    `json:"action" enum:"mint,update,verify"`
	Status      JobStatus `json:"status" enum:"pending,processing,completed,failed"`
	Priority    int       `json:"priority"`
	ScheduledAt string    `json:"scheduled_at" format:"date-time"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   *string   `json:"last_error,omitempty"`
	CreatedAt   string    `json:"created_at" format:"date-time"`
	StartedAt   *string   `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string   `json:"completed_at,omitempty" format:"date-time"`
}
