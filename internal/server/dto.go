package server

import (
	"pidline/internal/domain"
	"pidline/internal/lifecycle"
	"pidline/internal/queue"
)

// Request payloads

type MintRequest struct {
	State domain.IdentifierState `json:"state,omitempty" enum:"draft,registered,findable" doc:"Initial state; defaults to the group's configured state"`
}

type DeactivateRequest struct {
	Reason string `json:"reason,omitempty" maxLength:"1000"`
}

type EnqueueJobRequest struct {
	RecordID    int64         `json:"record_id" minimum:"1"`
	Action      domain.Action `json:"action" enum:"mint,update,verify"`
	Priority    int           `json:"priority,omitempty"`
	ScheduledAt string        `json:"scheduled_at,omitempty" format:"date-time"`
	MaxAttempts int           `json:"max_attempts,omitempty" minimum:"0"`
}

type DispatchRequest struct {
	BatchSize int `json:"batch_size,omitempty" minimum:"0" maximum:"500"`
}

type BulkFilterRequest struct {
	Group string                 `json:"group,omitempty"`
	State domain.IdentifierState `json:"state,omitempty" enum:"draft,registered,findable,deleted"`
	Limit int                    `json:"limit,omitempty" minimum:"0"`
}

type BulkEnqueueRequest struct {
	BulkFilterRequest
	Action   domain.Action `json:"action" enum:"mint,update,verify"`
	Priority int           `json:"priority,omitempty"`
}

type AutoMintRequest struct {
	Limit    int `json:"limit,omitempty" minimum:"0"`
	Priority int `json:"priority,omitempty"`
}

// Response payloads

type ResultResponse = lifecycle.Result

type EnqueueJobResponse struct {
	Job     domain.Job `json:"job"`
	Created bool       `json:"created"`
}

type JobStatsResponse struct {
	Counts map[domain.JobStatus]int `json:"counts"`
}

type BulkEnqueueResponse struct {
	Enqueued int `json:"enqueued"`
}

type DispatchResponse = queue.TickReport

type paginatedActions struct {
	Items      []domain.ActionLogEntry `json:"items"`
	NextCursor string                  `json:"next_cursor,omitempty"`
}

type paginatedIdentifiers struct {
	Items      []domain.IdentifierRecord `json:"items"`
	NextCursor string                    `json:"next_cursor,omitempty"`
}

type paginatedJobs struct {
	Items []domain.Job `json:"items"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
