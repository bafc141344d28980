package models

import "time"

type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

type EntityProgress struct {
	Status StepStatus `json:"status"`
	Count  int        `json:"count"`
}

type ProgressStatus string

const (
	ProgressQueued    ProgressStatus = "queued"
	ProgressRunning   ProgressStatus = "running"
	ProgressCompleted ProgressStatus = "completed"
	ProgressFailed    ProgressStatus = "failed"
)

// SyncProgress is the record UI clients poll while a sync runs.
type SyncProgress struct {
	SyncID     string                    `json:"sync_id"`
	UserID     string                    `json:"user_id"`
	Status     ProgressStatus            `json:"status"`
	Percentage int                       `json:"percentage"`
	Step       string                    `json:"step"`
	Entities   map[Entity]EntityProgress `json:"entities"`
	Error      *string                   `json:"error,omitempty"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

func (p SyncProgress) Terminal() bool {
	return p.Status == ProgressCompleted || p.Status == ProgressFailed
}
