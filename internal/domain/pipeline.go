package domain

import (
	"time"

	"github.com/google/uuid"
)

// Pipeline is an ordered list of stages a deal moves through. Three ship
// by default (research-lab, b2b-lab-enablement, panel-co-creation) plus a
// default catch-all.
type Pipeline struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Slug      string    `json:"slug" db:"slug"`
	Name      string    `json:"name" db:"name"`
	IsDefault bool      `json:"is_default" db:"is_default"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// StageHook is one entry of a stage's automation_config: an ordered
// trigger/action pair run when a deal enters the stage.
type StageHook struct {
	Trigger      TriggerType    `json:"trigger"`
	ActionType   ActionType     `json:"action_type"`
	ActionConfig map[string]any `json:"action_config"`
}

// PipelineStage is a single column of a pipeline.
type PipelineStage struct {
	ID               uuid.UUID   `json:"id" db:"id"`
	PipelineID       uuid.UUID   `json:"pipeline_id" db:"pipeline_id"`
	Slug             string      `json:"slug" db:"slug"`
	Name             string      `json:"name" db:"name"`
	Position         int         `json:"position" db:"position"`
	StageType        string      `json:"stage_type" db:"stage_type"`
	AutomationConfig []StageHook `json:"automation_config" db:"automation_config"`
}

// DealStatus enumerates the lifecycle of a deal.
type DealStatus string

const (
	DealOpen DealStatus = "open"
	DealWon  DealStatus = "won"
	DealLost DealStatus = "lost"
)

// Deal is a lead's representation inside one pipeline. At most one deal
// exists per (lead, pipeline); the table carries that uniqueness.
type Deal struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	LeadID         uuid.UUID  `json:"lead_id" db:"lead_id"`
	PipelineID     uuid.UUID  `json:"pipeline_id" db:"pipeline_id"`
	StageID        uuid.UUID  `json:"stage_id" db:"stage_id"`
	Position       int        `json:"position" db:"position"`
	Value          float64    `json:"value" db:"value"`
	Currency       string     `json:"currency" db:"currency"`
	Status         DealStatus `json:"status" db:"status"`
	StageEnteredAt time.Time  `json:"stage_entered_at" db:"stage_entered_at"`
	AssignedTo     *string    `json:"assigned_to" db:"assigned_to"`
	ClosedAt       *time.Time `json:"closed_at" db:"closed_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// TaskStatus enumerates the lifecycle of a task.
type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Task is a follow-up item, typically created by automation actions.
type Task struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	LeadID           *uuid.UUID `json:"lead_id" db:"lead_id"`
	DealID           *uuid.UUID `json:"deal_id" db:"deal_id"`
	Title            string     `json:"title" db:"title"`
	DueDate          *time.Time `json:"due_date" db:"due_date"`
	Status           TaskStatus `json:"status" db:"status"`
	AutomationRuleID *uuid.UUID `json:"automation_rule_id" db:"automation_rule_id"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
}
