package domain

import (
	"time"

	"github.com/google/uuid"
)

// TriggerType enumerates the events an automation rule can fire on.
type TriggerType string

const (
	TriggerEvent          TriggerType = "event"
	TriggerScoreThreshold TriggerType = "score_threshold"
	TriggerIntentDetected TriggerType = "intent_detected"
	TriggerStageChange    TriggerType = "stage_change"
	TriggerTimeInStage    TriggerType = "time_in_stage"
)

// ActionType enumerates what an automation rule does when it fires.
type ActionType string

const (
	ActionSendNotification ActionType = "send_notification"
	ActionCreateTask       ActionType = "create_task"
	ActionUpdateField      ActionType = "update_field"
	ActionRouteToPipeline  ActionType = "route_to_pipeline"
	ActionSyncMoco         ActionType = "sync_moco"
)

// AutomationRule is static configuration read at worker startup. Rules are
// evaluated in priority asc order and fire at most once per trigger
// invocation.
type AutomationRule struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	Name           string         `json:"name" db:"name"`
	TriggerType    TriggerType    `json:"trigger_type" db:"trigger_type"`
	TriggerConfig  map[string]any `json:"trigger_config" db:"trigger_config"`
	ActionType     ActionType     `json:"action_type" db:"action_type"`
	ActionConfig   map[string]any `json:"action_config" db:"action_config"`
	Priority       int            `json:"priority" db:"priority"`
	IsActive       bool           `json:"is_active" db:"is_active"`
	ExecutionCount int            `json:"execution_count" db:"execution_count"`
	LastExecutedAt *time.Time     `json:"last_executed_at" db:"last_executed_at"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}
