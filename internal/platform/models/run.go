package models

type RunStatus = string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

type NodeStatus = string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

type TriggerType = string

const (
	TriggerManual    TriggerType = "manual"
	TriggerWebhook   TriggerType = "webhook"
	TriggerAPI       TriggerType = "api"
	TriggerScheduled TriggerType = "scheduled"
)

// Run is one execution attempt of a published flow. Immutable once terminal.
type Run struct {
	ID             string                 `json:"id"`
	FlowID         string                 `json:"flow_id"`
	OrganizationID string                 `json:"organization_id"`
	TriggerType    TriggerType            `json:"trigger_type"`
	TriggeredBy    string                 `json:"triggered_by,omitempty"`
	InputPayload   map[string]interface{} `json:"input_payload,omitempty"` // JSON object in DB
	Status         RunStatus              `json:"status"`
	TotalSparks    int                    `json:"total_sparks"`
	StartedAt      *int64                 `json:"started_at,omitempty"`  // unix millis
	FinishedAt     *int64                 `json:"finished_at,omitempty"` // unix millis
	CreatedAt      int64                  `json:"created_at"`
}

func (r *Run) Terminal() bool {
	switch r.Status {
	case RunSucceeded, RunFailed, RunCanceled:
		return true
	}
	return false
}

// RunNode is the execution record of a single node within a run.
type RunNode struct {
	ID           string                 `json:"id"`
	RunID        string                 `json:"run_id"`
	NodeID       string                 `json:"node_id"`
	NodeType     string                 `json:"node_type"`
	Status       NodeStatus             `json:"status"`
	Output       map[string]interface{} `json:"output,omitempty"` // JSON object in DB
	SparksUsed   int                    `json:"sparks_used"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	StartedAt    *int64                 `json:"started_at,omitempty"`  // unix millis
	FinishedAt   *int64                 `json:"finished_at,omitempty"` // unix millis
}
