package models

type Webhook struct {
	ID              string `json:"id"`
	OrganizationID  string `json:"organization_id"`
	FlowID          string `json:"flow_id"`
	EnvironmentID   string `json:"environment_id"`
	Slug            string `json:"slug"`
	Secret          string `json:"-"` // HMAC signing key, returned once on create
	Status          string `json:"status"` // active, paused
	LastTriggeredAt *int64 `json:"last_triggered_at,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
}

const (
	WebhookActive = "active"
	WebhookPaused = "paused"
)
