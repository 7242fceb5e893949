package models

type Organization struct {
	ID        string `json:"id"`
	Slug      string `json:"slug"`
	Name      string `json:"name"`
	PlanTier  string `json:"plan_tier"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
	DeletedAt *int64 `json:"deleted_at,omitempty"`
}

// Environment is a named isolation partition within an organization.
// Exactly one "sandbox" and one "production" row exist per org; they are
// auto-provisioned on first access.
type Environment struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"` // sandbox, production
	CreatedAt      int64  `json:"created_at"`
}

const (
	EnvSandbox    = "sandbox"
	EnvProduction = "production"
)
