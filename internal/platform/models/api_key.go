package models

type APIKey struct {
	ID             string   `json:"id"`
	OrganizationID string   `json:"organization_id"`
	EnvironmentID  string   `json:"environment_id"`
	Name           string   `json:"name"`
	KeyHash        string   `json:"-"`
	KeyPrefix      string   `json:"key_prefix"`
	Scopes         []string `json:"scopes"`                 // JSON array in DB
	IPAllowlist    []string `json:"ip_allowlist,omitempty"` // JSON array in DB, empty = any
	RatePerMinute  int      `json:"rate_per_minute"`        // 0 = server default
	LastUsedAt     *int64   `json:"last_used_at,omitempty"`
	CreatedAt      int64    `json:"created_at"`
	RevokedAt      *int64   `json:"revoked_at,omitempty"`
}

func (k *APIKey) Revoked() bool {
	return k.RevokedAt != nil
}

// HasScope reports whether the key carries a single scope.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

const (
	ScopeFlows  = "flows"
	ScopeImages = "images"
	ScopeVideos = "videos"
)
