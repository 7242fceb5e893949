package audit

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Entry struct {
	ID             string                 `json:"id"`
	OrganizationID string                 `json:"organization_id"`
	ActorID        string                 `json:"actor_id"`
	Action         string                 `json:"action"`
	ResourceType   string                 `json:"resource_type"`
	ResourceID     string                 `json:"resource_id"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      int64                  `json:"created_at"`
}

// Logger records lifecycle actions (key issued, key revoked, flow published,
// webhook paused, ...) without blocking the request path.
type Logger struct {
	db *sql.DB
}

func NewLogger(db *sql.DB) *Logger {
	return &Logger{db: db}
}

func (l *Logger) Log(orgID, actorID, action, resourceType, resourceID string, metadata map[string]interface{}) {
	entry := &Entry{
		ID:             "audit_" + uuid.New().String(),
		OrganizationID: orgID,
		ActorID:        actorID,
		Action:         action,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		Metadata:       metadata,
		CreatedAt:      time.Now().Unix(),
	}

	metaJSON, _ := json.Marshal(metadata)

	go func() {
		_, err := l.db.Exec(`
			INSERT INTO audit_logs (id, organization_id, actor_id, action, resource_type, resource_id, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, entry.ID, entry.OrganizationID, entry.ActorID, entry.Action, entry.ResourceType, entry.ResourceID,
			string(metaJSON), entry.CreatedAt)
		if err != nil {
			log.Error().Err(err).Str("action", action).Msg("audit write failed")
		}
	}()
}
