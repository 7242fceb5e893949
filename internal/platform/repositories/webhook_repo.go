package repositories

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"forge/internal/platform/models"
)

type WebhookRepository struct {
	db *sql.DB
}

func NewWebhookRepository(db *sql.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

func (r *WebhookRepository) Create(webhook *models.Webhook) error {
	if webhook.ID == "" {
		webhook.ID = "wh_" + uuid.New().String()
	}
	now := time.Now().Unix()
	webhook.CreatedAt = now
	webhook.UpdatedAt = now
	if webhook.Status == "" {
		webhook.Status = models.WebhookActive
	}

	query := `
		INSERT INTO webhooks (id, organization_id, flow_id, environment_id, slug, secret, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, webhook.ID, webhook.OrganizationID, webhook.FlowID, webhook.EnvironmentID,
		webhook.Slug, webhook.Secret, webhook.Status, webhook.CreatedAt, webhook.UpdatedAt)
	return err
}

const webhookColumns = `id, organization_id, flow_id, environment_id, slug, secret, status, last_triggered_at, created_at, updated_at`

func (r *WebhookRepository) GetBySlug(slug string) (*models.Webhook, error) {
	row := r.db.QueryRow(`SELECT `+webhookColumns+` FROM webhooks WHERE slug = ?`, slug)
	wh, err := scanWebhook(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return wh, nil
}

func (r *WebhookRepository) GetByIDAndOrg(id, orgID string) (*models.Webhook, error) {
	row := r.db.QueryRow(`SELECT `+webhookColumns+` FROM webhooks WHERE id = ? AND organization_id = ?`, id, orgID)
	wh, err := scanWebhook(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return wh, nil
}

func (r *WebhookRepository) ListByOrg(orgID string) ([]*models.Webhook, error) {
	rows, err := r.db.Query(`SELECT `+webhookColumns+` FROM webhooks WHERE organization_id = ? ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var webhooks []*models.Webhook
	for rows.Next() {
		wh, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		webhooks = append(webhooks, wh)
	}
	return webhooks, rows.Err()
}

func (r *WebhookRepository) UpdateStatus(id, status string) error {
	_, err := r.db.Exec(`UPDATE webhooks SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().Unix(), id)
	return err
}

// PauseByFlow disables every webhook pointing at a flow. Used when the flow is
// deleted, since the store has no cascading constraints.
func (r *WebhookRepository) PauseByFlow(flowID string) error {
	_, err := r.db.Exec(`UPDATE webhooks SET status = ?, updated_at = ? WHERE flow_id = ?`,
		models.WebhookPaused, time.Now().Unix(), flowID)
	return err
}

func (r *WebhookRepository) UpdateLastTriggered(id string, timestamp int64) error {
	_, err := r.db.Exec(`UPDATE webhooks SET last_triggered_at = ? WHERE id = ?`, timestamp, id)
	return err
}

func (r *WebhookRepository) Delete(id string) error {
	_, err := r.db.Exec(`DELETE FROM webhooks WHERE id = ?`, id)
	return err
}

func (r *WebhookRepository) CountActiveByOrg(orgID string) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM webhooks WHERE organization_id = ? AND status = ?`,
		orgID, models.WebhookActive).Scan(&n)
	return n, err
}

func scanWebhook(s interface {
	Scan(dest ...interface{}) error
}) (*models.Webhook, error) {
	var w models.Webhook
	var lastTriggeredAt sql.NullInt64

	err := s.Scan(&w.ID, &w.OrganizationID, &w.FlowID, &w.EnvironmentID, &w.Slug, &w.Secret,
		&w.Status, &lastTriggeredAt, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if lastTriggeredAt.Valid {
		w.LastTriggeredAt = &lastTriggeredAt.Int64
	}
	return &w, nil
}
