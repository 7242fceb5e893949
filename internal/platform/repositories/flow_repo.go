package repositories

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"forge/internal/platform/models"
)

type FlowRepository struct {
	db *sql.DB
}

func NewFlowRepository(db *sql.DB) *FlowRepository {
	return &FlowRepository{db: db}
}

func (r *FlowRepository) Create(flow *models.Flow) error {
	if flow.ID == "" {
		flow.ID = "flow_" + uuid.New().String()
	}
	now := time.Now().Unix()
	flow.CreatedAt = now
	flow.UpdatedAt = now

	defJSON, err := json.Marshal(flow.Definition)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO flows (id, organization_id, name, description, definition, status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Exec(query, flow.ID, flow.OrganizationID, flow.Name, flow.Description,
		string(defJSON), flow.Status, flow.Version, flow.CreatedAt, flow.UpdatedAt)
	return err
}

const flowColumns = `id, organization_id, name, description, definition, status, version, created_at, updated_at`

func (r *FlowRepository) GetByIDAndOrg(id, orgID string) (*models.Flow, error) {
	row := r.db.QueryRow(`SELECT `+flowColumns+` FROM flows WHERE id = ? AND organization_id = ?`, id, orgID)
	flow, err := scanFlow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return flow, nil
}

func (r *FlowRepository) GetByID(id string) (*models.Flow, error) {
	row := r.db.QueryRow(`SELECT `+flowColumns+` FROM flows WHERE id = ?`, id)
	flow, err := scanFlow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return flow, nil
}

// ListByOrg returns a page of flows ordered by most recently updated, plus the
// unpaginated total. status == "" means all statuses.
func (r *FlowRepository) ListByOrg(orgID, status string, limit, offset int) ([]*models.Flow, int, error) {
	where := `WHERE organization_id = ?`
	args := []interface{}{orgID}
	if status != "" {
		where += ` AND status = ?`
		args = append(args, status)
	}

	var total int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM flows `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + flowColumns + ` FROM flows ` + where + ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	rows, err := r.db.Query(query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var flows []*models.Flow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, 0, err
		}
		flows = append(flows, flow)
	}
	return flows, total, rows.Err()
}

func (r *FlowRepository) Update(flow *models.Flow) error {
	defJSON, err := json.Marshal(flow.Definition)
	if err != nil {
		return err
	}
	flow.UpdatedAt = time.Now().Unix()

	_, err = r.db.Exec(`
		UPDATE flows SET name = ?, description = ?, definition = ?, status = ?, version = ?, updated_at = ?
		WHERE id = ?
	`, flow.Name, flow.Description, string(defJSON), flow.Status, flow.Version, flow.UpdatedAt, flow.ID)
	return err
}

// Delete removes a flow row. Only drafts are deletable; callers enforce that.
func (r *FlowRepository) Delete(id string) error {
	_, err := r.db.Exec(`DELETE FROM flows WHERE id = ?`, id)
	return err
}

func (r *FlowRepository) CountByOrg(orgID, status string) (int, error) {
	var n int
	var err error
	if status == "" {
		err = r.db.QueryRow(`SELECT COUNT(*) FROM flows WHERE organization_id = ?`, orgID).Scan(&n)
	} else {
		err = r.db.QueryRow(`SELECT COUNT(*) FROM flows WHERE organization_id = ? AND status = ?`, orgID, status).Scan(&n)
	}
	return n, err
}

func scanFlow(s interface {
	Scan(dest ...interface{}) error
}) (*models.Flow, error) {
	var flow models.Flow
	var defRaw []byte
	var description sql.NullString

	err := s.Scan(&flow.ID, &flow.OrganizationID, &flow.Name, &description, &defRaw,
		&flow.Status, &flow.Version, &flow.CreatedAt, &flow.UpdatedAt)
	if err != nil {
		return nil, err
	}

	flow.Description = description.String
	if len(defRaw) > 0 {
		json.Unmarshal(defRaw, &flow.Definition)
	}
	return &flow, nil
}
