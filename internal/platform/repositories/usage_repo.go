package repositories

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"forge/internal/platform/models"
)

type UsageLog struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	RunID          string `json:"run_id"`
	NodeID         string `json:"node_id"`
	NodeType       string `json:"node_type"`
	SparksUsed     int    `json:"sparks_used"`
	CreatedAt      int64  `json:"created_at"`
}

type UsageRepository struct {
	db *sql.DB
}

func NewUsageRepository(db *sql.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

func (r *UsageRepository) Insert(entry *UsageLog) error {
	if entry.ID == "" {
		entry.ID = "usage_" + uuid.New().String()
	}
	entry.CreatedAt = time.Now().Unix()

	_, err := r.db.Exec(`
		INSERT INTO usage_logs (id, organization_id, run_id, node_id, node_type, sparks_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.OrganizationID, entry.RunID, entry.NodeID, entry.NodeType, entry.SparksUsed, entry.CreatedAt)
	return err
}

type DailyUsage struct {
	Date   string `json:"date"`
	Count  int    `json:"count"`
	Sparks int    `json:"sparks"`
}

type NodeTypeUsage struct {
	NodeType string `json:"node_type"`
	Count    int    `json:"count"`
	Sparks   int    `json:"sparks"`
}

// SparksByDay buckets node-level consumption per UTC day within [start, end].
func (r *UsageRepository) SparksByDay(orgID string, start, end int64) ([]DailyUsage, error) {
	rows, err := r.db.Query(`
		SELECT date(created_at, 'unixepoch') AS day, COUNT(*), COALESCE(SUM(sparks_used), 0)
		FROM usage_logs
		WHERE organization_id = ? AND created_at >= ? AND created_at <= ?
		GROUP BY day ORDER BY day ASC
	`, orgID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buckets []DailyUsage
	for rows.Next() {
		var b DailyUsage
		if err := rows.Scan(&b.Date, &b.Count, &b.Sparks); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

func (r *UsageRepository) SparksByNodeType(orgID string, start, end int64) ([]NodeTypeUsage, error) {
	rows, err := r.db.Query(`
		SELECT node_type, COUNT(*), COALESCE(SUM(sparks_used), 0)
		FROM usage_logs
		WHERE organization_id = ? AND created_at >= ? AND created_at <= ?
		GROUP BY node_type ORDER BY SUM(sparks_used) DESC
	`, orgID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buckets []NodeTypeUsage
	for rows.Next() {
		var b NodeTypeUsage
		if err := rows.Scan(&b.NodeType, &b.Count, &b.Sparks); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

func (r *UsageRepository) TotalSparks(orgID string, start, end int64) (int, error) {
	var total int
	err := r.db.QueryRow(`
		SELECT COALESCE(SUM(sparks_used), 0) FROM usage_logs
		WHERE organization_id = ? AND created_at >= ? AND created_at <= ?
	`, orgID, start, end).Scan(&total)
	return total, err
}

func (r *UsageRepository) CountRuns(orgID string, start, end int64, status string) (int, error) {
	query := `SELECT COUNT(*) FROM runs WHERE organization_id = ? AND created_at >= ? AND created_at <= ?`
	args := []interface{}{orgID, start, end}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	var n int
	err := r.db.QueryRow(query, args...).Scan(&n)
	return n, err
}

type RunSummary struct {
	ID          string `json:"id"`
	FlowID      string `json:"flow_id"`
	FlowName    string `json:"flow_name"`
	Status      string `json:"status"`
	TriggerType string `json:"trigger_type"`
	SparksUsed  int    `json:"sparks_used"`
	StartedAt   *int64 `json:"started_at,omitempty"`
	FinishedAt  *int64 `json:"finished_at,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// RunHistory is the paginated audit view joining runs with flow names.
func (r *UsageRepository) RunHistory(orgID, flowID, status string, limit, offset int) ([]RunSummary, int, error) {
	where := `WHERE r.organization_id = ?`
	args := []interface{}{orgID}
	if flowID != "" {
		where += ` AND r.flow_id = ?`
		args = append(args, flowID)
	}
	if status != "" {
		where += ` AND r.status = ?`
		args = append(args, status)
	}

	var total int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM runs r `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.Query(`
		SELECT r.id, r.flow_id, COALESCE(f.name, ''), r.status, r.trigger_type, r.total_sparks, r.started_at, r.finished_at, r.created_at
		FROM runs r LEFT JOIN flows f ON f.id = r.flow_id
		`+where+` ORDER BY r.created_at DESC LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var summaries []RunSummary
	for rows.Next() {
		var s RunSummary
		var startedAt, finishedAt sql.NullInt64
		if err := rows.Scan(&s.ID, &s.FlowID, &s.FlowName, &s.Status, &s.TriggerType, &s.SparksUsed,
			&startedAt, &finishedAt, &s.CreatedAt); err != nil {
			return nil, 0, err
		}
		if startedAt.Valid {
			s.StartedAt = &startedAt.Int64
		}
		if finishedAt.Valid {
			s.FinishedAt = &finishedAt.Int64
		}
		summaries = append(summaries, s)
	}
	return summaries, total, rows.Err()
}

// SuccessRate over [start, end] as a 0-100 percentage; 100 when no runs settled.
func (r *UsageRepository) SuccessRate(orgID string, start, end int64) (int, error) {
	settled, err := r.CountRuns(orgID, start, end, "")
	if err != nil {
		return 0, err
	}
	if settled == 0 {
		return 100, nil
	}
	succeeded, err := r.CountRuns(orgID, start, end, models.RunSucceeded)
	if err != nil {
		return 0, err
	}
	return succeeded * 100 / settled, nil
}
