package repositories

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"forge/internal/platform/models"
)

type RunRepository struct {
	db *sql.DB
}

func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

// CreateWithNodes inserts the run and one pending node row per declared node
// in a single transaction, so a run is never visible without its nodes. The
// definition is persisted alongside the run: execution always works against
// this snapshot, never against the flow's current (possibly edited) graph.
func (r *RunRepository) CreateWithNodes(run *models.Run, def *models.FlowDefinition) error {
	if run.ID == "" {
		run.ID = "run_" + uuid.New().String()
	}
	run.CreatedAt = time.Now().Unix()

	inputJSON, err := json.Marshal(run.InputPayload)
	if err != nil {
		return err
	}
	defJSON, err := json.Marshal(def)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO runs (id, flow_id, organization_id, trigger_type, triggered_by, input_payload, definition, status, total_sparks, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, run.ID, run.FlowID, run.OrganizationID, run.TriggerType, run.TriggeredBy, string(inputJSON), string(defJSON), run.Status, run.CreatedAt)
	if err != nil {
		return err
	}

	for _, node := range def.Nodes {
		_, err = tx.Exec(`
			INSERT INTO run_nodes (id, run_id, node_id, node_type, status, sparks_used)
			VALUES (?, ?, ?, ?, ?, 0)
		`, "rn_"+uuid.New().String(), run.ID, node.ID, node.Type, models.NodePending)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

const runColumns = `id, flow_id, organization_id, trigger_type, triggered_by, input_payload, status, total_sparks, started_at, finished_at, created_at`

func (r *RunRepository) GetByID(id string) (*models.Run, error) {
	row := r.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return run, nil
}

func (r *RunRepository) GetByIDAndOrg(id, orgID string) (*models.Run, error) {
	row := r.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ? AND organization_id = ?`, id, orgID)
	run, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return run, nil
}

func (r *RunRepository) GetNodes(runID string) ([]*models.RunNode, error) {
	rows, err := r.db.Query(`
		SELECT id, run_id, node_id, node_type, status, output, sparks_used, error_message, started_at, finished_at
		FROM run_nodes WHERE run_id = ?
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*models.RunNode
	for rows.Next() {
		var n models.RunNode
		var outputRaw []byte
		var errMsg sql.NullString
		var startedAt, finishedAt sql.NullInt64

		err := rows.Scan(&n.ID, &n.RunID, &n.NodeID, &n.NodeType, &n.Status, &outputRaw,
			&n.SparksUsed, &errMsg, &startedAt, &finishedAt)
		if err != nil {
			return nil, err
		}

		n.ErrorMessage = errMsg.String
		if startedAt.Valid {
			n.StartedAt = &startedAt.Int64
		}
		if finishedAt.Valid {
			n.FinishedAt = &finishedAt.Int64
		}
		if len(outputRaw) > 0 {
			json.Unmarshal(outputRaw, &n.Output)
		}
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

// Definition returns the graph snapshot captured when the run was queued, or
// nil when the run does not exist.
func (r *RunRepository) Definition(runID string) (*models.FlowDefinition, error) {
	var raw []byte
	err := r.db.QueryRow(`SELECT definition FROM runs WHERE id = ?`, runID).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	var def models.FlowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// MarkRunning transitions queued -> running. Returns false if the run was not
// queued (already claimed, canceled, or finished).
func (r *RunRepository) MarkRunning(id string, startedAt int64) (bool, error) {
	res, err := r.db.Exec(`UPDATE runs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		models.RunRunning, startedAt, id, models.RunQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CancelQueued transitions queued -> canceled. Returns false if the run had
// already left the queued state.
func (r *RunRepository) CancelQueued(id string, finishedAt int64) (bool, error) {
	res, err := r.db.Exec(`UPDATE runs SET status = ?, finished_at = ? WHERE id = ? AND status = ?`,
		models.RunCanceled, finishedAt, id, models.RunQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *RunRepository) Finish(id, status string, finishedAt int64) error {
	_, err := r.db.Exec(`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`, status, finishedAt, id)
	return err
}

// AddSparks accumulates node cost into the run total as each node settles, so
// the total is accurate at every observation point.
func (r *RunRepository) AddSparks(id string, sparks int) error {
	_, err := r.db.Exec(`UPDATE runs SET total_sparks = total_sparks + ? WHERE id = ?`, sparks, id)
	return err
}

func (r *RunRepository) NodeStart(runID, nodeID string, startedAt int64) error {
	_, err := r.db.Exec(`UPDATE run_nodes SET status = ?, started_at = ? WHERE run_id = ? AND node_id = ?`,
		models.NodeRunning, startedAt, runID, nodeID)
	return err
}

func (r *RunRepository) NodeFinish(runID, nodeID, status string, output map[string]interface{}, sparks int, errMsg string, finishedAt int64) error {
	var outputJSON interface{}
	if output != nil {
		raw, err := json.Marshal(output)
		if err != nil {
			return err
		}
		outputJSON = string(raw)
	}

	_, err := r.db.Exec(`
		UPDATE run_nodes SET status = ?, output = ?, sparks_used = ?, error_message = ?, finished_at = ?
		WHERE run_id = ? AND node_id = ?
	`, status, outputJSON, sparks, nullIfEmpty(errMsg), finishedAt, runID, nodeID)
	return err
}

func (r *RunRepository) NodeSkip(runID, nodeID string) error {
	_, err := r.db.Exec(`UPDATE run_nodes SET status = ? WHERE run_id = ? AND node_id = ?`,
		models.NodeSkipped, runID, nodeID)
	return err
}

func (r *RunRepository) ListByOrg(orgID, flowID, status string, limit, offset int) ([]*models.Run, int, error) {
	where := `WHERE organization_id = ?`
	args := []interface{}{orgID}
	if flowID != "" {
		where += ` AND flow_id = ?`
		args = append(args, flowID)
	}
	if status != "" {
		where += ` AND status = ?`
		args = append(args, status)
	}

	var total int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM runs `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.Query(`SELECT `+runColumns+` FROM runs `+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

// QueuedIDs returns the oldest queued run ids. Workers in other processes
// poll this instead of the in-memory queue; the queued -> running CAS keeps
// pollers and embedded workers from double-claiming.
func (r *RunRepository) QueuedIDs(limit int) ([]string, error) {
	rows, err := r.db.Query(`SELECT id FROM runs WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		models.RunQueued, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StaleRunning returns ids of runs stuck in running since before cutoff
// (unix seconds). The reconciler fails them so no run stays running forever.
func (r *RunRepository) StaleRunning(cutoff int64) ([]string, error) {
	rows, err := r.db.Query(`SELECT id FROM runs WHERE status = ? AND started_at < ?`,
		models.RunRunning, cutoff*1000)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FailUnsettledNodes marks every non-terminal node of a run as failed with the
// given message. Used by the reconciler.
func (r *RunRepository) FailUnsettledNodes(runID, errMsg string, finishedAt int64) error {
	_, err := r.db.Exec(`
		UPDATE run_nodes SET status = ?, error_message = ?, finished_at = ?
		WHERE run_id = ? AND status IN (?, ?)
	`, models.NodeFailed, errMsg, finishedAt, runID, models.NodePending, models.NodeRunning)
	return err
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func scanRun(s interface {
	Scan(dest ...interface{}) error
}) (*models.Run, error) {
	var run models.Run
	var inputRaw []byte
	var triggeredBy sql.NullString
	var startedAt, finishedAt sql.NullInt64

	err := s.Scan(&run.ID, &run.FlowID, &run.OrganizationID, &run.TriggerType, &triggeredBy,
		&inputRaw, &run.Status, &run.TotalSparks, &startedAt, &finishedAt, &run.CreatedAt)
	if err != nil {
		return nil, err
	}

	run.TriggeredBy = triggeredBy.String
	if startedAt.Valid {
		run.StartedAt = &startedAt.Int64
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Int64
	}
	if len(inputRaw) > 0 {
		json.Unmarshal(inputRaw, &run.InputPayload)
	}
	return &run, nil
}
