package runs

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"forge/internal/engine/usage"
	"forge/internal/pkg/errors"
	"forge/internal/platform/models"
	"forge/internal/platform/repositories"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
	CREATE TABLE flows (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		definition TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'draft',
		version INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE runs (
		id TEXT PRIMARY KEY,
		flow_id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		triggered_by TEXT,
		input_payload TEXT NOT NULL DEFAULT '{}',
		definition TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'queued',
		total_sparks INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER,
		finished_at INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE TABLE run_nodes (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		node_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		output TEXT,
		sparks_used INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		started_at INTEGER,
		finished_at INTEGER
	);
	CREATE TABLE usage_logs (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		node_type TEXT NOT NULL,
		sparks_used INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE TABLE api_keys (id TEXT PRIMARY KEY, organization_id TEXT, revoked_at INTEGER);
	CREATE TABLE webhooks (id TEXT PRIMARY KEY, organization_id TEXT, status TEXT);
	`)
	require.NoError(t, err)
	return db
}

type fixture struct {
	db          *sql.DB
	runs        *repositories.RunRepository
	flows       *repositories.FlowRepository
	registry    *Registry
	coordinator *Coordinator
}

func newFixture(t *testing.T, nodeTimeout time.Duration) *fixture {
	db := setupTestDB(t)
	runRepo := repositories.NewRunRepository(db)
	flowRepo := repositories.NewFlowRepository(db)
	ledger := usage.NewLedger(repositories.NewUsageRepository(db), flowRepo,
		repositories.NewAPIKeyRepository(db), repositories.NewWebhookRepository(db))
	registry := NewRegistry()
	return &fixture{
		db:          db,
		runs:        runRepo,
		flows:       flowRepo,
		registry:    registry,
		coordinator: NewCoordinator(runRepo, flowRepo, ledger, registry, 16, nodeTimeout),
	}
}

// emitter returns a handler producing fixed output and cost.
func emitter(sparks int) HandlerFunc {
	return func(_ context.Context, _ map[string]interface{}, upstream map[string]interface{}) (Result, error) {
		keys := make([]string, 0, len(upstream))
		for k := range upstream {
			keys = append(keys, k)
		}
		return Result{
			Output: map[string]interface{}{"saw": keys, "sparks": sparks},
			Sparks: sparks,
		}, nil
	}
}

// failer returns a handler that errors while still reporting cost.
func failer(sparks int) HandlerFunc {
	return func(_ context.Context, _ map[string]interface{}, _ map[string]interface{}) (Result, error) {
		return Result{Sparks: sparks}, fmt.Errorf("provider rejected the request")
	}
}

func (f *fixture) createFlow(t *testing.T, status string, def models.FlowDefinition) *models.Flow {
	flow := &models.Flow{
		OrganizationID: "org_1",
		Name:           "test flow",
		Definition:     def,
		Status:         status,
		Version:        1,
	}
	require.NoError(t, f.flows.Create(flow))
	return flow
}

func (f *fixture) nodesByID(t *testing.T, runID string) map[string]*models.RunNode {
	nodes, err := f.runs.GetNodes(runID)
	require.NoError(t, err)
	byID := make(map[string]*models.RunNode, len(nodes))
	for _, n := range nodes {
		byID[n.NodeID] = n
	}
	return byID
}

func diamond() models.FlowDefinition {
	return models.FlowDefinition{
		Nodes: []models.FlowNode{
			{ID: "a", Type: "seed"},
			{ID: "b", Type: "left"},
			{ID: "c", Type: "right"},
			{ID: "d", Type: "join"},
		},
		Edges: []models.FlowEdge{
			{Source: "a", Target: "b"},
			{Source: "a", Target: "c"},
			{Source: "b", Target: "d"},
			{Source: "c", Target: "d"},
		},
	}
}

func TestQueueRun_RequiresPublishedFlow(t *testing.T) {
	f := newFixture(t, time.Second)
	draft := f.createFlow(t, models.FlowDraft, diamond())

	_, err := f.coordinator.QueueRun(draft.ID, "org_1", models.TriggerManual, "user_1", nil)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	_, err = f.coordinator.QueueRun("flow_missing", "org_1", models.TriggerManual, "user_1", nil)
	assert.True(t, errors.IsNotFound(err))

	// Foreign-org flows are indistinguishable from absent ones.
	_, err = f.coordinator.QueueRun(draft.ID, "org_2", models.TriggerManual, "user_1", nil)
	assert.True(t, errors.IsNotFound(err))
}

func TestQueueRun_CreatesPendingNodeRows(t *testing.T) {
	f := newFixture(t, time.Second)
	flow := f.createFlow(t, models.FlowPublished, diamond())

	run, err := f.coordinator.QueueRun(flow.ID, "org_1", models.TriggerAPI, "key_1", map[string]interface{}{"x": float64(1)})
	require.NoError(t, err)
	assert.Equal(t, models.RunQueued, run.Status)

	nodes := f.nodesByID(t, run.ID)
	require.Len(t, nodes, 4)
	for _, n := range nodes {
		assert.Equal(t, models.NodePending, n.Status)
	}
}

func TestExecuteRun_DiamondWithFailureSkipsJoinAndConservesCost(t *testing.T) {
	f := newFixture(t, time.Second)
	f.registry.Register("seed", emitter(0))
	f.registry.Register("left", failer(3))
	f.registry.Register("right", emitter(2))
	f.registry.Register("join", emitter(1))

	flow := f.createFlow(t, models.FlowPublished, diamond())
	run, err := f.coordinator.QueueRun(flow.ID, "org_1", models.TriggerManual, "user_1", nil)
	require.NoError(t, err)

	require.NoError(t, f.coordinator.ExecuteRun(context.Background(), run.ID))

	final, err := f.runs.GetByID(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, final.Status)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.FinishedAt)

	nodes := f.nodesByID(t, run.ID)
	assert.Equal(t, models.NodeSucceeded, nodes["a"].Status)
	assert.Equal(t, models.NodeFailed, nodes["b"].Status)
	assert.Equal(t, models.NodeSucceeded, nodes["c"].Status)
	assert.Equal(t, models.NodeSkipped, nodes["d"].Status)
	assert.Contains(t, nodes["b"].ErrorMessage, "provider rejected")

	// Failed work is billed, skipped work is not: 0 + 3 + 2 = 5.
	assert.Equal(t, 5, final.TotalSparks)

	var nodeSum, usageSum int
	require.NoError(t, f.db.QueryRow(`SELECT COALESCE(SUM(sparks_used),0) FROM run_nodes WHERE run_id = ?`, run.ID).Scan(&nodeSum))
	require.NoError(t, f.db.QueryRow(`SELECT COALESCE(SUM(sparks_used),0) FROM usage_logs WHERE run_id = ?`, run.ID).Scan(&usageSum))
	assert.Equal(t, final.TotalSparks, nodeSum)
	assert.Equal(t, final.TotalSparks, usageSum)
}

func TestExecuteRun_AllSucceed(t *testing.T) {
	f := newFixture(t, time.Second)
	f.registry.Register("seed", emitter(0))
	f.registry.Register("left", emitter(1))
	f.registry.Register("right", emitter(2))
	f.registry.Register("join", emitter(5))

	flow := f.createFlow(t, models.FlowPublished, diamond())
	run, err := f.coordinator.QueueRun(flow.ID, "org_1", models.TriggerManual, "user_1", nil)
	require.NoError(t, err)
	require.NoError(t, f.coordinator.ExecuteRun(context.Background(), run.ID))

	final, err := f.runs.GetByID(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, final.Status)
	assert.Equal(t, 8, final.TotalSparks)
}

func TestExecuteRun_DependentsSeeOnlyDeclaredUpstream(t *testing.T) {
	f := newFixture(t, time.Second)

	var mu sync.Mutex
	seen := make(map[string][]string)
	recorder := func(tag string) HandlerFunc {
		return func(_ context.Context, _ map[string]interface{}, upstream map[string]interface{}) (Result, error) {
			var keys []string
			for k := range upstream {
				keys = append(keys, k)
			}
			mu.Lock()
			seen[tag] = keys
			mu.Unlock()
			return Result{Output: map[string]interface{}{"tag": tag}}, nil
		}
	}
	f.registry.Register("first", recorder("a"))
	f.registry.Register("second", recorder("b"))
	f.registry.Register("third", recorder("c"))

	flow := f.createFlow(t, models.FlowPublished, models.FlowDefinition{
		Nodes: []models.FlowNode{{ID: "a", Type: "first"}, {ID: "b", Type: "second"}, {ID: "c", Type: "third"}},
		Edges: []models.FlowEdge{{Source: "a", Target: "b"}, {Source: "b", Target: "c"}},
	})
	run, err := f.coordinator.QueueRun(flow.ID, "org_1", models.TriggerManual, "user_1",
		map[string]interface{}{"hello": "world"})
	require.NoError(t, err)
	require.NoError(t, f.coordinator.ExecuteRun(context.Background(), run.ID))

	assert.ElementsMatch(t, []string{InputKey}, seen["a"])
	assert.ElementsMatch(t, []string{InputKey, "a"}, seen["b"])
	// c depends only on b; a's output is not in its view.
	assert.ElementsMatch(t, []string{InputKey, "b"}, seen["c"])
}

func TestExecuteRun_SiblingsRunConcurrently(t *testing.T) {
	f := newFixture(t, 3*time.Second)

	// Both siblings must be in flight at once or the barrier times the run out.
	var barrier sync.WaitGroup
	barrier.Add(2)
	meet := func(_ context.Context, _ map[string]interface{}, _ map[string]interface{}) (Result, error) {
		barrier.Done()
		barrier.Wait()
		return Result{Output: map[string]interface{}{"met": true}}, nil
	}
	f.registry.Register("seed", emitter(0))
	f.registry.Register("left", HandlerFunc(meet))
	f.registry.Register("right", HandlerFunc(meet))
	f.registry.Register("join", emitter(0))

	flow := f.createFlow(t, models.FlowPublished, diamond())
	run, err := f.coordinator.QueueRun(flow.ID, "org_1", models.TriggerManual, "user_1", nil)
	require.NoError(t, err)
	require.NoError(t, f.coordinator.ExecuteRun(context.Background(), run.ID))

	final, err := f.runs.GetByID(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, final.Status)
}

func TestExecuteRun_NodeTimeoutFailsNode(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	f.registry.Register("slow", HandlerFunc(func(ctx context.Context, _ map[string]interface{}, _ map[string]interface{}) (Result, error) {
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
		return Result{}, ctx.Err()
	}))

	flow := f.createFlow(t, models.FlowPublished, models.FlowDefinition{
		Nodes: []models.FlowNode{{ID: "s", Type: "slow"}},
	})
	run, err := f.coordinator.QueueRun(flow.ID, "org_1", models.TriggerManual, "user_1", nil)
	require.NoError(t, err)
	require.NoError(t, f.coordinator.ExecuteRun(context.Background(), run.ID))

	final, err := f.runs.GetByID(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, final.Status)

	nodes := f.nodesByID(t, run.ID)
	assert.Equal(t, models.NodeFailed, nodes["s"].Status)
	assert.Contains(t, nodes["s"].ErrorMessage, "timed out")
}

func TestExecuteRun_UnknownNodeTypeFailsNode(t *testing.T) {
	f := newFixture(t, time.Second)

	flow := f.createFlow(t, models.FlowPublished, models.FlowDefinition{
		Nodes: []models.FlowNode{{ID: "x", Type: "does-not-exist"}},
	})
	run, err := f.coordinator.QueueRun(flow.ID, "org_1", models.TriggerManual, "user_1", nil)
	require.NoError(t, err)
	require.NoError(t, f.coordinator.ExecuteRun(context.Background(), run.ID))

	nodes := f.nodesByID(t, run.ID)
	assert.Equal(t, models.NodeFailed, nodes["x"].Status)
	assert.Contains(t, nodes["x"].ErrorMessage, "no handler registered")
}

func TestExecuteRun_UsesDefinitionCapturedAtQueueTime(t *testing.T) {
	f := newFixture(t, time.Second)
	f.registry.Register("seed", emitter(1))
	f.registry.Register("after", emitter(2))

	flow := f.createFlow(t, models.FlowPublished, models.FlowDefinition{
		Nodes: []models.FlowNode{{ID: "a", Type: "seed"}, {ID: "b", Type: "after"}},
		Edges: []models.FlowEdge{{Source: "a", Target: "b"}},
	})
	run, err := f.coordinator.QueueRun(flow.ID, "org_1", models.TriggerManual, "user_1", nil)
	require.NoError(t, err)

	// Archive the flow and edit it into a graph that would never validate:
	// an edge pointing at a node that was never declared.
	flow.Status = models.FlowArchived
	flow.Definition = models.FlowDefinition{
		Nodes: []models.FlowNode{{ID: "a", Type: "seed"}},
		Edges: []models.FlowEdge{{Source: "a", Target: "ghost"}},
	}
	require.NoError(t, f.flows.Update(flow))

	require.NoError(t, f.coordinator.ExecuteRun(context.Background(), run.ID))

	final, err := f.runs.GetByID(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, final.Status)
	assert.Equal(t, 3, final.TotalSparks)

	// Both nodes of the queued graph ran; the edit never reached this run.
	nodes := f.nodesByID(t, run.ID)
	require.Len(t, nodes, 2)
	assert.Equal(t, models.NodeSucceeded, nodes["a"].Status)
	assert.Equal(t, models.NodeSucceeded, nodes["b"].Status)
}

func TestQueueRun_FullQueueRejectsAndCancelsRow(t *testing.T) {
	f := newFixture(t, time.Second)
	small := NewCoordinator(f.runs, f.flows,
		usage.NewLedger(repositories.NewUsageRepository(f.db), f.flows,
			repositories.NewAPIKeyRepository(f.db), repositories.NewWebhookRepository(f.db)),
		f.registry, 1, time.Second)

	flow := f.createFlow(t, models.FlowPublished, models.FlowDefinition{
		Nodes: []models.FlowNode{{ID: "a", Type: "seed"}},
	})

	// No workers are draining, so the second trigger overflows.
	first, err := small.QueueRun(flow.ID, "org_1", models.TriggerManual, "user_1", nil)
	require.NoError(t, err)

	_, err = small.QueueRun(flow.ID, "org_1", models.TriggerManual, "user_1", nil)
	require.Error(t, err)
	assert.True(t, errors.IsUnavailable(err))

	// The rejected trigger leaves no queued row for a poller to resurrect.
	ids, err := f.runs.QueuedIDs(10)
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID}, ids)
}

func TestCancel_QueuedRunCancelsImmediately(t *testing.T) {
	f := newFixture(t, time.Second)
	f.registry.Register("seed", emitter(0))

	flow := f.createFlow(t, models.FlowPublished, models.FlowDefinition{
		Nodes: []models.FlowNode{{ID: "a", Type: "seed"}},
	})
	run, err := f.coordinator.QueueRun(flow.ID, "org_1", models.TriggerManual, "user_1", nil)
	require.NoError(t, err)

	canceled, err := f.coordinator.Cancel(run.ID, "org_1")
	require.NoError(t, err)
	assert.Equal(t, models.RunCanceled, canceled.Status)

	// A worker picking the id up later finds nothing to claim.
	require.NoError(t, f.coordinator.ExecuteRun(context.Background(), run.ID))
	final, err := f.runs.GetByID(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCanceled, final.Status)
	assert.Equal(t, 0, final.TotalSparks)
}

func TestCancel_RunningRunFinishesInFlightThenStops(t *testing.T) {
	f := newFixture(t, 5*time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	f.registry.Register("block", HandlerFunc(func(_ context.Context, _ map[string]interface{}, _ map[string]interface{}) (Result, error) {
		once.Do(func() { close(started) })
		<-release
		return Result{Output: map[string]interface{}{"done": true}, Sparks: 2}, nil
	}))
	f.registry.Register("after", emitter(7))

	flow := f.createFlow(t, models.FlowPublished, models.FlowDefinition{
		Nodes: []models.FlowNode{{ID: "a", Type: "block"}, {ID: "b", Type: "after"}},
		Edges: []models.FlowEdge{{Source: "a", Target: "b"}},
	})
	run, err := f.coordinator.QueueRun(flow.ID, "org_1", models.TriggerManual, "user_1", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.coordinator.ExecuteRun(context.Background(), run.ID) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first node never started")
	}

	current, err := f.coordinator.Cancel(run.ID, "org_1")
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, current.Status)

	close(release)
	require.NoError(t, <-done)

	final, err := f.runs.GetByID(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCanceled, final.Status)

	// The in-flight node finished and was billed; the dependent never started.
	nodes := f.nodesByID(t, run.ID)
	assert.Equal(t, models.NodeSucceeded, nodes["a"].Status)
	assert.Equal(t, models.NodeSkipped, nodes["b"].Status)
	assert.Equal(t, 2, final.TotalSparks)

	// Canceling a finished run is rejected, and no cooperative flag survives
	// the run it belonged to.
	_, err = f.coordinator.Cancel(run.ID, "org_1")
	assert.True(t, errors.IsValidation(err))
	_, leaked := f.coordinator.canceled.Load(run.ID)
	assert.False(t, leaked)
}

func TestGetRunWithNodes_ScopedToOrg(t *testing.T) {
	f := newFixture(t, time.Second)
	f.registry.Register("seed", emitter(0))

	flow := f.createFlow(t, models.FlowPublished, models.FlowDefinition{
		Nodes: []models.FlowNode{{ID: "a", Type: "seed"}},
	})
	run, err := f.coordinator.QueueRun(flow.ID, "org_1", models.TriggerManual, "user_1", nil)
	require.NoError(t, err)

	got, nodes, err := f.coordinator.GetRunWithNodes(run.ID, "org_1")
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Len(t, nodes, 1)

	_, _, err = f.coordinator.GetRunWithNodes(run.ID, "org_2")
	assert.True(t, errors.IsNotFound(err))
}

func TestReconcile_FailsStaleRunningRuns(t *testing.T) {
	f := newFixture(t, time.Second)
	flow := f.createFlow(t, models.FlowPublished, models.FlowDefinition{
		Nodes: []models.FlowNode{{ID: "a", Type: "seed"}},
	})
	run, err := f.coordinator.QueueRun(flow.ID, "org_1", models.TriggerManual, "user_1", nil)
	require.NoError(t, err)

	// Simulate a worker that claimed the run an hour ago and died.
	staleStart := time.Now().Add(-time.Hour).UnixMilli()
	claimed, err := f.runs.MarkRunning(run.ID, staleStart)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, f.coordinator.Reconcile(30*time.Minute))

	final, err := f.runs.GetByID(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, final.Status)

	nodes := f.nodesByID(t, run.ID)
	assert.Equal(t, models.NodeFailed, nodes["a"].Status)
	assert.Contains(t, nodes["a"].ErrorMessage, "abandoned")

	// Fresh running runs are left alone.
	run2, err := f.coordinator.QueueRun(flow.ID, "org_1", models.TriggerManual, "user_1", nil)
	require.NoError(t, err)
	_, err = f.runs.MarkRunning(run2.ID, time.Now().UnixMilli())
	require.NoError(t, err)
	require.NoError(t, f.coordinator.Reconcile(30*time.Minute))

	stillRunning, err := f.runs.GetByID(run2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, stillRunning.Status)
}
