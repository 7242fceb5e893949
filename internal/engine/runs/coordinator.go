package runs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"forge/internal/engine/usage"
	"forge/internal/pkg/errors"
	"forge/internal/platform/models"
	"forge/internal/platform/repositories"
)

// Coordinator accepts triggers, creates runs, and drives node-by-node
// execution. Runs are independent and execute concurrently across the worker
// pool; within one run, sibling ready nodes execute concurrently while
// dependents wait for every declared dependency to settle.
type Coordinator struct {
	runs     *repositories.RunRepository
	flows    *repositories.FlowRepository
	ledger   *usage.Ledger
	registry *Registry

	queue       chan string
	canceled    sync.Map // run id -> struct{}
	nodeTimeout time.Duration
}

func NewCoordinator(runs *repositories.RunRepository, flows *repositories.FlowRepository,
	ledger *usage.Ledger, registry *Registry, queueSize int, nodeTimeout time.Duration) *Coordinator {
	if queueSize <= 0 {
		queueSize = 256
	}
	if nodeTimeout <= 0 {
		nodeTimeout = time.Minute
	}
	return &Coordinator{
		runs:        runs,
		flows:       flows,
		ledger:      ledger,
		registry:    registry,
		queue:       make(chan string, queueSize),
		nodeTimeout: nodeTimeout,
	}
}

// QueueRun creates a run in the queued state and hands it to the worker pool.
// It never waits for execution; the caller polls run status separately.
func (c *Coordinator) QueueRun(flowID, orgID, triggerType, triggeredBy string, input map[string]interface{}) (*models.Run, error) {
	flow, err := c.flows.GetByIDAndOrg(flowID, orgID)
	if err != nil {
		return nil, err
	}
	if flow == nil {
		return nil, errors.E(errors.KindNotFound, "flow not found")
	}
	if flow.Status != models.FlowPublished {
		return nil, errors.Ef(errors.KindValidation, "flow is not executable: status is %s", flow.Status)
	}

	run := &models.Run{
		FlowID:         flowID,
		OrganizationID: orgID,
		TriggerType:    triggerType,
		TriggeredBy:    triggeredBy,
		InputPayload:   input,
		Status:         models.RunQueued,
	}
	if err := c.runs.CreateWithNodes(run, &flow.Definition); err != nil {
		return nil, err
	}

	select {
	case c.queue <- run.ID:
	default:
		// Do not leave an unreachable queued row behind.
		if canceled, cerr := c.runs.CancelQueued(run.ID, time.Now().UnixMilli()); cerr != nil || !canceled {
			log.Error().Err(cerr).Str("run_id", run.ID).
				Msg("overflow cleanup failed; rejected run stays queued and will reach a poller")
		}
		return nil, errors.E(errors.KindUnavailable, "execution queue is full")
	}

	log.Info().Str("run_id", run.ID).Str("flow_id", flowID).Str("trigger", triggerType).Msg("run queued")
	return run, nil
}

// Start launches n workers draining the run queue until ctx is canceled.
func (c *Coordinator) Start(ctx context.Context, n int) {
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case runID := <-c.queue:
					if err := c.ExecuteRun(ctx, runID); err != nil {
						// A bad run must not kill the worker loop.
						log.Error().Err(err).Str("run_id", runID).Msg("run execution failed")
					}
				}
			}
		}()
	}
}

type nodeResult struct {
	nodeID string
	output map[string]interface{}
	err    error
}

// ExecuteRun drives one run to a terminal state. Safe to call twice: the
// queued -> running transition is a compare-and-swap, so only one caller wins.
func (c *Coordinator) ExecuteRun(ctx context.Context, runID string) error {
	claimed, err := c.runs.MarkRunning(runID, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	run, err := c.runs.GetByID(runID)
	if err != nil {
		return err
	}

	// The snapshot captured at queue time, not the flow's current definition:
	// the flow may have been archived and edited since, and the run's node
	// rows belong to the graph it was queued against.
	def, err := c.runs.Definition(runID)
	if err != nil {
		return c.failRun(run, "definition snapshot unreadable")
	}
	if def == nil {
		return c.failRun(run, "definition snapshot missing")
	}

	c.executeGraph(ctx, run, def)
	return nil
}

func (c *Coordinator) executeGraph(ctx context.Context, run *models.Run, def *models.FlowDefinition) {
	total := len(def.Nodes)

	inDegree := make(map[string]int, total)
	dependents := make(map[string][]string)
	deps := make(map[string][]string)
	for _, node := range def.Nodes {
		inDegree[node.ID] = 0
	}
	for _, edge := range def.Edges {
		inDegree[edge.Target]++
		dependents[edge.Source] = append(dependents[edge.Source], edge.Target)
		deps[edge.Target] = append(deps[edge.Target], edge.Source)
	}

	status := make(map[string]models.NodeStatus, total)
	outputs := map[string]interface{}{InputKey: run.InputPayload}
	results := make(chan nodeResult, total)
	settled := 0

	var ready []string
	for _, node := range def.Nodes {
		if inDegree[node.ID] == 0 {
			ready = append(ready, node.ID)
		}
	}

	// newlyReady decrements dependents of a settled node and returns those
	// whose every dependency has now settled.
	newlyReady := func(nodeID string) []string {
		var out []string
		for _, dep := range dependents[nodeID] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				out = append(out, dep)
			}
		}
		return out
	}

	for settled < total {
		for len(ready) > 0 {
			nodeID := ready[0]
			ready = ready[1:]

			if c.shouldSkip(run.ID, deps[nodeID], status) {
				c.runs.NodeSkip(run.ID, nodeID)
				status[nodeID] = models.NodeSkipped
				settled++
				ready = append(ready, newlyReady(nodeID)...)
				continue
			}

			node := def.Node(nodeID)
			upstream := snapshotUpstream(outputs, deps[nodeID])
			go c.executeNode(ctx, run, *node, upstream, results)
		}

		if settled == total {
			break
		}

		res := <-results
		if res.err != nil {
			status[res.nodeID] = models.NodeFailed
		} else {
			status[res.nodeID] = models.NodeSucceeded
			outputs[res.nodeID] = res.output
		}
		settled++
		ready = append(ready, newlyReady(res.nodeID)...)
	}

	c.finalize(run, status)
}

// shouldSkip reports whether a ready node must not start: the run was
// canceled, or some dependency did not succeed.
func (c *Coordinator) shouldSkip(runID string, nodeDeps []string, status map[string]models.NodeStatus) bool {
	if _, canceled := c.canceled.Load(runID); canceled {
		return true
	}
	for _, dep := range nodeDeps {
		if status[dep] != models.NodeSucceeded {
			return true
		}
	}
	return false
}

// snapshotUpstream copies the outputs a node is allowed to see: its declared
// dependencies plus the run input. Taken on the scheduling goroutine so node
// goroutines never share the outputs map.
func snapshotUpstream(outputs map[string]interface{}, nodeDeps []string) map[string]interface{} {
	upstream := make(map[string]interface{}, len(nodeDeps)+1)
	upstream[InputKey] = outputs[InputKey]
	for _, dep := range nodeDeps {
		if out, ok := outputs[dep]; ok {
			upstream[dep] = out
		}
	}
	return upstream
}

// executeNode runs one node's handler and records the outcome. Costs are
// recorded for failed nodes too: partial work still consumes budget.
func (c *Coordinator) executeNode(ctx context.Context, run *models.Run, node models.FlowNode,
	upstream map[string]interface{}, results chan<- nodeResult) {

	startedAt := time.Now().UnixMilli()
	if err := c.runs.NodeStart(run.ID, node.ID, startedAt); err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Str("node_id", node.ID).Msg("node start write failed")
	}

	res, err := c.invokeHandler(ctx, node, upstream)
	finishedAt := time.Now().UnixMilli()

	nodeStatus := models.NodeSucceeded
	errMsg := ""
	if err != nil {
		nodeStatus = models.NodeFailed
		errMsg = err.Error()
	}

	if werr := c.runs.NodeFinish(run.ID, node.ID, nodeStatus, res.Output, res.Sparks, errMsg, finishedAt); werr != nil {
		log.Error().Err(werr).Str("run_id", run.ID).Str("node_id", node.ID).Msg("node finish write failed")
	}
	if res.Sparks != 0 {
		if werr := c.runs.AddSparks(run.ID, res.Sparks); werr != nil {
			log.Error().Err(werr).Str("run_id", run.ID).Msg("run cost write failed")
		}
	}
	if werr := c.ledger.RecordNodeCost(run.OrganizationID, run.ID, node.ID, node.Type, res.Sparks); werr != nil {
		log.Error().Err(werr).Str("run_id", run.ID).Str("node_id", node.ID).Msg("usage write failed")
	}

	if err != nil {
		log.Warn().Str("run_id", run.ID).Str("node_id", node.ID).Str("node_type", node.Type).
			Err(err).Msg("node failed")
	}

	results <- nodeResult{nodeID: node.ID, output: res.Output, err: err}
}

// invokeHandler resolves and calls the node's handler under the per-node
// timeout. A timeout is a node failure, not a coordinator crash; the
// overrunning handler goroutine is abandoned with its context canceled.
func (c *Coordinator) invokeHandler(ctx context.Context, node models.FlowNode, upstream map[string]interface{}) (Result, error) {
	handler := c.registry.Get(node.Type)
	if handler == nil {
		return Result{}, fmt.Errorf("no handler registered for node type %q", node.Type)
	}

	tctx, cancel := context.WithTimeout(ctx, c.nodeTimeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := handler.Execute(tctx, node.Config, upstream)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-tctx.Done():
		return Result{}, fmt.Errorf("node %s timed out after %s", node.ID, c.nodeTimeout)
	}
}

func (c *Coordinator) finalize(run *models.Run, status map[string]models.NodeStatus) {
	_, wasCanceled := c.canceled.LoadAndDelete(run.ID)

	final := models.RunSucceeded
	if wasCanceled {
		final = models.RunCanceled
	} else {
		for _, st := range status {
			if st != models.NodeSucceeded {
				final = models.RunFailed
				break
			}
		}
	}

	if err := c.runs.Finish(run.ID, final, time.Now().UnixMilli()); err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("run finalize write failed")
		return
	}
	// A cancel racing finalize may store its flag after the LoadAndDelete
	// above; clear it so the flag never outlives its run.
	c.canceled.Delete(run.ID)
	log.Info().Str("run_id", run.ID).Str("status", final).Msg("run finished")
}

func (c *Coordinator) failRun(run *models.Run, reason string) error {
	now := time.Now().UnixMilli()
	if err := c.runs.FailUnsettledNodes(run.ID, reason, now); err != nil {
		return err
	}
	if err := c.runs.Finish(run.ID, models.RunFailed, now); err != nil {
		return err
	}
	c.canceled.Delete(run.ID)
	return nil
}

// Cancel stops a run. Queued runs cancel synchronously; running runs get a
// cooperative flag checked before each node start, so in-flight nodes finish
// and their recorded cost stands.
func (c *Coordinator) Cancel(runID, orgID string) (*models.Run, error) {
	run, err := c.runs.GetByIDAndOrg(runID, orgID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, errors.E(errors.KindNotFound, "run not found")
	}
	if run.Terminal() {
		return nil, errors.Ef(errors.KindValidation, "run already finished with status %s", run.Status)
	}

	canceled, err := c.runs.CancelQueued(runID, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	if canceled {
		run.Status = models.RunCanceled
		return run, nil
	}

	c.canceled.Store(runID, struct{}{})

	// The run may have finalized between the terminal check and the store;
	// re-read so a stored flag cannot outlive its run.
	latest, err := c.runs.GetByIDAndOrg(runID, orgID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		c.canceled.Delete(runID)
		return nil, errors.E(errors.KindNotFound, "run not found")
	}
	if latest.Terminal() {
		c.canceled.Delete(runID)
		if latest.Status == models.RunCanceled {
			return latest, nil
		}
		return nil, errors.Ef(errors.KindValidation, "run already finished with status %s", latest.Status)
	}
	return latest, nil
}

// GetRunWithNodes is the status-polling read path. A run belonging to another
// org reads as not found, never forbidden, so existence does not leak.
func (c *Coordinator) GetRunWithNodes(runID, orgID string) (*models.Run, []*models.RunNode, error) {
	run, err := c.runs.GetByIDAndOrg(runID, orgID)
	if err != nil {
		return nil, nil, err
	}
	if run == nil {
		return nil, nil, errors.E(errors.KindNotFound, "run not found")
	}

	nodes, err := c.runs.GetNodes(runID)
	if err != nil {
		return nil, nil, err
	}
	return run, nodes, nil
}

type ListOptions struct {
	FlowID string
	Status string
	Limit  int
	Offset int
}

func (c *Coordinator) ListRuns(orgID string, opts ListOptions) ([]*models.Run, int, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	return c.runs.ListByOrg(orgID, opts.FlowID, opts.Status, opts.Limit, opts.Offset)
}
