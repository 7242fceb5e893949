package usage

import (
	"time"

	"forge/internal/platform/models"
	"forge/internal/platform/repositories"
)

// Ledger aggregates spark consumption so dashboard reads never re-scan run
// rows. RecordNodeCost is called by the coordinator as each node settles and
// is safe for concurrent sibling nodes of the same run.
type Ledger struct {
	usage    *repositories.UsageRepository
	flows    *repositories.FlowRepository
	keys     *repositories.APIKeyRepository
	webhooks *repositories.WebhookRepository
}

func NewLedger(usage *repositories.UsageRepository, flows *repositories.FlowRepository,
	keys *repositories.APIKeyRepository, webhooks *repositories.WebhookRepository) *Ledger {
	return &Ledger{usage: usage, flows: flows, keys: keys, webhooks: webhooks}
}

func (l *Ledger) RecordNodeCost(orgID, runID, nodeID, nodeType string, sparks int) error {
	return l.usage.Insert(&repositories.UsageLog{
		OrganizationID: orgID,
		RunID:          runID,
		NodeID:         nodeID,
		NodeType:       nodeType,
		SparksUsed:     sparks,
	})
}

type Summary struct {
	TotalRuns      int                          `json:"total_runs"`
	SucceededRuns  int                          `json:"succeeded_runs"`
	FailedRuns     int                          `json:"failed_runs"`
	TotalSparks    int                          `json:"total_sparks"`
	SparksByDay    []repositories.DailyUsage    `json:"sparks_by_day"`
	SparksByType   []repositories.NodeTypeUsage `json:"sparks_by_node_type"`
}

// GetUsage returns bucketed cost and run counts over [start, end] (unix seconds).
func (l *Ledger) GetUsage(orgID string, start, end int64) (*Summary, error) {
	totalRuns, err := l.usage.CountRuns(orgID, start, end, "")
	if err != nil {
		return nil, err
	}
	succeeded, err := l.usage.CountRuns(orgID, start, end, models.RunSucceeded)
	if err != nil {
		return nil, err
	}
	failed, err := l.usage.CountRuns(orgID, start, end, models.RunFailed)
	if err != nil {
		return nil, err
	}
	totalSparks, err := l.usage.TotalSparks(orgID, start, end)
	if err != nil {
		return nil, err
	}
	byDay, err := l.usage.SparksByDay(orgID, start, end)
	if err != nil {
		return nil, err
	}
	byType, err := l.usage.SparksByNodeType(orgID, start, end)
	if err != nil {
		return nil, err
	}

	return &Summary{
		TotalRuns:     totalRuns,
		SucceededRuns: succeeded,
		FailedRuns:    failed,
		TotalSparks:   totalSparks,
		SparksByDay:   byDay,
		SparksByType:  byType,
	}, nil
}

type HistoryOptions struct {
	FlowID string
	Status string
	Limit  int
	Offset int
}

func (l *Ledger) GetRunHistory(orgID string, opts HistoryOptions) ([]repositories.RunSummary, int, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	return l.usage.RunHistory(orgID, opts.FlowID, opts.Status, opts.Limit, opts.Offset)
}

type DashboardStats struct {
	TotalFlows      int `json:"total_flows"`
	PublishedFlows  int `json:"published_flows"`
	TotalRuns       int `json:"total_runs"`
	RunsLast24h     int `json:"runs_last_24h"`
	RunsLast7d      int `json:"runs_last_7d"`
	SparksLast24h   int `json:"sparks_last_24h"`
	SparksLast7d    int `json:"sparks_last_7d"`
	SuccessRate     int `json:"success_rate"`
	ActiveAPIKeys   int `json:"active_api_keys"`
	ActiveWebhooks  int `json:"active_webhooks"`
}

func (l *Ledger) GetDashboardStats(orgID string) (*DashboardStats, error) {
	now := time.Now().Unix()
	last24h := now - 24*3600
	last7d := now - 7*24*3600

	totalFlows, err := l.flows.CountByOrg(orgID, "")
	if err != nil {
		return nil, err
	}
	publishedFlows, err := l.flows.CountByOrg(orgID, models.FlowPublished)
	if err != nil {
		return nil, err
	}
	totalRuns, err := l.usage.CountRuns(orgID, 0, now, "")
	if err != nil {
		return nil, err
	}
	runs24h, err := l.usage.CountRuns(orgID, last24h, now, "")
	if err != nil {
		return nil, err
	}
	runs7d, err := l.usage.CountRuns(orgID, last7d, now, "")
	if err != nil {
		return nil, err
	}
	sparks24h, err := l.usage.TotalSparks(orgID, last24h, now)
	if err != nil {
		return nil, err
	}
	sparks7d, err := l.usage.TotalSparks(orgID, last7d, now)
	if err != nil {
		return nil, err
	}
	successRate, err := l.usage.SuccessRate(orgID, last7d, now)
	if err != nil {
		return nil, err
	}
	activeKeys, err := l.keys.CountActiveByOrg(orgID)
	if err != nil {
		return nil, err
	}
	activeWebhooks, err := l.webhooks.CountActiveByOrg(orgID)
	if err != nil {
		return nil, err
	}

	return &DashboardStats{
		TotalFlows:     totalFlows,
		PublishedFlows: publishedFlows,
		TotalRuns:      totalRuns,
		RunsLast24h:    runs24h,
		RunsLast7d:     runs7d,
		SparksLast24h:  sparks24h,
		SparksLast7d:   sparks7d,
		SuccessRate:    successRate,
		ActiveAPIKeys:  activeKeys,
		ActiveWebhooks: activeWebhooks,
	}, nil
}
