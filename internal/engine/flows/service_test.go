package flows

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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
	CREATE TABLE webhooks (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		flow_id TEXT NOT NULL,
		environment_id TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE,
		secret TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		last_triggered_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`)
	require.NoError(t, err)
	return db
}

func newTestService(t *testing.T) (*Service, *repositories.WebhookRepository) {
	db := setupTestDB(t)
	webhookRepo := repositories.NewWebhookRepository(db)
	return NewService(repositories.NewFlowRepository(db), webhookRepo), webhookRepo
}

func validDef() *models.FlowDefinition {
	return &models.FlowDefinition{
		Nodes: []models.FlowNode{
			{ID: "start", Type: "trigger"},
			{ID: "call", Type: "http", Config: map[string]interface{}{"url": "https://example.com"}},
		},
		Edges: []models.FlowEdge{{Source: "start", Target: "call"}},
	}
}

func TestService_CreateStartsAsDraft(t *testing.T) {
	svc, _ := newTestService(t)

	flow, err := svc.Create("org_1", "Signup flow", "", validDef())
	require.NoError(t, err)
	assert.Equal(t, models.FlowDraft, flow.Status)
	assert.Equal(t, 1, flow.Version)
	assert.NotEmpty(t, flow.ID)
}

func TestService_CreateRequiresName(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Create("org_1", "", "", validDef())
	assert.True(t, errors.IsValidation(err))
}

func TestService_GetScopedToOrg(t *testing.T) {
	svc, _ := newTestService(t)
	flow, err := svc.Create("org_1", "Mine", "", validDef())
	require.NoError(t, err)

	_, err = svc.Get(flow.ID, "org_2")
	assert.True(t, errors.IsNotFound(err), "foreign-org flow must read as not found")
}

func TestService_PublishLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	flow, err := svc.Create("org_1", "Lifecycle", "", validDef())
	require.NoError(t, err)

	published, err := svc.Publish(flow.ID, "org_1")
	require.NoError(t, err)
	assert.Equal(t, models.FlowPublished, published.Status)
	assert.Equal(t, 2, published.Version)

	// Idempotent: publishing again does not bump the version.
	again, err := svc.Publish(flow.ID, "org_1")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Version)

	archived, err := svc.Archive(flow.ID, "org_1")
	require.NoError(t, err)
	assert.Equal(t, models.FlowArchived, archived.Status)

	// archived -> published is allowed and bumps the version.
	republished, err := svc.Publish(flow.ID, "org_1")
	require.NoError(t, err)
	assert.Equal(t, models.FlowPublished, republished.Status)
	assert.Equal(t, 3, republished.Version)
}

func TestService_PublishRejectsInvalidGraph(t *testing.T) {
	svc, _ := newTestService(t)
	flow, err := svc.Create("org_1", "Cyclic", "", &models.FlowDefinition{
		Nodes: []models.FlowNode{{ID: "entry", Type: "trigger"}, {ID: "a", Type: "http"}, {ID: "b", Type: "http"}},
		Edges: []models.FlowEdge{
			{Source: "entry", Target: "a"},
			{Source: "a", Target: "b"},
			{Source: "b", Target: "a"},
		},
	})
	require.NoError(t, err)

	_, err = svc.Publish(flow.ID, "org_1")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	// The flow is unchanged on a failed publish.
	unchanged, err := svc.Get(flow.ID, "org_1")
	require.NoError(t, err)
	assert.Equal(t, models.FlowDraft, unchanged.Status)
	assert.Equal(t, 1, unchanged.Version)
}

func TestService_UpdateRevalidatesPublishedDefinition(t *testing.T) {
	svc, _ := newTestService(t)
	flow, err := svc.Create("org_1", "Strict", "", validDef())
	require.NoError(t, err)
	_, err = svc.Publish(flow.ID, "org_1")
	require.NoError(t, err)

	broken := &models.FlowDefinition{}
	_, err = svc.Update(flow.ID, "org_1", UpdateInput{Definition: broken})
	assert.True(t, errors.IsValidation(err))

	// Draft flows accept broken definitions; validation happens at publish.
	draft, err := svc.Create("org_1", "Loose", "", validDef())
	require.NoError(t, err)
	_, err = svc.Update(draft.ID, "org_1", UpdateInput{Definition: broken})
	assert.NoError(t, err)
}

func TestService_DeleteOnlyDrafts(t *testing.T) {
	svc, webhookRepo := newTestService(t)

	flow, err := svc.Create("org_1", "Keeper", "", validDef())
	require.NoError(t, err)
	_, err = svc.Publish(flow.ID, "org_1")
	require.NoError(t, err)

	err = svc.Delete(flow.ID, "org_1")
	assert.True(t, errors.IsValidation(err))

	draft, err := svc.Create("org_1", "Gone", "", validDef())
	require.NoError(t, err)

	webhook := &models.Webhook{
		OrganizationID: "org_1", FlowID: draft.ID, EnvironmentID: "env_1",
		Slug: "abc123", Secret: "whsec_x",
	}
	require.NoError(t, webhookRepo.Create(webhook))

	require.NoError(t, svc.Delete(draft.ID, "org_1"))
	_, err = svc.Get(draft.ID, "org_1")
	assert.True(t, errors.IsNotFound(err))

	// Webhooks pointing at the deleted flow are paused, not orphaned-active.
	paused, err := webhookRepo.GetByIDAndOrg(webhook.ID, "org_1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookPaused, paused.Status)
}

func TestService_ListFiltersByStatus(t *testing.T) {
	svc, _ := newTestService(t)

	a, err := svc.Create("org_1", "A", "", validDef())
	require.NoError(t, err)
	_, err = svc.Create("org_1", "B", "", validDef())
	require.NoError(t, err)
	_, err = svc.Publish(a.ID, "org_1")
	require.NoError(t, err)

	published, total, err := svc.List("org_1", ListOptions{Status: models.FlowPublished})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, published, 1)
	assert.Equal(t, "A", published[0].Name)

	all, total, err := svc.List("org_1", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, all, 2)
}
