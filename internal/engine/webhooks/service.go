package webhooks

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"forge/internal/pkg/errors"
	"forge/internal/platform/models"
	"forge/internal/platform/repositories"
)

// RunQueuer is the slice of the execution coordinator a webhook needs: turn an
// inbound delivery into a queued run.
type RunQueuer interface {
	QueueRun(flowID, orgID, triggerType, triggeredBy string, input map[string]interface{}) (*models.Run, error)
}

type Service struct {
	webhooks *repositories.WebhookRepository
	flows    *repositories.FlowRepository
	envs     *repositories.EnvironmentRepository
	runner   RunQueuer
}

func NewService(webhooks *repositories.WebhookRepository, flows *repositories.FlowRepository,
	envs *repositories.EnvironmentRepository, runner RunQueuer) *Service {
	return &Service{webhooks: webhooks, flows: flows, envs: envs, runner: runner}
}

// Create registers an inbound endpoint for a flow. The generated secret is
// returned here and never again; only its presence in the row matters later.
func (s *Service) Create(orgID, flowID, envName string) (*models.Webhook, error) {
	flow, err := s.flows.GetByIDAndOrg(flowID, orgID)
	if err != nil {
		return nil, err
	}
	if flow == nil {
		return nil, errors.E(errors.KindNotFound, "flow not found")
	}

	if envName == "" {
		envName = models.EnvSandbox
	}
	if envName != models.EnvSandbox && envName != models.EnvProduction {
		return nil, errors.Ef(errors.KindValidation, "unknown environment %q", envName)
	}
	env, err := s.envs.GetOrCreate(orgID, envName)
	if err != nil {
		return nil, err
	}

	slug, err := NewSlug()
	if err != nil {
		return nil, err
	}
	secret, err := NewSecret()
	if err != nil {
		return nil, err
	}

	webhook := &models.Webhook{
		OrganizationID: orgID,
		FlowID:         flowID,
		EnvironmentID:  env.ID,
		Slug:           slug,
		Secret:         secret,
		Status:         models.WebhookActive,
	}
	if err := s.webhooks.Create(webhook); err != nil {
		return nil, err
	}
	return webhook, nil
}

// HandleInbound processes a delivery to /hooks/{slug}. Checks run in a fixed
// order: unknown slug, paused endpoint, bad signature, then trigger. A paused
// endpoint answers before the signature is examined, so probing a paused hook
// reveals nothing about its secret.
func (s *Service) HandleInbound(slug string, payload []byte, signature string) (*models.Run, error) {
	webhook, err := s.webhooks.GetBySlug(slug)
	if err != nil {
		return nil, err
	}
	if webhook == nil {
		return nil, errors.E(errors.KindNotFound, "webhook not found")
	}
	if webhook.Status == models.WebhookPaused {
		return nil, errors.E(errors.KindUnavailable, "webhook is paused")
	}
	if !Verify(webhook.Secret, payload, signature) {
		return nil, errors.E(errors.KindAuthentication, "invalid webhook signature")
	}

	var input map[string]interface{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &input); err != nil {
			return nil, errors.E(errors.KindValidation, "payload must be a JSON object")
		}
	}

	run, err := s.runner.QueueRun(webhook.FlowID, webhook.OrganizationID, models.TriggerWebhook, webhook.ID, input)
	if err != nil {
		return nil, err
	}

	// Bookkeeping only; the run is already queued and must be reported.
	if uerr := s.webhooks.UpdateLastTriggered(webhook.ID, time.Now().Unix()); uerr != nil {
		log.Warn().Err(uerr).Str("webhook_id", webhook.ID).Msg("last-triggered update failed")
	}
	return run, nil
}

func (s *Service) Pause(webhookID, orgID string) (*models.Webhook, error) {
	return s.setStatus(webhookID, orgID, models.WebhookPaused)
}

func (s *Service) Resume(webhookID, orgID string) (*models.Webhook, error) {
	return s.setStatus(webhookID, orgID, models.WebhookActive)
}

func (s *Service) setStatus(webhookID, orgID, status string) (*models.Webhook, error) {
	webhook, err := s.webhooks.GetByIDAndOrg(webhookID, orgID)
	if err != nil {
		return nil, err
	}
	if webhook == nil {
		return nil, errors.E(errors.KindNotFound, "webhook not found")
	}
	if webhook.Status == status {
		return webhook, nil
	}
	if err := s.webhooks.UpdateStatus(webhookID, status); err != nil {
		return nil, err
	}
	webhook.Status = status
	return webhook, nil
}

func (s *Service) List(orgID string) ([]*models.Webhook, error) {
	return s.webhooks.ListByOrg(orgID)
}

func (s *Service) Delete(webhookID, orgID string) error {
	webhook, err := s.webhooks.GetByIDAndOrg(webhookID, orgID)
	if err != nil {
		return err
	}
	if webhook == nil {
		return errors.E(errors.KindNotFound, "webhook not found")
	}
	return s.webhooks.Delete(webhookID)
}
