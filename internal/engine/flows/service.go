package flows

import (
	"forge/internal/pkg/errors"
	"forge/internal/platform/models"
	"forge/internal/platform/repositories"
)

type Service struct {
	flows    *repositories.FlowRepository
	webhooks *repositories.WebhookRepository
}

func NewService(flows *repositories.FlowRepository, webhooks *repositories.WebhookRepository) *Service {
	return &Service{flows: flows, webhooks: webhooks}
}

func (s *Service) Create(orgID, name, description string, def *models.FlowDefinition) (*models.Flow, error) {
	if name == "" {
		return nil, errors.E(errors.KindValidation, "flow name is required")
	}

	flow := &models.Flow{
		OrganizationID: orgID,
		Name:           name,
		Description:    description,
		Status:         models.FlowDraft,
		Version:        1,
	}
	if def != nil {
		flow.Definition = *def
	} else {
		flow.Definition = models.FlowDefinition{Nodes: []models.FlowNode{}, Edges: []models.FlowEdge{}}
	}

	if err := s.flows.Create(flow); err != nil {
		return nil, err
	}
	return flow, nil
}

func (s *Service) Get(flowID, orgID string) (*models.Flow, error) {
	flow, err := s.flows.GetByIDAndOrg(flowID, orgID)
	if err != nil {
		return nil, err
	}
	if flow == nil {
		return nil, errors.E(errors.KindNotFound, "flow not found")
	}
	return flow, nil
}

type UpdateInput struct {
	Name        *string
	Description *string
	Definition  *models.FlowDefinition
}

// Update applies a patch. A structural edit to a published flow re-validates
// before persisting and is rejected on failure rather than silently demoting
// the flow, so a mid-flight run never races an accepted broken edit.
func (s *Service) Update(flowID, orgID string, input UpdateInput) (*models.Flow, error) {
	flow, err := s.Get(flowID, orgID)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		if *input.Name == "" {
			return nil, errors.E(errors.KindValidation, "flow name cannot be empty")
		}
		flow.Name = *input.Name
	}
	if input.Description != nil {
		flow.Description = *input.Description
	}
	if input.Definition != nil {
		if flow.Status == models.FlowPublished {
			if err := ValidateDefinition(input.Definition); err != nil {
				return nil, err
			}
		}
		flow.Definition = *input.Definition
	}

	if err := s.flows.Update(flow); err != nil {
		return nil, err
	}
	return flow, nil
}

// Publish validates the graph and transitions draft|archived -> published.
// On failure the flow is unchanged and the validation errors are returned.
func (s *Service) Publish(flowID, orgID string) (*models.Flow, error) {
	flow, err := s.Get(flowID, orgID)
	if err != nil {
		return nil, err
	}
	if flow.Status == models.FlowPublished {
		return flow, nil
	}

	if err := ValidateDefinition(&flow.Definition); err != nil {
		return nil, err
	}

	flow.Status = models.FlowPublished
	flow.Version++
	if err := s.flows.Update(flow); err != nil {
		return nil, err
	}
	return flow, nil
}

// Archive retires a flow. published -> draft is deliberately not a transition:
// a published flow is archived, never reverted, so historical runs keep a
// meaningful answer to "was this definition live".
func (s *Service) Archive(flowID, orgID string) (*models.Flow, error) {
	flow, err := s.Get(flowID, orgID)
	if err != nil {
		return nil, err
	}
	if flow.Status == models.FlowArchived {
		return flow, nil
	}

	flow.Status = models.FlowArchived
	if err := s.flows.Update(flow); err != nil {
		return nil, err
	}
	return flow, nil
}

// Delete removes a draft flow and cascade-pauses its webhooks; the store has
// no referential constraints so consistency is enforced here.
func (s *Service) Delete(flowID, orgID string) error {
	flow, err := s.Get(flowID, orgID)
	if err != nil {
		return err
	}
	if flow.Status != models.FlowDraft {
		return errors.E(errors.KindValidation, "only draft flows can be deleted; archive it instead")
	}

	if err := s.webhooks.PauseByFlow(flowID); err != nil {
		return err
	}
	return s.flows.Delete(flowID)
}

type ListOptions struct {
	Status string
	Limit  int
	Offset int
}

func (s *Service) List(orgID string, opts ListOptions) ([]*models.Flow, int, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	return s.flows.ListByOrg(orgID, opts.Status, opts.Limit, opts.Offset)
}
