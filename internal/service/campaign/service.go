package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository"
	callsvc "github.com/acme/campaign-dialer/internal/service/call"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
)

// Dispatcher runs a tick scoped to one campaign and reports how many calls it placed.
type Dispatcher interface {
	DispatchCampaign(ctx context.Context, campaignID uuid.UUID) (int, error)
}

// Service orchestrates campaign lifecycle operations.
type Service struct {
	campaigns     repository.CampaignRepository
	directory     repository.DirectoryRepository
	dispatcher    Dispatcher
	defaultRegion string
	now           func() time.Time
}

// NewService constructs a campaign service.
func NewService(
	campaigns repository.CampaignRepository,
	directory repository.DirectoryRepository,
	dispatcher Dispatcher,
	defaultRegion string,
) *Service {
	return &Service{
		campaigns:     campaigns,
		directory:     directory,
		dispatcher:    dispatcher,
		defaultRegion: defaultRegion,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// CreateCampaignInput captures campaign creation parameters.
type CreateCampaignInput struct {
	Name        string
	Mode        domain.DispatchMode
	Cap         int
	AssistantID uuid.UUID
	PhoneLineID uuid.UUID
	Contacts    []ContactInput
}

// ContactInput is one row of the contact list.
type ContactInput struct {
	Name         string
	BusinessName string
	Phone        string
}

// Create provisions a campaign and its contacts. Phones that cannot be
// normalized are stored as given so the launch records them as failed calls.
func (s *Service) Create(ctx context.Context, input CreateCampaignInput) (*domain.Campaign, error) {
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}
	if _, err := s.directory.GetAssistant(ctx, input.AssistantID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown assistant %s", apperrors.ErrValidation, input.AssistantID)
		}
		return nil, fmt.Errorf("campaign service: lookup assistant: %w", err)
	}
	if _, err := s.directory.GetPhoneLine(ctx, input.PhoneLineID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown phone line %s", apperrors.ErrValidation, input.PhoneLineID)
		}
		return nil, fmt.Errorf("campaign service: lookup phone line: %w", err)
	}

	now := s.now()
	campaign := &domain.Campaign{
		ID:          uuid.New(),
		Name:        strings.TrimSpace(input.Name),
		Mode:        input.Mode,
		Cap:         input.Cap,
		AssistantID: input.AssistantID,
		PhoneLineID: input.PhoneLineID,
		CreatedAt:   now,
	}
	contacts := buildContacts(campaign, input.Contacts, s.defaultRegion, now)
	if err := s.campaigns.CreateWithContacts(ctx, campaign, contacts); err != nil {
		return nil, fmt.Errorf("campaign service: create campaign: %w", err)
	}
	return campaign, nil
}

// Get retrieves a campaign by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.campaigns.Get(ctx, id)
}

// StartResult reports the outcome of starting a campaign.
type StartResult struct {
	Campaign *domain.Campaign
	Launched int
}

// Start kicks a campaign off by running a tick scoped to it. The campaign is
// marked started by its first successful launch.
func (s *Service) Start(ctx context.Context, id uuid.UUID) (*StartResult, error) {
	campaign, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if campaign.CompletedAt != nil {
		return nil, fmt.Errorf("%w: campaign already completed", apperrors.ErrConflict)
	}
	if campaign.TotalContacts == 0 {
		return nil, fmt.Errorf("%w: campaign has no contacts", apperrors.ErrValidation)
	}
	if s.dispatcher == nil {
		return nil, fmt.Errorf("campaign service: %w: dispatcher not configured", apperrors.ErrUnavailable)
	}

	launched, err := s.dispatcher.DispatchCampaign(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("campaign service: start: %w", err)
	}

	campaign, err = s.campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StartResult{Campaign: campaign, Launched: launched}, nil
}

// Stats retrieves aggregated call statistics.
func (s *Service) Stats(ctx context.Context, id uuid.UUID) (*domain.CampaignStats, error) {
	if _, err := s.campaigns.Get(ctx, id); err != nil {
		return nil, err
	}
	stats, err := s.campaigns.Stats(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("campaign service: stats: %w", err)
	}
	return stats, nil
}

func buildContacts(campaign *domain.Campaign, inputs []ContactInput, region string, now time.Time) []domain.Contact {
	contacts := make([]domain.Contact, 0, len(inputs))
	for i, in := range inputs {
		original := strings.TrimSpace(in.Phone)
		phone, err := callsvc.NormalizePhone(original, region)
		if err != nil {
			phone = original
		}
		contact := domain.Contact{
			ID:            uuid.New(),
			CampaignID:    campaign.ID,
			Name:          strings.TrimSpace(in.Name),
			BusinessName:  strings.TrimSpace(in.BusinessName),
			Phone:         phone,
			OriginalPhone: original,
			// Distinct timestamps keep creation order stable for selection.
			CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
		}
		if campaign.Mode == domain.DispatchModeBatch {
			idx := i / campaign.Cap
			contact.BatchIndex = &idx
		}
		contacts = append(contacts, contact)
	}
	return contacts
}

func validateCreateInput(input CreateCampaignInput) error {
	if strings.TrimSpace(input.Name) == "" {
		return fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}
	if !input.Mode.Valid() {
		return fmt.Errorf("%w: unknown dispatch mode %q", apperrors.ErrValidation, input.Mode)
	}
	if input.Cap <= 0 {
		return fmt.Errorf("%w: cap must be positive", apperrors.ErrValidation)
	}
	if input.AssistantID == uuid.Nil || input.PhoneLineID == uuid.Nil {
		return fmt.Errorf("%w: assistant and phone line are required", apperrors.ErrValidation)
	}
	if len(input.Contacts) == 0 {
		return fmt.Errorf("%w: at least one contact is required", apperrors.ErrValidation)
	}
	for i, c := range input.Contacts {
		if strings.TrimSpace(c.Phone) == "" {
			return fmt.Errorf("%w: contact %d has no phone number", apperrors.ErrValidation, i)
		}
	}
	return nil
}
