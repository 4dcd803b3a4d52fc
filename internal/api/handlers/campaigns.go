package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/domain"
	campaignsvc "github.com/acme/campaign-dialer/internal/service/campaign"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
)

type createCampaignRequest struct {
	Name        string           `json:"name" validate:"required"`
	Mode        string           `json:"mode" validate:"omitempty,oneof=continuous batch"`
	Cap         int              `json:"cap" validate:"gte=1"`
	AssistantID string           `json:"assistant_id" validate:"required,uuid"`
	PhoneLineID string           `json:"phone_line_id" validate:"required,uuid"`
	Contacts    []contactRequest `json:"contacts" validate:"required,min=1,dive"`
}

type contactRequest struct {
	Name         string `json:"name"`
	BusinessName string `json:"business_name"`
	Phone        string `json:"phone" validate:"required"`
}

type campaignResponse struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	Mode          string     `json:"mode"`
	Cap           int        `json:"cap"`
	AssistantID   uuid.UUID  `json:"assistant_id"`
	PhoneLineID   uuid.UUID  `json:"phone_line_id"`
	TotalContacts int        `json:"total_contacts"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

type startCampaignResponse struct {
	Campaign campaignResponse `json:"campaign"`
	Launched int              `json:"launched"`
}

type campaignStatsResponse struct {
	TotalContacts  int64            `json:"total_contacts"`
	UncalledCount  int64            `json:"uncalled"`
	ActiveCalls    int64            `json:"active_calls"`
	OccupyingCalls int64            `json:"occupying_calls"`
	CallsByStatus  map[string]int64 `json:"calls_by_status"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	var req createCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return translateError(fmt.Errorf("%w: %v", apperrors.ErrValidation, err))
	}

	input := campaignsvc.CreateCampaignInput{
		Name:        req.Name,
		Mode:        domain.DispatchMode(req.Mode),
		Cap:         req.Cap,
		AssistantID: uuid.MustParse(req.AssistantID),
		PhoneLineID: uuid.MustParse(req.PhoneLineID),
		Contacts:    make([]campaignsvc.ContactInput, 0, len(req.Contacts)),
	}
	if input.Mode == "" {
		input.Mode = domain.DispatchModeContinuous
	}
	for _, c := range req.Contacts {
		input.Contacts = append(input.Contacts, campaignsvc.ContactInput{
			Name:         c.Name,
			BusinessName: c.BusinessName,
			Phone:        c.Phone,
		})
	}

	campaign, err := h.deps.Campaigns.Create(ctx.UserContext(), input)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.deps.Campaigns.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) startCampaign(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	res, err := h.deps.Campaigns.Start(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusAccepted).JSON(startCampaignResponse{
		Campaign: toCampaignResponse(res.Campaign),
		Launched: res.Launched,
	})
}

func (h *HandlerSet) campaignStats(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	stats, err := h.deps.Campaigns.Stats(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	byStatus := make(map[string]int64, len(stats.CallsByStatus))
	for status, n := range stats.CallsByStatus {
		byStatus[string(status)] = n
	}
	return ctx.Status(http.StatusOK).JSON(campaignStatsResponse{
		TotalContacts:  stats.TotalContacts,
		UncalledCount:  stats.UncalledCount,
		ActiveCalls:    stats.ActiveCalls,
		OccupyingCalls: stats.OccupyingCalls,
		CallsByStatus:  byStatus,
	})
}

func toCampaignResponse(campaign *domain.Campaign) campaignResponse {
	return campaignResponse{
		ID:            campaign.ID,
		Name:          campaign.Name,
		Mode:          string(campaign.Mode),
		Cap:           campaign.Cap,
		AssistantID:   campaign.AssistantID,
		PhoneLineID:   campaign.PhoneLineID,
		TotalContacts: campaign.TotalContacts,
		CreatedAt:     campaign.CreatedAt,
		StartedAt:     campaign.StartedAt,
		CompletedAt:   campaign.CompletedAt,
	}
}
