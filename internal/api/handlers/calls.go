package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/domain"
)

type callResponse struct {
	ID                uuid.UUID         `json:"id"`
	CampaignID        uuid.UUID         `json:"campaign_id"`
	ContactID         uuid.UUID         `json:"contact_id"`
	ProviderCallID    *string           `json:"provider_call_id,omitempty"`
	Status            domain.CallStatus `json:"status"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	EndedAt           *time.Time        `json:"ended_at,omitempty"`
	EndedReason       *string           `json:"ended_reason,omitempty"`
	Cost              *float64          `json:"cost,omitempty"`
	RecordingURL      *string           `json:"recording_url,omitempty"`
	Transcript        json.RawMessage   `json:"transcript,omitempty"`
	SuccessEvaluation *bool             `json:"success_evaluation,omitempty"`
	LastStatusAt      time.Time         `json:"last_status_at"`
	CreatedAt         time.Time         `json:"created_at"`
	Events            []eventResponse   `json:"events"`
}

type eventResponse struct {
	ID        uuid.UUID         `json:"id"`
	Status    domain.CallStatus `json:"status"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type archivedEventResponse struct {
	EventID        uuid.UUID         `json:"event_id"`
	Status         domain.CallStatus `json:"status"`
	ProviderCallID string            `json:"provider_call_id,omitempty"`
	Source         string            `json:"source"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

func (h *HandlerSet) getCall(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}

	call, err := h.deps.Calls.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	events, err := h.deps.Calls.ListEvents(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCallResponse(call, events))
}

func (h *HandlerSet) getCallArchive(ctx *fiber.Ctx) error {
	if h.deps.Archive == nil {
		return fiber.NewError(http.StatusServiceUnavailable, "event archive not configured")
	}
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}

	records, err := h.deps.Archive.ListByCall(ctx.UserContext(), id, ctx.QueryInt("limit", 100))
	if err != nil {
		return translateError(err)
	}

	out := make([]archivedEventResponse, 0, len(records))
	for _, r := range records {
		out = append(out, archivedEventResponse{
			EventID:        r.EventID,
			Status:         r.Status,
			ProviderCallID: r.ProviderCallID,
			Source:         r.Source,
			OccurredAt:     r.OccurredAt,
		})
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"events": out})
}

func toCallResponse(call *domain.Call, events []domain.CallEvent) callResponse {
	resp := callResponse{
		ID:                call.ID,
		CampaignID:        call.CampaignID,
		ContactID:         call.ContactID,
		ProviderCallID:    call.ProviderCallID,
		Status:            call.Status,
		StartedAt:         call.StartedAt,
		EndedAt:           call.EndedAt,
		EndedReason:       call.EndedReason,
		Cost:              call.Cost,
		RecordingURL:      call.RecordingURL,
		Transcript:        call.Transcript,
		SuccessEvaluation: call.SuccessEvaluation,
		LastStatusAt:      call.LastStatusAt,
		CreatedAt:         call.CreatedAt,
		Events:            make([]eventResponse, 0, len(events)),
	}
	for _, e := range events {
		resp.Events = append(resp.Events, eventResponse{
			ID:        e.ID,
			Status:    e.Status,
			Payload:   e.Payload,
			CreatedAt: e.CreatedAt,
		})
	}
	return resp
}
