package handlers

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/acme/campaign-dialer/pkg/errors"
)

type tickRequest struct {
	CampaignID string `json:"campaign_id" validate:"omitempty,uuid"`
}

// requireTriggerSecret accepts the shared secret from, in order, a bearer
// token, the X-Scheduler-Secret header or the secret query parameter.
func (h *HandlerSet) requireTriggerSecret(ctx *fiber.Ctx) error {
	if h.deps.TriggerSecret == "" {
		return translateError(fmt.Errorf("%w: trigger secret not configured", apperrors.ErrUnauthorized))
	}

	presented := ""
	if auth := ctx.Get(fiber.HeaderAuthorization); strings.HasPrefix(auth, "Bearer ") {
		presented = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if presented == "" {
		presented = ctx.Get("X-Scheduler-Secret")
	}
	if presented == "" {
		presented = ctx.Query("secret")
	}

	if subtle.ConstantTimeCompare([]byte(presented), []byte(h.deps.TriggerSecret)) != 1 {
		return translateError(apperrors.ErrUnauthorized)
	}
	return ctx.Next()
}

func (h *HandlerSet) tick(ctx *fiber.Ctx) error {
	var req tickRequest
	if len(ctx.Body()) > 0 {
		if err := ctx.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid request body")
		}
		if err := h.validate.Struct(req); err != nil {
			return translateError(fmt.Errorf("%w: %v", apperrors.ErrValidation, err))
		}
	}

	var scope *uuid.UUID
	if req.CampaignID != "" {
		id := uuid.MustParse(req.CampaignID)
		scope = &id
	}

	sum, err := h.deps.Scheduler.Tick(ctx.UserContext(), scope)
	if err != nil {
		return translateError(err)
	}
	h.logger.WithContext(ctx.UserContext()).Info("scheduler tick triggered",
		zap.Int("campaigns_processed", sum.CampaignsProcessed),
		zap.Int("calls_launched", sum.CallsLaunched),
	)
	return ctx.Status(http.StatusOK).JSON(sum)
}

func (h *HandlerSet) reconcile(ctx *fiber.Ctx) error {
	sum, err := h.deps.Scheduler.Reconcile(ctx.UserContext())
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{
		"reconciled": sum.Reconciled,
		"timed_out":  sum.TimedOut,
	})
}
