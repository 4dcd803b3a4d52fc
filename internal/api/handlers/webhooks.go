package handlers

import (
	"bytes"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	apperrors "github.com/acme/campaign-dialer/pkg/errors"
)

// providerWebhook verifies and applies one provider event. Errors other than
// signature and parse failures answer 500 so the provider redelivers.
func (h *HandlerSet) providerWebhook(ctx *fiber.Ctx) error {
	body := bytes.Clone(ctx.Body())
	signature := ctx.Get(h.deps.SignatureHeader)

	res, err := h.deps.Ingester.Ingest(ctx.UserContext(), body, signature)
	switch {
	case err == nil:
		return ctx.Status(http.StatusOK).JSON(fiber.Map{"status": res.Outcome})
	case errors.Is(err, apperrors.ErrUnauthorized):
		return ctx.Status(http.StatusUnauthorized).JSON(fiber.Map{"error": "invalid signature"})
	case errors.Is(err, apperrors.ErrValidation):
		return ctx.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "malformed event"})
	default:
		h.logger.WithContext(ctx.UserContext()).Error("webhook: ingest failed", zap.Error(err))
		return ctx.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
}
