package handlers

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/repository"
	"github.com/acme/campaign-dialer/internal/scheduler"
	campaignsvc "github.com/acme/campaign-dialer/internal/service/campaign"
	"github.com/acme/campaign-dialer/internal/service/ingest"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// Trigger runs scheduler passes on demand.
type Trigger interface {
	Tick(ctx context.Context, scope *uuid.UUID) (scheduler.Summary, error)
	Reconcile(ctx context.Context) (scheduler.Summary, error)
}

// HealthCheck pings one backing store.
type HealthCheck func(ctx context.Context) error

// Deps bundles what the handlers serve from.
type Deps struct {
	Campaigns       *campaignsvc.Service
	Calls           repository.CallRepository
	Archive         repository.EventArchive
	Ingester        *ingest.Ingester
	Scheduler       Trigger
	Health          map[string]HealthCheck
	TriggerSecret   string
	SignatureHeader string
	Logger          *logger.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	deps     Deps
	validate *validator.Validate
	logger   *logger.Logger
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Deps) *HandlerSet {
	if deps.SignatureHeader == "" {
		deps.SignatureHeader = "X-Signature"
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &HandlerSet{deps: deps, validate: validator.New(), logger: log}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	v1.Post("/webhooks/provider", h.providerWebhook)

	sched := v1.Group("/scheduler", h.requireTriggerSecret)
	sched.Post("/tick", h.tick)
	sched.Post("/reconcile", h.reconcile)

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/", h.createCampaign)
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Post("/:id/start", h.startCampaign)
	campaigns.Get("/:id/stats", h.campaignStats)

	calls := v1.Group("/calls")
	calls.Get("/:id", h.getCall)
	calls.Get("/:id/archive", h.getCallArchive)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err), zap.String("path", ctx.Path()))
		message = "internal error"
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.deps.Health {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	body := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		body = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": body, "errors": errs})
}
