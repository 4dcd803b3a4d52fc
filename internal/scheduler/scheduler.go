package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository"
	callsvc "github.com/acme/campaign-dialer/internal/service/call"
	"github.com/acme/campaign-dialer/internal/service/concurrency"
	"github.com/acme/campaign-dialer/internal/service/reconcile"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// Completer runs the campaign completion check.
type Completer interface {
	CheckCompletion(ctx context.Context, campaignID uuid.UUID) (bool, error)
}

// Deps are the collaborators a tick works with.
type Deps struct {
	Campaigns  repository.CampaignRepository
	Contacts   repository.ContactRepository
	Calls      repository.CallRepository
	Directory  repository.DirectoryRepository
	Planner    *concurrency.Planner
	Launcher   *callsvc.Launcher
	Reconciler *reconcile.Reconciler
	Completer  Completer
	Logger     *logger.Logger
}

// Config paces launches and the periodic loop.
type Config struct {
	TickInterval       time.Duration
	ReconcileInterval  time.Duration
	CampaignFetchLimit int
	LaunchStagger      time.Duration
	BurstCooldown      time.Duration
}

// Summary is the result of one tick.
type Summary struct {
	CampaignsProcessed int `json:"campaigns_processed"`
	CallsLaunched      int `json:"calls_launched"`
	CallsFailed        int `json:"calls_failed"`
	Reconciled         int `json:"reconciled"`
	TimedOut           int `json:"timed_out"`
}

// Scheduler decides which contacts to call and launches them under the cap.
type Scheduler struct {
	deps   Deps
	cfg    Config
	tracer trace.Tracer
	sleep  func(ctx context.Context, d time.Duration) error
}

// New constructs a scheduler.
func New(deps Deps, cfg Config) *Scheduler {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if cfg.CampaignFetchLimit <= 0 {
		cfg.CampaignFetchLimit = 200
	}
	return &Scheduler{
		deps:   deps,
		cfg:    cfg,
		tracer: otel.Tracer("campaign-dialer.scheduler"),
		sleep:  sleepCtx,
	}
}

// Run ticks until ctx is cancelled, with a separate reconcile cadence.
func (s *Scheduler) Run(ctx context.Context) error {
	tickEvery := s.cfg.TickInterval
	if tickEvery <= 0 {
		tickEvery = time.Minute
	}
	reconcileEvery := s.cfg.ReconcileInterval
	if reconcileEvery <= 0 {
		reconcileEvery = 2 * time.Minute
	}

	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()
	reconciler := time.NewTicker(reconcileEvery)
	defer reconciler.Stop()

	log := s.deps.Logger
	for {
		if sum, err := s.Tick(ctx, nil); err != nil && ctx.Err() == nil {
			log.Error("scheduler tick failed", zap.Error(err))
		} else if err == nil {
			log.Info("scheduler tick finished",
				zap.Int("campaigns_processed", sum.CampaignsProcessed),
				zap.Int("calls_launched", sum.CallsLaunched),
				zap.Int("calls_failed", sum.CallsFailed),
				zap.Int("reconciled", sum.Reconciled),
				zap.Int("timed_out", sum.TimedOut),
			)
		}

	wait:
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconciler.C:
			if _, err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
				log.Error("scheduler reconcile failed", zap.Error(err))
			}
			goto wait
		case <-ticker.C:
		}
	}
}

// Tick runs one scheduling pass over runnable campaigns, or over a single
// campaign when scope is set, then reconciles and sweeps.
func (s *Scheduler) Tick(ctx context.Context, scope *uuid.UUID) (Summary, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.tick")
	defer span.End()
	log := s.deps.Logger.WithContext(ctx)

	campaigns, err := s.loadCampaigns(ctx, scope)
	if err != nil {
		span.RecordError(err)
		return Summary{}, err
	}
	span.SetAttributes(attribute.Int("campaign.count", len(campaigns)))

	var sum Summary
	for _, campaign := range campaigns {
		if ctx.Err() != nil {
			break
		}
		launched, failed, err := s.processCampaign(ctx, campaign)
		sum.CampaignsProcessed++
		sum.CallsLaunched += launched
		sum.CallsFailed += failed
		if err != nil {
			log.WithCampaign(campaign.ID).Error("scheduler: campaign failed", zap.Error(err))
		}
	}

	if ctx.Err() == nil {
		rec, err := s.deps.Reconciler.Reconcile(ctx, true)
		if err != nil {
			log.Error("scheduler: reconcile failed", zap.Error(err))
		}
		sum.Reconciled = rec.Updated

		swept, err := s.deps.Reconciler.Sweep(ctx)
		if err != nil {
			log.Error("scheduler: sweep failed", zap.Error(err))
		}
		sum.TimedOut = swept.TimedOut
	}

	span.SetAttributes(
		attribute.Int("calls.launched", sum.CallsLaunched),
		attribute.Int("calls.failed", sum.CallsFailed),
		attribute.Int("calls.reconciled", sum.Reconciled),
		attribute.Int("calls.timed_out", sum.TimedOut),
	)
	return sum, ctx.Err()
}

// Reconcile runs the threshold-gated provider poll followed by the stale sweep.
func (s *Scheduler) Reconcile(ctx context.Context) (Summary, error) {
	rec, err := s.deps.Reconciler.Reconcile(ctx, false)
	if err != nil {
		return Summary{}, err
	}
	swept, err := s.deps.Reconciler.Sweep(ctx)
	if err != nil {
		return Summary{Reconciled: rec.Updated}, err
	}
	return Summary{Reconciled: rec.Updated, TimedOut: swept.TimedOut}, nil
}

// DispatchCampaign runs a tick scoped to one campaign and returns the number of
// calls placed.
func (s *Scheduler) DispatchCampaign(ctx context.Context, campaignID uuid.UUID) (int, error) {
	sum, err := s.Tick(ctx, &campaignID)
	if err != nil {
		return 0, err
	}
	return sum.CallsLaunched, nil
}

func (s *Scheduler) loadCampaigns(ctx context.Context, scope *uuid.UUID) ([]*domain.Campaign, error) {
	if scope == nil {
		campaigns, err := s.deps.Campaigns.ListRunnable(ctx, s.cfg.CampaignFetchLimit)
		if err != nil {
			return nil, fmt.Errorf("scheduler: list campaigns: %w", err)
		}
		return campaigns, nil
	}

	campaign, err := s.deps.Campaigns.Get(ctx, *scope)
	if err != nil {
		return nil, fmt.Errorf("scheduler: load campaign: %w", err)
	}
	if campaign.CompletedAt != nil {
		return nil, nil
	}
	return []*domain.Campaign{campaign}, nil
}

func (s *Scheduler) processCampaign(ctx context.Context, campaign *domain.Campaign) (launched, failed int, err error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.campaign", trace.WithAttributes(
		attribute.String("campaign.id", campaign.ID.String()),
		attribute.String("campaign.mode", string(campaign.Mode)),
		attribute.Int("campaign.cap", campaign.Cap),
	))
	defer span.End()
	log := s.deps.Logger.WithContext(ctx).WithCampaign(campaign.ID)

	assistant, err := s.deps.Directory.GetAssistant(ctx, campaign.AssistantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("scheduler: assistant missing, skipping campaign")
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("lookup assistant: %w", err)
	}
	if !assistant.Active {
		log.Info("scheduler: assistant inactive, skipping campaign")
		return 0, 0, nil
	}
	line, err := s.deps.Directory.GetPhoneLine(ctx, campaign.PhoneLineID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("scheduler: phone line missing, skipping campaign")
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("lookup phone line: %w", err)
	}

	snapshot, err := s.snapshot(ctx, campaign)
	if err != nil {
		return 0, 0, err
	}
	n := s.deps.Planner.Plan(snapshot)
	span.SetAttributes(attribute.Int("plan.launches", n))
	if n == 0 {
		s.checkCompletion(ctx, campaign.ID)
		return 0, 0, nil
	}

	contacts, err := s.deps.Contacts.NextUncalled(ctx, campaign.ID, n, campaign.Mode == domain.DispatchModeBatch)
	if err != nil {
		return 0, 0, fmt.Errorf("select contacts: %w", err)
	}
	if len(contacts) == 0 {
		s.checkCompletion(ctx, campaign.ID)
		return 0, 0, nil
	}
	log.Info("scheduler: launching calls", zap.Int("planned", n), zap.Int("selected", len(contacts)))

	target := callsvc.Target{Campaign: campaign, Assistant: assistant, PhoneLine: line}
	for i, contact := range contacts {
		if i > 0 {
			if err := s.sleep(ctx, s.cfg.LaunchStagger); err != nil {
				break
			}
		}
		// Another tick may have taken capacity since the plan.
		room, err := s.room(ctx, campaign)
		if err != nil {
			log.Error("scheduler: capacity re-check failed", zap.Error(err))
			break
		}
		if room == 0 {
			log.Info("scheduler: capacity filled before launch", zap.Int("remaining", len(contacts)-i))
			break
		}

		call, err := s.deps.Launcher.Enqueue(ctx, campaign, contact)
		if err != nil {
			if errors.Is(err, repository.ErrConflict) {
				log.Debug("scheduler: contact already has a call", zap.String("contact_id", contact.ID.String()))
				continue
			}
			log.Error("scheduler: enqueue failed", zap.Error(err), zap.String("contact_id", contact.ID.String()))
			continue
		}

		out, err := s.deps.Launcher.Launch(ctx, target, call, contact)
		if err != nil {
			log.Error("scheduler: launch failed", zap.Error(err), zap.String("call_id", call.ID.String()))
			failed++
			continue
		}
		if out.Launched {
			launched++
		} else {
			failed++
		}
	}

	span.SetAttributes(attribute.Int("calls.launched", launched), attribute.Int("calls.failed", failed))
	if campaign.Mode == domain.DispatchModeContinuous && launched > 0 {
		_ = s.sleep(ctx, s.cfg.BurstCooldown)
	}
	return launched, failed, nil
}

func (s *Scheduler) snapshot(ctx context.Context, campaign *domain.Campaign) (concurrency.PlanInput, error) {
	occupying, err := s.deps.Calls.CountOccupying(ctx, campaign.ID)
	if err != nil {
		return concurrency.PlanInput{}, fmt.Errorf("count occupying: %w", err)
	}
	account, err := s.deps.Calls.CountOccupyingAll(ctx)
	if err != nil {
		return concurrency.PlanInput{}, fmt.Errorf("count account occupying: %w", err)
	}
	return concurrency.PlanInput{
		Mode:             campaign.Mode,
		Cap:              campaign.Cap,
		Occupying:        occupying,
		AccountOccupying: account,
	}, nil
}

func (s *Scheduler) room(ctx context.Context, campaign *domain.Campaign) (int, error) {
	in, err := s.snapshot(ctx, campaign)
	if err != nil {
		return 0, err
	}
	return s.deps.Planner.Room(in), nil
}

func (s *Scheduler) checkCompletion(ctx context.Context, campaignID uuid.UUID) {
	if s.deps.Completer == nil {
		return
	}
	if _, err := s.deps.Completer.CheckCompletion(ctx, campaignID); err != nil {
		s.deps.Logger.WithContext(ctx).WithCampaign(campaignID).Error("scheduler: completion check failed", zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
