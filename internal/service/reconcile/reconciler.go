// Package reconcile repairs call state when provider events go missing.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository"
	callsvc "github.com/acme/campaign-dialer/internal/service/call"
	"github.com/acme/campaign-dialer/internal/telephony"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// TimeoutReason is recorded on calls closed by the sweep.
const TimeoutReason = "no status update within timeout window"

// Config tunes the corrective passes.
type Config struct {
	// After is how long a call may go without a status update before it is polled.
	After time.Duration
	// StaleTimeout is how long a call may stay active without updates before it times out.
	StaleTimeout time.Duration
	BatchSize    int
}

// Summary counts the work done by one pass.
type Summary struct {
	Checked  int
	Updated  int
	Errors   int
	TimedOut int
}

// Reconciler polls the provider for active calls and sweeps stale ones.
type Reconciler struct {
	calls        repository.CallRepository
	provider     telephony.Provider
	transitioner *callsvc.Transitioner
	cfg          Config
	logger       *logger.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

// New constructs a reconciler.
func New(calls repository.CallRepository, provider telephony.Provider, transitioner *callsvc.Transitioner, cfg Config, log *logger.Logger) *Reconciler {
	if cfg.After <= 0 {
		cfg.After = 2 * time.Minute
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Reconciler{
		calls:        calls,
		provider:     provider,
		transitioner: transitioner,
		cfg:          cfg,
		logger:       log,
		tracer:       otel.Tracer("campaign-dialer.reconcile"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile fetches provider state for active calls that have a provider id and
// applies any status that differs from the stored one. With force set the
// staleness threshold is ignored. Provider errors are counted, never returned.
func (r *Reconciler) Reconcile(ctx context.Context, force bool) (Summary, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile.poll", trace.WithAttributes(attribute.Bool("force", force)))
	defer span.End()

	filter := repository.ActiveCallFilter{WithProviderID: true, Limit: r.cfg.BatchSize}
	if !force {
		before := r.now().Add(-r.cfg.After)
		filter.StaleBefore = &before
	}
	calls, err := r.calls.ListActive(ctx, filter)
	if err != nil {
		span.RecordError(err)
		return Summary{}, fmt.Errorf("reconcile: list active: %w", err)
	}

	var sum Summary
	for _, call := range calls {
		if ctx.Err() != nil {
			break
		}
		sum.Checked++
		log := r.logger.WithContext(ctx).WithCall(call.ID).With(zap.String("provider_call_id", *call.ProviderCallID))

		info, err := r.provider.GetCall(ctx, *call.ProviderCallID)
		if err != nil {
			sum.Errors++
			log.Warn("reconcile: provider lookup failed", zap.Error(err))
			continue
		}

		mapped := callsvc.MapProviderStatus(info.Status, info.EndedReason)
		if mapped == domain.CallStatusUnknown || mapped == call.Status || !call.Status.CanTransitionTo(mapped) {
			continue
		}

		res, err := r.transitioner.Apply(ctx, call.ID, callsvc.Update{
			Status:            mapped,
			EndedReason:       info.EndedReason,
			Cost:              info.Cost,
			RecordingURL:      info.RecordingURL,
			Transcript:        info.Transcript,
			SuccessEvaluation: info.SuccessEvaluation,
			StartedAt:         info.StartedAt,
			EndedAt:           info.EndedAt,
			Payload:           info.Raw,
			Source:            callsvc.SourceReconcile,
			Precondition: func(locked *domain.Call) bool {
				return locked.Status.CanTransitionTo(mapped)
			},
		})
		if err != nil {
			sum.Errors++
			log.Error("reconcile: apply failed", zap.Error(err))
			continue
		}
		if res.Changed {
			sum.Updated++
		}
	}

	span.SetAttributes(
		attribute.Int("reconcile.checked", sum.Checked),
		attribute.Int("reconcile.updated", sum.Updated),
		attribute.Int("reconcile.errors", sum.Errors),
	)
	return sum, nil
}

// Sweep times out active calls that have not received a status update within
// the stale timeout. Staleness is re-checked on the locked row so a concurrent
// webhook wins.
func (r *Reconciler) Sweep(ctx context.Context) (Summary, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile.sweep")
	defer span.End()

	cutoff := r.now().Add(-r.cfg.StaleTimeout)
	calls, err := r.calls.ListActive(ctx, repository.ActiveCallFilter{StaleBefore: &cutoff, Limit: r.cfg.BatchSize})
	if err != nil {
		span.RecordError(err)
		return Summary{}, fmt.Errorf("reconcile: list stale: %w", err)
	}

	payload, _ := json.Marshal(map[string]string{"reason": TimeoutReason})
	var sum Summary
	for _, call := range calls {
		if ctx.Err() != nil {
			break
		}
		sum.Checked++
		now := r.now()
		res, err := r.transitioner.Apply(ctx, call.ID, callsvc.Update{
			Status:      domain.CallStatusTimeout,
			EndedReason: TimeoutReason,
			EndedAt:     &now,
			Payload:     payload,
			Source:      callsvc.SourceSweep,
			Precondition: func(locked *domain.Call) bool {
				return locked.Status.IsActive() && locked.LastStatusAt.Before(now.Add(-r.cfg.StaleTimeout))
			},
		})
		if err != nil {
			sum.Errors++
			r.logger.WithContext(ctx).WithCall(call.ID).Error("reconcile: sweep failed", zap.Error(err))
			continue
		}
		if res.Changed {
			sum.TimedOut++
			r.logger.WithContext(ctx).WithCall(call.ID).Warn("reconcile: call timed out",
				zap.Time("last_status_at", call.LastStatusAt),
			)
		}
	}
	span.SetAttributes(attribute.Int("sweep.timed_out", sum.TimedOut))
	return sum, nil
}
