package call

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository"
	"github.com/acme/campaign-dialer/internal/telephony"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// RateGate blocks until the shared provider request budget allows one request.
type RateGate interface {
	Wait(ctx context.Context) error
}

// LauncherConfig tunes provider retries and phone parsing.
type LauncherConfig struct {
	MaxAttempts   int
	RetryDelays   []time.Duration
	DefaultRegion string
}

// Target bundles the campaign with its resolved collaborators.
type Target struct {
	Campaign  *domain.Campaign
	Assistant *domain.Assistant
	PhoneLine *domain.PhoneLine
}

// Outcome reports the result of one launch.
type Outcome struct {
	Call     *domain.Call
	Launched bool
	Reason   string
}

// Launcher creates QUEUED calls and places them with the provider.
type Launcher struct {
	calls        repository.CallRepository
	campaigns    repository.CampaignRepository
	provider     telephony.Provider
	transitioner *Transitioner
	gate         RateGate
	cfg          LauncherConfig
	logger       *logger.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

// NewLauncher builds a launcher. gate may be nil.
func NewLauncher(
	calls repository.CallRepository,
	campaigns repository.CampaignRepository,
	provider telephony.Provider,
	transitioner *Transitioner,
	gate RateGate,
	cfg LauncherConfig,
	log *logger.Logger,
) *Launcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Launcher{
		calls:        calls,
		campaigns:    campaigns,
		provider:     provider,
		transitioner: transitioner,
		gate:         gate,
		cfg:          cfg,
		logger:       log,
		tracer:       otel.Tracer("campaign-dialer.launcher"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue creates the QUEUED call for a contact together with its first event.
// It returns repository.ErrConflict when the contact already has a call.
func (l *Launcher) Enqueue(ctx context.Context, campaign *domain.Campaign, contact domain.Contact) (*domain.Call, error) {
	now := l.now()
	call := &domain.Call{
		ID:           uuid.New(),
		CampaignID:   campaign.ID,
		ContactID:    contact.ID,
		Status:       domain.CallStatusQueued,
		LastStatusAt: now,
		CreatedAt:    now,
	}
	event := domain.CallEvent{
		ID:        uuid.New(),
		Status:    domain.CallStatusQueued,
		Payload:   mustJSON(map[string]string{"contact_id": contact.ID.String()}),
		CreatedAt: now,
	}
	if err := l.calls.Create(ctx, call, event); err != nil {
		return nil, fmt.Errorf("launcher: enqueue: %w", err)
	}
	return call, nil
}

// Launch places a QUEUED call with the provider. Provider failures are recorded
// on the call and reported through the outcome; the returned error is reserved
// for storage failures.
func (l *Launcher) Launch(ctx context.Context, target Target, call *domain.Call, contact domain.Contact) (Outcome, error) {
	ctx, span := l.tracer.Start(ctx, "launcher.launch", trace.WithAttributes(
		attribute.String("campaign.id", target.Campaign.ID.String()),
		attribute.String("call.id", call.ID.String()),
	))
	defer span.End()

	log := l.logger.WithContext(ctx).WithCampaign(target.Campaign.ID).WithCall(call.ID)

	phone, err := NormalizePhone(contact.Phone, l.cfg.DefaultRegion)
	if err != nil {
		log.Warn("launcher: invalid phone number", zap.String("contact_id", contact.ID.String()))
		span.SetStatus(codes.Error, "invalid phone number")
		return l.fail(ctx, call, "invalid phone number")
	}

	req := telephony.CreateCallRequest{
		AssistantID:    target.Assistant.ProviderAssistantID,
		PhoneNumberID:  target.PhoneLine.ProviderPhoneNumberID,
		CustomerNumber: phone,
		CustomerName:   contact.Name,
		CampaignID:     target.Campaign.ID,
		ContactID:      contact.ID,
		CallID:         call.ID,
	}

	attempts := 0
	var info *telephony.CallInfo
	op := func() error {
		attempts++
		if l.gate != nil {
			if err := l.gate.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				log.Warn("launcher: rate gate unavailable", zap.Error(err))
			}
		}
		res, err := l.provider.CreateCall(ctx, req)
		if err != nil {
			if ctx.Err() != nil || !apperrors.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		info = res
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("launcher: provider create failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
		)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newSchedule(l.cfg.RetryDelays), uint64(l.cfg.MaxAttempts-1)),
		ctx,
	)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create call failed")
		span.SetAttributes(attribute.Int("attempts", attempts))
		log.Error("launcher: create call failed", zap.Error(err), zap.Int("attempts", attempts))
		return l.fail(context.WithoutCancel(ctx), call, err.Error())
	}
	span.SetAttributes(attribute.Int("attempts", attempts), attribute.String("provider.call_id", info.ID))

	now := l.now()
	res, err := l.transitioner.Apply(ctx, call.ID, Update{
		Status:         domain.CallStatusRinging,
		ProviderCallID: info.ID,
		StartedAt:      &now,
		Payload:        info.Raw,
		Source:         SourceLauncher,
	})
	if err != nil {
		span.RecordError(err)
		return Outcome{Call: call}, fmt.Errorf("launcher: record ringing: %w", err)
	}

	if _, err := l.campaigns.MarkStarted(ctx, target.Campaign.ID, now); err != nil {
		log.Error("launcher: mark campaign started", zap.Error(err))
	}

	log.Info("launcher: call placed", zap.String("provider_call_id", info.ID), zap.Int("attempts", attempts))
	updated := res.Call
	if updated == nil {
		updated = call
	}
	return Outcome{Call: updated, Launched: true}, nil
}

func (l *Launcher) fail(ctx context.Context, call *domain.Call, reason string) (Outcome, error) {
	res, err := l.transitioner.Apply(ctx, call.ID, Update{
		Status:      domain.CallStatusFailed,
		EndedReason: reason,
		Payload:     mustJSON(map[string]string{"error": reason}),
		Source:      SourceLauncher,
	})
	if err != nil {
		return Outcome{Call: call, Reason: reason}, fmt.Errorf("launcher: record failure: %w", err)
	}
	updated := res.Call
	if updated == nil {
		updated = call
	}
	return Outcome{Call: updated, Reason: reason}, nil
}

// schedule replays a fixed list of delays, repeating the last one.
type schedule struct {
	delays []time.Duration
	next   int
}

func newSchedule(delays []time.Duration) *schedule {
	return &schedule{delays: delays}
}

func (s *schedule) NextBackOff() time.Duration {
	if len(s.delays) == 0 {
		return 0
	}
	i := s.next
	if i >= len(s.delays) {
		i = len(s.delays) - 1
	}
	s.next++
	return s.delays[i]
}

func (s *schedule) Reset() { s.next = 0 }

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
