package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/queue"
	"github.com/acme/campaign-dialer/internal/repository"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// Sources recorded on published status changes.
const (
	SourceLauncher  = "launcher"
	SourceWebhook   = "webhook"
	SourceReconcile = "reconcile"
	SourceSweep     = "sweep"
)

// Publisher receives every applied status change.
type Publisher interface {
	PublishStatus(ctx context.Context, msg queue.StatusMessage) error
}

// Update describes one status-relevant write against a call.
type Update struct {
	// Status is the mapped status; CallStatusUnknown is recorded on the event only.
	// An empty status records the current one without refreshing last_status_at.
	Status            domain.CallStatus
	ProviderCallID    string
	EndedReason       string
	Cost              *float64
	RecordingURL      string
	Transcript        json.RawMessage
	SuccessEvaluation *bool
	StartedAt         *time.Time
	EndedAt           *time.Time
	Payload           json.RawMessage
	Source            string

	// AlwaysRecord appends the event even when the row is unchanged.
	AlwaysRecord bool
	// Precondition is evaluated against the locked row; false aborts the write.
	Precondition func(call *domain.Call) bool
}

// Result reports what Apply did.
type Result struct {
	Call      *domain.Call
	Applied   bool
	Changed   bool
	Previous  domain.CallStatus
	Completed bool
}

// Transitioner is the single write path for call status changes.
type Transitioner struct {
	calls     repository.CallRepository
	campaigns repository.CampaignRepository
	publisher Publisher
	logger    *logger.Logger
	now       func() time.Time
}

// NewTransitioner wires the shared update path. publisher may be nil.
func NewTransitioner(calls repository.CallRepository, campaigns repository.CampaignRepository, publisher Publisher, log *logger.Logger) *Transitioner {
	if log == nil {
		log = logger.NewNop()
	}
	return &Transitioner{
		calls:     calls,
		campaigns: campaigns,
		publisher: publisher,
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Apply merges u into the call under a row lock and appends its event in the
// same transaction. Terminal statuses are sticky: later updates only fill fields
// that are still empty. A terminal transition is followed by the campaign
// completion check.
func (t *Transitioner) Apply(ctx context.Context, callID uuid.UUID, u Update) (Result, error) {
	var res Result
	now := t.now()

	updated, err := t.calls.Transition(ctx, callID, func(call *domain.Call) (domain.CallEvent, error) {
		if u.Precondition != nil && !u.Precondition(call) {
			return domain.CallEvent{}, repository.ErrNoTransition
		}

		res.Previous = call.Status
		wasTerminal := call.Status.IsTerminal()

		if call.Status.CanTransitionTo(u.Status) {
			call.Status = u.Status
			res.Changed = true
		}
		filled := merge(call, u, !wasTerminal)

		if res.Changed {
			if call.Status.IsOccupying() && call.StartedAt == nil {
				call.StartedAt = timeOr(u.StartedAt, now)
			}
			if call.Status.IsTerminal() && call.EndedAt == nil {
				call.EndedAt = timeOr(u.EndedAt, now)
			}
		}

		if !res.Changed && !filled && !u.AlwaysRecord {
			return domain.CallEvent{}, repository.ErrNoTransition
		}
		if u.Status != "" {
			call.LastStatusAt = now
		}

		status := u.Status
		if status == "" {
			status = call.Status
		}
		return domain.CallEvent{
			ID:        uuid.New(),
			Status:    status,
			Payload:   u.Payload,
			CreatedAt: now,
		}, nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrNoTransition) {
			return res, nil
		}
		return res, fmt.Errorf("transition call %s: %w", callID, err)
	}

	res.Call = updated
	res.Applied = true
	log := t.logger.WithContext(ctx).WithCall(callID)

	if u.Status == domain.CallStatusUnknown {
		log.Warn("unmapped provider status recorded",
			zap.String("source", u.Source),
			zap.String("status", string(updated.Status)),
		)
	}

	if !res.Changed {
		return res, nil
	}

	t.publish(ctx, updated, res.Previous, u.Source)
	log.Info("call status changed",
		zap.String("from", string(res.Previous)),
		zap.String("to", string(updated.Status)),
		zap.String("source", u.Source),
	)

	if updated.Status.IsTerminal() {
		completed, err := t.CheckCompletion(ctx, updated.CampaignID)
		if err != nil {
			log.Error("completion check failed", zap.Error(err))
		}
		res.Completed = completed
	}
	return res, nil
}

// CheckCompletion marks the campaign completed when no work remains.
func (t *Transitioner) CheckCompletion(ctx context.Context, campaignID uuid.UUID) (bool, error) {
	done, err := t.campaigns.MarkCompletedIfDrained(ctx, campaignID, t.now())
	if err != nil {
		return false, fmt.Errorf("completion check: %w", err)
	}
	if done {
		t.logger.WithContext(ctx).WithCampaign(campaignID).Info("campaign completed")
	}
	return done, nil
}

func (t *Transitioner) publish(ctx context.Context, call *domain.Call, previous domain.CallStatus, source string) {
	if t.publisher == nil {
		return
	}
	msg := queue.StatusMessage{
		EventID:        uuid.New(),
		CallID:         call.ID,
		CampaignID:     call.CampaignID,
		Status:         string(call.Status),
		PreviousStatus: string(previous),
		Source:         source,
		OccurredAt:     call.LastStatusAt,
	}
	if call.ProviderCallID != nil {
		msg.ProviderCallID = *call.ProviderCallID
	}
	if err := t.publisher.PublishStatus(ctx, msg); err != nil {
		t.logger.WithContext(ctx).WithCall(call.ID).Warn("publish status failed", zap.Error(err))
	}
}

// merge copies enrichment fields onto call. With overwrite unset only empty
// fields are filled. It reports whether anything changed.
func merge(call *domain.Call, u Update, overwrite bool) bool {
	changed := false
	setString := func(dst **string, v string) {
		if v == "" {
			return
		}
		if *dst != nil && (!overwrite || **dst == v) {
			return
		}
		s := v
		*dst = &s
		changed = true
	}

	if call.ProviderCallID == nil && u.ProviderCallID != "" {
		id := u.ProviderCallID
		call.ProviderCallID = &id
		changed = true
	}
	setString(&call.EndedReason, u.EndedReason)
	setString(&call.RecordingURL, u.RecordingURL)

	if u.Cost != nil && (call.Cost == nil || (overwrite && *call.Cost != *u.Cost)) {
		v := *u.Cost
		call.Cost = &v
		changed = true
	}
	if u.SuccessEvaluation != nil && (call.SuccessEvaluation == nil || (overwrite && *call.SuccessEvaluation != *u.SuccessEvaluation)) {
		v := *u.SuccessEvaluation
		call.SuccessEvaluation = &v
		changed = true
	}
	if len(u.Transcript) > 0 && (len(call.Transcript) == 0 || (overwrite && string(call.Transcript) != string(u.Transcript))) {
		call.Transcript = append(json.RawMessage(nil), u.Transcript...)
		changed = true
	}
	if u.EndedAt != nil && call.EndedAt == nil && (call.Status.IsTerminal() || u.Status.IsTerminal()) {
		v := *u.EndedAt
		call.EndedAt = &v
		changed = true
	}
	return changed
}

func timeOr(t *time.Time, fallback time.Time) *time.Time {
	if t != nil {
		v := *t
		return &v
	}
	return &fallback
}
