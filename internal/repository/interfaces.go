package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/domain"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates the write lost a race with another writer.
	ErrConflict = apperrors.ErrConflict
	// ErrNoTransition is returned by a TransitionFunc to abort without writing.
	ErrNoTransition = errors.New("no transition")
)

// CampaignRepository manages campaign rows and their lifecycle timestamps.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	// CreateWithContacts stores a campaign and its contact list atomically.
	CreateWithContacts(ctx context.Context, campaign *domain.Campaign, contacts []domain.Contact) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	// ListRunnable returns started campaigns that have not completed.
	ListRunnable(ctx context.Context, limit int) ([]*domain.Campaign, error)
	// MarkStarted sets started_at when it is still null.
	MarkStarted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// MarkCompletedIfDrained sets completed_at when no work remains for the campaign.
	MarkCompletedIfDrained(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	Stats(ctx context.Context, id uuid.UUID) (*domain.CampaignStats, error)
}

// ContactRepository stores the dialable targets of a campaign.
type ContactRepository interface {
	BulkInsert(ctx context.Context, campaignID uuid.UUID, contacts []domain.Contact) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Contact, error)
	// NextUncalled returns contacts that have no call yet, lowest batch index first.
	// With lowestBatchOnly set, only contacts of the lowest such batch are returned.
	NextUncalled(ctx context.Context, campaignID uuid.UUID, limit int, lowestBatchOnly bool) ([]domain.Contact, error)
}

// TransitionFunc mutates a locked call in place and returns the audit event to
// append with it. Returning ErrNoTransition aborts without writing.
type TransitionFunc func(call *domain.Call) (domain.CallEvent, error)

// ActiveCallFilter narrows ListActive.
type ActiveCallFilter struct {
	// StaleBefore keeps calls whose last_status_at is older than the instant.
	StaleBefore *time.Time
	// WithProviderID keeps calls the provider has accepted.
	WithProviderID bool
	Limit          int
}

// CallRepository persists calls and their append-only event log.
type CallRepository interface {
	// Create inserts a call and its first event. It returns ErrConflict when the
	// contact already has a call visible to the inserting transaction.
	Create(ctx context.Context, call *domain.Call, event domain.CallEvent) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Call, error)
	GetByProviderCallID(ctx context.Context, providerCallID string) (*domain.Call, error)
	// CountOccupying counts RINGING and IN_PROGRESS calls of one campaign.
	CountOccupying(ctx context.Context, campaignID uuid.UUID) (int, error)
	// CountOccupyingAll counts RINGING and IN_PROGRESS calls across the account.
	CountOccupyingAll(ctx context.Context) (int, error)
	ListActive(ctx context.Context, filter ActiveCallFilter) ([]domain.Call, error)
	// Transition locks the call row, applies fn and writes the call together with
	// the returned event in one transaction.
	Transition(ctx context.Context, callID uuid.UUID, fn TransitionFunc) (*domain.Call, error)
	ListEvents(ctx context.Context, callID uuid.UUID) ([]domain.CallEvent, error)
}

// DirectoryRepository resolves the read-only assistant and phone line records.
type DirectoryRepository interface {
	GetAssistant(ctx context.Context, id uuid.UUID) (*domain.Assistant, error)
	GetPhoneLine(ctx context.Context, id uuid.UUID) (*domain.PhoneLine, error)
}

// EventArchive keeps a long-term copy of call events outside the primary store.
type EventArchive interface {
	Append(ctx context.Context, record ArchivedEvent) error
	ListByCall(ctx context.Context, callID uuid.UUID, limit int) ([]ArchivedEvent, error)
}

// ArchivedEvent is the archive representation of a published status change.
type ArchivedEvent struct {
	CallID         uuid.UUID
	CampaignID     uuid.UUID
	EventID        uuid.UUID
	Status         domain.CallStatus
	ProviderCallID string
	Source         string
	OccurredAt     time.Time
}
