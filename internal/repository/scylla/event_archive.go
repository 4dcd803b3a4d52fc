package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository"
)

// EventArchive keeps call status history in Scylla, partitioned by call.
type EventArchive struct {
	session *gocql.Session
}

// NewEventArchive creates a new archive.
func NewEventArchive(session *gocql.Session) *EventArchive {
	return &EventArchive{session: session}
}

// Append writes one archived event. Re-delivered events overwrite the same row.
func (a *EventArchive) Append(ctx context.Context, record repository.ArchivedEvent) error {
	occurred := record.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	if err := a.session.Query(`INSERT INTO call_events_by_call (call_id, occurred_at, event_id, campaign_id, status, provider_call_id, source)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.CallID.String(), occurred, record.EventID.String(), record.CampaignID.String(),
		string(record.Status), record.ProviderCallID, record.Source,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("event archive: insert: %w", err)
	}
	return nil
}

// ListByCall returns the archived history of a call, oldest first.
func (a *EventArchive) ListByCall(ctx context.Context, callID uuid.UUID, limit int) ([]repository.ArchivedEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	iter := a.session.Query(`SELECT occurred_at, event_id, campaign_id, status, provider_call_id, source
		FROM call_events_by_call WHERE call_id = ? LIMIT ?`, callID.String(), limit).WithContext(ctx).Iter()

	var (
		occurred      time.Time
		eventIDStr    string
		campaignIDStr string
		status        string
		providerID    string
		source        string
	)

	events := make([]repository.ArchivedEvent, 0, limit)
	for iter.Scan(&occurred, &eventIDStr, &campaignIDStr, &status, &providerID, &source) {
		eventID, err := uuid.Parse(eventIDStr)
		if err != nil {
			continue
		}
		campaignID, err := uuid.Parse(campaignIDStr)
		if err != nil {
			continue
		}
		events = append(events, repository.ArchivedEvent{
			CallID:         callID,
			CampaignID:     campaignID,
			EventID:        eventID,
			Status:         domain.CallStatus(status),
			ProviderCallID: providerID,
			Source:         source,
			OccurredAt:     occurred,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("event archive: iter close: %w", err)
	}
	return events, nil
}
