package queue

import (
	"time"

	"github.com/google/uuid"
)

// StatusMessage announces one applied call status change.
type StatusMessage struct {
	EventID        uuid.UUID `json:"event_id"`
	CallID         uuid.UUID `json:"call_id"`
	CampaignID     uuid.UUID `json:"campaign_id"`
	ProviderCallID string    `json:"provider_call_id,omitempty"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	Source         string    `json:"source"`
	OccurredAt     time.Time `json:"occurred_at"`
}
