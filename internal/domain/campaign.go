package domain

import (
	"time"

	"github.com/google/uuid"
)

// DispatchMode controls how a campaign fills its concurrency cap.
type DispatchMode string

const (
	// DispatchModeContinuous keeps occupying calls at the cap at all times.
	DispatchModeContinuous DispatchMode = "continuous"
	// DispatchModeBatch launches same-size groups and waits for a full drain.
	DispatchModeBatch DispatchMode = "batch"
)

// Valid reports whether m is a known dispatch mode.
func (m DispatchMode) Valid() bool {
	return m == DispatchModeContinuous || m == DispatchModeBatch
}

// Campaign models an outbound call campaign.
type Campaign struct {
	ID            uuid.UUID
	Name          string
	Mode          DispatchMode
	Cap           int
	AssistantID   uuid.UUID
	PhoneLineID   uuid.UUID
	TotalContacts int
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// Contact is one dialable target within a campaign.
type Contact struct {
	ID            uuid.UUID
	CampaignID    uuid.UUID
	Name          string
	BusinessName  string
	Phone         string
	OriginalPhone string
	BatchIndex    *int
	CreatedAt     time.Time
}

// Assistant is the voice-agent configuration a campaign dials with.
type Assistant struct {
	ID                  uuid.UUID
	Name                string
	ProviderAssistantID string
	Active              bool
}

// PhoneLine is the outbound number calls are placed from.
type PhoneLine struct {
	ID                    uuid.UUID
	Label                 string
	ProviderPhoneNumberID string
}

// CampaignStats aggregates call counts for a campaign.
type CampaignStats struct {
	TotalContacts  int64
	UncalledCount  int64
	CallsByStatus  map[CallStatus]int64
	ActiveCalls    int64
	OccupyingCalls int64
}
