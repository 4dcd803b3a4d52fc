package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/acme/campaign-dialer/pkg/errors"
)

// CreateCallRequest carries everything needed to place one outbound call.
type CreateCallRequest struct {
	AssistantID    string
	PhoneNumberID  string
	CustomerNumber string
	CustomerName   string
	CampaignID     uuid.UUID
	ContactID      uuid.UUID
	CallID         uuid.UUID
}

// CallInfo is the provider's view of a call, decoded from its call object.
type CallInfo struct {
	ID                string
	Status            string
	EndedReason       string
	Cost              *float64
	RecordingURL      string
	Transcript        json.RawMessage
	SuccessEvaluation *bool
	StartedAt         *time.Time
	EndedAt           *time.Time
	Raw               json.RawMessage
}

// Provider abstracts the voice-calling integration.
type Provider interface {
	CreateCall(ctx context.Context, req CreateCallRequest) (*CallInfo, error)
	GetCall(ctx context.Context, providerCallID string) (*CallInfo, error)
}

// Error describes a failed provider request.
type Error struct {
	StatusCode int
	Body       string
	Temporary  bool
	Err        error
}

// NewStatusError classifies a non-2xx provider response. Rate limiting and server
// errors are temporary; other client errors are permanent.
func NewStatusError(statusCode int, body string) *Error {
	return &Error{
		StatusCode: statusCode,
		Body:       body,
		Temporary:  statusCode == 429 || statusCode >= 500,
	}
}

// NewNetworkError wraps a transport failure, which is always temporary.
func NewNetworkError(err error) *Error {
	return &Error{Temporary: true, Err: err}
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("provider request failed: %v", e.Err)
	}
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("provider returned %d: %s", e.StatusCode, body)
}

func (e *Error) Unwrap() []error {
	sentinel := apperrors.ErrPermanent
	if e.Temporary {
		sentinel = apperrors.ErrTransient
	}
	if e.Err != nil {
		return []error{sentinel, e.Err}
	}
	return []error{sentinel}
}

// Artifact holds the media a provider attaches to a finished call.
type Artifact struct {
	RecordingURL string          `json:"recordingUrl"`
	Transcript   json.RawMessage `json:"transcript"`
	Messages     json.RawMessage `json:"messages"`
}

// Analysis holds the provider's post-call evaluation.
type Analysis struct {
	SuccessEvaluation json.RawMessage `json:"successEvaluation"`
}

type callObject struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	EndedReason  string          `json:"endedReason"`
	Cost         *float64        `json:"cost"`
	StartedAt    *time.Time      `json:"startedAt"`
	EndedAt      *time.Time      `json:"endedAt"`
	RecordingURL string          `json:"recordingUrl"`
	Transcript   json.RawMessage `json:"transcript"`
	Artifact     *Artifact       `json:"artifact"`
	Analysis     *Analysis       `json:"analysis"`
}

// ParseCallObject decodes a provider call object, preferring artifact fields
// over their legacy top-level copies.
func ParseCallObject(raw []byte) (*CallInfo, error) {
	var obj callObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("telephony: decode call object: %w", err)
	}

	info := &CallInfo{
		ID:           obj.ID,
		Status:       obj.Status,
		EndedReason:  obj.EndedReason,
		Cost:         obj.Cost,
		RecordingURL: obj.RecordingURL,
		Transcript:   NonNullJSON(obj.Transcript),
		StartedAt:    obj.StartedAt,
		EndedAt:      obj.EndedAt,
		Raw:          append(json.RawMessage(nil), raw...),
	}
	if obj.Artifact != nil {
		if obj.Artifact.RecordingURL != "" {
			info.RecordingURL = obj.Artifact.RecordingURL
		}
		if t := TranscriptOf(obj.Artifact); t != nil {
			info.Transcript = t
		}
	}
	if obj.Analysis != nil {
		info.SuccessEvaluation = ParseSuccessEvaluation(obj.Analysis.SuccessEvaluation)
	}
	return info, nil
}

// TranscriptOf returns the artifact transcript, falling back to the message log.
func TranscriptOf(a *Artifact) json.RawMessage {
	if a == nil {
		return nil
	}
	if t := NonNullJSON(a.Transcript); t != nil {
		return t
	}
	return NonNullJSON(a.Messages)
}

// ParseSuccessEvaluation accepts a JSON boolean or a "true"/"false" string.
func ParseSuccessEvaluation(raw json.RawMessage) *bool {
	raw = NonNullJSON(raw)
	if raw == nil {
		return nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return &b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	return &parsed
}

// NonNullJSON returns nil for empty input and JSON null.
func NonNullJSON(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return append(json.RawMessage(nil), trimmed...)
}
