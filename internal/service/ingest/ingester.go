// Package ingest applies provider webhook events to local call state.
package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository"
	callsvc "github.com/acme/campaign-dialer/internal/service/call"
	"github.com/acme/campaign-dialer/internal/telephony"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
	"github.com/acme/campaign-dialer/pkg/logger"
)

const (
	typeEndOfCallReport  = "end-of-call-report"
	signaturePrefix      = "sha256="
	maxSignatureHexBytes = sha256.Size * 2
)

var (
	// ErrBadSignature rejects a request whose signature does not match the body.
	ErrBadSignature = fmt.Errorf("%w: invalid webhook signature", apperrors.ErrUnauthorized)
	// ErrMalformed rejects a body that is not a provider event.
	ErrMalformed = fmt.Errorf("%w: malformed webhook body", apperrors.ErrValidation)
)

// Outcome values reported back to the provider.
const (
	OutcomeApplied = "ok"
	OutcomeIgnored = "ignored"
)

// Envelope is the provider webhook body.
type Envelope struct {
	Message Message `json:"message"`
}

// Message is one provider event.
type Message struct {
	Type         string              `json:"type"`
	Status       string              `json:"status"`
	EndedReason  string              `json:"endedReason"`
	Call         MessageCall         `json:"call"`
	Artifact     *telephony.Artifact `json:"artifact"`
	Analysis     *telephony.Analysis `json:"analysis"`
	Cost         *float64            `json:"cost"`
	RecordingURL string              `json:"recordingUrl"`
	StartedAt    *time.Time          `json:"startedAt"`
	EndedAt      *time.Time          `json:"endedAt"`
}

// MessageCall is the call object embedded in an event. It carries the status
// and, for terminal events, the outcome fields.
type MessageCall struct {
	ID           string              `json:"id" validate:"required"`
	Metadata     map[string]any      `json:"metadata"`
	Status       string              `json:"status"`
	EndedReason  string              `json:"endedReason"`
	Cost         *float64            `json:"cost"`
	RecordingURL string              `json:"recordingUrl"`
	Transcript   json.RawMessage     `json:"transcript"`
	Artifact     *telephony.Artifact `json:"artifact"`
	Analysis     *telephony.Analysis `json:"analysis"`
	StartedAt    *time.Time          `json:"startedAt"`
	EndedAt      *time.Time          `json:"endedAt"`
}

// update resolves the event fields into a call update. Top-level message fields
// win over the embedded call object's copies.
func (m Message) update() callsvc.Update {
	c := m.Call
	u := callsvc.Update{
		ProviderCallID: c.ID,
		EndedReason:    firstNonEmpty(m.EndedReason, c.EndedReason),
		Cost:           m.Cost,
		StartedAt:      m.StartedAt,
		EndedAt:        m.EndedAt,
	}
	if u.Cost == nil {
		u.Cost = c.Cost
	}
	if u.StartedAt == nil {
		u.StartedAt = c.StartedAt
	}
	if u.EndedAt == nil {
		u.EndedAt = c.EndedAt
	}

	u.RecordingURL = firstNonEmpty(artifactRecording(m.Artifact), m.RecordingURL,
		artifactRecording(c.Artifact), c.RecordingURL)

	u.Transcript = telephony.TranscriptOf(m.Artifact)
	if u.Transcript == nil {
		u.Transcript = telephony.TranscriptOf(c.Artifact)
	}
	if u.Transcript == nil {
		u.Transcript = telephony.NonNullJSON(c.Transcript)
	}

	if m.Analysis != nil {
		u.SuccessEvaluation = telephony.ParseSuccessEvaluation(m.Analysis.SuccessEvaluation)
	}
	if u.SuccessEvaluation == nil && c.Analysis != nil {
		u.SuccessEvaluation = telephony.ParseSuccessEvaluation(c.Analysis.SuccessEvaluation)
	}
	return u
}

func artifactRecording(a *telephony.Artifact) string {
	if a == nil {
		return ""
	}
	return a.RecordingURL
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Result reports how an event was handled.
type Result struct {
	Outcome string
	CallID  uuid.UUID
	Status  domain.CallStatus
}

// Ingester verifies, parses and applies provider events.
type Ingester struct {
	secret       []byte
	calls        repository.CallRepository
	transitioner *callsvc.Transitioner
	validate     *validator.Validate
	logger       *logger.Logger
	tracer       trace.Tracer
}

// NewIngester constructs an ingester.
func NewIngester(secret string, calls repository.CallRepository, transitioner *callsvc.Transitioner, log *logger.Logger) *Ingester {
	if log == nil {
		log = logger.NewNop()
	}
	return &Ingester{
		secret:       []byte(secret),
		calls:        calls,
		transitioner: transitioner,
		validate:     validator.New(),
		logger:       log,
		tracer:       otel.Tracer("campaign-dialer.ingest"),
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the signature header against the raw body in
// constant time. An optional "sha256=" prefix is accepted.
func (i *Ingester) VerifySignature(body []byte, header string) error {
	sig := strings.TrimSpace(header)
	sig = strings.TrimPrefix(sig, signaturePrefix)
	if sig == "" || len(sig) > maxSignatureHexBytes || len(i.secret) == 0 {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, i.secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Parse decodes and validates a webhook body.
func (i *Ingester) Parse(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := i.validate.Struct(env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &env, nil
}

// Ingest verifies, parses and applies one webhook delivery. Unknown calls are
// acknowledged without writing so the provider stops redelivering them.
func (i *Ingester) Ingest(ctx context.Context, body []byte, signature string) (Result, error) {
	ctx, span := i.tracer.Start(ctx, "webhook.ingest")
	defer span.End()

	if err := i.VerifySignature(body, signature); err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	env, err := i.Parse(body)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	msg := env.Message
	span.SetAttributes(
		attribute.String("webhook.type", msg.Type),
		attribute.String("provider.call_id", msg.Call.ID),
	)
	log := i.logger.WithContext(ctx).With(
		zap.String("provider_call_id", msg.Call.ID),
		zap.String("type", msg.Type),
	)

	call, err := i.lookup(ctx, msg.Call)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Info("webhook: unknown provider call id")
			return Result{Outcome: OutcomeIgnored}, nil
		}
		span.RecordError(err)
		return Result{}, fmt.Errorf("ingest: lookup call: %w", err)
	}

	update := msg.update()
	status := firstNonEmpty(msg.Status, msg.Call.Status)
	if status == "" && msg.Type == typeEndOfCallReport {
		status = "ended"
	}
	if status != "" {
		update.Status = callsvc.MapProviderStatus(status, update.EndedReason)
	}
	update.Payload = json.RawMessage(body)
	update.Source = callsvc.SourceWebhook
	update.AlwaysRecord = true

	res, err := i.transitioner.Apply(ctx, call.ID, update)
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("ingest: apply: %w", err)
	}

	final := call.Status
	if res.Call != nil {
		final = res.Call.Status
	}
	span.SetAttributes(attribute.String("call.status", string(final)), attribute.Bool("call.changed", res.Changed))
	log.Debug("webhook: applied",
		zap.String("call_id", call.ID.String()),
		zap.String("mapped", string(update.Status)),
		zap.String("status", string(final)),
	)
	return Result{Outcome: OutcomeApplied, CallID: call.ID, Status: final}, nil
}

// lookup resolves the provider call id, falling back to the correlation
// metadata for events that arrive before the launch recorded the provider id.
func (i *Ingester) lookup(ctx context.Context, mc MessageCall) (*domain.Call, error) {
	call, err := i.calls.GetByProviderCallID(ctx, mc.ID)
	if err == nil || !errors.Is(err, repository.ErrNotFound) {
		return call, err
	}

	raw, _ := mc.Metadata["callId"].(string)
	id, perr := uuid.Parse(raw)
	if perr != nil {
		return nil, err
	}
	call, err = i.calls.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if call.ProviderCallID != nil && *call.ProviderCallID != mc.ID {
		return nil, repository.ErrNotFound
	}
	return call, nil
}
