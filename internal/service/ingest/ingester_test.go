package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository/memory"
	callsvc "github.com/acme/campaign-dialer/internal/service/call"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
)

const secret = "whsec-test"

type env struct {
	store      *memory.Store
	ingester   *Ingester
	trans      *callsvc.Transitioner
	campaignID uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.NewStore()
	started := time.Now().UTC().Add(-time.Minute)
	campaign := &domain.Campaign{
		ID:        uuid.New(),
		Name:      "c",
		Mode:      domain.DispatchModeContinuous,
		Cap:       1,
		CreatedAt: started,
		StartedAt: &started,
	}
	require.NoError(t, store.Campaigns().Create(context.Background(), campaign))

	trans := callsvc.NewTransitioner(store.Calls(), store.Campaigns(), nil, nil)
	return &env{
		store:      store,
		ingester:   NewIngester(secret, store.Calls(), trans, nil),
		trans:      trans,
		campaignID: campaign.ID,
	}
}

// ringingCall creates a contact with a call that the provider accepted as providerID.
func (e *env) ringingCall(t *testing.T, providerID string) *domain.Call {
	t.Helper()
	ctx := context.Background()
	contact := domain.Contact{ID: uuid.New(), Phone: "+12015550123", CreatedAt: time.Now().UTC()}
	require.NoError(t, e.store.Contacts().BulkInsert(ctx, e.campaignID, []domain.Contact{contact}))

	now := time.Now().UTC()
	call := &domain.Call{ID: uuid.New(), CampaignID: e.campaignID, ContactID: contact.ID, Status: domain.CallStatusQueued, LastStatusAt: now, CreatedAt: now}
	require.NoError(t, e.store.Calls().Create(ctx, call, domain.CallEvent{Status: domain.CallStatusQueued}))
	if providerID != "" {
		_, err := e.trans.Apply(ctx, call.ID, callsvc.Update{Status: domain.CallStatusRinging, ProviderCallID: providerID, Source: callsvc.SourceLauncher})
		require.NoError(t, err)
	}
	return call
}

func (e *env) deliver(t *testing.T, body string) (Result, error) {
	t.Helper()
	return e.ingester.Ingest(context.Background(), []byte(body), Sign([]byte(secret), []byte(body)))
}

func TestVerifySignature(t *testing.T) {
	e := newEnv(t)
	body := []byte(`{"message":{"type":"status-update"}}`)
	sig := Sign([]byte(secret), body)

	assert.NoError(t, e.ingester.VerifySignature(body, sig))
	assert.NoError(t, e.ingester.VerifySignature(body, "sha256="+sig))
	assert.ErrorIs(t, e.ingester.VerifySignature(body, ""), apperrors.ErrUnauthorized)
	assert.ErrorIs(t, e.ingester.VerifySignature(body, "zz"), apperrors.ErrUnauthorized)
	assert.ErrorIs(t, e.ingester.VerifySignature([]byte(`{"tampered":true}`), sig), apperrors.ErrUnauthorized)
	assert.ErrorIs(t, e.ingester.VerifySignature(body, Sign([]byte("other"), body)), apperrors.ErrUnauthorized)
}

func TestIngestRejectsBadSignatureWithoutWriting(t *testing.T) {
	e := newEnv(t)
	call := e.ringingCall(t, "prov-1")

	_, err := e.ingester.Ingest(context.Background(), []byte(`{"message":{"type":"status-update","status":"ended","call":{"id":"prov-1"}}}`), "deadbeef")
	require.ErrorIs(t, err, ErrBadSignature)

	stored, err := e.store.Calls().Get(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, stored.Status)
}

func TestIngestMalformed(t *testing.T) {
	e := newEnv(t)

	_, err := e.deliver(t, `{"message":`)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = e.deliver(t, `{"message":{"type":"status-update","status":"ringing","call":{}}}`)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestIngestUnknownCallIsIgnored(t *testing.T) {
	e := newEnv(t)

	res, err := e.deliver(t, `{"message":{"type":"status-update","status":"ringing","call":{"id":"nobody"}}}`)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
}

func TestIngestReplayIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	call := e.ringingCall(t, "prov-2")
	e.ringingCall(t, "prov-other")

	body := `{"message":{"type":"end-of-call-report","endedReason":"customer-ended-call","cost":0.31,
		"call":{"id":"prov-2"},"artifact":{"recordingUrl":"https://cdn.example/a.wav","transcript":"hi"},
		"analysis":{"successEvaluation":true}}}`

	first, err := e.deliver(t, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, first.Outcome)
	assert.Equal(t, domain.CallStatusEnded, first.Status)
	afterFirst, err := e.store.Calls().Get(ctx, call.ID)
	require.NoError(t, err)

	second, err := e.deliver(t, body)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, second.Status)
	afterSecond, err := e.store.Calls().Get(ctx, call.ID)
	require.NoError(t, err)

	afterFirst.LastStatusAt = time.Time{}
	afterSecond.LastStatusAt = time.Time{}
	assert.Equal(t, afterFirst, afterSecond)
	assert.Equal(t, "https://cdn.example/a.wav", *afterSecond.RecordingURL)
	assert.True(t, *afterSecond.SuccessEvaluation)
	assert.InDelta(t, 0.31, *afterSecond.Cost, 0.0001)

	events, err := e.store.Calls().ListEvents(ctx, call.ID)
	require.NoError(t, err)
	ended := 0
	for _, ev := range events {
		if ev.Status == domain.CallStatusEnded {
			ended++
		}
	}
	assert.Equal(t, 2, ended)
}

func TestIngestTerminalIsAbsorbing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	call := e.ringingCall(t, "prov-3")
	e.ringingCall(t, "prov-keepalive")

	_, err := e.deliver(t, `{"message":{"type":"status-update","status":"ended","endedReason":"customer-busy","call":{"id":"prov-3"}}}`)
	require.NoError(t, err)

	res, err := e.deliver(t, `{"message":{"type":"status-update","status":"in-progress","call":{"id":"prov-3"}}}`)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusBusy, res.Status)

	stored, err := e.store.Calls().Get(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusBusy, stored.Status)
}

func TestIngestWebhookCompletesCampaign(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.ringingCall(t, "prov-4")

	res, err := e.deliver(t, `{"message":{"type":"status-update","status":"ended","call":{"id":"prov-4"}}}`)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, res.Status)

	campaign, err := e.store.Campaigns().Get(ctx, e.campaignID)
	require.NoError(t, err)
	assert.NotNil(t, campaign.CompletedAt)
}

func TestIngestFallsBackToCorrelationMetadata(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	call := e.ringingCall(t, "")

	body := fmt.Sprintf(`{"message":{"type":"status-update","status":"ringing","call":{"id":"prov-5","metadata":{"callId":%q}}}}`, call.ID)
	res, err := e.deliver(t, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	stored, err := e.store.Calls().Get(ctx, call.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ProviderCallID)
	assert.Equal(t, "prov-5", *stored.ProviderCallID)
	assert.Equal(t, domain.CallStatusRinging, stored.Status)
}

func TestIngestReadsEmbeddedCallObject(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	call := e.ringingCall(t, "prov-emb")
	e.ringingCall(t, "prov-keepalive")

	body := `{"message":{"type":"status-update","call":{"id":"prov-emb","status":"ended",
		"endedReason":"customer-ended-call","cost":0.5,
		"artifact":{"recordingUrl":"https://cdn.example/emb.wav","transcript":"bye"},
		"analysis":{"successEvaluation":"true"}}}}`
	res, err := e.deliver(t, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, domain.CallStatusEnded, res.Status)

	stored, err := e.store.Calls().Get(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, stored.Status)
	require.NotNil(t, stored.EndedReason)
	assert.Equal(t, "customer-ended-call", *stored.EndedReason)
	require.NotNil(t, stored.Cost)
	assert.InDelta(t, 0.5, *stored.Cost, 0.0001)
	require.NotNil(t, stored.RecordingURL)
	assert.Equal(t, "https://cdn.example/emb.wav", *stored.RecordingURL)
	require.NotNil(t, stored.SuccessEvaluation)
	assert.True(t, *stored.SuccessEvaluation)
	assert.NotEmpty(t, stored.Transcript)

	events, err := e.store.Calls().ListEvents(ctx, call.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, domain.CallStatusEnded, events[2].Status)
}

func TestIngestEmbeddedEndReasonDrivesMapping(t *testing.T) {
	e := newEnv(t)
	e.ringingCall(t, "prov-busy")
	e.ringingCall(t, "prov-keepalive")

	res, err := e.deliver(t, `{"message":{"type":"status-update","call":{"id":"prov-busy","status":"ended","endedReason":"customer-busy"}}}`)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusBusy, res.Status)
}

func TestIngestTopLevelFieldsWinOverCallObject(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	call := e.ringingCall(t, "prov-both")
	e.ringingCall(t, "prov-keepalive")

	res, err := e.deliver(t, `{"message":{"type":"status-update","status":"in-progress","call":{"id":"prov-both","status":"ringing"}}}`)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusInProgress, res.Status)

	stored, err := e.store.Calls().Get(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusInProgress, stored.Status)
}

func TestIngestEventWithoutStatusIsRecorded(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	call := e.ringingCall(t, "prov-6")
	before, err := e.store.Calls().Get(ctx, call.ID)
	require.NoError(t, err)

	res, err := e.deliver(t, `{"message":{"type":"transcript","call":{"id":"prov-6"}}}`)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, domain.CallStatusRinging, res.Status)

	after, err := e.store.Calls().Get(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, after.Status)
	assert.Equal(t, before.LastStatusAt, after.LastStatusAt)

	events, err := e.store.Calls().ListEvents(ctx, call.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, domain.CallStatusRinging, events[2].Status)
}

func TestIngestEventWithoutStatusForUnknownCallIsIgnored(t *testing.T) {
	e := newEnv(t)

	res, err := e.deliver(t, `{"message":{"type":"hang","call":{"id":"nobody"}}}`)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
}
