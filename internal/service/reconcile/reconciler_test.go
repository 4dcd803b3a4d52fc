package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository/memory"
	callsvc "github.com/acme/campaign-dialer/internal/service/call"
	"github.com/acme/campaign-dialer/internal/telephony/mock"
)

type harness struct {
	store      *memory.Store
	provider   *mock.Provider
	launcher   *callsvc.Launcher
	reconciler *Reconciler
	target     callsvc.Target
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.NewStore()
	assistant := domain.Assistant{ID: uuid.New(), ProviderAssistantID: "asst", Active: true}
	line := domain.PhoneLine{ID: uuid.New(), ProviderPhoneNumberID: "pn"}
	store.AddAssistant(assistant)
	store.AddPhoneLine(line)
	campaign := &domain.Campaign{ID: uuid.New(), Name: "r", Mode: domain.DispatchModeContinuous, Cap: 5, AssistantID: assistant.ID, PhoneLineID: line.ID, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.Campaigns().Create(context.Background(), campaign))

	provider := mock.NewProvider()
	trans := callsvc.NewTransitioner(store.Calls(), store.Campaigns(), nil, nil)
	return &harness{
		store:    store,
		provider: provider,
		launcher: callsvc.NewLauncher(store.Calls(), store.Campaigns(), provider, trans, nil, callsvc.LauncherConfig{MaxAttempts: 1}, nil),
		reconciler: New(store.Calls(), provider, trans, Config{
			After:        2 * time.Minute,
			StaleTimeout: 10 * time.Minute,
		}, nil),
		target: callsvc.Target{Campaign: campaign, Assistant: &assistant, PhoneLine: &line},
	}
}

func (h *harness) launch(t *testing.T) *domain.Call {
	t.Helper()
	ctx := context.Background()
	contact := domain.Contact{ID: uuid.New(), Phone: "+12015550123", CreatedAt: time.Now().UTC()}
	require.NoError(t, h.store.Contacts().BulkInsert(ctx, h.target.Campaign.ID, []domain.Contact{contact}))
	contact.CampaignID = h.target.Campaign.ID

	call, err := h.launcher.Enqueue(ctx, h.target.Campaign, contact)
	require.NoError(t, err)
	out, err := h.launcher.Launch(ctx, h.target, call, contact)
	require.NoError(t, err)
	require.True(t, out.Launched)
	return out.Call
}

func TestReconcileRespectsThresholdUnlessForced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	call := h.launch(t)
	h.provider.SetStatus(*call.ProviderCallID, "in-progress", "")

	sum, err := h.reconciler.Reconcile(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, sum.Checked)

	sum, err = h.reconciler.Reconcile(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Checked)
	assert.Equal(t, 1, sum.Updated)

	stored, err := h.store.Calls().Get(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusInProgress, stored.Status)
}

func TestReconcileAppliesStaleCallsAndCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	call := h.launch(t)
	h.store.SetLastStatusAt(call.ID, time.Now().UTC().Add(-5*time.Minute))
	h.provider.SetStatus(*call.ProviderCallID, "ended", "customer-did-not-answer")

	sum, err := h.reconciler.Reconcile(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Updated)

	stored, err := h.store.Calls().Get(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusNoAnswer, stored.Status)

	campaign, err := h.store.Campaigns().Get(ctx, h.target.Campaign.ID)
	require.NoError(t, err)
	assert.NotNil(t, campaign.CompletedAt)
}

func TestReconcileSkipsUnchangedAndCountsErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	same := h.launch(t)
	broken := h.launch(t)
	h.provider.SetStatus(*same.ProviderCallID, "ringing", "")
	h.provider.FailGet(*broken.ProviderCallID, errors.New("connection reset"))

	sum, err := h.reconciler.Reconcile(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Checked)
	assert.Zero(t, sum.Updated)
	assert.Equal(t, 1, sum.Errors)

	events, err := h.store.Calls().ListEvents(ctx, same.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestSweepTimesOutStaleCalls(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stale := h.launch(t)
	fresh := h.launch(t)
	h.store.SetLastStatusAt(stale.ID, time.Now().UTC().Add(-11*time.Minute))

	sum, err := h.reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TimedOut)

	stored, err := h.store.Calls().Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusTimeout, stored.Status)
	require.NotNil(t, stored.EndedReason)
	assert.Equal(t, TimeoutReason, *stored.EndedReason)
	assert.NotNil(t, stored.EndedAt)

	untouched, err := h.store.Calls().Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, untouched.Status)

	events, err := h.store.Calls().ListEvents(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusTimeout, events[len(events)-1].Status)
}
