package call

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/queue"
	"github.com/acme/campaign-dialer/internal/repository"
	"github.com/acme/campaign-dialer/internal/repository/memory"
	"github.com/acme/campaign-dialer/internal/telephony"
	"github.com/acme/campaign-dialer/internal/telephony/mock"
)

type recordingPublisher struct {
	msgs []queue.StatusMessage
}

func (p *recordingPublisher) PublishStatus(ctx context.Context, msg queue.StatusMessage) error {
	p.msgs = append(p.msgs, msg)
	return nil
}

type countingGate struct{ waits int }

func (g *countingGate) Wait(ctx context.Context) error {
	g.waits++
	return nil
}

type fixture struct {
	store     *memory.Store
	provider  *mock.Provider
	publisher *recordingPublisher
	gate      *countingGate
	trans     *Transitioner
	launcher  *Launcher
	target    Target
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	assistant := domain.Assistant{ID: uuid.New(), Name: "agent", ProviderAssistantID: "asst-1", Active: true}
	line := domain.PhoneLine{ID: uuid.New(), Label: "main", ProviderPhoneNumberID: "pn-1"}
	store.AddAssistant(assistant)
	store.AddPhoneLine(line)

	campaign := &domain.Campaign{
		ID:          uuid.New(),
		Name:        "spring",
		Mode:        domain.DispatchModeContinuous,
		Cap:         2,
		AssistantID: assistant.ID,
		PhoneLineID: line.ID,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.Campaigns().Create(context.Background(), campaign))

	f := &fixture{
		store:     store,
		provider:  mock.NewProvider(),
		publisher: &recordingPublisher{},
		gate:      &countingGate{},
		target:    Target{Campaign: campaign, Assistant: &assistant, PhoneLine: &line},
	}
	f.trans = NewTransitioner(store.Calls(), store.Campaigns(), f.publisher, nil)
	f.launcher = NewLauncher(store.Calls(), store.Campaigns(), f.provider, f.trans, f.gate, LauncherConfig{
		MaxAttempts:   3,
		RetryDelays:   []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond},
		DefaultRegion: "US",
	}, nil)
	return f
}

func (f *fixture) addContact(t *testing.T, phone string) domain.Contact {
	t.Helper()
	contact := domain.Contact{ID: uuid.New(), Name: "Ada", Phone: phone, OriginalPhone: phone, CreatedAt: time.Now().UTC()}
	require.NoError(t, f.store.Contacts().BulkInsert(context.Background(), f.target.Campaign.ID, []domain.Contact{contact}))
	contact.CampaignID = f.target.Campaign.ID
	return contact
}

func TestLaunchSuccessMovesToRinging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	contact := f.addContact(t, "(201) 555-0123")

	queued, err := f.launcher.Enqueue(ctx, f.target.Campaign, contact)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusQueued, queued.Status)

	out, err := f.launcher.Launch(ctx, f.target, queued, contact)
	require.NoError(t, err)
	require.True(t, out.Launched)
	assert.Equal(t, domain.CallStatusRinging, out.Call.Status)
	require.NotNil(t, out.Call.ProviderCallID)
	assert.NotNil(t, out.Call.StartedAt)

	creates := f.provider.Creates()
	require.Len(t, creates, 1)
	assert.Equal(t, "+12015550123", creates[0].CustomerNumber)
	assert.Equal(t, "asst-1", creates[0].AssistantID)
	assert.Equal(t, queued.ID, creates[0].CallID)
	assert.Equal(t, 1, f.gate.waits)

	events, err := f.store.Calls().ListEvents(ctx, queued.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.CallStatusQueued, events[0].Status)
	assert.Equal(t, domain.CallStatusRinging, events[1].Status)

	campaign, err := f.store.Campaigns().Get(ctx, f.target.Campaign.ID)
	require.NoError(t, err)
	assert.NotNil(t, campaign.StartedAt)

	require.Len(t, f.publisher.msgs, 1)
	assert.Equal(t, "RINGING", f.publisher.msgs[0].Status)
}

func TestLaunchRetriesTransientThenSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	contact := f.addContact(t, "+12015550123")
	f.provider.FailCreate("+12015550123",
		telephony.NewStatusError(http.StatusTooManyRequests, "slow down"),
		telephony.NewStatusError(http.StatusServiceUnavailable, "busy"),
	)

	queued, err := f.launcher.Enqueue(ctx, f.target.Campaign, contact)
	require.NoError(t, err)
	out, err := f.launcher.Launch(ctx, f.target, queued, contact)
	require.NoError(t, err)
	assert.True(t, out.Launched)
	assert.Len(t, f.provider.Creates(), 3)
	assert.Equal(t, 3, f.gate.waits)
}

func TestLaunchExhaustsRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	contact := f.addContact(t, "+12015550123")
	for i := 0; i < 5; i++ {
		f.provider.FailCreate("+12015550123", telephony.NewStatusError(http.StatusBadGateway, "upstream"))
	}

	queued, err := f.launcher.Enqueue(ctx, f.target.Campaign, contact)
	require.NoError(t, err)
	out, err := f.launcher.Launch(ctx, f.target, queued, contact)
	require.NoError(t, err)
	assert.False(t, out.Launched)
	assert.Equal(t, domain.CallStatusFailed, out.Call.Status)
	require.NotNil(t, out.Call.EndedReason)
	assert.Contains(t, *out.Call.EndedReason, "502")
	assert.Len(t, f.provider.Creates(), 3)
}

func TestLaunchPermanentErrorDoesNotRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	contact := f.addContact(t, "+12015550123")
	f.provider.FailCreate("+12015550123", telephony.NewStatusError(http.StatusBadRequest, "bad assistant"))

	queued, err := f.launcher.Enqueue(ctx, f.target.Campaign, contact)
	require.NoError(t, err)
	out, err := f.launcher.Launch(ctx, f.target, queued, contact)
	require.NoError(t, err)
	assert.False(t, out.Launched)
	assert.Equal(t, domain.CallStatusFailed, out.Call.Status)
	assert.Len(t, f.provider.Creates(), 1)
}

func TestLaunchInvalidPhoneSkipsProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	contact := f.addContact(t, "12")

	queued, err := f.launcher.Enqueue(ctx, f.target.Campaign, contact)
	require.NoError(t, err)
	out, err := f.launcher.Launch(ctx, f.target, queued, contact)
	require.NoError(t, err)
	assert.False(t, out.Launched)
	assert.Equal(t, "invalid phone number", out.Reason)
	assert.Equal(t, domain.CallStatusFailed, out.Call.Status)
	assert.Empty(t, f.provider.Creates())
	assert.Zero(t, f.gate.waits)

	events, err := f.store.Calls().ListEvents(ctx, queued.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.CallStatusFailed, events[1].Status)
}

func TestEnqueueRejectsSecondCallForContact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	contact := f.addContact(t, "+12015550123")

	_, err := f.launcher.Enqueue(ctx, f.target.Campaign, contact)
	require.NoError(t, err)
	_, err = f.launcher.Enqueue(ctx, f.target.Campaign, contact)
	require.ErrorIs(t, err, repository.ErrConflict)
}

func TestScheduleRepeatsLastDelay(t *testing.T) {
	s := newSchedule([]time.Duration{time.Second, 4 * time.Second, 10 * time.Second})
	got := []time.Duration{s.NextBackOff(), s.NextBackOff(), s.NextBackOff(), s.NextBackOff()}
	assert.Equal(t, []time.Duration{time.Second, 4 * time.Second, 10 * time.Second, 10 * time.Second}, got)
	s.Reset()
	assert.Equal(t, time.Second, s.NextBackOff())
}
