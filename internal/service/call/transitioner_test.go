package call

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/campaign-dialer/internal/domain"
)

func launched(t *testing.T, f *fixture) *domain.Call {
	t.Helper()
	ctx := context.Background()
	contact := f.addContact(t, "+12015550123")
	queued, err := f.launcher.Enqueue(ctx, f.target.Campaign, contact)
	require.NoError(t, err)
	out, err := f.launcher.Launch(ctx, f.target, queued, contact)
	require.NoError(t, err)
	require.True(t, out.Launched)
	return out.Call
}

func TestApplyTerminalIsSticky(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := launched(t, f)

	res, err := f.trans.Apply(ctx, call.ID, Update{Status: domain.CallStatusEnded, EndedReason: "customer-ended-call", Source: SourceWebhook})
	require.NoError(t, err)
	assert.True(t, res.Changed)

	cost := 1.25
	res, err = f.trans.Apply(ctx, call.ID, Update{
		Status:       domain.CallStatusInProgress,
		EndedReason:  "something-else",
		Cost:         &cost,
		RecordingURL: "https://cdn.example/rec.wav",
		Source:       SourceWebhook,
		AlwaysRecord: true,
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.False(t, res.Changed)

	stored, err := f.store.Calls().Get(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, stored.Status)
	assert.Equal(t, "customer-ended-call", *stored.EndedReason)
	require.NotNil(t, stored.Cost)
	assert.Equal(t, 1.25, *stored.Cost)
	assert.Equal(t, "https://cdn.example/rec.wav", *stored.RecordingURL)
	assert.NotNil(t, stored.EndedAt)

	events, err := f.store.Calls().ListEvents(ctx, call.ID)
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestApplyIgnoresBackwardsMoveWithoutRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := launched(t, f)

	_, err := f.trans.Apply(ctx, call.ID, Update{Status: domain.CallStatusInProgress, Source: SourceWebhook})
	require.NoError(t, err)

	res, err := f.trans.Apply(ctx, call.ID, Update{Status: domain.CallStatusRinging, Source: SourceReconcile})
	require.NoError(t, err)
	assert.False(t, res.Applied)

	stored, err := f.store.Calls().Get(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusInProgress, stored.Status)
}

func TestApplyUnknownIsRecordedButNotStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := launched(t, f)

	res, err := f.trans.Apply(ctx, call.ID, Update{
		Status:       domain.CallStatusUnknown,
		Payload:      json.RawMessage(`{"status":"voicemail"}`),
		Source:       SourceWebhook,
		AlwaysRecord: true,
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, domain.CallStatusRinging, res.Call.Status)

	events, err := f.store.Calls().ListEvents(ctx, call.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, domain.CallStatusUnknown, last.Status)
	assert.JSONEq(t, `{"status":"voicemail"}`, string(last.Payload))
}

func TestApplyPreconditionAborts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := launched(t, f)

	res, err := f.trans.Apply(ctx, call.ID, Update{
		Status:       domain.CallStatusTimeout,
		Source:       SourceSweep,
		Precondition: func(c *domain.Call) bool { return c.LastStatusAt.Before(time.Now().Add(-time.Hour)) },
	})
	require.NoError(t, err)
	assert.False(t, res.Applied)
}

func TestApplyTerminalCompletesCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := launched(t, f)

	res, err := f.trans.Apply(ctx, call.ID, Update{Status: domain.CallStatusEnded, Source: SourceWebhook})
	require.NoError(t, err)
	assert.True(t, res.Completed)

	campaign, err := f.store.Campaigns().Get(ctx, f.target.Campaign.ID)
	require.NoError(t, err)
	require.NotNil(t, campaign.CompletedAt)

	completed, err := f.trans.CheckCompletion(ctx, f.target.Campaign.ID)
	require.NoError(t, err)
	assert.False(t, completed)
}

func TestApplyDoesNotCompleteWhileContactsRemain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := launched(t, f)
	f.addContact(t, "+12015550124")

	res, err := f.trans.Apply(ctx, call.ID, Update{Status: domain.CallStatusBusy, Source: SourceWebhook})
	require.NoError(t, err)
	assert.False(t, res.Completed)
}
