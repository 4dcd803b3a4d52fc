package campaign

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository/memory"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
)

type stubDispatcher struct {
	calls    []uuid.UUID
	launched int
	err      error
}

func (d *stubDispatcher) DispatchCampaign(ctx context.Context, id uuid.UUID) (int, error) {
	d.calls = append(d.calls, id)
	return d.launched, d.err
}

func newService(t *testing.T) (*Service, *memory.Store, *stubDispatcher, CreateCampaignInput) {
	t.Helper()
	store := memory.NewStore()
	assistant := domain.Assistant{ID: uuid.New(), ProviderAssistantID: "asst", Active: true}
	line := domain.PhoneLine{ID: uuid.New(), ProviderPhoneNumberID: "pn"}
	store.AddAssistant(assistant)
	store.AddPhoneLine(line)

	dispatcher := &stubDispatcher{launched: 2}
	svc := NewService(store.Campaigns(), store.Directory(), dispatcher, "US")
	input := CreateCampaignInput{
		Name:        "Spring outreach",
		Mode:        domain.DispatchModeBatch,
		Cap:         2,
		AssistantID: assistant.ID,
		PhoneLineID: line.ID,
		Contacts: []ContactInput{
			{Name: "A", Phone: "(201) 555-0101"},
			{Name: "B", Phone: "201-555-0102"},
			{Name: "C", Phone: "+1 201 555 0103"},
			{Name: "D", Phone: "garbage"},
			{Name: "E", Phone: "2015550105"},
		},
	}
	return svc, store, dispatcher, input
}

func TestValidateCreateInputFailures(t *testing.T) {
	_, _, _, valid := newService(t)

	mutations := []func(in *CreateCampaignInput){
		func(in *CreateCampaignInput) { in.Name = " " },
		func(in *CreateCampaignInput) { in.Mode = "round-robin" },
		func(in *CreateCampaignInput) { in.Cap = 0 },
		func(in *CreateCampaignInput) { in.AssistantID = uuid.Nil },
		func(in *CreateCampaignInput) { in.Contacts = nil },
		func(in *CreateCampaignInput) { in.Contacts = []ContactInput{{Name: "x"}} },
	}

	for i, mutate := range mutations {
		in := valid
		mutate(&in)
		if err := validateCreateInput(in); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestCreateAssignsBatchIndexesAndNormalizes(t *testing.T) {
	svc, store, _, input := newService(t)
	ctx := context.Background()

	campaign, err := svc.Create(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, 5, campaign.TotalContacts)

	contacts, err := store.Contacts().NextUncalled(ctx, campaign.ID, 10, false)
	require.NoError(t, err)
	require.Len(t, contacts, 5)

	wantBatches := []int{0, 0, 1, 1, 2}
	for i, c := range contacts {
		require.NotNil(t, c.BatchIndex)
		assert.Equal(t, wantBatches[i], *c.BatchIndex, c.Name)
	}
	assert.Equal(t, "+12015550101", contacts[0].Phone)
	assert.Equal(t, "(201) 555-0101", contacts[0].OriginalPhone)
	assert.Equal(t, "garbage", contacts[3].Phone)
}

func TestCreateContinuousHasNoBatchIndex(t *testing.T) {
	svc, store, _, input := newService(t)
	input.Mode = domain.DispatchModeContinuous

	campaign, err := svc.Create(context.Background(), input)
	require.NoError(t, err)

	contacts, err := store.Contacts().NextUncalled(context.Background(), campaign.ID, 10, false)
	require.NoError(t, err)
	for _, c := range contacts {
		assert.Nil(t, c.BatchIndex)
	}
}

func TestCreateRejectsUnknownAssistant(t *testing.T) {
	svc, _, _, input := newService(t)
	input.AssistantID = uuid.New()

	_, err := svc.Create(context.Background(), input)
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestStartRunsScopedDispatch(t *testing.T) {
	svc, _, dispatcher, input := newService(t)
	ctx := context.Background()

	campaign, err := svc.Create(ctx, input)
	require.NoError(t, err)

	res, err := svc.Start(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Launched)
	assert.Equal(t, []uuid.UUID{campaign.ID}, dispatcher.calls)
}

func TestStartRejectsUnknownCampaign(t *testing.T) {
	svc, _, _, _ := newService(t)

	_, err := svc.Start(context.Background(), uuid.New())
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestStatsCountsUncalled(t *testing.T) {
	svc, _, _, input := newService(t)
	ctx := context.Background()

	campaign, err := svc.Create(ctx, input)
	require.NoError(t, err)

	stats, err := svc.Stats(ctx, campaign.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 5, stats.TotalContacts)
	assert.EqualValues(t, 5, stats.UncalledCount)
	assert.Zero(t, stats.ActiveCalls)
}

type failingCampaigns struct {
	*memory.CampaignRepo
	err error
}

func (f failingCampaigns) CreateWithContacts(ctx context.Context, campaign *domain.Campaign, contacts []domain.Contact) error {
	return f.err
}

func TestCreateSurfacesStoreFailure(t *testing.T) {
	_, store, dispatcher, input := newService(t)
	down := errors.New("connection refused")
	svc := NewService(failingCampaigns{CampaignRepo: store.Campaigns(), err: down}, store.Directory(), dispatcher, "US")

	campaign, err := svc.Create(context.Background(), input)
	require.ErrorIs(t, err, down)
	assert.Nil(t, campaign)
}
