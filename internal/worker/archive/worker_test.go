package archive

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/queue"
	"github.com/acme/campaign-dialer/internal/repository"
	"github.com/acme/campaign-dialer/internal/repository/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeReader hands out queued messages and then blocks until cancelled.
type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		msg := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type failingArchive struct {
	repository.EventArchive
	calls int
}

func (a *failingArchive) Append(ctx context.Context, record repository.ArchivedEvent) error {
	a.calls++
	return errors.New("scylla unavailable")
}

func statusMessage(t *testing.T, offset int64, status queue.StatusMessage) kafka.Message {
	t.Helper()
	value, err := json.Marshal(status)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: value}
}

func TestHandleArchivesStatus(t *testing.T) {
	store := memory.NewStore()
	w := New(&fakeReader{}, store.Archive(), nil)

	callID := uuid.New()
	msg := queue.StatusMessage{
		EventID:        uuid.New(),
		CallID:         callID,
		CampaignID:     uuid.New(),
		ProviderCallID: "prov-1",
		Status:         string(domain.CallStatusEnded),
		PreviousStatus: string(domain.CallStatusInProgress),
		Source:         "webhook",
		OccurredAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, w.Handle(context.Background(), statusMessage(t, 1, msg)))
	require.NoError(t, w.Handle(context.Background(), statusMessage(t, 1, msg)))

	events, err := store.Archive().ListByCall(context.Background(), callID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.CallStatusEnded, events[0].Status)
	assert.Equal(t, "prov-1", events[0].ProviderCallID)
	assert.Equal(t, msg.OccurredAt, events[0].OccurredAt)
}

func TestHandleDropsUndecodable(t *testing.T) {
	archive := &failingArchive{}
	w := New(&fakeReader{}, archive, nil)

	assert.NoError(t, w.Handle(context.Background(), kafka.Message{Value: []byte("{not json")}))
	assert.Zero(t, archive.calls)
}

func TestRunCommitsAndStops(t *testing.T) {
	store := memory.NewStore()
	status := queue.StatusMessage{EventID: uuid.New(), CallID: uuid.New(), Status: "RINGING", Source: "launcher"}
	reader := &fakeReader{pending: []kafka.Message{
		statusMessage(t, 7, status),
		{Offset: 8, Value: []byte("garbage")},
	}}
	w := New(reader, store.Archive(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, []int64{7, 8}, reader.commits())
	assert.True(t, reader.closed)

	events, err := store.Archive().ListByCall(context.Background(), status.CallID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRunRetriesThenMovesOn(t *testing.T) {
	archive := &failingArchive{}
	reader := &fakeReader{pending: []kafka.Message{
		statusMessage(t, 3, queue.StatusMessage{EventID: uuid.New(), CallID: uuid.New(), Status: "ENDED"}),
	}}
	w := New(reader, archive, nil)
	w.backoff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, 4, archive.calls)
}
