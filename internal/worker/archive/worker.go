package archive

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/queue"
	"github.com/acme/campaign-dialer/internal/repository"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// Reader is the subset of *kafka.Reader the worker consumes from.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Worker consumes published call status changes and copies them into the
// event archive.
type Worker struct {
	reader  Reader
	archive repository.EventArchive
	logger  *logger.Logger
	tracer  trace.Tracer
	retries uint64
	backoff func() backoff.BackOff
}

// New creates a new archive worker.
func New(reader Reader, archive repository.EventArchive, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.NewNop()
	}
	return &Worker{
		reader:  reader,
		archive: archive,
		logger:  log,
		tracer:  otel.Tracer("campaign-dialer.archiver"),
		retries: 3,
		backoff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// Run processes status messages until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("archive worker: fetch", zap.Error(err))
			continue
		}

		policy := backoff.WithContext(backoff.WithMaxRetries(w.backoff(), w.retries), ctx)
		if err := backoff.Retry(func() error { return w.Handle(ctx, msg) }, policy); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("archive worker: dropping message", zap.Error(err), zap.Int64("offset", msg.Offset))
		}
		if err := w.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			w.logger.Error("archive worker: commit", zap.Error(err))
		}
	}
}

// Handle archives one message. Undecodable messages are dropped; only archive
// write failures are returned.
func (w *Worker) Handle(ctx context.Context, msg kafka.Message) error {
	status, err := queue.DecodeStatus(msg.Value)
	if err != nil {
		w.logger.Error("archive worker: unmarshal", zap.Error(err), zap.Int64("offset", msg.Offset))
		return nil
	}

	ctx, span := w.tracer.Start(ctx, "call.archive", trace.WithAttributes(
		attribute.String("call.id", status.CallID.String()),
		attribute.String("campaign.id", status.CampaignID.String()),
		attribute.String("call.status", status.Status),
	))
	defer span.End()

	record := repository.ArchivedEvent{
		CallID:         status.CallID,
		CampaignID:     status.CampaignID,
		EventID:        status.EventID,
		Status:         domain.CallStatus(status.Status),
		ProviderCallID: status.ProviderCallID,
		Source:         status.Source,
		OccurredAt:     status.OccurredAt,
	}
	if err := w.archive.Append(ctx, record); err != nil {
		span.RecordError(err)
		w.logger.WithContext(ctx).WithCall(status.CallID).Error("archive worker: append", zap.Error(err))
		return err
	}
	return nil
}
