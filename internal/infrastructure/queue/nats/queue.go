package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/doctor-video-intake/internal/core/domain"
	"github.com/kirillkom/doctor-video-intake/internal/infrastructure/resilience"
)

const (
	headerContentType = "Content-Type"
	headerMessageID   = "Nats-Msg-Id"
)

type Subjects struct {
	Finalize   string
	Completed  string
	Link       string
	QueueGroup string
}

func (s Subjects) withDefaults() Subjects {
	if s.Finalize == "" {
		s.Finalize = "videos.finalize"
	}
	if s.Completed == "" {
		s.Completed = "videos.completed"
	}
	if s.Link == "" {
		s.Link = "videos.link"
	}
	if s.QueueGroup == "" {
		s.QueueGroup = "workers"
	}
	return s
}

type publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Queue carries finalize jobs to workers and doctor notifications to the
// mailer. It implements both ports.FinalizeQueue and ports.Notifier.
type Queue struct {
	conn     *nats.Conn
	pub      publisher
	subjects Subjects
	executor *resilience.Executor
	logger   *slog.Logger
}

type Options struct {
	Name                 string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func New(url string, subjects Subjects, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	name := options.Name
	if name == "" {
		name = "doctor-video-intake"
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name(name),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:     conn,
		pub:      conn,
		subjects: subjects.withDefaults(),
		executor: options.ResilienceExecutor,
		logger:   logger,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishFinalize(ctx context.Context, job domain.FinalizeJob) error {
	return q.publishJSON(ctx, "nats.publish.finalize", q.subjects.Finalize, job.JobID, job)
}

func (q *Queue) NotifyCompleted(ctx context.Context, event domain.CompletionEvent) error {
	return q.publishJSON(ctx, "nats.publish.completed", q.subjects.Completed, "", event)
}

func (q *Queue) NotifyRecordingLink(ctx context.Context, event domain.LinkEvent) error {
	return q.publishJSON(ctx, "nats.publish.link", q.subjects.Link, "", event)
}

func (q *Queue) publishJSON(ctx context.Context, operation, subject, msgID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(headerContentType, "application/json")
	if msgID != "" {
		msg.Header.Set(headerMessageID, msgID)
	}

	call := func(_ context.Context) error {
		if err := q.pub.PublishMsg(msg); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, operation, call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// SubscribeFinalize delivers finalize jobs to handler until ctx is done. It
// then drains the subscription: jobs already received still run, with a
// context that outlives ctx, and SubscribeFinalize returns once they have.
// Handlers bound their own run time.
func (q *Queue) SubscribeFinalize(ctx context.Context, handler func(context.Context, domain.FinalizeJob) error) error {
	var inflight sync.WaitGroup
	sub, err := q.conn.QueueSubscribe(q.subjects.Finalize, q.subjects.QueueGroup, q.finalizeCallback(ctx, handler, &inflight))
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	for sub.IsValid() {
		time.Sleep(50 * time.Millisecond)
	}
	inflight.Wait()
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

// finalizeCallback decodes one message and runs handler on it. Handler
// contexts keep ctx's values but not its cancellation.
func (q *Queue) finalizeCallback(ctx context.Context, handler func(context.Context, domain.FinalizeJob) error, inflight *sync.WaitGroup) nats.MsgHandler {
	base := context.WithoutCancel(ctx)
	return func(msg *nats.Msg) {
		inflight.Add(1)
		defer inflight.Done()

		job, err := decodeFinalizeJob(msg.Data)
		if err != nil {
			q.logger.Error("finalize_job_decode_failed", "subject", msg.Subject, "error", err)
			return
		}
		if ctx.Err() != nil {
			q.logger.Info("finalize_job_during_drain", "job_id", job.JobID, "external_ref", job.ExternalRef)
		}

		handlerCtx, cancel := context.WithCancel(base)
		defer cancel()
		if err := handler(handlerCtx, job); err != nil {
			q.logger.Error("finalize_job_failed",
				"job_id", job.JobID,
				"external_ref", job.ExternalRef,
				"error", err,
			)
		}
	}
}

func decodeFinalizeJob(data []byte) (domain.FinalizeJob, error) {
	var job domain.FinalizeJob
	if err := json.Unmarshal(data, &job); err != nil {
		return domain.FinalizeJob{}, fmt.Errorf("unmarshal finalize job: %w", err)
	}
	if err := domain.ValidateRef(job.ExternalRef); err != nil {
		return domain.FinalizeJob{}, err
	}
	return job, nil
}
