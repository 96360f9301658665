package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/xtm888/medflow-ocr/internal/core/domain"
	"github.com/xtm888/medflow-ocr/internal/infrastructure/resilience"
)

const (
	queueGroup   = "workers"
	taskIDHeader = "Medflow-Task-Id"
	kindHeader   = "Medflow-Task-Kind"
)

// Queue distributes jobs over a NATS queue group. Each worker process
// opens Concurrency subscriptions, so NATS balances jobs across all of them.
type Queue struct {
	conn        *nats.Conn
	subject     string
	concurrency int
	executor    *resilience.Executor
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	// Concurrency is the number of jobs one process runs at once.
	Concurrency        int
	ResilienceExecutor *resilience.Executor
}

func NewWithOptions(url, subject string, options Options) (*Queue, error) {
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

	conn, err := nats.Connect(
		url,
		nats.Name("medflow-ocr"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:        conn,
		subject:     subject,
		concurrency: max(options.Concurrency, 1),
		executor:    options.ResilienceExecutor,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) Healthy() bool {
	return q.conn != nil && q.conn.IsConnected()
}

func (q *Queue) Publish(ctx context.Context, job domain.Job) error {
	msg, err := q.message(job)
	if err != nil {
		return err
	}
	call := func(_ context.Context) error {
		if err := q.conn.PublishMsg(msg); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, resilience.OpQueuePublish, call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

func (q *Queue) message(job domain.Job) (*nats.Msg, error) {
	payload, err := encodeJob(job)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(q.subject)
	msg.Data = payload
	msg.Header.Set(taskIDHeader, job.TaskID)
	msg.Header.Set(kindHeader, string(job.Kind))
	return msg, nil
}

// Subscribe joins the worker queue group and blocks until ctx is done, then
// drains in-flight messages.
func (q *Queue) Subscribe(ctx context.Context, handler func(context.Context, domain.Job) error) error {
	subs := make([]*nats.Subscription, 0, q.concurrency)
	for range q.concurrency {
		sub, err := q.conn.QueueSubscribe(q.subject, queueGroup, func(msg *nats.Msg) {
			q.deliver(ctx, msg, handler)
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return fmt.Errorf("nats subscribe: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	slog.Info("nats_subscribed", "subject", q.subject, "group", queueGroup, "subscriptions", len(subs))

	<-ctx.Done()
	var drainErr error
	for _, sub := range subs {
		if err := sub.Drain(); err != nil && drainErr == nil {
			drainErr = fmt.Errorf("nats drain subscription: %w", err)
		}
	}
	if drainErr != nil {
		return drainErr
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func (q *Queue) deliver(ctx context.Context, msg *nats.Msg, handler func(context.Context, domain.Job) error) {
	if ctx.Err() != nil {
		return
	}
	job, err := decodeJob(msg.Data)
	if err != nil {
		slog.Error("worker_job_decode_failed", "subject", msg.Subject, "task_id", msg.Header.Get(taskIDHeader), "error", err)
		return
	}
	if err := handler(ctx, job); err != nil {
		slog.Error("worker_job_failed", "task_id", job.TaskID, "kind", job.Kind, "error", err)
	}
}

func encodeJob(job domain.Job) ([]byte, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	return payload, nil
}

func decodeJob(data []byte) (domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return domain.Job{}, fmt.Errorf("decode job: %w", err)
	}
	if job.TaskID == "" {
		return domain.Job{}, fmt.Errorf("decode job: missing task_id")
	}
	switch job.Kind {
	case domain.TaskKindBatch:
		if job.Batch == nil {
			return domain.Job{}, fmt.Errorf("decode job %s: batch payload missing", job.TaskID)
		}
	case domain.TaskKindFile:
		if job.File == nil {
			return domain.Job{}, fmt.Errorf("decode job %s: file payload missing", job.TaskID)
		}
	default:
		return domain.Job{}, fmt.Errorf("decode job %s: unknown kind %q", job.TaskID, job.Kind)
	}
	return job, nil
}
