package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/logging"
)

const (
	StreamName    = "MAILSYNC_TASKS"
	SubjectPrefix = "mailsync.tasks."
	durableName   = "mailsync-workers"
	fetchWait     = 5 * time.Second
)

// Subject returns the subject a task type is published on
func Subject(taskType string) string {
	return SubjectPrefix + taskType
}

// Client wraps NATS JetStream for enqueuing and consuming tasks
type Client struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// Connect creates a JetStream client
func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url, nats.Name("mailsync"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Client{nc: nc, js: js}, nil
}

// EnsureStream ensures the task stream exists
func (c *Client) EnsureStream(ctx context.Context) error {
	info, err := c.js.StreamInfo(StreamName, nats.Context(ctx))
	if err == nil && info != nil {
		return nil
	}

	_, err = c.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ">"},
		Storage:    nats.FileStorage,
		Retention:  nats.WorkQueuePolicy,
		Duplicates: 2 * time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// Enqueue publishes a task. A dedup key becomes the JetStream message id.
func (c *Client) Enqueue(ctx context.Context, taskType string, payload any, opts ...EnqueueOption) error {
	o := ApplyOptions(opts...)

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", taskType, err)
	}
	body, err := json.Marshal(Task{
		ID:         uuid.NewString(),
		Type:       taskType,
		Payload:    data,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	pubOpts := []nats.PubOpt{nats.Context(ctx)}
	if o.DedupKey != "" {
		pubOpts = append(pubOpts, nats.MsgId(taskType+"|"+o.DedupKey))
	}

	if _, err := c.js.Publish(Subject(taskType), body, pubOpts...); err != nil {
		return fmt.Errorf("failed to publish task: %w", err)
	}
	return nil
}

// Consume pulls tasks and dispatches them through mux until ctx is done
func (c *Client) Consume(ctx context.Context, mux *Mux, cfg config.QueueConfig) error {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	sub, err := c.js.PullSubscribe(SubjectPrefix+">", durableName,
		nats.BindStream(StreamName),
		nats.AckExplicit(),
		nats.AckWait(cfg.TaskTimeout+30*time.Second),
		nats.MaxDeliver(cfg.MaxAttempts),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	logging.Log.WithFields(logrus.Fields{
		"stream":  StreamName,
		"workers": cfg.Workers,
	}).Info("task worker started")

	for {
		select {
		case <-ctx.Done():
			logging.Log.Info("task worker stopping")
			return nil
		default:
		}

		msgs, err := sub.Fetch(cfg.Workers, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			logging.Log.WithError(err).Warn("task fetch failed")
			time.Sleep(time.Second)
			continue
		}

		var wg sync.WaitGroup
		for _, msg := range msgs {
			wg.Add(1)
			go func(msg *nats.Msg) {
				defer wg.Done()
				handleMsg(ctx, mux, cfg, msg)
			}(msg)
		}
		wg.Wait()
	}
}

func handleMsg(ctx context.Context, mux *Mux, cfg config.QueueConfig, msg *nats.Msg) {
	var task Task
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		logging.Log.WithError(err).WithField("subject", msg.Subject).Error("dropping undecodable task")
		_ = msg.Term()
		return
	}

	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}

	log := logging.Log.WithFields(logrus.Fields{
		"task_id":   task.ID,
		"task_type": task.Type,
		"attempt":   attempt,
	})

	taskCtx, cancel := context.WithTimeout(ctx, cfg.TaskTimeout)
	err := mux.Dispatch(taskCtx, &task)
	cancel()

	switch decide(err, attempt, cfg.MaxAttempts) {
	case outcomeAck:
		log.Debug("task done")
		_ = msg.Ack()
	case outcomeTerm:
		log.WithError(err).Error("task failed permanently")
		_ = msg.Term()
	case outcomeRetry:
		delay := Backoff(cfg.Backoff, attempt)
		log.WithError(err).WithField("retry_in", delay.String()).Warn("task failed, will retry")
		_ = msg.NakWithDelay(delay)
	}
}

// Close drains and closes the NATS connection
func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}
