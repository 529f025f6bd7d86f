package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ordinaut/ordinaut/config"
	"github.com/ordinaut/ordinaut/internal/data"
	"github.com/ordinaut/ordinaut/internal/domain/model"
	"github.com/ordinaut/ordinaut/internal/observability/statsd"
)

// EventTaskFinder lists active event-driven tasks for topic matching.
type EventTaskFinder interface {
	FindActiveEventTasks(ctx context.Context) ([]*model.Task, error)
}

// EventEnqueuer enqueues event occurrences with idempotency.
type EventEnqueuer interface {
	EnqueueEvent(ctx context.Context, taskID string, runAt time.Time, event model.Event) (bool, error)
}

// IngressServiceOptions groups dependencies for IngressService.
type IngressServiceOptions struct {
	Client       redis.UniversalClient    // Required
	Tasks        EventTaskFinder          // Required
	Queue        EventEnqueuer            // Required
	Stream       config.EventStreamConfig // Required
	Config       config.IngressConfig
	TimeProvider data.TimeProvider // Optional
	Logger       *slog.Logger      // Optional
	Metrics      statsd.Sink       // Optional
}

// IngressService consumes external events from a Redis stream and fans
// them out to matching event-driven tasks. Delivery is at-least-once on
// the stream side; the per-(task, event) dedupe ledger inside
// EnqueueEvent makes the fan-out effectively exactly-once.
type IngressService struct {
	client       redis.UniversalClient
	tasks        EventTaskFinder
	queue        EventEnqueuer
	stream       config.EventStreamConfig
	cfg          config.IngressConfig
	consumer     string
	timeProvider data.TimeProvider
	logger       *slog.Logger
	metrics      statsd.Sink
}

// NewIngressService constructs an IngressService.
func NewIngressService(opts IngressServiceOptions) (*IngressService, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Tasks == nil || opts.Queue == nil {
		return nil, errors.New("task finder and event enqueuer are required")
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Config.Sanitize()

	consumer := opts.Config.Consumer
	if consumer == "" {
		hostname, _ := os.Hostname()
		consumer = hostname + "-" + strconv.Itoa(os.Getpid())
	}

	return &IngressService{
		client:       opts.Client,
		tasks:        opts.Tasks,
		queue:        opts.Queue,
		stream:       opts.Stream,
		cfg:          opts.Config,
		consumer:     consumer,
		timeProvider: opts.TimeProvider,
		logger:       opts.Logger.With("component", "ingress", "consumer", consumer),
		metrics:      opts.Metrics,
	}, nil
}

// Run consumes the stream until the context is cancelled. It first drains
// entries this consumer previously read but never acknowledged, then
// blocks on new deliveries.
func (s *IngressService) Run(ctx context.Context) error {
	if err := s.ensureGroup(ctx); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "starting event ingress",
		"stream", s.stream.Stream,
		"group", s.stream.Group)

	if _, err := s.consume(ctx, "0"); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.ErrorContext(ctx, "recover pending entries failed", "error", err)
	}

	for {
		if ctx.Err() != nil {
			s.logger.InfoContext(ctx, "event ingress stopped")
			return nil
		}
		if _, err := s.consume(ctx, ">"); err != nil {
			if errors.Is(err, context.Canceled) {
				s.logger.InfoContext(ctx, "event ingress stopped")
				return nil
			}
			s.logger.ErrorContext(ctx, "consume failed", "error", err)
			s.sleepBrief(ctx)
		}
	}
}

func (s *IngressService) sleepBrief(ctx context.Context) {
	timer := time.NewTimer(s.cfg.BlockTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// ensureGroup creates the consumer group, tolerating a concurrent creator.
func (s *IngressService) ensureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.stream.Stream, s.stream.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", s.stream.Group, err)
	}
	return nil
}

// consume reads one batch at the given cursor (">" for new deliveries,
// "0" for this consumer's pending backlog) and processes it. Returns the
// number of messages acknowledged.
func (s *IngressService) consume(ctx context.Context, cursor string) (int, error) {
	args := &redis.XReadGroupArgs{
		Group:    s.stream.Group,
		Consumer: s.consumer,
		Streams:  []string{s.stream.Stream, cursor},
		Count:    int64(s.cfg.BatchSize),
	}
	if cursor == ">" {
		args.Block = s.cfg.BlockTimeout
	}

	streams, err := s.client.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return 0, context.Canceled
		}
		return 0, fmt.Errorf("xreadgroup: %w", err)
	}

	acked := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			if err := s.processMessage(ctx, msg); err != nil {
				// Leave the message pending; redelivery is safe because
				// enqueue dedupes on (task_id, event_id).
				s.logger.ErrorContext(ctx, "process event failed",
					"message_id", msg.ID, "error", err)
				continue
			}
			if err := s.client.XAck(ctx, s.stream.Stream, s.stream.Group, msg.ID).Err(); err != nil {
				return acked, fmt.Errorf("xack %s: %w", msg.ID, err)
			}
			acked++
		}
	}
	return acked, nil
}

func (s *IngressService) processMessage(ctx context.Context, msg redis.XMessage) error {
	event, err := parseEventMessage(msg)
	if err != nil {
		// Malformed entries are acknowledged, not retried: they will
		// never become parseable.
		s.logger.WarnContext(ctx, "dropping malformed event", "message_id", msg.ID, "error", err)
		return nil
	}

	tasks, err := s.tasks.FindActiveEventTasks(ctx)
	if err != nil {
		return fmt.Errorf("find event tasks: %w", err)
	}

	now := s.timeProvider.Now()
	matched := 0
	for _, task := range tasks {
		if !model.TopicMatches(task.ScheduleExpr, event.Topic) {
			continue
		}
		matched++
		created, err := s.queue.EnqueueEvent(ctx, task.ID, now, *event)
		if err != nil {
			return fmt.Errorf("enqueue event for task %s: %w", task.ID, err)
		}
		if !created {
			s.logger.DebugContext(ctx, "duplicate event delivery ignored",
				"task_id", task.ID, "event_id", event.ID)
		}
	}

	if s.metrics != nil {
		s.metrics.Count("event.received", 1, map[string]string{"matched": strconv.Itoa(matched)})
	}
	s.logger.DebugContext(ctx, "event processed",
		"event_id", event.ID, "topic", event.Topic, "matched", matched)
	return nil
}

// parseEventMessage extracts an Event from a stream entry. The entry must
// carry a topic field; payload defaults to an empty object and the event
// ID defaults to the stream entry ID.
func parseEventMessage(msg redis.XMessage) (*model.Event, error) {
	topic, _ := msg.Values["topic"].(string)
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("missing topic field")
	}

	payload := json.RawMessage(`{}`)
	if raw, ok := msg.Values["payload"].(string); ok && raw != "" {
		if !json.Valid([]byte(raw)) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		payload = json.RawMessage(raw)
	}

	id := msg.ID
	if explicit, ok := msg.Values["id"].(string); ok && strings.TrimSpace(explicit) != "" {
		id = explicit
	}

	return &model.Event{ID: id, Topic: topic, Payload: payload}, nil
}
