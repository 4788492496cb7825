// Package worker provides asynchronous activity intake from the event
// bus. Collaborating systems publish activities to the submit topic
// instead of calling the HTTP API; each message runs through the same
// scoring pipeline, which publishes the scored and unlock events.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/fitstack/tally/internal/domain"
	"github.com/fitstack/tally/internal/service"
)

// Worker consumes submitted activities from the EventBus.
type Worker struct {
	bus domain.EventBus
	svc *service.Service

	subscriptions []domain.Subscription
	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// Topic overrides the default submit topic.
	Topic string
}

// NewWorker creates an async intake worker.
func NewWorker(bus domain.EventBus, svc *service.Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		svc:    svc,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the submit topic and begins scoring messages.
func (w *Worker) Start(cfg Config) error {
	topic := cfg.Topic
	if topic == "" {
		topic = domain.TopicActivitySubmitted
	}

	sub, err := w.bus.Subscribe(w.ctx, topic, w.handleMessage)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("intake worker started", "topic", topic)
	return nil
}

// handleMessage scores one submitted activity. Malformed or invalid
// submissions are logged and dropped; there is no caller to report to.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var req domain.ActivityRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse submitted activity",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	resp, err := w.svc.Calculate(ctx, &req)
	if err != nil {
		var unknownErr *domain.UnknownExerciseError
		switch {
		case errors.Is(err, domain.ErrInvalidInput), errors.As(err, &unknownErr):
			slog.Warn("dropping invalid submitted activity",
				"message_id", msg.ID,
				"user_id", req.UserID,
				"exercise", req.ExerciseKey,
				"error", err,
			)
			return nil
		default:
			slog.Error("failed to score submitted activity",
				"message_id", msg.ID,
				"user_id", req.UserID,
				"error", err,
			)
			return err
		}
	}

	slog.Info("submitted activity scored",
		"message_id", msg.ID,
		"user_id", req.UserID,
		"exercise", req.ExerciseKey,
		"total_points", resp.Calculation.TotalPoints,
		"unlocks", len(resp.Unlocked),
	)
	return nil
}

// Stop unsubscribes and stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	slog.Info("intake worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
