// Package worker feeds transactions published on the event bus into the engine.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/monitor"
)

// Ingester is the part of the engine the worker drives.
type Ingester interface {
	Ingest(ctx context.Context, tx domain.Transaction) (*domain.IngestResult, error)
	IngestBatch(ctx context.Context, txs []domain.Transaction) ([]monitor.BatchItem, error)
}

// Worker consumes transaction messages from the EventBus. A payload is either
// one JSON transaction or a JSON array of transactions, ingested as a batch.
type Worker struct {
	bus    domain.EventBus
	engine Ingester
	log    *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription

	accepted atomic.Int64
	rejected atomic.Int64
	failed   atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Topic defaults to domain.TopicTransactionIngest.
	Topic string
}

// NewWorker creates a new bus worker.
func NewWorker(bus domain.EventBus, engine Ingester, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		bus:    bus,
		engine: engine,
		log:    logger.With("component", "worker"),
	}
}

// Start subscribes to the ingest topic.
func (w *Worker) Start(ctx context.Context, cfg Config) error {
	topic := cfg.Topic
	if topic == "" {
		topic = domain.TopicTransactionIngest
	}

	sub, err := w.bus.Subscribe(ctx, topic, w.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	w.log.Info("worker started", "topic", topic)
	return nil
}

// handleMessage ingests one bus message. Malformed payloads and rejected
// transactions are logged and acknowledged; only engine failures are returned.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()
	payload := bytes.TrimSpace(msg.Payload)

	if len(payload) > 0 && payload[0] == '[' {
		return w.processBatch(ctx, msg.ID, payload, start)
	}

	var tx domain.Transaction
	if err := json.Unmarshal(payload, &tx); err != nil {
		w.rejected.Add(1)
		w.log.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return nil
	}

	result, err := w.engine.Ingest(ctx, tx)
	if err != nil {
		return w.handleError(msg.ID, tx.ID, err)
	}

	w.accepted.Add(1)
	w.log.Debug("transaction processed",
		"message_id", msg.ID,
		"tx_id", tx.ID,
		"flags", len(result.Flags),
		"alerts", len(result.Alerts),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) processBatch(ctx context.Context, msgID string, payload []byte, start time.Time) error {
	var txs []domain.Transaction
	if err := json.Unmarshal(payload, &txs); err != nil {
		w.rejected.Add(1)
		w.log.Error("failed to parse transaction batch",
			"message_id", msgID,
			"error", err,
		)
		return nil
	}

	items, err := w.engine.IngestBatch(ctx, txs)
	if err != nil {
		w.failed.Add(int64(len(txs)))
		return err
	}

	var errs []error
	for i, item := range items {
		if item.Err != nil {
			if err := w.handleError(msgID, txs[i].ID, item.Err); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		w.accepted.Add(1)
	}

	w.log.Info("transaction batch processed",
		"message_id", msgID,
		"size", len(txs),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return errors.Join(errs...)
}

func (w *Worker) handleError(msgID, txID string, err error) error {
	if errors.Is(err, domain.ErrValidation) {
		w.rejected.Add(1)
		w.log.Warn("transaction rejected",
			"message_id", msgID,
			"tx_id", txID,
			"error", err,
		)
		return nil
	}

	w.failed.Add(1)
	w.log.Error("transaction ingest failed",
		"message_id", msgID,
		"tx_id", txID,
		"error", err,
	)
	return err
}

// Stop unsubscribes from every topic.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			w.log.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
			errs = append(errs, err)
		}
	}

	w.log.Info("worker stopped",
		"accepted", w.accepted.Load(),
		"rejected", w.rejected.Load(),
		"failed", w.failed.Load(),
	)
	return errors.Join(errs...)
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Accepted          int64    `json:"accepted"`
	Rejected          int64    `json:"rejected"`
	Failed            int64    `json:"failed"`
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
		Accepted:          w.accepted.Load(),
		Rejected:          w.rejected.Load(),
		Failed:            w.failed.Load(),
	}
}
