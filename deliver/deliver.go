// Package deliver sends pending notifications to their channels exactly once per record.
package deliver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tweet-watcher/metrics"
	"tweet-watcher/pkg/watcher"
)

// DefaultWorkers bounds concurrent sends when no worker count is configured.
const DefaultWorkers = 4

// Store interface for notification persistence.
type Store interface {
	LoadNotification(ctx context.Context, resultID, channel string) (*watcher.Notification, error)
	MarkDelivered(ctx context.Context, resultID, channel string, at time.Time, receipt string) error
	ListPendingNotifications(ctx context.Context, limit int) ([]*watcher.Notification, error)
}

// Messenger posts a notification and returns the provider's message id.
type Messenger interface {
	SendNotification(ctx context.Context, rec *watcher.Notification) (string, error)
}

// Summary reports the outcome of draining pending notifications.
type Summary struct {
	Pending    int `json:"pending"`
	Sent       int `json:"sent"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

// Notifier delivers notification records.
type Notifier struct {
	store     Store
	messenger Messenger
	logger    *slog.Logger
	now       func() time.Time
	workers   int
	batch     int
}

// New creates a notifier. A workers value below 1 selects DefaultWorkers.
func New(store Store, messenger Messenger, workers int, logger *slog.Logger) *Notifier {
	if workers < 1 {
		workers = DefaultWorkers
	}
	return &Notifier{
		store:     store,
		messenger: messenger,
		logger:    logger,
		now:       time.Now,
		workers:   workers,
		batch:     500,
	}
}

type result int

const (
	resultSent result = iota
	resultDuplicate
)

// Deliver sends rec if it is still pending and marks it delivered.
// Records that were already delivered are a no-op. Send and mark failures are
// returned so the caller can retry; nothing is retried here.
func (n *Notifier) Deliver(ctx context.Context, rec *watcher.Notification) error {
	_, err := n.deliver(ctx, rec)
	return err
}

func (n *Notifier) deliver(ctx context.Context, rec *watcher.Notification) (result, error) {
	if rec.DeliveredAt != nil {
		metrics.DeliveriesTotal.WithLabelValues("duplicate").Inc()
		return resultDuplicate, nil
	}

	// The trigger may carry a stale image.
	current, err := n.store.LoadNotification(ctx, rec.ResultID, rec.Channel)
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("load notification: %w", err)
	}
	if current.DeliveredAt != nil {
		n.logger.Debug("Notification already delivered", "result_id", rec.ResultID, "channel", rec.Channel)
		metrics.DeliveriesTotal.WithLabelValues("duplicate").Inc()
		return resultDuplicate, nil
	}

	receipt, err := n.messenger.SendNotification(ctx, current)
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("send notification %s to %s: %w", rec.ResultID, rec.Channel, err)
	}

	err = n.store.MarkDelivered(ctx, rec.ResultID, rec.Channel, n.now(), receipt)
	if errors.Is(err, watcher.ErrAlreadyDelivered) {
		// Another trigger won the race after we sent; the channel saw the message twice.
		n.logger.Warn("Duplicate delivery detected",
			"result_id", rec.ResultID,
			"channel", rec.Channel,
			"receipt", receipt)
		metrics.DeliveriesTotal.WithLabelValues("duplicate").Inc()
		return resultDuplicate, nil
	}
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("mark delivered %s: %w", rec.ResultID, err)
	}

	n.logger.Info("Notification delivered",
		"result_id", rec.ResultID,
		"channel", rec.Channel,
		"watch_id", rec.WatchID,
		"receipt", receipt)
	metrics.DeliveriesTotal.WithLabelValues("sent").Inc()
	return resultSent, nil
}

// DeliverPending delivers every pending record with bounded concurrency.
// One failing record does not stop the others; failures are joined into the returned error.
func (n *Notifier) DeliverPending(ctx context.Context) (*Summary, error) {
	pending, err := n.store.ListPendingNotifications(ctx, n.batch)
	if err != nil {
		return nil, fmt.Errorf("list pending notifications: %w", err)
	}

	summary := &Summary{Pending: len(pending)}
	if len(pending) == 0 {
		n.logger.Debug("No pending notifications")
		return summary, nil
	}
	n.logger.Info("Delivering pending notifications", "count", len(pending), "workers", n.workers)

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(n.workers)

	for _, rec := range pending {
		g.Go(func() error {
			res, err := n.deliver(ctx, rec)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				n.logger.Warn("Notification delivery failed", "result_id", rec.ResultID, "channel", rec.Channel, "error", err)
				summary.Failed++
				errs = append(errs, err)
			case res == resultDuplicate:
				summary.Duplicates++
			default:
				summary.Sent++
			}
			return nil
		})
	}
	_ = g.Wait()

	n.logger.Info("Pending notifications processed",
		"pending", summary.Pending,
		"sent", summary.Sent,
		"duplicates", summary.Duplicates,
		"failed", summary.Failed)

	return summary, errors.Join(errs...)
}
