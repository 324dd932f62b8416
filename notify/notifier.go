// Package notify delivers workflow notices to workers.
//
// The engine talks to a single Notifier. In production that is the outbox:
// notices are written to notice_outboxes and a Dispatcher publishes them to
// Pub/Sub for the chat bot, retrying with backoff.
package notify

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"github.com/sirupsen/logrus"
)

// Notifier matches workflow.Notifier.
type Notifier interface {
	Notify(ctx context.Context, notice models.Notice) error
}

// LogNotifier writes notices to the process log. Used when no topic is configured.
type LogNotifier struct {
	Logger *logrus.Logger
}

func (n *LogNotifier) Notify(ctx context.Context, notice models.Notice) error {
	if n.Logger == nil {
		return nil
	}
	n.Logger.WithFields(logrus.Fields{
		"field":      "LogNotifier",
		"recipient":  notice.Recipient,
		"kind":       notice.Kind,
		"request_id": notice.RequestId,
		"open_count": notice.OpenCount,
	}).Info(notice.Text)
	return nil
}

// FanOut delivers to every notifier and joins their errors.
type FanOut []Notifier

func (f FanOut) Notify(ctx context.Context, notice models.Notice) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, notice); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
