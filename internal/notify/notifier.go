package notify

import (
	"context"
	"sync"

	"github.com/studiokit/booking/pkg/booking"
	"go.uber.org/zap"
)

const defaultQueueSize = 256

// LogNotifier implements booking.Notifier by draining events onto a zap
// logger from a single background worker. Dispatch never blocks the caller;
// events are dropped when the queue is full.
type LogNotifier struct {
	logger *zap.Logger
	queue  chan booking.Event
	done   chan struct{}
	once   sync.Once
}

// New starts the worker and returns the notifier.
func New(logger *zap.Logger) *LogNotifier {
	notifier := &LogNotifier{
		logger: logger,
		queue:  make(chan booking.Event, defaultQueueSize),
		done:   make(chan struct{}),
	}
	go notifier.run()
	return notifier
}

// Notify enqueues an event for the worker.
func (notifier *LogNotifier) Notify(_ context.Context, event booking.Event) {
	select {
	case notifier.queue <- event:
	default:
		notifier.logger.Warn("notification queue full, dropping event",
			zap.String("kind", string(event.Kind)),
			zap.String("registration_id", event.RegistrationID.String()),
		)
	}
}

// Close stops the worker after the queue drains.
func (notifier *LogNotifier) Close() {
	notifier.once.Do(func() {
		close(notifier.queue)
		<-notifier.done
	})
}

func (notifier *LogNotifier) run() {
	defer close(notifier.done)
	for event := range notifier.queue {
		notifier.logger.Info("booking event",
			zap.String("kind", string(event.Kind)),
			zap.String("occurrence_id", event.OccurrenceID.String()),
			zap.String("client_id", event.ClientID.String()),
			zap.String("registration_id", event.RegistrationID.String()),
			zap.String("payment_status", event.PaymentStatus.String()),
		)
	}
}
