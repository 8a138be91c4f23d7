package booking

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing booking operation.
type OperationLog struct {
	Operation      string
	OccurrenceID   OccurrenceID
	ClientID       ClientID
	RegistrationID RegistrationID
	Credits        int64
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithNotifier wires a post-commit event dispatcher.
func WithNotifier(notifier Notifier) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
	}
}

// WithCancellationCutoff overrides the default 24h cancellation window.
func WithCancellationCutoff(cutoff time.Duration) ServiceOption {
	return func(service *Service) {
		policy, err := NewCancellationPolicy(cutoff)
		if err != nil {
			return
		}
		service.policy = policy
	}
}

// WithUnpaidFallbackDisabled rejects bookings with no usable credit batch
// instead of charging the client's unpaid balance.
func WithUnpaidFallbackDisabled() ServiceOption {
	return func(service *Service) {
		service.allowUnpaid = false
	}
}

// WithMaxAttempts bounds the retry loop for concurrency conflicts.
func WithMaxAttempts(attempts int) ServiceOption {
	return func(service *Service) {
		if attempts < 1 {
			return
		}
		service.maxAttempts = attempts
	}
}
