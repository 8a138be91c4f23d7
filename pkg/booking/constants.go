package booking

import "time"

const (
	operationBook        = "book"
	operationCancel      = "cancel"
	operationPromote     = "promote"
	operationGrantPass   = "grant_pass"
	operationSchedule    = "schedule_occurrence"
	operationStatusOK    = "ok"
	operationStatusError = "error"

	// DefaultCancellationCutoff is how close to start time self-service
	// cancellation locks.
	DefaultCancellationCutoff = 24 * time.Hour

	defaultMaxAttempts = 3
)
