package directord

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("directord: no store configured")
	ErrNoDriver        = errors.New("directord: no transport driver configured")
	ErrStoreClosed     = errors.New("directord: store closed")
	ErrMigrationFailed = errors.New("directord: migration failed")

	// Not found errors.
	ErrJobNotFound      = errors.New("directord: job not found")
	ErrTaskNotFound     = errors.New("directord: task not found")
	ErrResultNotFound   = errors.New("directord: result not found")
	ErrScheduleNotFound = errors.New("directord: schedule entry not found")
	ErrWorkerNotFound   = errors.New("directord: worker not found")

	// Conflict errors.
	ErrDuplicateSchedule = errors.New("directord: duplicate schedule entry")
	ErrStateConflict     = errors.New("directord: task state changed concurrently")

	// State errors.
	ErrInvalidTransition   = errors.New("directord: invalid state transition")
	ErrMaxAttemptsExceeded = errors.New("directord: max attempts exceeded")
	ErrJobFinished         = errors.New("directord: job already finished")
	ErrNotRedrivable       = errors.New("directord: task is not in a redrivable state")

	// Submission errors.
	ErrNoSteps      = errors.New("directord: job has no steps")
	ErrNoTargets    = errors.New("directord: selector matched no targets")
	ErrEmptyPayload = errors.New("directord: step payload has no kind")

	// Transport errors.
	ErrNotConnected = errors.New("directord: target not connected")
	ErrDriverClosed = errors.New("directord: transport driver closed")
)
