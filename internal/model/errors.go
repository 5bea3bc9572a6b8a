package model

import "errors"

var (
	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionTerminated is returned when work is requested for a deleted session.
	ErrSessionTerminated = errors.New("session terminated")

	// ErrCapacityExceeded is returned when the live worker ceiling is reached.
	ErrCapacityExceeded = errors.New("worker capacity exceeded")

	// ErrWorkerBusy is returned when a worker is asked to process while a turn is in flight.
	ErrWorkerBusy = errors.New("worker busy")

	// ErrWorkerTerminated is returned when a terminated worker is asked to process.
	ErrWorkerTerminated = errors.New("worker terminated")

	// ErrWorkerFailed is returned when a worker in the ERROR state is asked to process.
	ErrWorkerFailed = errors.New("worker failed")

	// ErrSpawnFailure is returned when a worker could not be started.
	ErrSpawnFailure = errors.New("worker spawn failed")

	// ErrNoActiveTurn is returned when a turn is cancelled on a session that is not processing.
	ErrNoActiveTurn = errors.New("no active turn")

	// ErrNoWorker is returned when a session has no live worker.
	ErrNoWorker = errors.New("session has no live worker")

	// ErrTurnFailed is returned by a turn that ended with an ERROR update.
	ErrTurnFailed = errors.New("turn failed")

	// ErrTurnCancelled is returned by a turn that was cancelled before completing.
	ErrTurnCancelled = errors.New("turn cancelled")

	// ErrShuttingDown is returned for new work once shutdown has begun.
	ErrShuttingDown = errors.New("server shutting down")

	// ErrContentRequired is returned when a message has no content.
	ErrContentRequired = errors.New("content is required")

	// ErrContentTooLarge is returned when a message exceeds the configured size limit.
	ErrContentTooLarge = errors.New("content too large")

	// ErrUnknownUpdateKind is returned for an AgentUpdate with an unrecognised kind.
	ErrUnknownUpdateKind = errors.New("unknown update kind")

	// ErrInvalidUpdate is returned when an AgentUpdate payload does not match its kind.
	ErrInvalidUpdate = errors.New("invalid update payload")
)
