package catalog

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vault-ingest/internal/metrics"
	"vault-ingest/internal/utils"
)

// State is the lifecycle state of a submitted statement.
type State string

const (
	StateSubmitted State = "SUBMITTED"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Status is one observation of a statement.
type Status struct {
	State  State
	Reason string
}

// Executor submits statements to the query engine and reports their status.
type Executor interface {
	Start(ctx context.Context, statement string) (string, error)
	Status(ctx context.Context, executionID string) (Status, error)
}

// Stopper is implemented by executors that can abandon a running statement.
type Stopper interface {
	Stop(ctx context.Context, executionID string) error
}

// QueryExecution tracks one statement from submission to a terminal state.
type QueryExecution struct {
	ID          string
	Statement   string
	State       State
	Reason      string
	SubmittedAt time.Time
	CompletedAt time.Time
}

// Waiter runs statements and polls them to completion on a fixed interval.
type Waiter struct {
	exec         Executor
	pollInterval time.Duration
	timeout      time.Duration
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

// NewWaiter creates a waiter polling every pollInterval and giving up after timeout.
func NewWaiter(exec Executor, pollInterval, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Waiter {
	return &Waiter{
		exec:         exec,
		pollInterval: pollInterval,
		timeout:      timeout,
		logger:       logger,
		metrics:      m,
	}
}

// Run submits statement and waits for it. FAILED and CANCELLED end in
// CatalogOperationFailed carrying the engine's reason; exceeding the timeout ends in
// QueryTimeout with the execution marked FAILED.
func (w *Waiter) Run(ctx context.Context, statement string) (*QueryExecution, error) {
	qe := &QueryExecution{Statement: statement, State: StateSubmitted, SubmittedAt: time.Now()}

	id, err := w.exec.Start(ctx, statement)
	if err != nil {
		qe.State = StateFailed
		qe.Reason = err.Error()
		return qe, utils.NewCatalogError(err, "failed to submit statement")
	}
	qe.ID = id

	deadline := time.NewTimer(w.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		status, err := w.exec.Status(ctx, id)
		if err != nil {
			w.finish(qe, StateFailed, err.Error())
			return qe, utils.NewCatalogError(err, fmt.Sprintf("failed to get status of %s", id))
		}

		switch status.State {
		case StateSucceeded:
			w.finish(qe, StateSucceeded, "")
			return qe, nil
		case StateFailed, StateCancelled:
			w.finish(qe, status.State, status.Reason)
			return qe, utils.NewCatalogError(
				fmt.Errorf("statement %s %s: %s", id, status.State, status.Reason),
				firstLine(statement))
		}

		select {
		case <-ctx.Done():
			w.finish(qe, StateFailed, ctx.Err().Error())
			return qe, ctx.Err()
		case <-deadline.C:
			w.finish(qe, StateFailed, "timed out")
			w.stop(id)
			return qe, utils.NewQueryTimeoutError(id)
		case <-ticker.C:
		}
	}
}

func (w *Waiter) finish(qe *QueryExecution, state State, reason string) {
	qe.State = state
	qe.Reason = reason
	qe.CompletedAt = time.Now()
	duration := qe.CompletedAt.Sub(qe.SubmittedAt)
	w.metrics.RecordStatement(string(state), duration)

	fields := []zap.Field{
		zap.String("execution_id", qe.ID),
		zap.String("state", string(state)),
		zap.Duration("duration", duration),
		zap.String("statement", firstLine(qe.Statement)),
	}
	if state == StateSucceeded {
		w.logger.Debug("catalog statement finished", fields...)
		return
	}
	w.logger.Warn("catalog statement did not succeed", append(fields, zap.String("reason", reason))...)
}

// stop abandons a timed out statement when the executor supports it.
func (w *Waiter) stop(id string) {
	stopper, ok := w.exec.(Stopper)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := stopper.Stop(ctx, id); err != nil {
		w.logger.Warn("failed to stop timed out statement", zap.String("execution_id", id), zap.Error(err))
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
