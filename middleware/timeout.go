package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/sshnaidm/directord/task"
)

// Deadline returns middleware that enforces the dispatch deadline
// stamped on the task. The control plane remains authoritative for
// timeout detection; this middleware only stops the agent from burning
// cycles on work whose result would be discarded anyway.
func Deadline(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) error {
		if !t.Deadline.IsZero() {
			remaining := time.Until(t.Deadline)
			if remaining <= 0 {
				return context.DeadlineExceeded
			}
			logger.Debug("task deadline set",
				slog.String("task_id", t.ID.String()),
				slog.Duration("remaining", remaining),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, t.Deadline)
			defer cancel()
		}
		return next(ctx)
	}
}
