package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/sshnaidm/directord/task"
)

// Recover returns middleware that recovers from panics in the runner
// chain. Panics are converted to errors and logged with a stack trace,
// so one bad runner cannot take the agent down.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("task runner panicked",
					slog.String("task_id", t.ID.String()),
					slog.String("kind", t.Payload.Kind),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = fmt.Errorf("panic in %s runner: %v", t.Payload.Kind, r)
			}
		}()
		return next(ctx)
	}
}
