package observability

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Flusher is a resource that must be drained or closed before exit (store, cache client).
type Flusher func(ctx context.Context) error

// FlushTelemetry runs flushers in order, then syncs the logger.
// Every flusher runs even if an earlier one fails; errors are joined.
func FlushTelemetry(ctx context.Context, logger *zap.Logger, flushers ...Flusher) error {
	var errs []error
	for i, f := range flushers {
		if f == nil {
			continue
		}
		if err := f(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flusher %d: %w", i, err))
		}
	}
	if logger != nil {
		if err := logger.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("flush logs: %w", err))
		}
	}
	return errors.Join(errs...)
}
