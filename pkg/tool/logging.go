package tool

import (
	"context"
	"log/slog"
	"time"

	"github.com/archflow/archflow/internal/log"
)

// maxLoggedPayload bounds how much of a tool payload makes it into a
// log line.
const maxLoggedPayload = 256

// LoggingInterceptor logs tool invocations at debug level and failures
// at warn level.
type LoggingInterceptor struct {
	Base
	logger *slog.Logger
	order  int
}

// NewLoggingInterceptor creates the logging interceptor. It sits near
// the outside of the chain so it observes the work of inner
// interceptors too.
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{
		logger: log.WithComponent(logger, "tool"),
		order:  MinOrder + 100,
	}
}

// Name implements Interceptor.
func (l *LoggingInterceptor) Name() string { return "logging" }

// Order implements Interceptor.
func (l *LoggingInterceptor) Order() int { return l.order }

// BeforeExecute implements Interceptor.
func (l *LoggingInterceptor) BeforeExecute(ctx context.Context, inv *Invocation) (context.Context, *Result, error) {
	inv.SetMeta("logging.start", time.Now())
	l.logger.Debug("tool call started",
		log.ToolKey, inv.Tool,
		log.FlowIDKey, inv.FlowID,
		log.StepIDKey, inv.StepID,
	)
	return ctx, nil, nil
}

// AfterExecute implements Interceptor.
func (l *LoggingInterceptor) AfterExecute(ctx context.Context, inv *Invocation, result *Result) {
	l.logger.Debug("tool call finished",
		log.ToolKey, inv.Tool,
		log.FlowIDKey, inv.FlowID,
		log.StepIDKey, inv.StepID,
		log.DurationKey, l.elapsed(inv).Milliseconds(),
		"cached", result.Cached,
	)
}

// OnError implements Interceptor.
func (l *LoggingInterceptor) OnError(ctx context.Context, inv *Invocation, err error) error {
	l.logger.Warn("tool call failed",
		log.ToolKey, inv.Tool,
		log.FlowIDKey, inv.FlowID,
		log.StepIDKey, inv.StepID,
		log.DurationKey, l.elapsed(inv).Milliseconds(),
		"error", log.Truncate(err.Error(), maxLoggedPayload),
	)
	return err
}

func (l *LoggingInterceptor) elapsed(inv *Invocation) time.Duration {
	if v, ok := inv.Meta("logging.start"); ok {
		if started, ok := v.(time.Time); ok {
			return time.Since(started)
		}
	}
	return 0
}
