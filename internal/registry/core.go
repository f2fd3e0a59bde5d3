package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/beemflow/flow/pkg/schema"
)

// CoreAdapters returns the three built-in tool adapters (tier 1 of
// the precedence order): core.echo, core.wait, core.log.
func CoreAdapters() []Adapter {
	return []Adapter{
		echoAdapter{},
		waitAdapter{},
		logAdapter{},
	}
}

// echoAdapter returns its parameters unchanged as outputs, the
// simplest possible adapter — used throughout spec.md's end-to-end
// scenarios to exercise the rest of the pipeline without a real
// external effect.
type echoAdapter struct{}

func (echoAdapter) Name() string                   { return "core.echo" }
func (echoAdapter) Validate(map[string]any) error  { return nil }
func (echoAdapter) Invoke(_ context.Context, params map[string]any) (map[string]any, error) {
	return params, nil
}

// waitAdapter sleeps for a given duration, honoring ctx cancellation.
// It exists alongside the orchestrator's own `wait` step shape (which
// suspends and persists) as a lightweight in-process tool a flow can
// `use` directly inside a `tool` step when persistence isn't needed.
type waitAdapter struct{}

func (waitAdapter) Name() string { return "core.wait" }

func (waitAdapter) Validate(params map[string]any) error {
	if _, ok := params["seconds"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "core.wait requires a 'seconds' parameter")
	}
	return nil
}

func (waitAdapter) Invoke(ctx context.Context, params map[string]any) (map[string]any, error) {
	seconds, _ := params["seconds"].(float64)
	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"waited_seconds": seconds}, nil
	case <-ctx.Done():
		return nil, schema.NewErrorf(schema.ErrCodeAdapter, "core.wait cancelled: %v", ctx.Err())
	}
}

// logAdapter writes a structured log line at the configured level and
// returns the logged fields as its output, useful for debug steps
// that shouldn't otherwise affect run state.
type logAdapter struct{}

func (logAdapter) Name() string { return "core.log" }

func (logAdapter) Validate(params map[string]any) error {
	if _, ok := params["message"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "core.log requires a 'message' parameter")
	}
	return nil
}

func (logAdapter) Invoke(ctx context.Context, params map[string]any) (map[string]any, error) {
	message, _ := params["message"].(string)
	level, _ := params["level"].(string)

	attrs := make([]any, 0, 2*len(params))
	for k, v := range params {
		if k == "message" || k == "level" {
			continue
		}
		attrs = append(attrs, slog.Any(k, v))
	}

	switch level {
	case "warn":
		slog.WarnContext(ctx, message, attrs...)
	case "error":
		slog.ErrorContext(ctx, message, attrs...)
	case "debug":
		slog.DebugContext(ctx, message, attrs...)
	default:
		slog.InfoContext(ctx, message, attrs...)
	}

	return params, nil
}
