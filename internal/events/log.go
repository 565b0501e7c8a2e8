package events

import (
	"context"
	"log/slog"

	"github.com/vk/blockflow/internal/ctxlog"
)

// LogSink writes job milestones at Info and everything else at Debug.
type LogSink struct{}

// Handle implements Sink.
func (LogSink) Handle(ctx context.Context, ev Event) {
	logger := ctxlog.FromContext(ctx)
	attrs := []any{"kind", ev.Kind, "job_id", ev.JobID}
	if ev.NodeID != "" {
		attrs = append(attrs, "node_id", ev.NodeID, "block", ev.Block)
	}

	switch ev.Kind {
	case JobStarted:
		logger.Info("🚀 Job started.", attrs...)
	case JobFinished:
		if ev.Job != nil {
			attrs = append(attrs, "state", ev.Job.State, "errors", len(ev.Job.Errors))
		}
		logger.Info("🏁 Job finished.", attrs...)
	case JobError:
		logger.Warn("Job recorded an error.", append(attrs, "error", ev.Error)...)
	case NodeFinished:
		level := slog.LevelDebug
		if ev.Error != "" {
			level = slog.LevelWarn
			attrs = append(attrs, "error", ev.Error)
		}
		logger.Log(ctx, level, "Node finished.", append(attrs, "state", ev.NodeState)...)
	case NodeStarted:
		logger.Debug("Node started.", attrs...)
	default:
		logger.Debug("Job updated.", attrs...)
	}
}
