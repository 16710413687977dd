package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/convergio/core/internal/domain"
	"github.com/convergio/core/internal/retry"
)

// Sink is the external AuditSink capability: it accepts every run event
// at least once. The core retries on transient write failures rather
// than dropping events, since an audit gap is a compliance concern, not
// a best-effort metric.
type Sink interface {
	Write(ctx context.Context, ev domain.Event) error
}

// LoggerSink adapts a Logger to the Sink capability, converting the
// orchestration core's typed domain.Event taxonomy into audit.Event
// records and retrying transient write failures.
type LoggerSink struct {
	logger *Logger
	retry  retry.Config
}

// NewLoggerSink wraps logger as a Sink. If retryCfg is the zero value,
// retry.DefaultConfig() is used.
func NewLoggerSink(logger *Logger, retryCfg retry.Config) *LoggerSink {
	if retryCfg.MaxAttempts == 0 {
		retryCfg = retry.DefaultConfig()
	}
	return &LoggerSink{logger: logger, retry: retryCfg}
}

// Write converts ev and writes it, retrying per s.retry on transient
// failures from the underlying writer.
func (s *LoggerSink) Write(ctx context.Context, ev domain.Event) error {
	audEvent := toAuditEvent(ev)
	result := retry.Do(ctx, s.retry, func() error {
		s.logger.Log(ctx, audEvent)
		return nil
	})
	return result.Err
}

// Run subscribes to the bus's event channel until it closes or ctx is
// cancelled, writing every event to the sink. Intended to run in its own
// goroutine for the lifetime of a run.
func Run(ctx context.Context, events <-chan domain.Event, sink Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = sink.Write(ctx, ev)
		}
	}
}

func toAuditEvent(ev domain.Event) *Event {
	level := LevelInfo
	eventType := EventAgentAction
	action := string(ev.Type)

	switch ev.Type {
	case domain.EventToolInvoked:
		eventType = EventToolInvocation
	case domain.EventApprovalRequested:
		eventType = EventPermissionRequest
	case domain.EventApprovalResolved:
		eventType = EventPermissionGranted
	case domain.EventRunFailed:
		eventType = EventAgentError
		level = LevelError
	case domain.EventBackpressureDrop:
		level = LevelWarn
	}

	details := map[string]any{"turn_index": ev.TurnIndex, "seq": ev.Seq}
	if raw, err := json.Marshal(ev.Payload); err == nil {
		var asMap map[string]any
		if json.Unmarshal(raw, &asMap) == nil {
			for k, v := range asMap {
				details[k] = v
			}
		} else {
			details["payload"] = json.RawMessage(raw)
		}
	}

	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Level:     level,
		Timestamp: ev.At,
		SessionID: ev.RunID,
		Action:    fmt.Sprintf("%s:%s", action, ev.RunID),
		Details:   details,
	}
}
