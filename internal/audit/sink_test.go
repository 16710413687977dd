package audit

import (
	"context"
	"testing"
	"time"

	"github.com/convergio/core/internal/domain"
	"github.com/convergio/core/internal/retry"
)

func TestLoggerSinkWritesConvertedEvent(t *testing.T) {
	logger, err := NewLogger(Config{Enabled: true, Level: LevelDebug, Format: FormatJSON, Output: "stdout", BufferSize: 10, FlushInterval: time.Second})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Close()

	sink := NewLoggerSink(logger, retry.Config{MaxAttempts: 1})

	ev := domain.Event{
		Type:      domain.EventToolInvoked,
		RunID:     "run_1",
		TurnIndex: 2,
		Seq:       5,
		At:        time.Now(),
		Payload:   domain.ToolInvokedPayload{Name: "read_file", Status: "ok"},
	}

	if err := sink.Write(context.Background(), ev); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
}

func TestRunDrainsUntilChannelCloses(t *testing.T) {
	logger, err := NewLogger(Config{Enabled: true, Level: LevelDebug, Format: FormatJSON, Output: "stdout", BufferSize: 10, FlushInterval: time.Second})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Close()

	sink := NewLoggerSink(logger, retry.Config{MaxAttempts: 1})
	events := make(chan domain.Event, 2)
	events <- domain.Event{Type: domain.EventRunCompleted, RunID: "run_2", At: time.Now()}
	close(events)

	done := make(chan struct{})
	go func() {
		Run(context.Background(), events, sink)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after channel close")
	}
}
