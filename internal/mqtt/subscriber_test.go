package mqtt

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestDefaultMessageHandler_DoesNotPanic(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := defaultMessageHandler(logger)

	// Numeric, JSON, and garbage payloads must all be handled.
	h("ember/hub/room_a_kitchen/state", []byte("21.5"))
	h("zigbee2mqtt/hallway", []byte(`{"temperature": 19.2, "state": "on"}`))
	h("some/topic", []byte{0xff, 0xfe})
	h("some/topic", nil)
}

func TestMessageRateLimiter_AllowsUnderLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := newMessageRateLimiter(5, time.Minute, logger)

	for i := 0; i < 5; i++ {
		if !r.allow() {
			t.Fatalf("message %d was dropped under the limit", i)
		}
	}
	if r.allow() {
		t.Error("message over the limit was allowed")
	}
	if got := r.dropped.Load(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}
