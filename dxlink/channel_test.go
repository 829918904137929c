package dxlink

import (
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestChannelSendDelegatesToSendFn(t *testing.T) {
	ch := newChannel(1, "FEED", nil, discardLogger(),
		func(Message) error { return nil },
		func() {},
	)
	err := ch.Send(Message{Type: "FEED_DATA"})
	// sendFn here always succeeds since it's a stub; the real rejection
	// path lives in Connection.sendChannelMessage, exercised by
	// TestConnectionChannelSendBeforeOpenedFails.
	if err != nil {
		t.Fatalf("unexpected error from stub sendFn: %v", err)
	}
}

func TestChannelStatusTransitionsAndListeners(t *testing.T) {
	ch := newChannel(1, "FEED", nil, discardLogger(),
		func(Message) error { return nil },
		func() {},
	)

	var transitions [][2]ChannelStatus
	ch.AddStatusListener(func(newStatus, oldStatus ChannelStatus) {
		transitions = append(transitions, [2]ChannelStatus{newStatus, oldStatus})
	})

	if ch.Status() != ChannelRequested {
		t.Fatalf("initial status = %v, want REQUESTED", ch.Status())
	}

	ch.processStatusOpened()
	if ch.Status() != ChannelOpened {
		t.Fatalf("status after open = %v, want OPENED", ch.Status())
	}

	ch.processStatusClosed()
	if ch.Status() != ChannelClosed {
		t.Fatalf("status after close = %v, want CLOSED", ch.Status())
	}

	want := [][2]ChannelStatus{
		{ChannelOpened, ChannelRequested},
		{ChannelClosed, ChannelOpened},
	}
	if len(transitions) != len(want) {
		t.Fatalf("got %d transitions, want %d: %+v", len(transitions), len(want), transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestChannelCloseClearsListeners(t *testing.T) {
	var ch *Channel
	ch = newChannel(1, "FEED", nil, discardLogger(),
		func(Message) error { return nil },
		func() { ch.processStatusClosed() },
	)

	fired := false
	ch.AddMessageListener(func(Message) { fired = true })
	ch.Close()

	ch.processPayloadMessage(Message{Type: "FEED_DATA"})
	if fired {
		t.Error("message listener should have been cleared by Close")
	}
}

func TestChannelDuplicateStatusIsNoop(t *testing.T) {
	ch := newChannel(1, "FEED", nil, discardLogger(),
		func(Message) error { return nil },
		func() {},
	)
	count := 0
	ch.AddStatusListener(func(ChannelStatus, ChannelStatus) { count++ })

	ch.processStatusRequested() // already REQUESTED; must not notify
	if count != 0 {
		t.Errorf("redundant status transition fired %d listener calls, want 0", count)
	}
}

func TestChannelErrorPublishesToListeners(t *testing.T) {
	ch := newChannel(1, "FEED", nil, discardLogger(),
		func(Message) error { return nil },
		func() {},
	)
	var got Error
	ch.AddErrorListener(func(e Error) { got = e })
	ch.Error("BAD_INPUT", "malformed payload")

	if got.Kind != "BAD_INPUT" || got.Message != "malformed payload" {
		t.Errorf("got %+v, want {BAD_INPUT malformed payload}", got)
	}
}
