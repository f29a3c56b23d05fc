package bus

import (
	"testing"
	"time"

	"github.com/dubcastio/dubcast/internal/domain"
)

const testTimeout = 500 * time.Millisecond

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed while waiting for event")
		}
		return ev
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func expectNoEvent(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := New(8)
	ch, unsub := b.Subscribe("job-1")
	defer unsub()

	b.Publish("job-1", Event{Kind: EventLog, Log: logAt("a")})
	b.Publish("job-1", Event{Kind: EventLog, Log: logAt("b")})
	b.Publish("job-1", Event{Kind: EventLog, Log: logAt("c")})

	for _, want := range []string{"a", "b", "c"} {
		got := recvEvent(t, ch)
		if got.Log.Message != want {
			t.Fatalf("Log.Message = %q, want %q", got.Log.Message, want)
		}
	}
}

func TestPublishIsolatesSubscribers(t *testing.T) {
	b := New(8)
	chA, unsubA := b.Subscribe("job-1")
	defer unsubA()
	chB, unsubB := b.Subscribe("job-1")
	defer unsubB()

	b.Publish("job-1", Event{Kind: EventLog, Log: logAt("x")})

	recvEvent(t, chA)
	recvEvent(t, chB)
}

func TestPublishDoesNotCrossJobs(t *testing.T) {
	b := New(8)
	ch, unsub := b.Subscribe("job-1")
	defer unsub()

	b.Publish("job-2", Event{Kind: EventLog, Log: logAt("other")})

	expectNoEvent(t, ch)
}

func TestPublishNonBlockingUnderOverflow(t *testing.T) {
	b := New(2)
	ch, unsub := b.Subscribe("job-1")
	defer unsub()

	// Publish well past the buffer depth without ever draining; this
	// must return promptly rather than block the producer.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish("job-1", Event{Kind: EventLog, Log: logAt("x")})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatalf("Publish blocked under a full subscriber buffer")
	}

	// Drain whatever is buffered; a Dropped sentinel should appear
	// somewhere in the backlog once we overflowed capacity.
	sawDropped := false
	for {
		select {
		case ev := <-ch:
			if ev.Kind == EventDropped {
				sawDropped = true
			}
		default:
			if !sawDropped {
				t.Fatalf("expected at least one Dropped sentinel after overflow")
			}
			return
		}
	}
}

func TestUnsubscribeAllClosesChannel(t *testing.T) {
	b := New(8)
	ch, _ := b.Subscribe("job-1")

	b.UnsubscribeAll("job-1")

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected channel to be closed")
		}
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for channel close")
	}
}

func TestUnsubscribeRemovesOnlyThatSubscriber(t *testing.T) {
	b := New(8)
	chA, unsubA := b.Subscribe("job-1")
	chB, unsubB := b.Subscribe("job-1")
	defer unsubB()

	unsubA()

	select {
	case _, ok := <-chA:
		if ok {
			t.Fatalf("expected chA to be closed")
		}
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for chA close")
	}

	b.Publish("job-1", Event{Kind: EventLog, Log: logAt("still alive")})
	recvEvent(t, chB)
}

func TestTerminalEventRetainedDuringGraceWindow(t *testing.T) {
	b := New(8)
	b.Publish("job-1", Event{Kind: EventComplete, Output: "out.mp4"})

	b.terminalMu.Lock()
	ev, ok := b.terminal["job-1"]
	b.terminalMu.Unlock()

	if !ok {
		t.Fatalf("expected terminal event to be retained")
	}
	if ev.Output != "out.mp4" {
		t.Fatalf("Output = %q, want out.mp4", ev.Output)
	}
}

func logAt(msg string) domain.LogEntry {
	return domain.LogEntry{Message: msg}
}
