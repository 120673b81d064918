package imager

import (
	"context"
	"strings"
	"testing"
	"time"
)

func collect(t *testing.T, script string) []Event {
	t.Helper()

	ctx := context.Background()
	out := make(chan Event, 16)

	done := make(chan struct{})
	go func() {
		ReadProgress(ctx, strings.NewReader(script), out)
		close(out)
		close(done)
	}()

	var events []Event
	for ev := range out {
		events = append(events, ev)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ReadProgress did not finish")
	}

	return events
}

func TestReadProgressDiscardsPreamble(t *testing.T) {
	script := "some preamble\nmore junk\nFile system: EXT4\n" +
		"Remaining: 00:03:02, Completed: 56.34%, Rate: 0.01GB/min\n" +
		"Syncing... OK!\n"

	events := collect(t, script)

	if len(events) != 2 {
		t.Fatalf("expected 2 events (running, synced), got %d: %+v", len(events), events)
	}
	if events[0].Kind != EventRunning {
		t.Fatalf("expected first event Running, got %+v", events[0])
	}
	if events[0].Complete != 0.5634 {
		t.Errorf("complete = %v, want 0.5634", events[0].Complete)
	}
	if events[0].Rate != "0.01GB/min" {
		t.Errorf("rate = %q", events[0].Rate)
	}
	wantFinish := time.Now().Add(3*time.Minute + 2*time.Second)
	if d := events[0].EstimatedFinish.Sub(wantFinish); d < -time.Second || d > time.Second {
		t.Errorf("estimated finish off by %v", d)
	}

	if events[1].Kind != EventSynced {
		t.Fatalf("expected second event Synced, got %+v", events[1])
	}
}

func TestReadProgressFailsWithoutSync(t *testing.T) {
	script := "File system: EXT4\nsomething went wrong\n"

	events := collect(t, script)
	if len(events) != 1 || events[0].Kind != EventFailed {
		t.Fatalf("expected single Failed event, got %+v", events)
	}
}

func TestReadProgressCancelledMidStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Event) // unbuffered, never drained

	script := "File system: EXT4\n" +
		"Remaining: 00:03:02, Completed: 10.00%, Rate: 1GB/s\n" +
		"Remaining: 00:03:02, Completed: 20.00%, Rate: 1GB/s\n"

	cancel() // cancel immediately; worker must exit without blocking forever

	done := make(chan struct{})
	go func() {
		ReadProgress(ctx, strings.NewReader(script), out)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ReadProgress did not exit after cancellation")
	}
}
