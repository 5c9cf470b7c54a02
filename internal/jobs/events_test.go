package jobs

import (
	"testing"
	"time"

	"voice-transcriber/internal/domain"
)

// drainEvents reads everything currently buffered on a subscription.
func drainEvents(sub *Subscription) []Event {
	var events []Event
	for {
		select {
		case evt := <-sub.C:
			events = append(events, evt)
		default:
			return events
		}
	}
}

// TestHubFansOutPerOwner verifies owner-scoped delivery.
func TestHubFansOutPerOwner(t *testing.T) {
	hub := NewHub()
	mine := hub.Subscribe("user-1")
	defer mine.Close()
	other := hub.Subscribe("user-2")
	defer other.Close()

	hub.Publish("user-1", Event{Type: EventStatusUpdate, JobID: "job-1"})

	if got := drainEvents(mine); len(got) != 1 || got[0].JobID != "job-1" {
		t.Fatalf("owner events = %v", got)
	}
	if got := drainEvents(other); len(got) != 0 {
		t.Fatalf("foreign subscriber received %v", got)
	}
}

// TestSubscriptionCloseStopsDelivery verifies deregistration.
func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("user-1")
	sub.Close()
	sub.Close()

	hub.Publish("user-1", Event{Type: EventStatusUpdate})
	if got := drainEvents(sub); len(got) != 0 {
		t.Fatalf("closed subscription received %v", got)
	}
	if hub.SubscriberCount("user-1") != 0 {
		t.Fatal("subscriber still registered after close")
	}
}

// TestUpdateProgressPublishesMonotone verifies progress never decreases.
func TestUpdateProgressPublishesMonotone(t *testing.T) {
	hub := NewHub()
	r := testRegistry(time.Now())
	job := r.Create("user-1", "a.mp3", "en", "", 1)
	sub := hub.Subscribe("user-1")
	defer sub.Close()

	job.UpdateProgress(hub, 10, "Preparing")
	job.UpdateProgress(hub, 40, "Transcribing chunk 1/2...")
	job.UpdateProgress(hub, 35, "Transcribing chunk 1/2...")

	events := drainEvents(sub)
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	last := 0
	for i, evt := range events {
		if evt.Type != EventStatusUpdate {
			t.Fatalf("event %d type = %s", i, evt.Type)
		}
		if evt.Progress < last {
			t.Fatalf("progress regressed: %d after %d", evt.Progress, last)
		}
		last = evt.Progress
	}
	if last != 40 {
		t.Fatalf("final progress = %d, want 40", last)
	}
}

// TestCancelFreezesProgress verifies no updates land after the latch.
func TestCancelFreezesProgress(t *testing.T) {
	hub := NewHub()
	r := testRegistry(time.Now())
	job := r.Create("user-1", "a.mp3", "en", "", 1)
	sub := hub.Subscribe("user-1")
	defer sub.Close()

	if !job.BeginCancel(hub) {
		t.Fatal("first cancel should latch")
	}
	if job.BeginCancel(hub) {
		t.Fatal("second cancel should be a no-op")
	}

	job.UpdateProgress(hub, 90, "should not appear")
	if job.Fail(hub, "late failure", "details") {
		t.Fatal("fail after cancel should be rejected")
	}
	if job.Complete(hub, &domain.Result{}) {
		t.Fatal("complete after cancel should be rejected")
	}
	job.FinishCancel(hub)

	events := drainEvents(sub)
	if len(events) != 2 {
		t.Fatalf("events = %v", events)
	}
	if events[0].Status != domain.JobStatusCancelling || !events[0].Cancelling {
		t.Fatalf("first event = %+v", events[0])
	}
	if events[1].Type != EventCancelled {
		t.Fatalf("second event type = %s, want cancelled", events[1].Type)
	}

	select {
	case <-job.Context().Done():
	default:
		t.Fatal("cancel should interrupt the job context")
	}
}

// TestCompletePinsProgressTo100 verifies 100 appears only at completion.
func TestCompletePinsProgressTo100(t *testing.T) {
	hub := NewHub()
	r := testRegistry(time.Now())
	job := r.Create("user-1", "a.mp3", "en", "", 1)
	sub := hub.Subscribe("user-1")
	defer sub.Close()

	job.UpdateProgress(hub, 90, "Transcription completed, saving to database...")
	if !job.Complete(hub, &domain.Result{Transcription: "hello", Filename: "a.mp3"}) {
		t.Fatal("complete rejected")
	}
	job.UpdateProgress(hub, 95, "after terminal")

	events := drainEvents(sub)
	if len(events) != 2 {
		t.Fatalf("events = %v", events)
	}
	final := events[len(events)-1]
	if final.Type != EventCompleted || final.Progress != 100 {
		t.Fatalf("final event = %+v", final)
	}
	if final.Result == nil || final.Result.Transcription != "hello" {
		t.Fatalf("final result = %+v", final.Result)
	}
}

// TestFailCarriesErrorAndDetails verifies the failed event payload.
func TestFailCarriesErrorAndDetails(t *testing.T) {
	hub := NewHub()
	r := testRegistry(time.Now())
	job := r.Create("user-1", "a.mp3", "en", "", 1)
	sub := hub.Subscribe("user-1")
	defer sub.Close()

	if !job.Fail(hub, "Invalid OpenAI API key", "Please check the configured API key") {
		t.Fatal("fail rejected")
	}

	events := drainEvents(sub)
	if len(events) != 1 || events[0].Type != EventFailed {
		t.Fatalf("events = %v", events)
	}
	if events[0].Error == "" || events[0].Details == "" {
		t.Fatalf("failed event missing error pair: %+v", events[0])
	}
	if events[0].Status != domain.JobStatusFailed {
		t.Fatalf("status = %s", events[0].Status)
	}
}

// TestTerminalEventSurvivesFullBuffer verifies a subscriber that has
// fallen behind still receives the terminal event.
func TestTerminalEventSurvivesFullBuffer(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("user-1")
	defer sub.Close()

	for i := 0; i < subscriberBuffer+8; i++ {
		hub.Publish("user-1", Event{Type: EventStatusUpdate, JobID: "job-1", Progress: i})
	}
	hub.Publish("user-1", Event{Type: EventCompleted, JobID: "job-1", Progress: 100})

	events := drainEvents(sub)
	if len(events) == 0 {
		t.Fatal("no events delivered")
	}
	last := events[len(events)-1]
	if last.Type != EventCompleted || last.Progress != 100 {
		t.Fatalf("last event = %+v, want the terminal event", last)
	}
}

// TestRunCleanupExactlyOnce verifies the cleanup latch.
func TestRunCleanupExactlyOnce(t *testing.T) {
	r := testRegistry(time.Now())
	job := r.Create("user-1", "a.mp3", "en", "/uploads/a.mp3", 1)

	runs := 0
	for i := 0; i < 3; i++ {
		job.RunCleanup(func(paths []string) {
			runs++
			if len(paths) != 1 || paths[0] != "/uploads/a.mp3" {
				t.Fatalf("paths = %v", paths)
			}
		})
	}
	if runs != 1 {
		t.Fatalf("cleanup ran %d times, want 1", runs)
	}
}
