package server

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/labpresence/internal/ledger"
	"github.com/MarcoPoloResearchLab/labpresence/internal/scheduler"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	enteredAt := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	dispatcher.StatusChanged(ledger.NewStatus("user-1", "ada", ledger.StateInside, "Lab Te", enteredAt, enteredAt))

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventStatusChanged {
			t.Fatalf("expected event type %s, got %s", RealtimeEventStatusChanged, received.EventType)
		}
		if received.State != ledger.StateInside || received.LabName != "Lab Te" {
			t.Fatalf("unexpected message payload: %+v", received)
		}
		if received.EnteredAt == nil || !received.EnteredAt.Equal(enteredAt) {
			t.Fatalf("expected entered_at %v, got %v", enteredAt, received.EnteredAt)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByUser(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otherCtx, otherCancel := context.WithCancel(context.Background())
	defer otherCancel()

	userStream, cleanup := dispatcher.Subscribe(ctx, "user-2")
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(otherCtx, "user-3")
	defer otherCleanup()

	dispatcher.Publish(RealtimeMessage{
		UserID:    "user-3",
		EventType: RealtimeEventStatusChanged,
		State:     ledger.StateOutside,
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-userStream:
		t.Fatal("did not expect realtime message for unrelated user")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.UserID != "user-3" {
			t.Fatalf("expected user-3, received %s", msg.UserID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed user")
	}
}

func TestRealtimeDispatcherBroadcastsToAllUsersSubscribers(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "")
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{UserID: "user-4", EventType: RealtimeEventStatusChanged})
	dispatcher.Publish(RealtimeMessage{UserID: "user-5", EventType: RealtimeEventStatusChanged})

	for _, expected := range []string{"user-4", "user-5"} {
		select {
		case msg := <-stream:
			if msg.UserID != expected {
				t.Fatalf("expected %s, received %s", expected, msg.UserID)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("expected broadcast message for %s", expected)
		}
	}
}

func TestRealtimeDispatcherDropsIncompleteMessages(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "")
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{EventType: RealtimeEventStatusChanged})
	dispatcher.Publish(RealtimeMessage{UserID: "user-6"})

	select {
	case msg := <-stream:
		t.Fatalf("did not expect message, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRealtimeDispatcherUnsubscribesOnContextCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "user-7")
	defer cleanup()
	if dispatcher.subscriberCount() != 1 {
		t.Fatalf("expected one subscriber, got %d", dispatcher.subscriberCount())
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.subscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRealtimeDispatcherPublishesReminders(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-8")
	defer cleanup()

	at := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	err := dispatcher.Remind(ctx, scheduler.Reminder{UserID: "user-8", Username: "grace", State: ledger.StateOutside, At: at})
	if err != nil {
		t.Fatalf("remind: %v", err)
	}

	select {
	case msg := <-stream:
		if msg.EventType != RealtimeEventReminder || msg.Username != "grace" || !msg.Timestamp.Equal(at) {
			t.Fatalf("unexpected reminder message: %+v", msg)
		}
		if !strings.Contains(msg.Text, "grace") {
			t.Fatalf("expected reminder text to greet the user, got %q", msg.Text)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected reminder message")
	}
}
