package eventbus

import (
	"fmt"
	"testing"
	"time"

	"voxd/pkg/types"
)

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	b := New()
	defer b.Close()

	dl := b.Subscribe(types.EventDownload)
	all := b.Subscribe()

	b.Publish(types.Event{Category: types.EventDownload, Name: "download.started", CorrelationID: "t1"})
	b.Publish(types.Event{Category: types.EventModel, Name: "model.load_started", CorrelationID: "m1"})

	select {
	case e := <-dl.C():
		if e.Name != "download.started" {
			t.Fatalf("expected download.started got %s", e.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("download subscriber got nothing")
	}
	// The download-only subscriber must not see the model event.
	select {
	case e := <-dl.C():
		t.Fatalf("unexpected event %s on filtered subscription", e.Name)
	default:
	}

	for i := 0; i < 2; i++ {
		select {
		case <-all.C():
		case <-time.After(time.Second):
			t.Fatalf("catch-all subscriber missing event %d", i)
		}
	}
}

func TestPerCorrelationOrdering(t *testing.T) {
	b := New()
	defer b.Close()
	sub := b.SubscribeBuffered(256, types.EventDownload)

	const n = 100
	for i := 0; i < n; i++ {
		b.Publish(types.Event{
			Category:      types.EventDownload,
			Name:          "download.progress",
			CorrelationID: "task-1",
			Fields:        map[string]any{"seq": i},
		})
	}
	for i := 0; i < n; i++ {
		select {
		case e := <-sub.C():
			if got := e.Fields["seq"].(int); got != i {
				t.Fatalf("out of order: want seq %d got %d", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := New()
	defer b.Close()
	sub := b.SubscribeBuffered(4, types.EventGenerate)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			b.Publish(types.Event{Category: types.EventGenerate, Name: fmt.Sprintf("e%d", i)})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	if sub.Dropped() == 0 {
		t.Fatal("expected drops on an undrained 4-slot subscription")
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	b.Close()
	if _, ok := <-sub.C(); ok {
		t.Fatal("channel should be closed after bus Close")
	}
	// Publishing after close is a no-op, and double Close is safe.
	b.Publish(types.Event{Category: types.EventModel, Name: "x"})
	sub.Close()
	b.Close()
}

func TestSubscriberPanicIsolation(t *testing.T) {
	b := New()
	defer b.Close()

	victim := b.Subscribe(types.EventModel)
	healthy := b.Subscribe(types.EventModel)

	panicked := make(chan struct{})
	go func() {
		defer func() {
			if recover() != nil {
				close(panicked)
			}
		}()
		for range victim.C() {
			panic("handler blew up")
		}
	}()

	b.Publish(types.Event{Category: types.EventModel, Name: "model.load_started"})
	<-panicked

	// The bus keeps delivering to everyone else.
	b.Publish(types.Event{Category: types.EventModel, Name: "model.load_completed"})
	for i := 0; i < 2; i++ {
		select {
		case <-healthy.C():
		case <-time.After(time.Second):
			t.Fatalf("healthy subscriber starved after peer panic (event %d)", i)
		}
	}
}
