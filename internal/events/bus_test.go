package events

import (
	"sync"
	"testing"
)

func TestBus_PublishOrder(t *testing.T) {
	bus := NewBus(nil)

	var got []string
	bus.Subscribe(func(e Event) { got = append(got, "first:"+string(e.Type)) })
	bus.Subscribe(func(e Event) { got = append(got, "second:"+string(e.Type)) })

	bus.Publish(Event{Type: Conflict})

	want := []string{"first:conflict", "second:conflict"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)

	calls := 0
	unsub := bus.Subscribe(func(Event) { calls++ })
	bus.Publish(Event{Type: Retrying})
	unsub()
	unsub()
	bus.Publish(Event{Type: Retrying})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if bus.Len() != 0 {
		t.Errorf("Len() = %d, want 0", bus.Len())
	}
}

func TestBus_PanicIsolation(t *testing.T) {
	bus := NewBus(nil)

	delivered := false
	bus.Subscribe(func(Event) { panic("boom") })
	bus.Subscribe(func(e Event) {
		delivered = true
		if e.At.IsZero() {
			t.Error("At was not defaulted")
		}
	})

	bus.Publish(Event{Type: MutationApplied})

	if !delivered {
		t.Error("subscriber after a panicking one was not called")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)

	var mu sync.Mutex
	count := 0
	bus.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(Event{Type: DrainCompleted})
		}()
	}
	wg.Wait()

	if count != 20 {
		t.Errorf("count = %d, want 20", count)
	}
}
