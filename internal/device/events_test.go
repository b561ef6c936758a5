package device

import (
	"slices"
	"sync"
	"testing"
)

func TestAsyncSink(t *testing.T) {
	var (
		mu  sync.Mutex
		got []EventType
	)
	s := NewAsyncSink(EventSinkFunc(func(ev Event) {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
	}), 8)
	s.HandleEvent(Event{Type: EventBound})
	s.HandleEvent(Event{Type: EventUnbound})
	s.Close()

	mu.Lock()
	if want := []EventType{EventBound, EventUnbound}; !slices.Equal(got, want) {
		t.Errorf("delivered = %v, want %v", got, want)
	}
	mu.Unlock()

	t.Run("events after close are dropped", func(t *testing.T) {
		s.HandleEvent(Event{Type: EventRemoved})
		if s.Dropped() != 1 {
			t.Errorf("Dropped() = %d, want 1", s.Dropped())
		}
		s.Close()
	})

	t.Run("full buffer drops", func(t *testing.T) {
		block := make(chan struct{})
		s := NewAsyncSink(EventSinkFunc(func(Event) { <-block }), 1)
		for range 5 {
			s.HandleEvent(Event{Type: EventBound})
		}
		// One event may already be with next, one fits the buffer.
		if d := s.Dropped(); d < 3 || d > 4 {
			t.Errorf("Dropped() = %d, want 3 or 4", d)
		}
		close(block)
		s.Close()
	})

	t.Run("close races with senders", func(t *testing.T) {
		s := NewAsyncSink(EventSinkFunc(func(Event) {}), 4)
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 100 {
					s.HandleEvent(Event{Type: EventProbed})
				}
			}()
		}
		s.Close()
		wg.Wait()
	})
}
