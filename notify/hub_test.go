package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/burrowlabs/burrow/nc"
)

func config(version uint64) *nc.NodesConfiguration {
	return &nc.NodesConfiguration{Version: version}
}

func TestHub_GetBeforePublish(t *testing.T) {
	hub := NewHub()
	if hub.Get() != nil {
		t.Error("expected nil before first publish")
	}
}

func TestHub_PublishUpdatesSlot(t *testing.T) {
	hub := NewHub()

	hub.Publish(config(3))
	if got := hub.Get().GetVersion(); got != 3 {
		t.Errorf("expected version 3, got %d", got)
	}

	hub.Publish(config(4))
	if got := hub.Get().GetVersion(); got != 4 {
		t.Errorf("expected version 4, got %d", got)
	}
}

func TestHub_SubscribeReceivesPublishes(t *testing.T) {
	hub := NewHub()

	configs, cancel := hub.Subscribe(Filter{})
	defer cancel()

	hub.Publish(config(1))

	select {
	case c := <-configs:
		if c.GetVersion() != 1 {
			t.Errorf("expected version 1, got %d", c.GetVersion())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for publish")
	}
}

func TestHub_MinVersionFilter(t *testing.T) {
	hub := NewHub()

	configs, cancel := hub.Subscribe(Filter{MinVersion: 5})
	defer cancel()

	hub.Publish(config(5)) // At the floor: filtered
	hub.Publish(config(6)) // Above: delivered

	select {
	case c := <-configs:
		if c.GetVersion() != 6 {
			t.Errorf("expected version 6, got %d", c.GetVersion())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for publish")
	}

	select {
	case c := <-configs:
		t.Errorf("unexpected delivery: version %d", c.GetVersion())
	case <-time.After(50 * time.Millisecond):
		// Expected
	}
}

func TestHub_CancelUnsubscribes(t *testing.T) {
	hub := NewHub()

	configs, cancel := hub.Subscribe(Filter{})

	hub.Publish(config(1))
	select {
	case <-configs:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for publish")
	}

	cancel()

	// Channel should be closed
	select {
	case _, ok := <-configs:
		if ok {
			t.Error("channel should be closed after cancel")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for channel close")
	}

	// Subsequent publishes should not panic
	hub.Publish(config(2))
}

func TestHub_DoubleCancel(t *testing.T) {
	hub := NewHub()

	_, cancel := hub.Subscribe(Filter{})
	cancel()
	cancel() // Should not panic
}

func TestHub_BufferOverflowNonBlocking(t *testing.T) {
	hub := NewHub()

	configs, cancel := hub.Subscribe(Filter{})
	defer cancel()

	// Publish more than the buffer holds; must never block.
	done := make(chan struct{})
	go func() {
		for i := 1; i <= 2*defaultSignalBufferSize; i++ {
			hub.Publish(config(uint64(i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	received := 0
	for {
		select {
		case <-configs:
			received++
		default:
			if received < defaultSignalBufferSize {
				t.Errorf("expected at least %d deliveries, got %d", defaultSignalBufferSize, received)
			}
			// The slot always carries the latest regardless of drops.
			if hub.Get().GetVersion() != uint64(2*defaultSignalBufferSize) {
				t.Errorf("slot holds %d", hub.Get().GetVersion())
			}
			return
		}
	}
}

func TestHub_ConcurrentPublishSubscribe(t *testing.T) {
	hub := NewHub()
	const numSubscribers = 8
	const numPublishes = 100

	var wg sync.WaitGroup
	for i := 0; i < numSubscribers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			configs, cancel := hub.Subscribe(Filter{})
			defer cancel()

			timeout := time.After(2 * time.Second)
			for {
				select {
				case c := <-configs:
					if c.GetVersion() == numPublishes {
						return
					}
				case <-timeout:
					// Drops are legal; the slot must still be current.
					if hub.Get().GetVersion() != numPublishes {
						t.Errorf("slot holds %d", hub.Get().GetVersion())
					}
					return
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= numPublishes; i++ {
			hub.Publish(config(uint64(i)))
		}
	}()

	wg.Wait()
}
