package session

import (
	"sync"

	"voice-expense-service/internal/models"
)

// Listener receives session events in order. It runs on the session's
// delivery goroutine, never under a state lock.
type Listener func(models.Event)

type subscription struct {
	id int
	fn Listener
}

// broadcaster queues events without blocking the publisher and delivers
// them to every listener from a single goroutine.
type broadcaster struct {
	mu        sync.Mutex
	queue     []models.Event
	listeners []subscription
	nextID    int
	closed    bool
	signal    chan struct{}
	done      chan struct{}
}

func newBroadcaster() *broadcaster {
	b := &broadcaster{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *broadcaster) publish(ev models.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()
	b.wake()
}

func (b *broadcaster) subscribe(fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.listeners = append(b.listeners, subscription{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.listeners {
				if s.id == id {
					b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// close delivers everything already published and stops the goroutine.
func (b *broadcaster) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.wake()
	<-b.done
}

func (b *broadcaster) wake() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *broadcaster) run() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.mu.Unlock()
			<-b.signal
			b.mu.Lock()
		}
		batch := b.queue
		b.queue = nil
		closed := b.closed
		listeners := append([]subscription(nil), b.listeners...)
		b.mu.Unlock()

		for _, ev := range batch {
			for _, l := range listeners {
				l.fn(ev)
			}
		}
		if closed {
			return
		}
	}
}
