package engine

import (
	"sync"

	"github.com/NamanBalaji/bdm/internal/common"
)

// subscriberBuffer is the channel capacity handed to each subscriber.
const subscriberBuffer = 64

// summaryKey tracks the replaceable summary event in a subscriber queue.
const summaryKey = "\x00summary"

// Bus fans events out to subscribers. Publish never blocks: every
// subscriber has its own unbounded queue drained by a pump goroutine.
// Queued progress events for a destination are replaced by newer ones
// as long as no state event for that destination was queued after them,
// and queued summaries likewise until any state event follows them. A
// slow reader sees latest values without losing any state change.
type Bus struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe returns a channel of events published from now on and a
// function that stops the subscription. The channel is closed after
// unsubscribe or after Close once queued events were delivered.
func (b *Bus) Subscribe() (<-chan common.Event, func()) {
	s := newSubscriber()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.close()
		go s.pump()
		return s.out, func() {}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.pump()

	var once sync.Once
	return s.out, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			s.stop()
		})
	}
}

func (b *Bus) Publish(ev common.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for s := range b.subs {
		s.push(ev)
	}
}

// Close stops accepting events. Subscribers receive what was already queued.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.close()
	}
	b.subs = nil
}

type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []common.Event
	latest map[string]int // key -> index of a replaceable event in queue
	closed bool

	out      chan common.Event
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newSubscriber() *subscriber {
	s := &subscriber{
		latest: make(map[string]int),
		out:    make(chan common.Event, subscriberBuffer),
		stopCh: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber) push(ev common.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ""
	switch {
	case ev.Progress != nil:
		key = ev.Progress.Destination
	case ev.Summary != nil:
		key = summaryKey
	case ev.State != nil:
		delete(s.latest, ev.State.Destination)
		delete(s.latest, summaryKey)
	}

	if key != "" {
		if i, ok := s.latest[key]; ok {
			s.queue[i] = ev
			return
		}
		s.latest[key] = len(s.queue)
	}

	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.close()
	})
}

func (s *subscriber) pump() {
	defer close(s.out)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		clear(s.latest)
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.stopCh:
				return
			}
		}
	}
}
