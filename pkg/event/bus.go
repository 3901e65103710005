package event

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"go.uber.org/zap"
)

// Handler receives events for a subscription. Handlers run on the
// subscription's own goroutine, one event at a time.
type Handler func(Event)

// Bus fans published events out to subscribers. Each subscriber has an
// unbounded FIFO mailbox drained by a dedicated goroutine, so Publish never
// waits on a handler and every subscriber observes events in publish order.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

// NewBus creates an event bus
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[uint64]*subscriber),
	}
}

// Subscription is the handle returned by Subscribe
type Subscription struct {
	bus *Bus
	sub *subscriber
}

// Unsubscribe stops delivery. Events still queued for this subscription are
// discarded. It is safe to call from inside the handler and more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.remove(s.sub.id)
	s.sub.stop(true)
}

// Subscribe registers handler for the given topics, or for every topic when
// none are given.
func (b *Bus) Subscribe(handler Handler, topics ...Topic) *Subscription {
	return b.subscribe(handler, false, topics)
}

// SubscribeOnce registers handler for the first matching event only.
func (b *Bus) SubscribeOnce(handler Handler, topics ...Topic) *Subscription {
	return b.subscribe(handler, true, topics)
}

func (b *Bus) subscribe(handler Handler, once bool, topics []Topic) *Subscription {
	sub := &subscriber{
		handler: handler,
		once:    once,
		mailbox: queue.New(),
		signal:  make(chan struct{}, 1),
		logger:  b.logger,
	}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return &Subscription{}
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	s := &Subscription{bus: b, sub: sub}
	sub.unsubscribe = s.Unsubscribe
	go func() {
		defer b.wg.Done()
		sub.run()
	}()
	return s
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish queues e for every matching subscriber and returns immediately.
// Events published after Close are dropped.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.matches(e.Topic()) {
			sub.enqueue(e)
		}
	}
}

// Subscribers returns the number of live subscriptions
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops accepting events, lets every mailbox drain, and waits for the
// subscriber goroutines to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop(false)
	}
	b.wg.Wait()
}

type subscriber struct {
	id          uint64
	topics      map[Topic]struct{}
	handler     Handler
	once        bool
	fired       atomic.Bool
	unsubscribe func()
	logger      *zap.Logger

	mu      sync.Mutex
	mailbox *queue.Queue
	stopped bool
	signal  chan struct{}
}

func (s *subscriber) matches(topic Topic) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

func (s *subscriber) enqueue(e Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.mailbox.Add(e)
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// stop ends the run loop once the mailbox is empty; discard empties it first.
func (s *subscriber) stop(discard bool) {
	s.mu.Lock()
	s.stopped = true
	if discard {
		s.mailbox = queue.New()
	}
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		if s.mailbox.Length() == 0 {
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			<-s.signal
			continue
		}
		e := s.mailbox.Remove().(Event)
		s.mu.Unlock()

		s.deliver(e)
	}
}

func (s *subscriber) deliver(e Event) {
	if s.once && !s.fired.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event handler panicked",
				zap.String("topic", string(e.Topic())),
				zap.String("session_id", e.SessionID()),
				zap.Any("panic", r))
		}
		if s.once {
			s.unsubscribe()
		}
	}()
	s.handler(e)
}
