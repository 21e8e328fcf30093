package event

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Predicate decides whether a subscriber wants an event.
type Predicate func(Event) bool

// Handler receives events delivered to a subscription.
type Handler func(Event)

// Bus is the process-wide multi-event channel shared by all tasks.
// Subscriptions deliver through ordered mailboxes, each drained by its own
// goroutine, so publishers never wait on subscriber callbacks and one slow
// mailbox cannot stall another.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind]map[uint64]*Subscription
	closed bool
	nextID atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[Kind]map[uint64]*Subscription),
	}
}

// Subscribe registers fn for events of the given kind accepted by match.
// A nil match accepts every event of that kind. The subscription gets its
// own mailbox and is active when Subscribe returns.
func (b *Bus) Subscribe(kind Kind, match Predicate, fn Handler) *Subscription {
	return b.SubscribeWith(NewMailbox(), kind, match, fn)
}

// SubscribeWith is Subscribe with a caller-provided mailbox. Subscriptions
// sharing a mailbox see their events in the order they were published,
// across kinds.
func (b *Bus) SubscribeWith(mb *Mailbox, kind Kind, match Predicate, fn Handler) *Subscription {
	s := newSubscription(b.nextID.Add(1), kind, match, fn, mb)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.Unsubscribe()
		return s
	}
	s.bus = b
	mb.attach()
	byID, ok := b.subs[kind]
	if !ok {
		byID = make(map[uint64]*Subscription)
		b.subs[kind] = byID
	}
	byID[s.id] = s
	b.mu.Unlock()

	return s
}

// Publish hands e to every matching subscription of its kind. It returns
// once the event is queued; delivery happens on the subscribers' goroutines.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs[e.Kind()] {
		if s.match != nil && !s.match(e) {
			continue
		}
		s.enqueue(e)
	}
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, byID := range b.subs {
		n += len(byID)
	}
	return n
}

// Close unsubscribes everyone. Later Subscribe calls return subscriptions
// that are already drained.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	var all []*Subscription
	for _, byID := range b.subs {
		for _, s := range byID {
			all = append(all, s)
		}
	}
	b.mu.Unlock()

	for _, s := range all {
		s.Unsubscribe()
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	byID := b.subs[s.kind]
	delete(byID, s.id)
	if len(byID) == 0 {
		delete(b.subs, s.kind)
	}
}

// Mailbox is an ordered delivery queue drained by a single goroutine. The
// goroutine runs while at least one attached subscription is live or has
// events queued.
type Mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []delivery
	open    int
	running bool
}

type delivery struct {
	sub *Subscription
	e   Event
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	m := &Mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Mailbox) attach() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.open++
	if !m.running {
		m.running = true
		go m.run()
	}
}

func (m *Mailbox) run() {
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && m.open > 0 {
			m.cond.Wait()
		}
		if len(m.queue) == 0 {
			m.running = false
			m.mu.Unlock()
			return
		}
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()

		for _, d := range batch {
			d.sub.deliver(d.e)

			m.mu.Lock()
			d.sub.pending--
			if d.sub.closed && d.sub.pending == 0 {
				close(d.sub.drained)
			}
			m.mu.Unlock()
		}
	}
}

// Subscription is one registered handler on the bus.
type Subscription struct {
	id    uint64
	kind  Kind
	match Predicate
	fn    Handler
	bus   *Bus
	mb    *Mailbox

	// guarded by mb.mu
	closed  bool
	pending int

	once    sync.Once
	drained chan struct{}
}

func newSubscription(id uint64, kind Kind, match Predicate, fn Handler, mb *Mailbox) *Subscription {
	return &Subscription{
		id:      id,
		kind:    kind,
		match:   match,
		fn:      fn,
		mb:      mb,
		drained: make(chan struct{}),
	}
}

// Kind returns the event kind this subscription listens to.
func (s *Subscription) Kind() Kind {
	return s.kind
}

// Unsubscribe stops delivery of events published from now on. Events queued
// before the call are still delivered. Calling it again has no effect.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		// Subscriptions refused by a closed bus were never attached.
		if s.bus == nil {
			s.closed = true
			close(s.drained)
			return
		}
		s.bus.remove(s)

		m := s.mb
		m.mu.Lock()
		s.closed = true
		m.open--
		if s.pending == 0 {
			close(s.drained)
		}
		m.cond.Signal()
		m.mu.Unlock()
	})
}

// Drained is closed once the subscription is unsubscribed and every event
// queued before that has been delivered.
func (s *Subscription) Drained() <-chan struct{} {
	return s.drained
}

func (s *Subscription) enqueue(e Event) {
	m := s.mb
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.closed {
		return
	}
	s.pending++
	m.queue = append(m.queue, delivery{sub: s, e: e})
	m.cond.Signal()
}

// deliver invokes the handler, recovering from panics so one misbehaving
// handler does not kill the mailbox.
func (s *Subscription) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"kind", string(e.Kind()),
				"task_id", e.ID(),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	if s.fn != nil {
		s.fn(e)
	}
}
