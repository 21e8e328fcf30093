package task

import (
	"sync/atomic"

	"github.com/btouchard/nethopper/internal/event"
)

// Subscriber is the part of the event bus the task core needs.
// Defined at the consumer side per Go conventions.
type Subscriber interface {
	SubscribeWith(mb *event.Mailbox, kind event.Kind, match event.Predicate, fn event.Handler) *event.Subscription
}

// Handlers are the per-task callbacks. Any of them may be nil.
type Handlers struct {
	OnProgress func(event.Progress)
	OnStdout   func(event.Stdout)
	OnDone     func(event.Done)
}

// Listeners is the set of three subscriptions bound to one task id.
type Listeners struct {
	taskID   string
	subs     []*event.Subscription
	released atomic.Bool
	drained  chan struct{}
}

// Register subscribes filtered progress, stdout and done listeners for
// taskID. All three are active when Register returns, so it must be called
// before the backend is asked to start the task. They share one mailbox:
// the callbacks run one at a time, in the order the events were published.
func Register(bus Subscriber, taskID string, h Handlers) *Listeners {
	matchID := func(e event.Event) bool { return e.ID() == taskID }
	mb := event.NewMailbox()

	l := &Listeners{
		taskID:  taskID,
		drained: make(chan struct{}),
	}
	l.subs = []*event.Subscription{
		bus.SubscribeWith(mb, event.KindProgress, matchID, func(e event.Event) {
			if p, ok := e.(event.Progress); ok && h.OnProgress != nil {
				h.OnProgress(p)
			}
		}),
		bus.SubscribeWith(mb, event.KindStdout, matchID, func(e event.Event) {
			if s, ok := e.(event.Stdout); ok && h.OnStdout != nil {
				h.OnStdout(s)
			}
		}),
		bus.SubscribeWith(mb, event.KindDone, matchID, func(e event.Event) {
			if d, ok := e.(event.Done); ok && h.OnDone != nil {
				h.OnDone(d)
			}
		}),
	}
	return l
}

// TaskID returns the id the listeners are bound to.
func (l *Listeners) TaskID() string {
	return l.taskID
}

// Release tears down all three subscriptions. Only the first call has an
// effect; it reports whether this call performed the release.
func (l *Listeners) Release() bool {
	if !l.released.CompareAndSwap(false, true) {
		return false
	}
	for _, s := range l.subs {
		s.Unsubscribe()
	}
	go func() {
		for _, s := range l.subs {
			<-s.Drained()
		}
		close(l.drained)
	}()
	return true
}

// Released reports whether Release has run.
func (l *Listeners) Released() bool {
	return l.released.Load()
}

// Drained is closed after Release once every event queued before the
// release has been handed to the callbacks.
func (l *Listeners) Drained() <-chan struct{} {
	return l.drained
}
