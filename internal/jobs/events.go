package jobs

import (
	"sync"

	"voicebridge/internal/models"
)

// Event types raised after terminal transitions.
const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// Event carries the terminal job record to subscribers.
type Event struct {
	Type string
	Job  models.Job
}

// Notifier dispatches events synchronously to registered subscribers, in
// registration order. Subscribers must not block; slow consumers should
// hand off to their own goroutine.
type Notifier struct {
	mu   sync.RWMutex
	subs []func(Event)
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe registers a listener for all events.
func (n *Notifier) Subscribe(fn func(Event)) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, fn)
}

func (n *Notifier) publish(e Event) {
	n.mu.RLock()
	subs := n.subs
	n.mu.RUnlock()
	for _, fn := range subs {
		fn(e)
	}
}
