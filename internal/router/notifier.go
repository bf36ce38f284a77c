// Package router provides an in-process notification bus that wakes the
// maintainers on ledger commits and fans out aggregate changes.
package router

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// NotificationType represents the type of notification.
type NotificationType int

const (
	MutationCommitted NotificationType = iota
	AggregateUpdated
	DiscrepancyCorrected
)

func (t NotificationType) String() string {
	switch t {
	case MutationCommitted:
		return "mutation_committed"
	case AggregateUpdated:
		return "aggregate_updated"
	case DiscrepancyCorrected:
		return "discrepancy_corrected"
	default:
		return "unknown"
	}
}

// Notification describes one change.
type Notification struct {
	Type       NotificationType
	CustomerID string
	OrderID    string
	Sequence   uint64
	Timestamp  int64
}

// Notifier provides an in-process pub/sub notification bus.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
}

// NewNotifier creates a new notifier instance.
func NewNotifier(bufferSize int) *Notifier {
	return &Notifier{
		bufferSize: bufferSize,
	}
}

// Publish sends a notification to all subscribers.
// Non-blocking: if a subscriber's channel is full, the notification is dropped.
// Subscribers treat notifications as wake-ups, never as the data itself.
func (n *Notifier) Publish(notif Notification) {
	if notif.Timestamp == 0 {
		notif.Timestamp = time.Now().UnixNano()
	}
	n.subscribers.Range(func(key, value interface{}) bool {
		sub := value.(*Subscriber)
		if sub.accepts(notif.Type) {
			sub.send(notif)
		}
		return true
	})
}

// Subscribe adds a subscriber for the given types (all types when none are given).
func (n *Notifier) Subscribe(id string, types ...NotificationType) *Subscriber {
	if id == "" {
		id = "sub_" + uuid.NewString()
	}
	sub := &Subscriber{
		ID:    id,
		Types: types,
		Ch:    make(chan Notification, n.bufferSize),
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// Unsubscribe removes a subscriber from the notifier and closes their channel.
func (n *Notifier) Unsubscribe(subID string) {
	if value, ok := n.subscribers.LoadAndDelete(subID); ok {
		sub := value.(*Subscriber)
		sub.mu.Lock()
		sub.closed = true
		close(sub.Ch)
		sub.mu.Unlock()
	}
}

// Subscriber represents a notification subscriber.
type Subscriber struct {
	ID    string
	Types []NotificationType
	Ch    chan Notification

	mu     sync.Mutex
	closed bool
}

func (s *Subscriber) send(notif Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.Ch <- notif:
	default:
		// Channel full - drop notification, do NOT block
	}
}

func (s *Subscriber) accepts(t NotificationType) bool {
	if len(s.Types) == 0 {
		return true
	}
	for _, want := range s.Types {
		if want == t {
			return true
		}
	}
	return false
}
