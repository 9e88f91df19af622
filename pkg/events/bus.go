package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/e-vnts/meet-recorder/pkg/log"
)

// Subscriber receives session events that pass its filters
type Subscriber struct {
	ID           string
	SessionID    string        // Filter by session ID (empty for all sessions)
	Types        map[Type]bool // Filter by event type (empty for all types)
	Channel      chan Event
	LastActivity time.Time
	connected    bool
	mutex        sync.RWMutex
}

// NewSubscriber creates a new subscriber with a buffered channel
func NewSubscriber(id string, bufferSize int) *Subscriber {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Subscriber{
		ID:           id,
		Types:        make(map[Type]bool),
		Channel:      make(chan Event, bufferSize),
		LastActivity: time.Now(),
		connected:    true,
	}
}

// SetSessionFilter restricts the subscriber to one session
func (s *Subscriber) SetSessionFilter(sessionID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.SessionID = sessionID
}

// SetTypeFilter restricts the subscriber to the given event types
func (s *Subscriber) SetTypeFilter(types []Type) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.Types = make(map[Type]bool)
	for _, t := range types {
		s.Types[t] = true
	}
}

// ShouldReceive checks if the subscriber wants this event
func (s *Subscriber) ShouldReceive(e Event) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if !s.connected {
		return false
	}
	if s.SessionID != "" && s.SessionID != e.SessionID {
		return false
	}
	if len(s.Types) > 0 && !s.Types[e.Type] {
		return false
	}
	return true
}

// Send delivers an event without blocking. A full channel drops it.
func (s *Subscriber) Send(e Event) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.connected {
		return false
	}

	select {
	case s.Channel <- e:
		s.LastActivity = time.Now()
		return true
	default:
		log.Warnf("Dropping %s event for subscriber %s (channel full)", e.Type, s.ID)
		return false
	}
}

// Touch records client activity other than receiving events, such as a pong
func (s *Subscriber) Touch() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.LastActivity = time.Now()
}

// Close closes the subscriber channel
func (s *Subscriber) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.connected {
		s.connected = false
		close(s.Channel)
	}
}

// IsConnected returns whether the subscriber is connected
func (s *Subscriber) IsConnected() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.connected
}

// Bus fans session events out to subscribers
type Bus struct {
	subscribers map[string]*Subscriber
	mutex       sync.RWMutex

	published atomic.Uint64
	dropped   atomic.Uint64
}

// BusStats holds statistics for the event bus
type BusStats struct {
	TotalEvents       uint64 `json:"total_events"`
	DroppedEvents     uint64 `json:"dropped_events"`
	ActiveSubscribers int    `json:"active_subscribers"`
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{subscribers: make(map[string]*Subscriber)}
}

// Subscribe adds a subscriber to the bus
func (b *Bus) Subscribe(subscriber *Subscriber) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if old, exists := b.subscribers[subscriber.ID]; exists && old != subscriber {
		old.Close()
	}
	b.subscribers[subscriber.ID] = subscriber
	log.Debugf("Added event subscriber: %s (total: %d)", subscriber.ID, len(b.subscribers))
}

// Unsubscribe removes and closes a subscriber
func (b *Bus) Unsubscribe(subscriberID string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if subscriber, exists := b.subscribers[subscriberID]; exists {
		subscriber.Close()
		delete(b.subscribers, subscriberID)
		log.Debugf("Removed event subscriber: %s (total: %d)", subscriberID, len(b.subscribers))
	}
}

// Publish delivers e to every matching subscriber and returns how many
// received it. A nil bus discards events.
func (b *Bus) Publish(e Event) int {
	if b == nil {
		return 0
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	b.mutex.RLock()
	matching := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.ShouldReceive(e) {
			matching = append(matching, sub)
		}
	}
	b.mutex.RUnlock()

	b.published.Add(1)

	sent := 0
	for _, sub := range matching {
		if sub.Send(e) {
			sent++
		} else {
			b.dropped.Add(1)
		}
	}
	return sent
}

// Stats returns bus statistics
func (b *Bus) Stats() BusStats {
	b.mutex.RLock()
	active := len(b.subscribers)
	b.mutex.RUnlock()

	return BusStats{
		TotalEvents:       b.published.Load(),
		DroppedEvents:     b.dropped.Load(),
		ActiveSubscribers: active,
	}
}

// CleanupInactiveSubscribers removes disconnected subscribers and those
// idle for longer than timeout
func (b *Bus) CleanupInactiveSubscribers(timeout time.Duration) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	now := time.Now()
	removed := 0
	for id, sub := range b.subscribers {
		sub.mutex.RLock()
		idle := now.Sub(sub.LastActivity)
		sub.mutex.RUnlock()
		if !sub.IsConnected() || idle > timeout {
			sub.Close()
			delete(b.subscribers, id)
			removed++
		}
	}
	if removed > 0 {
		log.Infof("Cleaned up %d inactive event subscribers (total: %d)", removed, len(b.subscribers))
	}
	return removed
}

// Shutdown closes all subscribers
func (b *Bus) Shutdown() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for _, sub := range b.subscribers {
		sub.Close()
	}
	b.subscribers = make(map[string]*Subscriber)
	log.Info("Event bus shutdown complete")
}
