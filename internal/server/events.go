package server

import (
	"sync"
	"time"

	"playback-engine/internal/player"
)

// DefaultEventCapacity is the number of events kept when none is configured.
const DefaultEventCapacity = 256

// RecordedEvent is an engine event with the time it was observed.
type RecordedEvent struct {
	Seq        int64        `json:"seq"`
	ReceivedAt time.Time    `json:"received_at"`
	Event      player.Event `json:"event"`
}

// EventLog keeps the most recent engine events. Events are recorded on the
// engine loop and read by HTTP handlers, so it is safe for concurrent use.
type EventLog struct {
	mu       sync.RWMutex
	capacity int
	events   []RecordedEvent
	next     int64
	counts   map[player.EventType]int64
}

// NewEventLog returns a log holding at most capacity events. If capacity <= 0,
// DefaultEventCapacity is used.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	return &EventLog{capacity: capacity, counts: make(map[player.EventType]int64)}
}

// Record appends ev, dropping the oldest event when full. Frame changes are
// counted but not kept; they would push everything else out.
func (l *EventLog) Record(ev player.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.counts[ev.Type]++
	if ev.Type == player.EventFrameChange {
		return
	}
	l.next++
	l.events = append(l.events, RecordedEvent{Seq: l.next, ReceivedAt: time.Now().UTC(), Event: ev})
	if len(l.events) > l.capacity {
		l.events = append(l.events[:0:0], l.events[len(l.events)-l.capacity:]...)
	}
}

// Recent returns up to limit events, oldest first. limit <= 0 returns all.
func (l *EventLog) Recent(limit int) []RecordedEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	evs := l.events
	if limit > 0 && len(evs) > limit {
		evs = evs[len(evs)-limit:]
	}
	out := make([]RecordedEvent, len(evs))
	copy(out, evs)
	return out
}

// Counts returns how many events of each type were recorded.
func (l *EventLog) Counts() map[player.EventType]int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[player.EventType]int64, len(l.counts))
	for k, v := range l.counts {
		out[k] = v
	}
	return out
}
