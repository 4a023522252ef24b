package logging

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// DefaultRingCapacity is how many records the diagnostics ring retains when no
// capacity is configured.
const DefaultRingCapacity = 2000

// Record is a single captured log record, shaped for JSON serving by the
// diagnostics server.
type Record struct {
	Time    time.Time              `json:"time"`
	Level   string                 `json:"level"`
	Logger  string                 `json:"logger"`
	Message string                 `json:"message"`
	Caller  string                 `json:"caller,omitempty"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// RingAppender keeps the last N records in memory and fans new records out to
// stream subscribers. A subscriber that cannot keep up has its channel closed
// and is dropped; producers never block on a slow client.
type RingAppender struct {
	mu       sync.Mutex
	records  []Record
	start    int
	size     int
	capacity int

	subscribers map[string]chan Record
}

// NewRingAppender creates a ring appender with the given capacity; zero or
// negative means DefaultRingCapacity.
func NewRingAppender(capacity int) *RingAppender {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &RingAppender{
		records:     make([]Record, capacity),
		capacity:    capacity,
		subscribers: map[string]chan Record{},
	}
}

// Write captures the entry into the ring and fans it out to subscribers.
func (ra *RingAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	rec := Record{
		Time:    entry.Time,
		Level:   entry.Level.CapitalString(),
		Logger:  entry.LoggerName,
		Message: entry.Message,
	}
	if entry.Caller.Defined {
		rec.Caller = entry.Caller.TrimmedPath()
	}
	if len(fields) > 0 {
		enc := zapcore.NewMapObjectEncoder()
		for _, f := range fields {
			f.AddTo(enc)
		}
		rec.Fields = enc.Fields
	}

	ra.mu.Lock()
	defer ra.mu.Unlock()

	idx := (ra.start + ra.size) % ra.capacity
	ra.records[idx] = rec
	if ra.size < ra.capacity {
		ra.size++
	} else {
		ra.start = (ra.start + 1) % ra.capacity
	}

	for id, ch := range ra.subscribers {
		select {
		case ch <- rec:
		default:
			// slow client; drop it rather than block the producer
			close(ch)
			delete(ra.subscribers, id)
		}
	}
	return nil
}

// Sync is a no-op; the ring is always current.
func (ra *RingAppender) Sync() error {
	return nil
}

// Records returns up to count of the most recent records, oldest first. A
// count <= 0 returns everything retained. levelFilter of "" matches all
// levels; otherwise it is compared against the record's capital level string.
func (ra *RingAppender) Records(count int, levelFilter string) []Record {
	ra.mu.Lock()
	defer ra.mu.Unlock()

	out := make([]Record, 0, ra.size)
	for i := 0; i < ra.size; i++ {
		rec := ra.records[(ra.start+i)%ra.capacity]
		if levelFilter != "" && rec.Level != levelFilter {
			continue
		}
		out = append(out, rec)
	}
	if count > 0 && len(out) > count {
		out = out[len(out)-count:]
	}
	return out
}

// Len returns how many records are currently retained.
func (ra *RingAppender) Len() int {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.size
}

// Subscribe registers a stream client under id and returns its record
// channel. The channel is closed when the client falls behind or when
// Unsubscribe is called.
func (ra *RingAppender) Subscribe(id string, buffer int) <-chan Record {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Record, buffer)
	ra.mu.Lock()
	defer ra.mu.Unlock()
	if old, ok := ra.subscribers[id]; ok {
		close(old)
	}
	ra.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a stream client. Safe to call for unknown ids.
func (ra *RingAppender) Unsubscribe(id string) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	if ch, ok := ra.subscribers[id]; ok {
		close(ch)
		delete(ra.subscribers, id)
	}
}

// SubscriberCount returns the number of connected stream clients.
func (ra *RingAppender) SubscriberCount() int {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return len(ra.subscribers)
}

// String implements fmt.Stringer for debug logging of ring stats.
func (ra *RingAppender) String() string {
	return "ring(cap=" + strconv.Itoa(ra.capacity) + ")"
}
