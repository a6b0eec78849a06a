package logger

import (
	"sync"
	"time"
)

// subscriberBuffer is how far a subscriber may fall behind before entries
// are skipped for it.
const subscriberBuffer = 100

// StreamLogEntry is one log line as served by /api/v1/logs.
type StreamLogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogStream remembers the last entries in a ring and forwards each new
// entry to live subscribers.
type LogStream struct {
	mu     sync.RWMutex
	ring   []StreamLogEntry
	head   int // index of the oldest entry
	count  int
	subs   map[chan StreamLogEntry]struct{}
	closed bool
}

// NewLogStream keeps at most size entries.
func NewLogStream(size int) *LogStream {
	if size < 1 {
		size = 1
	}
	return &LogStream{
		ring: make([]StreamLogEntry, size),
		subs: make(map[chan StreamLogEntry]struct{}),
	}
}

// Add records entry, overwriting the oldest one when full. A closed stream
// ignores it.
func (ls *LogStream) Add(entry StreamLogEntry) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.closed {
		return
	}

	if ls.count < len(ls.ring) {
		ls.ring[(ls.head+ls.count)%len(ls.ring)] = entry
		ls.count++
	} else {
		ls.ring[ls.head] = entry
		ls.head = (ls.head + 1) % len(ls.ring)
	}

	for ch := range ls.subs {
		select {
		case ch <- entry:
		default:
			// 订阅者跟不上时跳过，不阻塞日志调用方
		}
	}
}

// Subscribe returns a channel of future entries. On a closed stream the
// channel comes back already closed.
func (ls *LogStream) Subscribe() chan StreamLogEntry {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	ch := make(chan StreamLogEntry, subscriberBuffer)
	if ls.closed {
		close(ch)
	} else {
		ls.subs[ch] = struct{}{}
	}
	return ch
}

// Unsubscribe closes ch. Unknown channels are ignored.
func (ls *LogStream) Unsubscribe(ch chan StreamLogEntry) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if _, ok := ls.subs[ch]; ok {
		delete(ls.subs, ch)
		close(ch)
	}
}

// GetEntries returns the newest limit entries, oldest first; limit <= 0
// means all of them.
func (ls *LogStream) GetEntries(limit int) []StreamLogEntry {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	if limit <= 0 || limit > ls.count {
		limit = ls.count
	}
	out := make([]StreamLogEntry, limit)
	skip := ls.count - limit
	for i := range out {
		out[i] = ls.ring[(ls.head+skip+i)%len(ls.ring)]
	}
	return out
}

// Close drops every subscriber and the kept entries.
func (ls *LogStream) Close() {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.closed {
		return
	}
	ls.closed = true
	ls.head, ls.count = 0, 0

	for ch := range ls.subs {
		close(ch)
		delete(ls.subs, ch)
	}
}

var (
	streamMu     sync.Mutex
	globalStream *LogStream
)

// InitLogStream installs the process-wide stream the logger hook feeds.
// Later calls return the existing one unchanged.
func InitLogStream(size int) *LogStream {
	streamMu.Lock()
	defer streamMu.Unlock()

	if globalStream == nil {
		globalStream = NewLogStream(size)
	}
	return globalStream
}

// GetLogStream returns the process-wide stream, creating a default one.
func GetLogStream() *LogStream {
	return InitLogStream(1000)
}

// currentLogStream is nil until something asked for a stream.
func currentLogStream() *LogStream {
	streamMu.Lock()
	defer streamMu.Unlock()
	return globalStream
}
