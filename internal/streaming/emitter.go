// Package streaming carries ordered progress events from the
// orchestrator to transport adapters. Each session has one FIFO stream;
// a Result or Error event is terminal and closes the stream, after which
// publishes for that session are rejected.
package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/veritaslab/scribe/internal/metrics"
	"github.com/veritaslab/scribe/internal/models"
)

// Event types
const (
	TypeProgress = "progress"
	TypeUsage    = "model_usage"
	TypeResult   = "result"
	TypeError    = "error"
)

// Event is one envelope on a session stream.
type Event struct {
	SessionID string                 `json:"session_id"`
	Type      string                 `json:"type"`
	Stage     string                 `json:"stage,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Usage     *models.TokenUsage     `json:"usage,omitempty"`
	Result    *models.TaskResult     `json:"result,omitempty"`
	ErrorType string                 `json:"error_type,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Terminal reports whether the event ends its session stream.
func (e Event) Terminal() bool {
	return e.Type == TypeResult || e.Type == TypeError
}

// Marshal returns JSON for SSE/websocket payloads.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Progress builds a progress event.
func Progress(stage, message string, details map[string]interface{}) Event {
	return Event{Type: TypeProgress, Stage: stage, Message: message, Details: details}
}

// Usage builds a token-usage event.
func Usage(u models.TokenUsage) Event {
	return Event{Type: TypeUsage, Usage: &u}
}

// Result builds the terminal success/cancel event.
func Result(result models.TaskResult) Event {
	return Event{Type: TypeResult, Result: &result}
}

// Error builds the terminal failure event.
func Error(errorType, message string) Event {
	return Event{Type: TypeError, ErrorType: errorType, Message: message}
}

type sessionStream struct {
	ring     *ring
	subs     map[chan Event]struct{}
	terminal bool
}

// Emitter provides per-session ordered pub/sub with bounded replay
// history. The orchestrator is the only producer per session, so FIFO
// order falls out of sequential Publish calls plus per-channel delivery.
type Emitter struct {
	mu       sync.RWMutex
	sessions map[string]*sessionStream
	capacity int
	buffer   int
	observer func(Event)
}

// NewEmitter builds an emitter; capacity bounds each session's replay
// ring and buffer sizes subscriber channels.
func NewEmitter(capacity, buffer int) *Emitter {
	if capacity <= 0 {
		capacity = 256
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Emitter{
		sessions: make(map[string]*sessionStream),
		capacity: capacity,
		buffer:   buffer,
	}
}

// SetObserver registers fn to receive every accepted event after its
// sequence number is assigned. Rejected publishes are not observed.
// Used to mirror session timelines into the archive.
func (e *Emitter) SetObserver(fn func(Event)) {
	e.mu.Lock()
	e.observer = fn
	e.mu.Unlock()
}

// Publish appends evt to the session stream and fans it out to
// subscribers. Publishing after a terminal event is rejected. When evt
// is itself terminal all subscriber channels are closed after delivery.
func (e *Emitter) Publish(sessionID string, evt Event) bool {
	e.mu.Lock()
	st := e.sessions[sessionID]
	if st == nil {
		st = &sessionStream{ring: newRing(e.capacity), subs: make(map[chan Event]struct{})}
		e.sessions[sessionID] = st
	}
	if st.terminal {
		e.mu.Unlock()
		metrics.EventsAfterTerminal.Inc()
		return false
	}

	evt.SessionID = sessionID
	evt.Timestamp = time.Now()
	evt.Seq = st.ring.nextSeq
	st.ring.nextSeq++
	st.ring.push(evt)

	terminal := evt.Terminal()
	if terminal {
		st.terminal = true
	}
	subs := make([]chan Event, 0, len(st.subs))
	for ch := range st.subs {
		subs = append(subs, ch)
	}
	if terminal {
		st.subs = make(map[chan Event]struct{})
		metrics.StreamSubscribers.Sub(float64(len(subs)))
	}
	observer := e.observer
	e.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(evt.Type).Inc()
	if observer != nil {
		observer(evt)
	}
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			// Slow subscriber; it can recover the gap via ReplaySince.
			// Terminal events must not be lost, so evict the oldest
			// buffered event to make room. This Publish is the only
			// sender, so the retry cannot race another send.
			if terminal {
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- evt:
				default:
				}
			}
		}
		if terminal {
			close(ch)
		}
	}
	return true
}

// Subscribe returns a channel of events for the session. The channel is
// closed after the terminal event (immediately when the session already
// ended). Callers must drain it and call Unsubscribe when leaving early.
func (e *Emitter) Subscribe(sessionID string) chan Event {
	ch := make(chan Event, e.buffer)
	e.mu.Lock()
	st := e.sessions[sessionID]
	if st == nil {
		st = &sessionStream{ring: newRing(e.capacity), subs: make(map[chan Event]struct{})}
		e.sessions[sessionID] = st
	}
	if st.terminal {
		e.mu.Unlock()
		close(ch)
		return ch
	}
	st.subs[ch] = struct{}{}
	e.mu.Unlock()
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes and closes the subscriber channel if it is still
// registered.
func (e *Emitter) Unsubscribe(sessionID string, ch chan Event) {
	e.mu.Lock()
	st := e.sessions[sessionID]
	if st != nil {
		if _, ok := st.subs[ch]; ok {
			delete(st.subs, ch)
			close(ch)
			metrics.StreamSubscribers.Dec()
		}
	}
	e.mu.Unlock()
}

// ReplaySince returns buffered events with Seq > since, best effort
// within the ring capacity.
func (e *Emitter) ReplaySince(sessionID string, since uint64) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := e.sessions[sessionID]
	if st == nil {
		return nil
	}
	return st.ring.since(since)
}

// Terminal reports whether the session stream has ended.
func (e *Emitter) Terminal(sessionID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := e.sessions[sessionID]
	return st != nil && st.terminal
}

// Drop forgets a session's history once the transport is done with it.
func (e *Emitter) Drop(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionID)
}

// ring is a fixed-capacity event buffer for replay support.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity), nextSeq: 1} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
