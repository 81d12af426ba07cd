// Package relay turns an agent's output stream into progress events for a
// client: filtering, pacing, cancellation and the terminal summary.
package relay

import (
	"encoding/json"
	"sync"
)

// Event statuses
const (
	StatusStart    = "start"
	StatusProgress = "progress"
	StatusComplete = "complete"
	StatusError    = "error"
	StatusSuccess  = "success"
)

// Event is the wire-level progress event sent to clients
type Event struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Append    bool   `json:"append,omitempty"`
	Replace   bool   `json:"replace,omitempty"`
	Clear     bool   `json:"clear,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// StartEvent tells the client to clear its view for a new instruction
func StartEvent(message, sessionID string) Event {
	return Event{Status: StatusStart, Message: message, Clear: true, SessionID: sessionID}
}

// ProgressEvent replaces the client's partial render with content
func ProgressEvent(content string) Event {
	return Event{Status: StatusProgress, Message: content, Append: true, Replace: true}
}

// FinalEvent confirms the last partial render
func FinalEvent(content string) Event {
	return Event{Status: StatusComplete, Message: content, Append: true, Replace: true}
}

// CompleteEvent is the terminal human-readable status
func CompleteEvent(message string) Event {
	return Event{Status: StatusComplete, Message: message, Append: true}
}

// ErrorEvent reports a failed instruction
func ErrorEvent(message string) Event {
	return Event{Status: StatusError, Message: message, Append: true}
}

// SuccessEvent acknowledges a control command (stop, reset)
func SuccessEvent(message string) Event {
	return Event{Status: StatusSuccess, Message: message}
}

// Marshal encodes e for the wire
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e) // only strings and bools
	return b
}

// Sink receives events in order. A Send error aborts the run.
type Sink interface {
	Send(Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(Event) error

func (f SinkFunc) Send(e Event) error { return f(e) }

// Collector is a Sink that keeps every event
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *Collector) Send(e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

// Events returns a copy of the collected events
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Statuses returns the status of each collected event, in order
func (c *Collector) Statuses() []string {
	events := c.Events()
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Status
	}
	return out
}
