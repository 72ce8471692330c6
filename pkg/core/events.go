package core

import "sync"

type EventType string

const (
	EventModelUploaded   EventType = "ModelUploaded"
	EventScanUploaded    EventType = "ScanUploaded"
	EventModelDownloaded EventType = "ModelDownloaded"
	EventScanDownloaded  EventType = "ScanDownloaded"
	EventAnnotationAdded EventType = "AnnotationAdded"
	EventFileDeleted     EventType = "FileDeleted"
)

// Event describes a change to a context's state.
type Event struct {
	Type         EventType `json:"type"`
	ContextID    string    `json:"context_id,omitempty"`
	FileID       string    `json:"file_id"`
	FileType     string    `json:"file_type,omitempty"`
	Name         string    `json:"name,omitempty"`
	PatientID    string    `json:"patient_id,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	AnnotationID string    `json:"annotation_id,omitempty"`
	Origin       string    `json:"origin,omitempty"`
	At           Timestamp `json:"at"`
}

// EventSink receives store events. Publish must not block.
type EventSink interface {
	Publish(ev Event)
}

type nopSink struct{}

func (nopSink) Publish(Event) {}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ev Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }

// EventFeed keeps the most recent events, oldest dropped first.
type EventFeed struct {
	mu     sync.RWMutex
	events []Event
	limit  int
}

func NewEventFeed(limit int) *EventFeed {
	if limit <= 0 {
		limit = 100
	}
	return &EventFeed{limit: limit}
}

func (f *EventFeed) Publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events = append(f.events, ev)
	if len(f.events) > f.limit {
		f.events = f.events[len(f.events)-f.limit:]
	}
}

// Recent returns up to n events, newest last.
func (f *EventFeed) Recent(n int) []Event {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if n <= 0 || n > len(f.events) {
		n = len(f.events)
	}
	out := make([]Event, n)
	copy(out, f.events[len(f.events)-n:])
	return out
}
