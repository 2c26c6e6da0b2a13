package models

import "time"

// EventType is the closed vocabulary of event types carried on the event
// log and forwarded over the stream surface.
type EventType string

const (
	EventStreamConnected EventType = "stream_connected"
	EventURLStarted      EventType = "url_started"
	EventURLCrawled      EventType = "url_crawled"
	EventURLFailed       EventType = "url_failed"
	EventURLsDiscovered  EventType = "urls_discovered"
	EventSentToProcessing EventType = "sent_to_processing"
	EventProgress        EventType = "progress"
	EventTimeUpdate       EventType = "time_update"
	EventJobCompleted    EventType = "job_completed"
	EventJobFailed       EventType = "job_failed"
	EventJobTimeout      EventType = "job_timeout"
)

// Terminal reports whether this event type is one of the three terminal
// markers that must appear exactly once per job, as the last event.
func (t EventType) Terminal() bool {
	switch t {
	case EventJobCompleted, EventJobFailed, EventJobTimeout:
		return true
	default:
		return false
	}
}

// Event is one append-only entry in a job's event log. EventID is
// strictly increasing within a job.
type Event struct {
	EventID   int64                  `json:"eventId"`
	JobID     string                 `json:"jobId"`
	Type      EventType              `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}
