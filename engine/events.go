package engine

import "time"

// EventType identifies a pipeline event.
type EventType string

const (
	EventStateChanged  EventType = "state_changed"
	EventFileStarted   EventType = "file_started"
	EventProgress      EventType = "progress"
	EventFileCompleted EventType = "file_completed"
	EventFileRequeued  EventType = "file_requeued"
	EventFileSkipped   EventType = "file_skipped"
	EventPaused        EventType = "paused"
	EventRunFinished   EventType = "run_finished"
)

// Event is emitted by the pipeline as it works. Fields that do not apply to
// an event type are zero.
type Event struct {
	Type     EventType
	State    State
	FileID   string
	Path     string
	Offset   int64
	Size     int64
	Checksum string
	Pending  int
	Err      error
	Time     time.Time
}

// Observer receives pipeline events. OnEvent is called from the pipeline
// goroutine and must not block.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnEvent calls f(e).
func (f ObserverFunc) OnEvent(e Event) { f(e) }

// Observers fans an event out to several observers.
type Observers []Observer

// OnEvent forwards e to every observer.
func (o Observers) OnEvent(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.OnEvent(e)
		}
	}
}
