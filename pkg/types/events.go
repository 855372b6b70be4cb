package types

// Event names published by the model manager.
const (
	EventModelLoadStarted   = "model_load_started"
	EventModelLoadCompleted = "model_load_completed"
	EventInstallStatus      = "install_status"
	EventInstallProgress    = "install_progress"
)

// Event is a fire-and-forget notification: a name, the model key or job id it
// concerns, and optional fields.
type Event struct {
	Name   string
	Target string
	Fields map[string]any
}

// EventPublisher receives events. Implementations should be lightweight and
// non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// NopPublisher drops events.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}
