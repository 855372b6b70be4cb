package manager

import "modelmgr/pkg/types"

// Event represents a manager lifecycle event: a name, the model key or job id
// it concerns, and optional fields.
type Event = types.Event

// EventPublisher receives events from the manager. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher = types.EventPublisher

// NopPublisher is the default; it drops events.
type NopPublisher = types.NopPublisher

const (
	EventModelLoadStarted   = types.EventModelLoadStarted
	EventModelLoadCompleted = types.EventModelLoadCompleted
	EventInstallStatus      = types.EventInstallStatus
	EventInstallProgress    = types.EventInstallProgress
)
