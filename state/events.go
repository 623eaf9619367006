package state

// EventKind names a store lifecycle notification.
type EventKind int

const (
	EventCreated EventKind = iota + 1
	EventAttached
	EventUpdated
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventAttached:
		return "attached"
	case EventUpdated:
		return "updated"
	case EventRemoved:
		return "removed"
	}
	return "unknown"
}

// Event describes one store mutation. Previous is only set for updates.
type Event struct {
	Kind     EventKind
	Player   View
	Previous *View
	ConnID   string
}

// Listener receives store events synchronously, on the mutating goroutine.
// Listeners must not call back into the store.
type Listener func(Event)
