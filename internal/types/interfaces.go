package types

// QueueStore persists whole queue snapshots. Implementations never write
// partially: a reader sees either the previous or the new snapshot.
type QueueStore interface {
	Load() (Snapshot, error)
	Save(snap Snapshot) error
}

// Session is a live transport endpoint bound to a target or a controller.
type Session interface {
	// ID is a diagnostic identifier, unique per connection.
	ID() string
	// Send queues data for delivery without blocking. It returns false if
	// the endpoint is closed or its outbound buffer is full.
	Send(data []byte) bool
	Close() error
}
