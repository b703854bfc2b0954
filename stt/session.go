package stt

// Owner is the party a session's events are routed to. Deliver must
// not block: owners that fan out over slow transports buffer and drop
// on their side. Done reports the owner's own liveness; when it closes
// the broker cleans the session up as if Stop had been called.
type Owner interface {
	Deliver(Event)
	Done() <-chan struct{}
}

// Event kinds delivered to owners.
const (
	EventSessionStarted = "session_started"
	EventPartial        = "partial"
	EventFinal          = "final"
	EventOverload       = "overload"
	EventError          = "error"
)

// Event is one asynchronous notification for a session owner. Kind
// decides which fields are meaningful.
type Event struct {
	Kind         string `json:"kind"`
	SessionID    string `json:"session_id"`
	Text         string `json:"text,omitempty"`
	ChunkCount   int    `json:"chunk_count,omitempty"`
	QueueDepth   int    `json:"queue_depth,omitempty"`
	DroppedCount uint64 `json:"dropped_count,omitempty"`
	Policy       Policy `json:"policy,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Stats is a point-in-time snapshot of the broker.
type Stats struct {
	ActiveSessions   int    `json:"active_sessions"`
	StoppingSessions int    `json:"stopping_sessions"`
	TotalQueueDepth  int    `json:"total_queue_depth"`
	TotalDropped     uint64 `json:"total_dropped"`
	TotalProcessed   uint64 `json:"total_processed"`
	WorkerReady      bool   `json:"worker_ready"`
}

type session struct {
	id    string
	owner Owner
	queue [][]byte

	chunkCount     uint64
	processedCount uint64
	droppedCount   uint64

	// unwatch releases the owner liveness watcher when the session
	// leaves the registry.
	unwatch chan struct{}
}
