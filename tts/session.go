package tts

// Owner receives a session's synthesis events. Deliver must not block;
// Done reports the owner's liveness.
type Owner interface {
	Deliver(Event)
	Done() <-chan struct{}
}

// Event kinds delivered to owners.
const (
	EventStarted = "started"
	EventAudio   = "audio"
	EventDone    = "done"
	EventStopped = "stopped"
	EventError   = "error"
)

// Event is one synthesis notification. Audio stays base64 as it came
// off the wire; owners that need raw PCM decode it themselves.
type Event struct {
	Kind       string `json:"kind"`
	SessionID  string `json:"session_id"`
	Seq        int    `json:"seq,omitempty"`
	PCMB64     string `json:"pcm_b64,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Format     string `json:"format,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Stats is a point-in-time snapshot of the broker.
type Stats struct {
	ActiveSessions   int    `json:"active_sessions"`
	StoppingSessions int    `json:"stopping_sessions"`
	SpeakRequests    uint64 `json:"speak_requests"`
	ChunksDelivered  uint64 `json:"chunks_delivered"`
	WorkerReady      bool   `json:"worker_ready"`
}

type session struct {
	id    string
	owner Owner

	speakCount uint64
	chunkCount uint64

	unwatch chan struct{}
}
