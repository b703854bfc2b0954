// Package tts multiplexes synthesis sessions onto one text-to-speech
// worker process. Same actor shape as the transcription broker, minus
// the bounded queue and drain scheduler: speak requests are small and
// go straight to the worker, which paces its own synthesis.
package tts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"vox.town/metrics"
	"vox.town/wire"
)

var (
	ErrDuplicateSession = errors.New("session already active")
	ErrClosed           = errors.New("broker closed")
)

// WorkerPort is the broker's view of the worker connection.
// *port.Port satisfies it.
type WorkerPort interface {
	Send(wire.Command) error
	Events() <-chan wire.Event
	Err() error
}

const mailboxBuffer = 1024

type startMsg struct {
	id    string
	owner Owner
	reply chan error
}

type speakMsg struct {
	id   string
	text string
}

type stopMsg struct {
	id     string
	reason string
}

type statsMsg struct {
	reply chan Stats
}

type graceExpiredMsg struct {
	id string
}

type graceEntry struct {
	owner Owner
	timer *time.Timer
}

type Broker struct {
	cfg    Config
	port   WorkerPort
	logger *log.Logger
	rec    *metrics.Recorder

	mailbox chan any
	done    chan struct{}

	// Owned by the Run goroutine.
	sessions    map[string]*session
	stopping    map[string]*graceEntry
	workerReady bool
	totalSpeaks uint64
	totalChunks uint64
}

func New(cfg Config, p WorkerPort, logger *log.Logger, rec *metrics.Recorder) *Broker {
	return &Broker{
		cfg:      cfg,
		port:     p,
		logger:   logger,
		rec:      rec,
		mailbox:  make(chan any, mailboxBuffer),
		done:     make(chan struct{}),
		sessions: make(map[string]*session),
		stopping: make(map[string]*graceEntry),
	}
}

// Run is the broker actor. Nil on ctx cancellation, an error when the
// worker connection is lost; the supervisor restarts the process.
func (b *Broker) Run(ctx context.Context) error {
	defer close(b.done)

	b.logger.Info("broker running", "grace_ttl", b.cfg.GraceTTL)

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return nil

		case msg := <-b.mailbox:
			b.handle(msg)

		case ev, ok := <-b.port.Events():
			if !ok {
				err := b.port.Err()
				b.logger.Error("worker lost, broker going down", "error", err)
				return fmt.Errorf("worker connection lost: %w", err)
			}
			b.route(ev)
		}
	}
}

// Start registers a new synthesis session.
func (b *Broker) Start(ctx context.Context, id string, owner Owner) error {
	reply := make(chan error, 1)
	select {
	case b.mailbox <- startMsg{id: id, owner: owner, reply: reply}:
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Speak asks the worker to synthesize text for a session. Audio comes
// back asynchronously as audio events on the session's owner.
func (b *Broker) Speak(id, text string) {
	select {
	case b.mailbox <- speakMsg{id: id, text: text}:
	case <-b.done:
	}
}

// Stop releases a session. Trailing worker events still reach the
// owner until the grace window closes.
func (b *Broker) Stop(id string) {
	select {
	case b.mailbox <- stopMsg{id: id, reason: metrics.StopExplicit}:
	case <-b.done:
	}
}

func (b *Broker) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	select {
	case b.mailbox <- statsMsg{reply: reply}:
	case <-b.done:
		return Stats{}, ErrClosed
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-b.done:
		return Stats{}, ErrClosed
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (b *Broker) handle(msg any) {
	switch m := msg.(type) {
	case startMsg:
		b.handleStart(m)
	case speakMsg:
		b.handleSpeak(m)
	case stopMsg:
		b.handleStop(m)
	case statsMsg:
		m.reply <- Stats{
			ActiveSessions:   len(b.sessions),
			StoppingSessions: len(b.stopping),
			SpeakRequests:    b.totalSpeaks,
			ChunksDelivered:  b.totalChunks,
			WorkerReady:      b.workerReady,
		}
	case graceExpiredMsg:
		b.handleGraceExpired(m)
	}
}

func (b *Broker) handleStart(m startMsg) {
	if _, exists := b.sessions[m.id]; exists {
		m.reply <- ErrDuplicateSession
		return
	}
	if entry, ok := b.stopping[m.id]; ok {
		entry.timer.Stop()
		delete(b.stopping, m.id)
		b.rec.SetStoppingSessions(len(b.stopping))
	}

	sess := &session{
		id:      m.id,
		owner:   m.owner,
		unwatch: make(chan struct{}),
	}
	b.sessions[m.id] = sess
	go b.watchOwner(m.id, m.owner, sess.unwatch)

	if err := b.port.Send(wire.StartSession(m.id)); err != nil {
		b.logger.Warn("start_session not delivered", "session", m.id, "error", err)
	}

	b.rec.RecordSessionStarted()
	b.rec.SetActiveSessions(len(b.sessions))
	b.logger.Info("session started", "session", m.id)
	m.reply <- nil
}

func (b *Broker) handleSpeak(m speakMsg) {
	sess, ok := b.sessions[m.id]
	if !ok {
		b.logger.Debug("speak for unknown session", "session", m.id)
		return
	}

	sess.speakCount++
	b.totalSpeaks++
	b.rec.RecordSpeak()

	if err := b.port.Send(wire.SpeakText(m.id, m.text)); err != nil {
		b.logger.Warn("speak_text not delivered", "session", m.id, "error", err)
	}
}

func (b *Broker) handleStop(m stopMsg) {
	sess, ok := b.sessions[m.id]
	if !ok {
		return
	}

	close(sess.unwatch)
	delete(b.sessions, m.id)

	entry := &graceEntry{owner: sess.owner}
	entry.timer = time.AfterFunc(b.cfg.GraceTTL, func() {
		select {
		case b.mailbox <- graceExpiredMsg{id: m.id}:
		case <-b.done:
		}
	})
	b.stopping[m.id] = entry

	if err := b.port.Send(wire.StopSession(m.id)); err != nil {
		b.logger.Warn("stop_session not delivered", "session", m.id, "error", err)
	}

	b.rec.RecordSessionStopped(m.reason)
	b.rec.SetActiveSessions(len(b.sessions))
	b.rec.SetStoppingSessions(len(b.stopping))
	b.logger.Info("session stopped", "session", m.id, "reason", m.reason)
}

func (b *Broker) handleGraceExpired(m graceExpiredMsg) {
	if _, ok := b.stopping[m.id]; !ok {
		return
	}
	delete(b.stopping, m.id)
	b.rec.SetStoppingSessions(len(b.stopping))
	b.logger.Debug("grace window expired", "session", m.id)
}

func (b *Broker) route(ev wire.Event) {
	switch ev.Event {
	case wire.EventReady:
		b.workerReady = true
		b.rec.RecordWorkerReady()
		b.logger.Info("worker ready", "ts_ms", ev.TsMs)
		return
	case wire.EventBye:
		b.logger.Debug("worker said bye")
		return
	}

	if sess, ok := b.sessions[ev.SessionID]; ok {
		if ev.Event == wire.EventAudioChunk {
			sess.chunkCount++
			b.totalChunks++
		}
		sess.owner.Deliver(ownerEvent(ev))
		b.rec.RecordEventRouted()
		return
	}

	if entry, ok := b.stopping[ev.SessionID]; ok {
		if ev.Event == wire.EventAudioChunk {
			b.totalChunks++
		}
		entry.owner.Deliver(ownerEvent(ev))
		b.rec.RecordEventRouted()
		// session_stopped acknowledges our stop_session; error is as
		// final as the worker gets. session_done only ends one
		// utterance, so it keeps the window open.
		if ev.Event == wire.EventSessionStopped || ev.Event == wire.EventError {
			entry.timer.Stop()
			delete(b.stopping, ev.SessionID)
			b.rec.SetStoppingSessions(len(b.stopping))
			b.logger.Debug("grace window closed early", "session", ev.SessionID, "event", ev.Event)
		}
		return
	}

	b.rec.RecordEventDropped(metrics.DropUnknownSession)
	b.logger.Debug("event for unknown session", "session", ev.SessionID, "event", ev.Event)
}

func (b *Broker) watchOwner(id string, owner Owner, unwatch <-chan struct{}) {
	select {
	case <-owner.Done():
		select {
		case b.mailbox <- stopMsg{id: id, reason: metrics.StopOwnerDown}:
		case <-b.done:
		}
	case <-unwatch:
	case <-b.done:
	}
}

func (b *Broker) shutdown() {
	if err := b.port.Send(wire.Shutdown()); err != nil {
		b.logger.Warn("shutdown command not delivered", "error", err)
	}
	for _, entry := range b.stopping {
		entry.timer.Stop()
	}
	b.logger.Info("broker stopped",
		"active_sessions", len(b.sessions),
		"speak_requests", b.totalSpeaks,
	)
}

// ownerEvent maps a wire event onto the owner-facing kind names.
func ownerEvent(ev wire.Event) Event {
	kind := ev.Event
	switch ev.Event {
	case wire.EventSessionStarted:
		kind = EventStarted
	case wire.EventAudioChunk:
		kind = EventAudio
	case wire.EventSessionDone:
		kind = EventDone
	case wire.EventSessionStopped:
		kind = EventStopped
	case wire.EventError:
		kind = EventError
	}
	return Event{
		Kind:       kind,
		SessionID:  ev.SessionID,
		Seq:        ev.Seq,
		PCMB64:     ev.PCMB64,
		SampleRate: ev.SampleRate,
		Channels:   ev.Channels,
		Format:     ev.Format,
		Message:    ev.Message,
	}
}
