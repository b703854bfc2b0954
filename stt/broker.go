// Package stt multiplexes many concurrent audio sessions onto one
// transcription worker process. A single goroutine owns every session
// and queue; producers, the drain ticker and the worker's event stream
// all funnel into that goroutine, so no locks guard broker state.
package stt

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

type pushMsg struct {
	id      string
	payload []byte
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
	sessions       map[string]*session
	stopping       map[string]*graceEntry
	workerReady    bool
	totalQueued    int
	totalDropped   uint64
	totalProcessed uint64
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

// Run is the broker actor. It returns nil when ctx is cancelled and an
// error when the worker connection is lost; losing the worker is fatal
// on purpose, the supervisor restarts the process with empty state
// rather than resynchronizing sessions against a fresh worker.
func (b *Broker) Run(ctx context.Context) error {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.DrainInterval)
	defer ticker.Stop()

	b.logger.Info("broker running",
		"policy", b.cfg.Policy,
		"queue_bound", b.cfg.QueueBound,
		"drain_interval", b.cfg.DrainInterval,
		"drain_batch", b.cfg.DrainBatch,
		"grace_ttl", b.cfg.GraceTTL,
	)

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return nil

		case msg := <-b.mailbox:
			b.handle(msg)

		case <-ticker.C:
			b.drainAll()

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

// Start registers a new session and forwards start_session to the
// worker. A duplicate id is rejected rather than silently reusing the
// existing session's state.
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

// Push offers one audio chunk to a session's queue. Admission and the
// overload signal happen inside the actor; the owner hears about
// rejections through an overload event rather than a return value.
func (b *Broker) Push(id string, payload []byte) {
	select {
	case b.mailbox <- pushMsg{id: id, payload: payload}:
	case <-b.done:
	}
}

// Stop releases a session. Fire and forget: local state is released
// the moment the actor handles the message, independent of how the
// worker responds; trailing worker events still reach the owner until
// the grace window closes.
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
	case pushMsg:
		b.handlePush(m)
	case stopMsg:
		b.handleStop(m)
	case statsMsg:
		m.reply <- Stats{
			ActiveSessions:   len(b.sessions),
			StoppingSessions: len(b.stopping),
			TotalQueueDepth:  b.totalQueued,
			TotalDropped:     b.totalDropped,
			TotalProcessed:   b.totalProcessed,
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
	// Reusing an id still in its grace window: the new active session
	// shadows the grace entry in routing, so retire the entry and its
	// timer now.
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

func (b *Broker) handlePush(m pushMsg) {
	sess, ok := b.sessions[m.id]
	if !ok {
		b.logger.Debug("push for unknown session", "session", m.id)
		return
	}

	sess.chunkCount++
	queue, admitted, dropped := offer(sess.queue, b.cfg.QueueBound, b.cfg.Policy, m.payload)
	sess.queue = queue

	if admitted && !dropped {
		b.totalQueued++
		b.rec.RecordChunkAdmitted()
		b.rec.SetQueueDepth(b.totalQueued)
	} else if admitted {
		// drop_oldest: the incoming chunk displaced the head, total
		// depth is unchanged.
		b.rec.RecordChunkAdmitted()
	}

	if dropped {
		sess.droppedCount++
		b.totalDropped++
		b.rec.RecordChunkDropped(string(b.cfg.Policy))
		sess.owner.Deliver(Event{
			Kind:         EventOverload,
			SessionID:    m.id,
			QueueDepth:   len(sess.queue),
			DroppedCount: sess.droppedCount,
			Policy:       b.cfg.Policy,
		})
	}
}

func (b *Broker) handleStop(m stopMsg) {
	sess, ok := b.sessions[m.id]
	if !ok {
		// Already stopping or never started; also covers a stale
		// owner-down notice racing an explicit stop.
		return
	}

	close(sess.unwatch)
	b.totalQueued -= len(sess.queue)
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
	b.rec.SetQueueDepth(b.totalQueued)
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

// drainAll visits every active session once and forwards up to
// DrainBatch queued chunks each, oldest first. This is the only place
// chunks leave a queue for the worker.
func (b *Broker) drainAll() {
	for id, sess := range b.sessions {
		n := len(sess.queue)
		if n == 0 {
			continue
		}
		if n > b.cfg.DrainBatch {
			n = b.cfg.DrainBatch
		}

		for _, chunk := range sess.queue[:n] {
			if err := b.port.Send(wire.AudioChunk(id, chunk)); err != nil {
				b.logger.Warn("drain aborted", "session", id, "error", err)
				return
			}
		}

		sess.queue = sess.queue[n:]
		if len(sess.queue) == 0 {
			sess.queue = nil
		}
		sess.processedCount += uint64(n)
		b.totalProcessed += uint64(n)
		b.totalQueued -= n
		b.rec.RecordBatchForwarded(n)
	}
	b.rec.SetQueueDepth(b.totalQueued)
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
		sess.owner.Deliver(ownerEvent(ev))
		b.rec.RecordEventRouted()
		return
	}

	if entry, ok := b.stopping[ev.SessionID]; ok {
		entry.owner.Deliver(ownerEvent(ev))
		b.rec.RecordEventRouted()
		if ev.Event == wire.EventFinal || ev.Event == wire.EventError {
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
		"chunks_processed", b.totalProcessed,
	)
}

func ownerEvent(ev wire.Event) Event {
	return Event{
		Kind:       ev.Event,
		SessionID:  ev.SessionID,
		Text:       ev.Text,
		ChunkCount: ev.ChunkCount,
		Message:    ev.Message,
	}
}
