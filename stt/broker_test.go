package stt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"vox.town/metrics"
	"vox.town/wire"
)

// MockPort stands in for a worker subprocess. Commands are recorded,
// events are injected by the test.
type MockPort struct {
	mu     sync.Mutex
	cmds   []wire.Command
	err    error
	events chan wire.Event
}

func NewMockPort() *MockPort {
	return &MockPort{events: make(chan wire.Event, 64)}
}

func (m *MockPort) Send(cmd wire.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmds = append(m.cmds, cmd)
	return nil
}

func (m *MockPort) Events() <-chan wire.Event { return m.events }

func (m *MockPort) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Emit delivers an event as if the worker had written it.
func (m *MockPort) Emit(ev wire.Event) {
	m.events <- ev
}

// Exit simulates the worker process dying.
func (m *MockPort) Exit(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	close(m.events)
}

// Commands returns recorded commands of the given kind, or all of them
// when kind is empty.
func (m *MockPort) Commands(kind string) []wire.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []wire.Command
	for _, cmd := range m.cmds {
		if kind == "" || cmd.Cmd == kind {
			out = append(out, cmd)
		}
	}
	return out
}

// MockOwner records delivered events and can simulate disconnecting.
type MockOwner struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func NewMockOwner() *MockOwner {
	return &MockOwner{done: make(chan struct{})}
}

func (o *MockOwner) Deliver(ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *MockOwner) Done() <-chan struct{} { return o.done }

// Kill simulates the owner going away.
func (o *MockOwner) Kill() {
	close(o.done)
}

// Events returns delivered events of the given kind, or all of them
// when kind is empty.
func (o *MockOwner) Events(kind string) []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Event
	for _, ev := range o.events {
		if kind == "" || ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DrainInterval = 10 * time.Millisecond
	cfg.DrainBatch = 4
	return cfg
}

// startBroker runs a broker against the mock port and stops it when the
// test finishes.
func startBroker(t *testing.T, cfg Config, mp *MockPort) (*Broker, *metrics.Recorder) {
	t.Helper()
	rec := metrics.New(prometheus.NewRegistry(), "stt")
	b := New(cfg, mp, log.New(io.Discard), rec)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("broker did not stop")
		}
	})
	return b, rec
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func mustStats(t *testing.T, b *Broker) Stats {
	t.Helper()
	stats, err := b.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	return stats
}

func TestStartForwardsAndDrains(t *testing.T) {
	mp := NewMockPort()
	b, _ := startBroker(t, testConfig(), mp)
	owner := NewMockOwner()

	if err := b.Start(context.Background(), "s1", owner); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	starts := mp.Commands(wire.CmdStartSession)
	if len(starts) != 1 {
		t.Fatalf("Expected 1 start_session command, got %d", len(starts))
	}
	if starts[0].SessionID != "s1" {
		t.Errorf("Expected session_id s1, got %q", starts[0].SessionID)
	}

	var want [][]byte
	for i := 0; i < 10; i++ {
		chunk := []byte{byte(i), byte(i + 1)}
		want = append(want, chunk)
		b.Push("s1", chunk)
	}

	waitFor(t, "chunks were not forwarded", func() bool {
		return len(mp.Commands(wire.CmdAudioChunk)) == 10
	})
	for i, cmd := range mp.Commands(wire.CmdAudioChunk) {
		if cmd.SessionID != "s1" {
			t.Errorf("Chunk %d: expected session_id s1, got %q", i, cmd.SessionID)
		}
		payload, err := cmd.Payload()
		if err != nil {
			t.Fatalf("Chunk %d: bad payload: %v", i, err)
		}
		if !bytes.Equal(payload, want[i]) {
			t.Errorf("Chunk %d out of order: expected %v, got %v", i, want[i], payload)
		}
	}

	stats := mustStats(t, b)
	if stats.ActiveSessions != 1 {
		t.Errorf("Expected 1 active session, got %d", stats.ActiveSessions)
	}
	if stats.TotalProcessed != 10 {
		t.Errorf("Expected 10 processed chunks, got %d", stats.TotalProcessed)
	}
	if stats.TotalQueueDepth != 0 {
		t.Errorf("Expected empty queues after drain, got depth %d", stats.TotalQueueDepth)
	}
}

func TestDuplicateStartRejected(t *testing.T) {
	mp := NewMockPort()
	b, _ := startBroker(t, testConfig(), mp)

	if err := b.Start(context.Background(), "s1", NewMockOwner()); err != nil {
		t.Fatalf("First Start failed: %v", err)
	}
	err := b.Start(context.Background(), "s1", NewMockOwner())
	if !errors.Is(err, ErrDuplicateSession) {
		t.Errorf("Expected ErrDuplicateSession, got %v", err)
	}
	stats := mustStats(t, b)
	if stats.ActiveSessions != 1 {
		t.Errorf("Expected original session to survive, got %d active", stats.ActiveSessions)
	}
	if len(mp.Commands(wire.CmdStartSession)) != 1 {
		t.Errorf("Expected a single start_session command")
	}
}

func TestQueueBoundDropNewest(t *testing.T) {
	mp := NewMockPort()
	cfg := testConfig()
	cfg.QueueBound = 2
	cfg.DrainInterval = time.Hour
	b, _ := startBroker(t, cfg, mp)
	owner := NewMockOwner()

	if err := b.Start(context.Background(), "s1", owner); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		b.Push("s1", []byte{byte(i)})
	}

	stats := mustStats(t, b)
	if stats.TotalQueueDepth != 2 {
		t.Errorf("Expected queue depth 2, got %d", stats.TotalQueueDepth)
	}
	if stats.TotalDropped != 8 {
		t.Errorf("Expected 8 dropped chunks, got %d", stats.TotalDropped)
	}
	overloads := owner.Events(EventOverload)
	if len(overloads) != 8 {
		t.Fatalf("Expected 8 overload events, got %d", len(overloads))
	}
	for i, ev := range overloads {
		if ev.DroppedCount != uint64(i+1) {
			t.Errorf("Overload %d: expected dropped_count %d, got %d", i, i+1, ev.DroppedCount)
		}
		if ev.QueueDepth != 2 {
			t.Errorf("Overload %d: expected queue_depth 2, got %d", i, ev.QueueDepth)
		}
		if ev.Policy != DropNewest {
			t.Errorf("Overload %d: expected policy %q, got %q", i, DropNewest, ev.Policy)
		}
	}
	if n := len(mp.Commands(wire.CmdAudioChunk)); n != 0 {
		t.Errorf("Expected no forwarded chunks with draining disabled, got %d", n)
	}
}

func TestDropOldestEvictsHead(t *testing.T) {
	mp := NewMockPort()
	cfg := testConfig()
	cfg.QueueBound = 2
	cfg.Policy = DropOldest
	cfg.DrainInterval = time.Hour
	b, _ := startBroker(t, cfg, mp)
	owner := NewMockOwner()

	if err := b.Start(context.Background(), "s1", owner); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for i := 0; i < 4; i++ {
		b.Push("s1", []byte{byte(i)})
	}

	stats := mustStats(t, b)
	if stats.TotalQueueDepth != 2 {
		t.Errorf("Expected queue depth 2, got %d", stats.TotalQueueDepth)
	}
	if stats.TotalDropped != 2 {
		t.Errorf("Expected 2 evicted chunks, got %d dropped", stats.TotalDropped)
	}
	overloads := owner.Events(EventOverload)
	if len(overloads) != 2 {
		t.Fatalf("Expected 2 overload events, got %d", len(overloads))
	}
	if overloads[1].Policy != DropOldest {
		t.Errorf("Expected policy %q, got %q", DropOldest, overloads[1].Policy)
	}

	b.Stop("s1")
	stopped := mustStats(t, b)
	if stopped.TotalQueueDepth != 0 {
		t.Errorf("Expected queue discarded on stop, got depth %d", stopped.TotalQueueDepth)
	}
}

func TestStopReleasesStateImmediately(t *testing.T) {
	mp := NewMockPort()
	cfg := testConfig()
	cfg.DrainInterval = time.Hour
	b, _ := startBroker(t, cfg, mp)
	owner := NewMockOwner()

	if err := b.Start(context.Background(), "s1", owner); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		b.Push("s1", []byte{byte(i)})
	}
	b.Stop("s1")

	stats := mustStats(t, b)
	if stats.ActiveSessions != 0 {
		t.Errorf("Expected 0 active sessions after stop, got %d", stats.ActiveSessions)
	}
	if stats.TotalQueueDepth != 0 {
		t.Errorf("Expected queued audio discarded, got depth %d", stats.TotalQueueDepth)
	}
	if stats.StoppingSessions != 1 {
		t.Errorf("Expected 1 session in grace window, got %d", stats.StoppingSessions)
	}
	stops := mp.Commands(wire.CmdStopSession)
	if len(stops) != 1 || stops[0].SessionID != "s1" {
		t.Errorf("Expected stop_session for s1, got %v", stops)
	}
	if n := len(mp.Commands(wire.CmdAudioChunk)); n != 0 {
		t.Errorf("Expected discarded chunks never forwarded, got %d", n)
	}
}

func TestStopUnknownIsNoop(t *testing.T) {
	mp := NewMockPort()
	b, _ := startBroker(t, testConfig(), mp)

	b.Stop("ghost")
	stats := mustStats(t, b)
	if stats.ActiveSessions != 0 || stats.StoppingSessions != 0 {
		t.Errorf("Expected no state change, got %+v", stats)
	}
	if n := len(mp.Commands(wire.CmdStopSession)); n != 0 {
		t.Errorf("Expected no stop_session command, got %d", n)
	}

	// A second stop on an already stopping session is also a no-op.
	if err := b.Start(context.Background(), "s1", NewMockOwner()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	b.Stop("s1")
	b.Stop("s1")
	stats = mustStats(t, b)
	if stats.StoppingSessions != 1 {
		t.Errorf("Expected 1 stopping session, got %d", stats.StoppingSessions)
	}
	if n := len(mp.Commands(wire.CmdStopSession)); n != 1 {
		t.Errorf("Expected 1 stop_session command, got %d", n)
	}
}

func TestGraceWindowRoutesTrailingEvents(t *testing.T) {
	mp := NewMockPort()
	b, _ := startBroker(t, testConfig(), mp)
	owner := NewMockOwner()

	if err := b.Start(context.Background(), "s1", owner); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	b.Stop("s1")
	mp.Emit(wire.Event{Event: wire.EventFinal, SessionID: "s1", Text: "chunks=3", ChunkCount: 3})

	waitFor(t, "final never reached stopped owner", func() bool {
		return len(owner.Events(EventFinal)) == 1
	})
	final := owner.Events(EventFinal)[0]
	if final.Text != "chunks=3" || final.ChunkCount != 3 {
		t.Errorf("Expected final text chunks=3 count 3, got %+v", final)
	}

	// A final transcript retires the grace entry early.
	waitFor(t, "grace entry not retired after final", func() bool {
		return mustStats(t, b).StoppingSessions == 0
	})
}

func TestGraceWindowExpires(t *testing.T) {
	mp := NewMockPort()
	cfg := testConfig()
	cfg.GraceTTL = 30 * time.Millisecond
	b, rec := startBroker(t, cfg, mp)
	owner := NewMockOwner()

	if err := b.Start(context.Background(), "s1", owner); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	b.Stop("s1")
	waitFor(t, "grace window never expired", func() bool {
		return mustStats(t, b).StoppingSessions == 0
	})

	// Events arriving after expiry go nowhere.
	mp.Emit(wire.Event{Event: wire.EventFinal, SessionID: "s1", Text: "too late"})
	waitFor(t, "late event not counted as dropped", func() bool {
		return testutil.ToFloat64(rec.EventsDropped.WithLabelValues(metrics.DropUnknownSession)) == 1
	})
	if n := len(owner.Events(EventFinal)); n != 0 {
		t.Errorf("Expected no delivery after grace expiry, got %d finals", n)
	}
}

func TestOwnerDownCleansUp(t *testing.T) {
	mp := NewMockPort()
	b, rec := startBroker(t, testConfig(), mp)
	owner := NewMockOwner()

	if err := b.Start(context.Background(), "s1", owner); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	owner.Kill()

	waitFor(t, "session not stopped after owner vanished", func() bool {
		stats := mustStats(t, b)
		return stats.ActiveSessions == 0 && stats.StoppingSessions == 1
	})
	if n := len(mp.Commands(wire.CmdStopSession)); n != 1 {
		t.Errorf("Expected stop_session sent for abandoned session, got %d", n)
	}
	if got := testutil.ToFloat64(rec.SessionsStopped.WithLabelValues(metrics.StopOwnerDown)); got != 1 {
		t.Errorf("Expected 1 owner_down stop, got %v", got)
	}
	if got := testutil.ToFloat64(rec.SessionsStopped.WithLabelValues(metrics.StopExplicit)); got != 0 {
		t.Errorf("Expected 0 explicit stops, got %v", got)
	}
}

func TestStartStopCyclesLeakNothing(t *testing.T) {
	mp := NewMockPort()
	cfg := testConfig()
	cfg.DrainInterval = 5 * time.Millisecond
	cfg.GraceTTL = 30 * time.Millisecond
	b, _ := startBroker(t, cfg, mp)
	owner := NewMockOwner()

	for i := 0; i < 5; i++ {
		if err := b.Start(context.Background(), "loop", owner); err != nil {
			t.Fatalf("Cycle %d: Start failed: %v", i, err)
		}
		for j := 0; j < 3; j++ {
			b.Push("loop", []byte{byte(j)})
		}
		b.Stop("loop")
		stats := mustStats(t, b)
		if stats.ActiveSessions != 0 {
			t.Fatalf("Cycle %d: leaked active session", i)
		}
	}
	waitFor(t, "grace entries never drained away", func() bool {
		return mustStats(t, b).StoppingSessions == 0
	})
	if n := len(mp.Commands(wire.CmdStartSession)); n != 5 {
		t.Errorf("Expected 5 start_session commands, got %d", n)
	}
	if n := len(mp.Commands(wire.CmdStopSession)); n != 5 {
		t.Errorf("Expected 5 stop_session commands, got %d", n)
	}
}

func TestStartDuringGraceReusesID(t *testing.T) {
	mp := NewMockPort()
	b, _ := startBroker(t, testConfig(), mp)
	owner1 := NewMockOwner()
	owner2 := NewMockOwner()

	if err := b.Start(context.Background(), "s1", owner1); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	b.Stop("s1")
	if err := b.Start(context.Background(), "s1", owner2); err != nil {
		t.Fatalf("Restart during grace failed: %v", err)
	}

	stats := mustStats(t, b)
	if stats.ActiveSessions != 1 {
		t.Errorf("Expected 1 active session, got %d", stats.ActiveSessions)
	}
	if stats.StoppingSessions != 0 {
		t.Errorf("Expected superseded grace entry purged, got %d stopping", stats.StoppingSessions)
	}

	mp.Emit(wire.Event{Event: wire.EventPartial, SessionID: "s1", Text: "again"})
	waitFor(t, "partial never reached new owner", func() bool {
		return len(owner2.Events(EventPartial)) == 1
	})
	if n := len(owner1.Events(EventPartial)); n != 0 {
		t.Errorf("Expected old owner to receive nothing, got %d partials", n)
	}
}

func TestEventsRoutedToOwner(t *testing.T) {
	mp := NewMockPort()
	b, _ := startBroker(t, testConfig(), mp)
	owner := NewMockOwner()

	if err := b.Start(context.Background(), "s1", owner); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	mp.Emit(wire.Event{Event: wire.EventSessionStarted, SessionID: "s1"})
	mp.Emit(wire.Event{Event: wire.EventPartial, SessionID: "s1", Text: "hel", ChunkCount: 5})
	mp.Emit(wire.Event{Event: wire.EventError, SessionID: "s1", Message: "decode failure"})

	waitFor(t, "events never reached owner", func() bool {
		return len(owner.Events("")) == 3
	})
	got := owner.Events("")
	wantKinds := []string{EventSessionStarted, EventPartial, EventError}
	for i, kind := range wantKinds {
		if got[i].Kind != kind {
			t.Errorf("Event %d: expected kind %q, got %q", i, kind, got[i].Kind)
		}
		if got[i].SessionID != "s1" {
			t.Errorf("Event %d: expected session s1, got %q", i, got[i].SessionID)
		}
	}
	if got[1].Text != "hel" || got[1].ChunkCount != 5 {
		t.Errorf("Partial lost fields: %+v", got[1])
	}
	if got[2].Message != "decode failure" {
		t.Errorf("Error lost message: %+v", got[2])
	}
}

func TestUnknownSessionEventDropped(t *testing.T) {
	mp := NewMockPort()
	b, rec := startBroker(t, testConfig(), mp)

	mp.Emit(wire.Event{Event: wire.EventPartial, SessionID: "ghost", Text: "x"})
	waitFor(t, "stray event not counted", func() bool {
		return testutil.ToFloat64(rec.EventsDropped.WithLabelValues(metrics.DropUnknownSession)) == 1
	})
	// Broker is still healthy.
	if stats := mustStats(t, b); stats.ActiveSessions != 0 {
		t.Errorf("Expected clean state, got %+v", stats)
	}
}

func TestReadySurfacesInStats(t *testing.T) {
	mp := NewMockPort()
	b, _ := startBroker(t, testConfig(), mp)

	if stats := mustStats(t, b); stats.WorkerReady {
		t.Fatal("Expected worker_ready false before handshake")
	}
	mp.Emit(wire.Event{Event: wire.EventReady, TsMs: 1700000000000})
	waitFor(t, "ready never surfaced", func() bool {
		return mustStats(t, b).WorkerReady
	})
}

func TestWorkerExitIsFatal(t *testing.T) {
	mp := NewMockPort()
	rec := metrics.New(prometheus.NewRegistry(), "stt")
	b := New(testConfig(), mp, log.New(io.Discard), rec)
	runErr := make(chan error, 1)
	go func() {
		runErr <- b.Run(context.Background())
	}()

	if err := b.Start(context.Background(), "s1", NewMockOwner()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	mp.Exit(errors.New("exit status 3"))

	select {
	case err := <-runErr:
		if err == nil {
			t.Fatal("Expected Run to fail when the worker dies")
		}
		if !strings.Contains(err.Error(), "worker connection lost") {
			t.Errorf("Expected worker connection lost error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after worker exit")
	}

	if err := b.Start(context.Background(), "s2", NewMockOwner()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after shutdown, got %v", err)
	}
	if _, err := b.Stats(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Stats, got %v", err)
	}

	// A replacement broker starts from a clean slate.
	fresh, _ := startBroker(t, testConfig(), NewMockPort())
	stats := mustStats(t, fresh)
	if stats.ActiveSessions != 0 || stats.TotalProcessed != 0 {
		t.Errorf("Expected fresh broker state, got %+v", stats)
	}
}
