package main

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/charmbracelet/log"

	"vox.town/wire"
)

func runScript(t *testing.T, tts bool, cmds []wire.Command) []wire.Event {
	t.Helper()

	var in bytes.Buffer
	for _, c := range cmds {
		if err := wire.EncodeCommand(&in, c); err != nil {
			t.Fatalf("Failed to encode command: %v", err)
		}
	}

	var out bytes.Buffer
	w := &worker{
		out:    &out,
		log:    log.New(io.Discard),
		tts:    tts,
		counts: make(map[string]int),
	}
	if err := w.run(&in); err != nil {
		t.Fatalf("Worker run failed: %v", err)
	}

	var events []wire.Event
	for {
		payload, err := wire.ReadFrame(&out)
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("Failed to read event frame: %v", err)
		}
		ev, err := wire.DecodeEvent(payload)
		if err != nil {
			t.Fatalf("Failed to decode event: %v", err)
		}
		events = append(events, ev)
	}
}

func kinds(events []wire.Event) []string {
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.Event
	}
	return names
}

func TestTranscriptionSession(t *testing.T) {
	cmds := []wire.Command{wire.StartSession("s1")}
	for i := 0; i < 10; i++ {
		cmds = append(cmds, wire.AudioChunk("s1", []byte{byte(i)}))
	}
	cmds = append(cmds, wire.StopSession("s1"), wire.Shutdown())

	events := runScript(t, false, cmds)

	want := []string{"ready", "session_started", "partial", "final", "bye"}
	got := kinds(events)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("Expected events %v, got %v", want, got)
	}

	partial := events[2]
	if partial.Text != "chunks=10" || partial.ChunkCount != 10 {
		t.Errorf(
			"Expected partial chunks=10, got %q (count %d)",
			partial.Text,
			partial.ChunkCount,
		)
	}
	final := events[3]
	if final.Text != "chunks=10" || final.ChunkCount != 10 {
		t.Errorf(
			"Expected final chunks=10, got %q (count %d)",
			final.Text,
			final.ChunkCount,
		)
	}
}

func TestPartialEveryTenChunks(t *testing.T) {
	cmds := []wire.Command{wire.StartSession("s1")}
	for i := 0; i < 25; i++ {
		cmds = append(cmds, wire.AudioChunk("s1", []byte("a")))
	}
	cmds = append(cmds, wire.StopSession("s1"))

	events := runScript(t, false, cmds)

	var partials []wire.Event
	for _, ev := range events {
		if ev.Event == wire.EventPartial {
			partials = append(partials, ev)
		}
	}
	if len(partials) != 2 {
		t.Fatalf("Expected 2 partials for 25 chunks, got %d", len(partials))
	}
	if partials[0].ChunkCount != 10 || partials[1].ChunkCount != 20 {
		t.Errorf(
			"Expected partials at 10 and 20 chunks, got %d and %d",
			partials[0].ChunkCount,
			partials[1].ChunkCount,
		)
	}
}

func TestSynthesisSession(t *testing.T) {
	cmds := []wire.Command{
		wire.StartSession("s1"),
		wire.SpeakText("s1", "hello"),
		wire.StopSession("s1"),
		wire.Shutdown(),
	}

	events := runScript(t, true, cmds)

	want := []string{
		"ready",
		"session_started",
		"audio_chunk",
		"audio_chunk",
		"audio_chunk",
		"session_done",
		"session_stopped",
		"bye",
	}
	got := kinds(events)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("Expected events %v, got %v", want, got)
	}

	for i, ev := range events[2:5] {
		if ev.Seq != i {
			t.Errorf("Expected audio seq %d, got %d", i, ev.Seq)
		}
		pcm, err := ev.PCM()
		if err != nil {
			t.Fatalf("Failed to decode pcm: %v", err)
		}
		wantPCM := fmt.Sprintf("pcm:%d:hello", i)
		if string(pcm) != wantPCM {
			t.Errorf("Expected pcm %q, got %q", wantPCM, pcm)
		}
		if ev.SampleRate != 22050 || ev.Channels != 1 || ev.Format != "s16le" {
			t.Errorf(
				"Expected 22050/1/s16le audio, got %d/%d/%s",
				ev.SampleRate,
				ev.Channels,
				ev.Format,
			)
		}
	}
}

func TestStdinCloseSaysBye(t *testing.T) {
	events := runScript(t, false, []wire.Command{wire.StartSession("s1")})

	got := kinds(events)
	want := []string{"ready", "session_started", "bye"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("Expected events %v, got %v", want, got)
	}
}

func TestUnknownSessionGetsError(t *testing.T) {
	events := runScript(t, false, []wire.Command{
		wire.AudioChunk("ghost", []byte("a")),
		wire.StopSession("ghost"),
	})

	var errs []wire.Event
	for _, ev := range events {
		if ev.Event == wire.EventError {
			errs = append(errs, ev)
		}
	}
	if len(errs) != 2 {
		t.Fatalf("Expected 2 error events, got %d", len(errs))
	}
	for _, ev := range errs {
		if ev.SessionID != "ghost" || ev.Message != "unknown session" {
			t.Errorf(
				"Expected unknown session error for ghost, got %+v",
				ev,
			)
		}
	}
}

func TestSpeakOnTranscriptionWorkerErrors(t *testing.T) {
	events := runScript(t, false, []wire.Command{
		wire.StartSession("s1"),
		wire.SpeakText("s1", "hello"),
	})

	var found bool
	for _, ev := range events {
		if ev.Event == wire.EventError && ev.Message == "not a synthesis worker" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected a not-a-synthesis-worker error, got %v", kinds(events))
	}
}
