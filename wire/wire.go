// Package wire implements the framed stdio protocol spoken by the
// external worker processes: a 4-byte big-endian length header followed
// by a UTF-8 JSON payload, in both directions. Field names and framing
// width are frozen; workers consume this exact contract.
package wire

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const (
	HeaderSize = 4

	// MaxFrameSize bounds the payload length accepted on either side of
	// the channel. A header announcing more than this means the stream
	// has desynced.
	MaxFrameSize = 16 << 20

	// GlobalSession is the sentinel session id on commands and events
	// that address the worker itself rather than one session.
	GlobalSession = "_"
)

// Outbound command names.
const (
	CmdStartSession = "start_session"
	CmdAudioChunk   = "audio_chunk"
	CmdSpeakText    = "speak_text"
	CmdStopSession  = "stop_session"
	CmdShutdown     = "shutdown"
)

// Inbound event names. The first five are the transcription dialect;
// audio_chunk, session_done and session_stopped belong to the synthesis
// dialect. Workers may say bye on their way out.
const (
	EventReady          = "ready"
	EventSessionStarted = "session_started"
	EventPartial        = "partial"
	EventFinal          = "final"
	EventError          = "error"
	EventAudioChunk     = "audio_chunk"
	EventSessionDone    = "session_done"
	EventSessionStopped = "session_stopped"
	EventBye            = "bye"
)

type Command struct {
	Cmd        string `json:"cmd"`
	SessionID  string `json:"session_id"`
	PayloadB64 string `json:"payload_b64,omitempty"`
	Text       string `json:"text,omitempty"`
}

type Event struct {
	Event      string `json:"event"`
	SessionID  string `json:"session_id,omitempty"`
	Text       string `json:"text,omitempty"`
	ChunkCount int    `json:"chunk_count,omitempty"`
	Message    string `json:"message,omitempty"`
	TsMs       int64  `json:"ts_ms,omitempty"`
	Seq        int    `json:"seq,omitempty"`
	PCMB64     string `json:"pcm_b64,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Format     string `json:"format,omitempty"`
}

func StartSession(sessionID string) Command {
	return Command{Cmd: CmdStartSession, SessionID: sessionID}
}

func AudioChunk(sessionID string, payload []byte) Command {
	return Command{
		Cmd:        CmdAudioChunk,
		SessionID:  sessionID,
		PayloadB64: base64.StdEncoding.EncodeToString(payload),
	}
}

func SpeakText(sessionID, text string) Command {
	return Command{Cmd: CmdSpeakText, SessionID: sessionID, Text: text}
}

func StopSession(sessionID string) Command {
	return Command{Cmd: CmdStopSession, SessionID: sessionID}
}

func Shutdown() Command {
	return Command{Cmd: CmdShutdown, SessionID: GlobalSession}
}

// Payload decodes the command's base64 audio payload.
func (c Command) Payload() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(c.PayloadB64)
	if err != nil {
		return nil, fmt.Errorf("decode payload_b64: %w", err)
	}
	return data, nil
}

// PCM decodes the event's base64 synthesized audio.
func (e Event) PCM() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(e.PCMB64)
	if err != nil {
		return nil, fmt.Errorf("decode pcm_b64: %w", err)
	}
	return data, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit of %d", len(payload), MaxFrameSize)
	}
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. A clean end of stream
// before any header byte returns io.EOF unwrapped; an end of stream
// mid-frame is an error.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit of %d", length, MaxFrameSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// EncodeCommand marshals cmd and writes it as one frame.
func EncodeCommand(w io.Writer, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return WriteFrame(w, data)
}

// EncodeEvent marshals ev and writes it as one frame.
func EncodeEvent(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return WriteFrame(w, data)
}

// DecodeEvent parses one inbound frame payload.
func DecodeEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	if ev.Event == "" {
		return Event{}, fmt.Errorf("event frame missing event field")
	}
	return ev, nil
}

// DecodeCommand parses one outbound frame payload. Workers use this;
// the broker side only encodes commands.
func DecodeCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Command{}, fmt.Errorf("unmarshal command: %w", err)
	}
	if cmd.Cmd == "" {
		return Command{}, fmt.Errorf("command frame missing cmd field")
	}
	return cmd, nil
}
