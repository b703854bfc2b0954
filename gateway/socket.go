package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"vox.town/etc"
	"vox.town/metrics"
	"vox.town/stt"
	"vox.town/tts"
)

const (
	ownerSendBuffer  = 64
	responderTimeout = 30 * time.Second
)

// control is what owners send as text frames. Binary frames are audio
// and carry no envelope.
type control struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// frame is what the gateway itself says to an owner, next to the
// broker events which marshal under their own kinds.
type frame struct {
	Kind      string `json:"kind"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Message   string `json:"message,omitempty"`
}

// sessionConn is one owner socket. Everything written to the client
// funnels through send; deliver never blocks, so a stalled client
// loses events instead of stalling a broker actor.
type sessionConn struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	log  *log.Logger
}

func newSessionConn(conn *websocket.Conn, logger *log.Logger) *sessionConn {
	sc := &sessionConn{
		conn: conn,
		send: make(chan []byte, ownerSendBuffer),
		done: make(chan struct{}),
		log:  logger,
	}
	go sc.writePump()
	return sc
}

func (sc *sessionConn) writePump() {
	for {
		select {
		case data := <-sc.send:
			if err := sc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-sc.done:
			return
		}
	}
}

func (sc *sessionConn) deliver(rec *metrics.Recorder, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		sc.log.Error("owner frame marshal failed", "error", err)
		return
	}
	select {
	case sc.send <- data:
	default:
		rec.RecordEventDropped(metrics.DropSlowOwner)
		sc.log.Debug("dropping event for slow owner")
	}
}

// sttOwner adapts a socket to the transcription broker's owner
// contract and taps finals for the responder.
type sttOwner struct {
	srv *Server
	sc  *sessionConn
}

func (o sttOwner) Deliver(ev stt.Event) {
	o.srv.hub.Publish("stt", ev)
	o.sc.deliver(o.srv.sttRec, ev)
	if ev.Kind == stt.EventFinal && o.srv.responder != nil {
		go o.srv.respondTo(o.sc, ev.SessionID, ev.Text)
	}
}

func (o sttOwner) Done() <-chan struct{} { return o.sc.done }

type ttsOwner struct {
	srv *Server
	sc  *sessionConn
}

func (o ttsOwner) Deliver(ev tts.Event) {
	o.srv.hub.Publish("tts", ev)
	o.sc.deliver(o.srv.ttsRec, ev)
}

func (o ttsOwner) Done() <-chan struct{} { return o.sc.done }

// respondTo generates a reply to a final transcript, sends it to the
// owner and hands it to the synthesis broker when one is running.
func (s *Server) respondTo(sc *sessionConn, id, transcript string) {
	ctx, cancel := context.WithTimeout(context.Background(), responderTimeout)
	defer cancel()

	reply, err := s.responder.Respond(ctx, transcript)
	if err != nil {
		s.log.Error("responder failed", "session", id, "error", err)
		sc.deliver(s.sttRec, frame{Kind: "response_error", SessionID: id, Message: err.Error()})
		return
	}

	s.log.Info("responder replied", "session", id, "chars", len(reply))
	out := frame{Kind: "response", SessionID: id, Text: reply}
	s.hub.Publish("gateway", out)
	sc.deliver(s.sttRec, out)

	if s.tts != nil {
		s.tts.Speak(id, reply)
	}
}

// handleSession is the owner socket. Text frames are control JSON,
// binary frames are audio for the active session. Closing the socket
// counts as the owner going away; the brokers clean up on their own
// through Done.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("session upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sc := newSessionConn(conn, s.log)
	defer close(sc.done)

	s.log.Info("owner connected", "remote", r.RemoteAddr)
	defer s.log.Info("owner disconnected", "remote", r.RemoteAddr)

	// The session this socket currently owns, empty between stop and
	// the next start.
	var cur string

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("session socket read failed", "error", err)
			}
			return
		}

		switch mt {
		case websocket.TextMessage:
			var ctl control
			if err := json.Unmarshal(data, &ctl); err != nil {
				sc.deliver(s.sttRec, frame{Kind: "error", Message: "bad control frame: " + err.Error()})
				continue
			}
			cur = s.handleControl(r.Context(), sc, cur, ctl)

		case websocket.BinaryMessage:
			if cur == "" {
				s.log.Debug("audio before start, dropping", "bytes", len(data))
				continue
			}
			s.stt.Push(cur, data)
		}
	}
}

// handleControl applies one control message and returns the socket's
// new active session id.
func (s *Server) handleControl(ctx context.Context, sc *sessionConn, cur string, ctl control) string {
	switch ctl.Type {
	case "start":
		if cur != "" {
			sc.deliver(s.sttRec, frame{Kind: "error", SessionID: cur, Message: "session already started on this connection"})
			return cur
		}
		id := ctl.SessionID
		if id == "" {
			id = etc.NewFreshID()
		}
		if err := s.stt.Start(ctx, id, sttOwner{srv: s, sc: sc}); err != nil {
			if errors.Is(err, stt.ErrDuplicateSession) {
				sc.deliver(s.sttRec, frame{Kind: "error", SessionID: id, Message: "session id already in use"})
				return ""
			}
			sc.deliver(s.sttRec, frame{Kind: "error", SessionID: id, Message: err.Error()})
			return ""
		}
		if s.tts != nil {
			if err := s.tts.Start(ctx, id, ttsOwner{srv: s, sc: sc}); err != nil {
				s.log.Warn("tts session not started", "session", id, "error", err)
			}
		}
		sc.deliver(s.sttRec, frame{Kind: "accepted", SessionID: id})
		return id

	case "stop":
		if cur == "" {
			return ""
		}
		s.stt.Stop(cur)
		if s.tts != nil {
			s.tts.Stop(cur)
		}
		return ""

	default:
		sc.deliver(s.sttRec, frame{Kind: "error", Message: "unknown control type " + ctl.Type})
		return cur
	}
}
