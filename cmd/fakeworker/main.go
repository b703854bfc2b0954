// A deterministic worker speaking the framed stdio contract, for
// exercising the daemon without any model runtime. Transcription mode
// counts chunks; --tts mode synthesizes a fixed three-chunk utterance.
package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"vox.town/wire"
)

func main() {
	cmd := &cobra.Command{
		Use:   "fakeworker",
		Short: "Run a deterministic voice worker on stdio",
		Run:   runWorker,
	}

	cmd.Flags().Bool("tts", false, "Speak the synthesis dialect instead of transcription")

	if err := cmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, args []string) {
	ttsMode, _ := cmd.Flags().GetBool("tts")

	// stdout carries frames, so logs go to stderr.
	w := &worker{
		out:    os.Stdout,
		log:    log.New(os.Stderr),
		tts:    ttsMode,
		counts: make(map[string]int),
	}

	if err := w.run(os.Stdin); err != nil {
		w.log.Fatal("worker failed", "error", err)
	}
}

type worker struct {
	out    io.Writer
	log    *log.Logger
	tts    bool
	counts map[string]int
}

func (w *worker) run(in io.Reader) error {
	err := w.emit(wire.Event{
		Event:     wire.EventReady,
		SessionID: wire.GlobalSession,
		TsMs:      time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	for {
		payload, err := wire.ReadFrame(in)
		if err == io.EOF {
			// The daemon withdrew stdin, same farewell as shutdown.
			return w.bye()
		}
		if err != nil {
			return err
		}

		cmd, err := wire.DecodeCommand(payload)
		if err != nil {
			w.log.Warn("Skipping malformed command", "error", err)
			continue
		}

		if cmd.Cmd == wire.CmdShutdown {
			return w.bye()
		}
		if err := w.handle(cmd); err != nil {
			return err
		}
	}
}

func (w *worker) handle(cmd wire.Command) error {
	switch cmd.Cmd {
	case wire.CmdStartSession:
		w.counts[cmd.SessionID] = 0
		return w.emit(wire.Event{
			Event:     wire.EventSessionStarted,
			SessionID: cmd.SessionID,
		})

	case wire.CmdAudioChunk:
		n, ok := w.counts[cmd.SessionID]
		if !ok {
			return w.unknownSession(cmd.SessionID)
		}
		n++
		w.counts[cmd.SessionID] = n
		if n%10 == 0 {
			return w.emit(wire.Event{
				Event:      wire.EventPartial,
				SessionID:  cmd.SessionID,
				Text:       fmt.Sprintf("chunks=%d", n),
				ChunkCount: n,
			})
		}
		return nil

	case wire.CmdSpeakText:
		return w.speak(cmd.SessionID, cmd.Text)

	case wire.CmdStopSession:
		n, ok := w.counts[cmd.SessionID]
		if !ok {
			return w.unknownSession(cmd.SessionID)
		}
		delete(w.counts, cmd.SessionID)
		if w.tts {
			return w.emit(wire.Event{
				Event:     wire.EventSessionStopped,
				SessionID: cmd.SessionID,
			})
		}
		return w.emit(wire.Event{
			Event:      wire.EventFinal,
			SessionID:  cmd.SessionID,
			Text:       fmt.Sprintf("chunks=%d", n),
			ChunkCount: n,
		})

	default:
		w.log.Warn("Ignoring unknown command", "cmd", cmd.Cmd)
		return nil
	}
}

func (w *worker) speak(id, text string) error {
	if !w.tts {
		return w.emit(wire.Event{
			Event:     wire.EventError,
			SessionID: id,
			Message:   "not a synthesis worker",
		})
	}
	if _, ok := w.counts[id]; !ok {
		return w.unknownSession(id)
	}

	for seq := 0; seq < 3; seq++ {
		pcm := []byte(fmt.Sprintf("pcm:%d:%s", seq, text))
		err := w.emit(wire.Event{
			Event:      wire.EventAudioChunk,
			SessionID:  id,
			Seq:        seq,
			PCMB64:     base64.StdEncoding.EncodeToString(pcm),
			SampleRate: 22050,
			Channels:   1,
			Format:     "s16le",
		})
		if err != nil {
			return err
		}
	}
	return w.emit(wire.Event{Event: wire.EventSessionDone, SessionID: id})
}

func (w *worker) unknownSession(id string) error {
	return w.emit(wire.Event{
		Event:     wire.EventError,
		SessionID: id,
		Message:   "unknown session",
	})
}

func (w *worker) bye() error {
	return w.emit(wire.Event{
		Event:     wire.EventBye,
		SessionID: wire.GlobalSession,
	})
}

func (w *worker) emit(ev wire.Event) error {
	return wire.EncodeEvent(w.out, ev)
}
