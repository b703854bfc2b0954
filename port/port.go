// Package port runs the external worker subprocess and carries framed
// commands and events over its stdio. A port lives exactly as long as
// its worker: any exit, write failure or stream desync ends the port,
// and the owning broker treats that as fatal.
package port

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"vox.town/metrics"
	"vox.town/wire"
)

const (
	sendBuffer  = 256
	eventBuffer = 64

	// killDelay is how long a closed worker gets to exit on its own
	// after losing stdin before we kill it.
	killDelay = 5 * time.Second
)

var (
	ErrWorkerGone = errors.New("worker gone")
	ErrClosed     = errors.New("port closed")
)

type Port struct {
	log    *log.Logger
	rec    *metrics.Recorder
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	mu     sync.Mutex
	closed bool

	sends   chan wire.Command
	events  chan wire.Event
	done    chan struct{}
	closing chan struct{}
	once    sync.Once
	err     error
}

// Spawn launches the worker described by argv and starts the stdio
// pumps. The worker's stderr passes straight through to ours so
// tracebacks stay visible. The process is not tied to any context;
// Close withdraws its stdin as the exit cue.
func Spawn(argv []string, logger *log.Logger, rec *metrics.Recorder) (*Port, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty worker command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %q: %w", argv[0], err)
	}

	p := &Port{
		log:     logger,
		rec:     rec,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		sends:   make(chan wire.Command, sendBuffer),
		events:  make(chan wire.Event, eventBuffer),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}

	p.rec.RecordWorkerStart()
	p.log.Info("worker started", "pid", cmd.Process.Pid, "cmd", strings.Join(argv, " "))

	go p.writePump()
	go p.readPump()

	return p, nil
}

// Send hands a command to the write pump. It never blocks: a full send
// buffer means the worker has stalled on its stdin, which is treated
// the same as losing the connection.
func (p *Port) Send(cmd wire.Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	select {
	case <-p.done:
		return fmt.Errorf("%w: %v", ErrWorkerGone, p.err)
	default:
	}

	select {
	case p.sends <- cmd:
		return nil
	default:
		p.fail(errors.New("send buffer full, worker stalled"))
		return fmt.Errorf("%w: send buffer full", ErrWorkerGone)
	}
}

// Events returns the inbound event stream. The channel closes when the
// worker is gone; Err then reports why.
func (p *Port) Events() <-chan wire.Event {
	return p.events
}

func (p *Port) Done() <-chan struct{} {
	return p.done
}

// Err reports why the port ended. Valid after Done is closed.
func (p *Port) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *Port) Pid() int {
	return p.cmd.Process.Pid
}

// Close flushes any queued commands and then withdraws the worker's
// stdin, which well-behaved workers take as their cue to finish up and
// exit. A worker that ignores the cue gets killed after killDelay.
// Sends after Close fail with ErrClosed.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		close(p.closing)
		close(p.sends)
		time.AfterFunc(killDelay, func() {
			select {
			case <-p.done:
			default:
				p.log.Warn("worker ignored shutdown, killing", "pid", p.cmd.Process.Pid)
				p.cmd.Process.Kill()
			}
		})
	}
	return nil
}

func (p *Port) writePump() {
	for {
		select {
		case <-p.done:
			return
		case cmd, ok := <-p.sends:
			if !ok {
				// Close drained the queue; signal EOF downstream.
				p.stdin.Close()
				return
			}
			if err := wire.EncodeCommand(p.stdin, cmd); err != nil {
				p.fail(fmt.Errorf("write to worker: %w", err))
				return
			}
		}
	}
}

func (p *Port) readPump() {
	defer close(p.events)
	for {
		payload, err := wire.ReadFrame(p.stdout)
		if err != nil {
			if err == io.EOF {
				// Output fully drained; the process can be reaped now.
				p.fail(exitError(p.cmd.Wait()))
			} else {
				p.fail(fmt.Errorf("worker stream desynced: %w", err))
				go p.cmd.Wait()
			}
			return
		}

		ev, err := wire.DecodeEvent(payload)
		if err != nil {
			p.log.Warn("dropping malformed frame from worker", "error", err)
			p.rec.RecordMalformedPayload()
			continue
		}

		select {
		case p.events <- ev:
		case <-p.done:
			return
		}
	}
}

func (p *Port) fail(err error) {
	p.once.Do(func() {
		p.err = err
		p.stdin.Close()
		close(p.done)
		p.rec.RecordWorkerExit()
		select {
		case <-p.closing:
			p.log.Info("worker exited", "cause", err)
		default:
			p.log.Error("worker connection lost", "error", err)
		}
	})
}

func exitError(waitErr error) error {
	if waitErr != nil {
		return fmt.Errorf("worker exited: %w", waitErr)
	}
	return errors.New("worker exited")
}
