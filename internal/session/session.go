package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/ganglionhq/ganglion/internal/config"
	"github.com/ganglionhq/ganglion/internal/download"
	"github.com/ganglionhq/ganglion/internal/protocol"
)

// preludeSentinel is the line the app prints once its driver is attached
// and frames are about to flow.
const preludeSentinel = "__GANGLION__\n"

// preludeLineBudget bounds how many lines we scan for the sentinel before
// declaring the app failed to start.
const preludeLineBudget = 10

// stopGrace is how long Stop waits for the app to honor the quit message
// before killing the process.
const stopGrace = 5 * time.Second

// Remote is the capability set a session holds on its browser connection.
// The websocket handler implements it; tests substitute fakes.
type Remote interface {
	WriteBinary(data []byte) error
	WriteText(data []byte) error
	Close() error
}

// Options configures the app process a session supervises.
type Options struct {
	Command string            // run through a shell, stdio piped
	Debug   bool              // enables the app's debug/devtools env
	Env     map[string]string // extra environment entries
}

// Session supervises one app process on behalf of one browser connection.
// It owns the process handle, the stdin writer, and both read pumps.
type Session struct {
	id        string
	opts      Options
	remote    Remote
	downloads *download.Manager
	logger    *slog.Logger

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	stderrMu  sync.Mutex
	stderrBuf bytes.Buffer

	started  bool
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a session bound to the given browser remote. The app process
// is not spawned until Start.
func New(opts Options, remote Remote, downloads *download.Manager, logger *slog.Logger) *Session {
	id := shortuuid.New()
	return &Session{
		id:        id,
		opts:      opts,
		remote:    remote,
		downloads: downloads,
		logger:    logger.With("session_id", id),
		done:      make(chan struct{}),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Start spawns the app process with the prepared environment and launches
// the stderr drain and the main read loop. The process handle and stdin
// writer are captured before Start returns. Calling Start twice is a
// usage error.
func (s *Session) Start(width, height int) error {
	if s.started {
		return fmt.Errorf("session %s already started", s.id)
	}

	cmd := shellCommand(s.opts.Command)
	cmd.Env = s.buildEnv(width, height)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting app process: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.started = true

	stderrDone := make(chan struct{})
	go s.drainStderr(stderr, stderrDone)
	go s.run(bufio.NewReader(stdout), stderrDone)

	s.logger.Debug("app process started", "pid", cmd.Process.Pid, "width", width, "height", height)
	return nil
}

// shellCommand runs the command string through the platform shell, the
// same way a terminal user would type it.
func shellCommand(command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("cmd", "/C", command)
	}
	return exec.Command("/bin/sh", "-c", command)
}

func (s *Session) buildEnv(width, height int) []string {
	env := os.Environ()
	env = append(env,
		"TEXTUAL_DRIVER=textual.drivers.web_driver:WebDriver",
		"TEXTUAL_FPS=60",
		"TEXTUAL_COLOR_SYSTEM=truecolor",
		"TERM_PROGRAM=textual",
		"TERM_PROGRAM_VERSION="+config.Version,
		"COLUMNS="+strconv.Itoa(width),
		"ROWS="+strconv.Itoa(height),
	)
	if s.opts.Debug {
		env = append(env, "TEXTUAL=debug,devtools", "TEXTUAL_LOG=textual.log")
	}
	for k, v := range s.opts.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// SendBytes forwards keyboard bytes to the app as a Data frame. A failed
// write means the message is dropped, never that the session panics.
func (s *Session) SendBytes(data []byte) bool {
	return s.writeFrame(protocol.TagData, data)
}

// SendMeta serializes a control message and sends it as a Meta frame.
func (s *Session) SendMeta(v any) bool {
	payload, err := protocol.EncodeMeta(v)
	if err != nil {
		s.logger.Warn("encoding meta failed", "error", err)
		return false
	}
	return s.writeFrame(protocol.TagMeta, payload)
}

func (s *Session) writeFrame(tag byte, payload []byte) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.stdin == nil {
		return false
	}
	if err := protocol.WriteFrame(s.stdin, tag, payload); err != nil {
		s.logger.Debug("write to app failed", "error", err)
		return false
	}
	return true
}

// SetTerminalSize notifies the app that the browser terminal was resized.
func (s *Session) SetTerminalSize(width, height int) {
	s.SendMeta(protocol.Resize{Type: protocol.MetaResize, Width: width, Height: height})
}

// Blur notifies the app that the browser terminal lost focus.
func (s *Session) Blur() {
	s.SendMeta(protocol.Signal{Type: protocol.MetaBlur})
}

// Focus notifies the app that the browser terminal gained focus.
func (s *Session) Focus() {
	s.SendMeta(protocol.Signal{Type: protocol.MetaFocus})
}

// RequestChunk asks the app for the next chunk of a delivery. Implements
// the capability the download broker holds on this session.
func (s *Session) RequestChunk(key string, size int, name string) bool {
	return s.SendMeta(protocol.DeliverChunkRequest{
		Type: protocol.MetaDeliverChunkRequest,
		Key:  key,
		Size: size,
		Name: name,
	})
}

// Stop tears down the session: downloads bound to it are cancelled, the
// app is asked to quit over the Meta channel, and the read loop is
// joined. An app that ignores the request is killed after a grace
// period. Safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.downloads.CancelSessionDownloads(s.id)

		if !s.started {
			return
		}

		s.SendMeta(protocol.Signal{Type: protocol.MetaQuit})

		select {
		case <-s.done:
		case <-time.After(stopGrace):
			s.logger.Warn("app ignored quit, killing process")
			if s.cmd.Process != nil {
				_ = s.cmd.Process.Kill()
			}
			<-s.done
		}
		s.logger.Debug("session stopped")
	})
}

// drainStderr accumulates the app's diagnostic output so it can be
// surfaced when the app fails to start or exits.
func (s *Session) drainStderr(stderr io.Reader, done chan<- struct{}) {
	defer close(done)

	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			s.stderrMu.Lock()
			s.stderrBuf.Write(buf[:n])
			s.stderrMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// flushStderr forwards accumulated app diagnostics to the operator's
// stdout.
func (s *Session) flushStderr() {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	if s.stderrBuf.Len() > 0 {
		os.Stdout.Write(s.stderrBuf.Bytes())
		s.stderrBuf.Reset()
	}
}

// run is the main read loop: prelude handshake, then frames until the
// app channel ends.
func (s *Session) run(stdout *bufio.Reader, stderrDone <-chan struct{}) {
	defer close(s.done)

	ready := false
	for i := 0; i < preludeLineBudget; i++ {
		line, err := stdout.ReadString('\n')
		if line == preludeSentinel {
			ready = true
			break
		}
		if err != nil {
			break
		}
	}
	if !ready {
		s.logger.Error("application failed to start")
		s.flushStderr()
	}

	s.frameLoop(stdout)

	// Reap the process and surface any residual diagnostics.
	<-stderrDone
	if s.cmd != nil {
		_ = s.cmd.Wait()
	}
	s.flushStderr()
}

func (s *Session) frameLoop(stdout *bufio.Reader) {
	for {
		frame, err := protocol.ReadFrame(stdout)
		if err != nil {
			if !isCleanClose(err) {
				s.logger.Error("app protocol error", "error", err)
			}
			return
		}

		switch frame.Tag {
		case protocol.TagData:
			if err := s.remote.WriteBinary(frame.Payload); err != nil {
				s.logger.Debug("write to browser failed", "error", err)
			}
		case protocol.TagMeta:
			if err := s.onMeta(frame.Payload); err != nil {
				s.logger.Error("malformed meta from app", "error", err)
				return
			}
		case protocol.TagPacked:
			if err := s.onPacked(frame.Payload); err != nil {
				s.logger.Error("malformed packed message from app", "error", err)
				return
			}
		default:
			s.logger.Warn("discarding unknown frame tag", "tag", string(frame.Tag))
		}
	}
}

// isCleanClose reports whether a read error is an expected end of the app
// channel rather than a protocol violation.
func isCleanClose(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// jsonText marshals a browser-bound envelope. Marshaling a slice of
// printable values cannot realistically fail; a nil return is treated as
// a dropped message by callers.
func jsonText(envelope []any) []byte {
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil
	}
	return data
}
