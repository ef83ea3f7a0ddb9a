// Package session terminates one tunneled proxy connection carried over a
// message-framed control channel and relays it to the requested destination.
package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/matst80/vlessedge/internal/identity"
	"github.com/matst80/vlessedge/internal/obs"
	"github.com/matst80/vlessedge/internal/proto"
)

// ErrUnsupportedDatagramPort is returned for UDP commands not aimed at port 53.
var ErrUnsupportedDatagramPort = errors.New("udp is only supported for dns (port 53)")

var (
	// errOutboundClosed marks a teardown initiated by the destination side.
	errOutboundClosed = errors.New("outbound closed")
	errSessionClosed  = errors.New("session closed")
	// errHandshakeTimeout marks a channel that sent no first frame in time.
	errHandshakeTimeout = errors.New("handshake timeout")
)

const (
	DefaultIdlePeriod       = 60 * time.Second
	DefaultIdleThreshold    = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	defaultQueueSize        = 64
	defaultReadBufferSize   = 32 * 1024
	closeGrace              = time.Second
	maxCloseReason          = 123
)

// Channel is the accepted, message-framed control connection.
// *websocket.Conn satisfies it. Slices returned by ReadMessage must not be
// reused by the channel after return.
type Channel interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Opener opens the outbound side for a validated handshake.
type Opener interface {
	Open(ctx context.Context, cmd proto.Command, dest proto.Destination) (io.ReadWriteCloser, error)
}

// Tracker is told about sessions entering and leaving the Relaying state.
// Track runs while the session holds its lock: it must not block or call
// back into the session beyond its read-only accessors.
type Tracker interface {
	Track(s *Session)
	Untrack(s *Session)
}

// Config is supplied at accept time. The identity token is validated when the
// handshake arrives, not here.
type Config struct {
	Identity      string
	IdlePeriod    time.Duration
	IdleThreshold time.Duration
	// HandshakeTimeout bounds the wait for the first frame.
	HandshakeTimeout time.Duration
	QueueSize        int
	ReadBufferSize   int
	Tracker          Tracker
}

func (c Config) withDefaults() Config {
	if c.IdlePeriod <= 0 {
		c.IdlePeriod = DefaultIdlePeriod
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = defaultReadBufferSize
	}
	return c
}

// State is the lifecycle position of a session.
type State int32

const (
	StateOpen State = iota
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Mode is the relay flavour chosen by the handshake.
type Mode int32

const (
	ModeUninitialized Mode = iota
	ModeTCP
	ModeDNS
)

func (m Mode) String() string {
	switch m {
	case ModeUninitialized:
		return "uninitialized"
	case ModeTCP:
		return "tcp"
	case ModeDNS:
		return "dns"
	}
	return fmt.Sprintf("mode(%d)", int32(m))
}

// Session is one accepted control-channel connection.
type Session struct {
	ID     string
	Remote string

	cfg    Config
	ch     Channel
	opener Opener

	state        atomic.Int32
	mode         atomic.Int32
	lastActivity atomic.Int64
	started      time.Time

	// set once by establish before the relay goroutines start
	version byte
	dest    proto.Destination

	mu       sync.Mutex // guards outbound and the Open->Relaying step
	outbound io.ReadWriteCloser

	frames chan []byte
	done   chan struct{}

	closeOnce   sync.Once
	releaseOnce sync.Once
	err         error
	wg          sync.WaitGroup
}

// New prepares a session on ch. Nothing happens until Serve is called.
func New(ch Channel, opener Opener, cfg Config) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		ID:      uuid.NewString(),
		cfg:     cfg,
		ch:      ch,
		opener:  opener,
		started: time.Now(),
		frames:  make(chan []byte, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	s.touch()
	return s
}

func (s *Session) State() State                   { return State(s.state.Load()) }
func (s *Session) Mode() Mode                     { return Mode(s.mode.Load()) }
func (s *Session) Started() time.Time             { return s.started }
func (s *Session) LastActivity() time.Time        { return time.Unix(0, s.lastActivity.Load()) }
func (s *Session) Done() <-chan struct{}          { return s.done }
func (s *Session) touch()                         { s.lastActivity.Store(time.Now().UnixNano()) }
func (s *Session) Destination() proto.Destination { return s.dest }

// Err reports why the session closed; nil while open or after a clean close.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Serve runs the session until either side closes. It returns the fatal
// error, if any, that ended the session.
func (s *Session) Serve(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.finish(errors.Errorf("panic: %v", r))
		}
		s.wg.Wait()
		err = s.Err()
	}()

	s.wg.Add(1)
	go s.monitorIdle()

	_ = s.ch.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	_, first, rerr := s.ch.ReadMessage()
	if rerr != nil {
		var ne net.Error
		if errors.As(rerr, &ne) && ne.Timeout() {
			s.finish(errHandshakeTimeout)
			return
		}
		// channel went away before a handshake: nothing to report to it
		s.finish(nil)
		return
	}
	s.touch()

	if herr := s.establish(ctx, first); herr != nil {
		s.finish(herr)
		return
	}
	_ = s.ch.SetReadDeadline(time.Time{})

	s.wg.Add(2)
	go s.writeOutbound()
	go s.readOutbound()
	s.readInbound()
	return
}

// establish handles the first frame: parse, validate, open the outbound side
// and queue the leftover payload. It is the only place state leaves Open.
func (s *Session) establish(ctx context.Context, frame []byte) error {
	hdr, err := proto.ParseHeader(frame)
	if err != nil {
		return err
	}
	if err := identity.Check(s.cfg.Identity, hdr.Identity); err != nil {
		return err
	}
	mode := ModeTCP
	if hdr.Command == proto.CommandUDP {
		if hdr.Destination.Port != proto.DNSPort {
			return errors.Wrapf(ErrUnsupportedDatagramPort, "port %d", hdr.Destination.Port)
		}
		mode = ModeDNS
	}

	out, err := s.opener.Open(ctx, hdr.Command, hdr.Destination)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.State() != StateOpen {
		// closed while dialing
		s.mu.Unlock()
		_ = out.Close()
		return errSessionClosed
	}
	s.version = hdr.Version
	s.dest = hdr.Destination
	s.outbound = out
	s.mode.Store(int32(mode))
	// tracked before Relaying is visible so a concurrent finish always untracks after
	if s.cfg.Tracker != nil {
		s.cfg.Tracker.Track(s)
	}
	s.state.Store(int32(StateRelaying))
	s.mu.Unlock()

	if payload := frame[hdr.PayloadOffset:]; len(payload) > 0 {
		s.frames <- payload
	}

	obs.ActiveSessions.Inc()
	obs.SessionsTotal.WithLabelValues(mode.String()).Inc()
	obs.Info("session.open", obs.Fields{"id": s.ID, "remote": s.Remote, "dest": s.dest.String(), "mode": mode.String()})
	return nil
}

// Close tears the session down normally. It is safe to call repeatedly and
// from any goroutine.
func (s *Session) Close() { s.finish(nil) }

// finish moves the session to Closed exactly once, releases the outbound
// handle and closes the control channel (with an error code when err != nil).
func (s *Session) finish(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		s.mu.Lock()
		prev := State(s.state.Swap(int32(StateClosed)))
		s.mu.Unlock()
		close(s.done)
		s.release()

		code, reason := websocket.CloseNormalClosure, ""
		if err != nil {
			code, reason = websocket.CloseInternalServerErr, CloseReason(err)
		}
		_ = s.ch.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(closeGrace))
		_ = s.ch.Close()

		fields := obs.Fields{"id": s.ID, "remote": s.Remote, "mode": s.Mode().String(), "from": prev.String()}
		if err != nil {
			fields["err"] = err.Error()
			obs.ErrorsTotal.WithLabelValues(ErrorType(err)).Inc()
		}
		if prev == StateRelaying {
			obs.ActiveSessions.Dec()
			obs.SessionDurationSeconds.Observe(time.Since(s.started).Seconds())
			if s.cfg.Tracker != nil {
				s.cfg.Tracker.Untrack(s)
			}
		}
		if err != nil && !errors.Is(err, errOutboundClosed) {
			obs.Error("session.close", fields)
		} else {
			obs.Info("session.close", fields)
		}
	})
}

func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		out := s.outbound
		s.mu.Unlock()
		if out != nil {
			_ = out.Close()
		}
	})
}

// guard converts a panic in a session goroutine into a failed session.
func (s *Session) guard() {
	if r := recover(); r != nil {
		s.finish(errors.Errorf("panic: %v", r))
	}
}

// CloseReason renders err as a close-frame reason, which is limited to 123 bytes.
func CloseReason(err error) string {
	msg := err.Error()
	if len(msg) > maxCloseReason {
		msg = msg[:maxCloseReason]
	}
	return msg
}
