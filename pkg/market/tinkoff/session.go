package tinkoff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"invest-core/pkg/logger"
)

const (
	DefaultStreamURL    = "wss://api-invest.tinkoff.ru/openapi/md/v1/md-openapi/ws"
	DefaultDialTimeout  = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	DefaultInboundSize  = 1024
)

var (
	// ErrNotConnected is returned by Send while no socket is open. Nothing is queued.
	ErrNotConnected = errors.New("tinkoff: stream not connected")
	// ErrUnauthorized means the broker refused the token. It is never retried.
	ErrUnauthorized = errors.New("tinkoff: unauthorized")
	// ErrSessionClosed is returned by Connect after Close.
	ErrSessionClosed = errors.New("tinkoff: session closed")
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateIdle State = iota
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Backoff computes reconnect delays: Base * 2^(attempt-1).
type Backoff struct {
	Base time.Duration
}

// DefaultBackoff waits 1s, 2s, 4s, ... between attempts.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second}
}

// Next returns the delay before the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	wait := base
	for i := 1; i < attempt; i++ {
		if wait > math.MaxInt64/2 {
			return time.Duration(math.MaxInt64)
		}
		wait *= 2
	}
	return wait
}

// SessionConfig holds connection settings for the market data stream.
// A negative PingInterval disables keepalive pings.
type SessionConfig struct {
	URL          string
	Token        string
	DialTimeout  time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
	InboundSize  int
}

func (c *SessionConfig) setDefaults() {
	if c.URL == "" {
		c.URL = DefaultStreamURL
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.InboundSize <= 0 {
		c.InboundSize = DefaultInboundSize
	}
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

func WithBackoff(b Backoff) SessionOption {
	return func(s *Session) { s.backoff = b }
}

// WithSleeper replaces the timer used between reconnect attempts.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) SessionOption {
	return func(s *Session) { s.sleep = fn }
}

func WithLogger(l *logger.Entry) SessionOption {
	return func(s *Session) { s.log = l }
}

// WithReconnectHook is called before every reconnect attempt is scheduled.
func WithReconnectHook(fn func(attempt int, wait time.Duration)) SessionOption {
	return func(s *Session) { s.onReconnect = fn }
}

// Session owns one streaming websocket and keeps it alive.
type Session struct {
	cfg         SessionConfig
	dialer      *websocket.Dialer
	backoff     Backoff
	sleep       func(ctx context.Context, d time.Duration) error
	log         *logger.Entry
	onReconnect func(attempt int, wait time.Duration)

	conn           atomic.Pointer[websocket.Conn]
	state          atomic.Int32
	attempt        atomic.Int64
	closedNormally atomic.Bool
	writeMu        sync.Mutex

	hooksMu sync.Mutex
	hooks   []func()

	ctx       context.Context
	cancel    context.CancelFunc
	inbound   chan []byte
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// NewSession builds an idle session; call Connect to open it.
func NewSession(cfg SessionConfig, opts ...SessionOption) *Session {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		backoff: DefaultBackoff(),
		sleep:   sleepCtx,
		log:     logger.GetLogger().WithComponent("tinkoff_stream"),
		ctx:     ctx,
		cancel:  cancel,
		inbound: make(chan []byte, cfg.InboundSize),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect starts the supervisor and waits for the first open socket.
// Returning because ctx ended leaves the supervisor running; call Close to stop it.
func (s *Session) Connect(ctx context.Context) error {
	s.startOnce.Do(func() {
		go s.run()
	})
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnConnect registers fn to run after every successful (re)connect.
func (s *Session) OnConnect(fn func()) {
	s.hooksMu.Lock()
	s.hooks = append(s.hooks, fn)
	s.hooksMu.Unlock()
}

// Send writes one text message. It fails fast with ErrNotConnected when the
// socket is down.
func (s *Session) Send(msg []byte) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	conn := s.conn.Load()
	if conn == nil {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		_ = conn.Close()
		return fmt.Errorf("tinkoff: send: %w", err)
	}
	return nil
}

// Inbound delivers whole messages; it is closed when the session ends.
func (s *Session) Inbound() <-chan []byte { return s.inbound }

// Done is closed once the session is terminated by Close or a fatal error.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the fatal error that ended the session, if any.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) State() State { return State(s.state.Load()) }

// Attempt is the current reconnect attempt number, 0 while connected.
func (s *Session) Attempt() int { return int(s.attempt.Load()) }

// Close stops the session without scheduling a reconnect.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closedNormally.Store(true)
		s.state.Store(int32(StateClosed))
		s.cancel()
		if conn := s.conn.Swap(nil); conn != nil {
			s.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			s.writeMu.Unlock()
			_ = conn.Close()
		}
		// never started: nothing else will close the channels
		s.startOnce.Do(func() {
			close(s.inbound)
			close(s.done)
		})
	})
	return nil
}

func (s *Session) run() {
	defer s.finish()

	attempt := 0
	for {
		if s.closedNormally.Load() {
			return
		}
		if attempt > 0 {
			wait := s.backoff.Next(attempt)
			s.setState(StateReconnecting)
			s.attempt.Store(int64(attempt))
			if s.onReconnect != nil {
				s.onReconnect(attempt, wait)
			}
			s.log.WithFields(logger.Fields{"attempt": attempt, "wait": wait.String()}).Warn("reconnect scheduled")
			if err := s.sleep(s.ctx, wait); err != nil {
				return
			}
			if s.closedNormally.Load() {
				return
			}
		}

		conn, err := s.dial()
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				s.log.WithError(err).Error("stream authentication failed")
				s.fail(err)
				return
			}
			s.log.WithError(err).WithField("attempt", attempt+1).Warn("stream dial failed")
			attempt++
			continue
		}

		s.conn.Store(conn)
		if s.closedNormally.Load() {
			s.conn.CompareAndSwap(conn, nil)
			_ = conn.Close()
			return
		}
		attempt = 0
		s.attempt.Store(0)
		s.setState(StateConnected)
		s.log.Info("stream connected")
		s.readyOnce.Do(func() { close(s.ready) })
		s.runHooks()

		err = s.serve(conn)
		s.conn.CompareAndSwap(conn, nil)
		_ = conn.Close()
		if s.closedNormally.Load() {
			return
		}
		s.log.WithError(err).Warn("stream dropped")
		attempt = 1
	}
}

func (s *Session) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	defer cancel()

	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("tinkoff: dial %s: %w", s.cfg.URL, err)
	}
	return conn, nil
}

// serve pumps inbound messages until the socket fails.
func (s *Session) serve(conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)

	if s.cfg.PingInterval > 0 {
		idle := 2 * s.cfg.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(idle))
		})
		go s.pingLoop(conn, stop)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if s.cfg.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))
		}
		select {
		case s.inbound <- msg:
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
}

func (s *Session) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.log.WithError(err).Warn("ping failed")
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Session) runHooks() {
	s.hooksMu.Lock()
	hooks := append([]func(){}, s.hooks...)
	s.hooksMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (s *Session) setState(st State) {
	for {
		cur := s.state.Load()
		if State(cur) == StateClosed {
			return
		}
		if s.state.CompareAndSwap(cur, int32(st)) {
			return
		}
	}
}

func (s *Session) fail(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
	s.state.Store(int32(StateClosed))
	s.cancel()
}

func (s *Session) finish() {
	s.state.Store(int32(StateClosed))
	close(s.inbound)
	close(s.done)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
