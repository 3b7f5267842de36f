package denon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Reconnect policy defaults.
const (
	// defaultReconnectInterval is the initial delay between reconnection attempts.
	defaultReconnectInterval = 5 * time.Second

	// defaultMaxReconnectInterval caps the exponential backoff.
	defaultMaxReconnectInterval = 2 * time.Minute

	// defaultFailureThreshold is how many consecutive dial failures open
	// the circuit breaker.
	defaultFailureThreshold = 5

	// defaultBreakerTimeout is how long the breaker stays open before a
	// trial dial is allowed.
	defaultBreakerTimeout = time.Minute

	// backoffFactor multiplies the delay after every failed attempt.
	backoffFactor = 1.5
)

// DialFunc opens a receiver connection. Connect is the production value.
type DialFunc func(ctx context.Context, cfg Config) (*Connection, error)

// SupervisorConfig holds the reconnect policy.
type SupervisorConfig struct {
	// Connection is passed to every dial.
	Connection Config

	// ReconnectInterval is the initial delay between attempts.
	// Default: 5 seconds.
	ReconnectInterval time.Duration

	// MaxReconnectInterval caps the backoff.
	// Default: 2 minutes.
	MaxReconnectInterval time.Duration

	// FailureThreshold is the number of consecutive failed dials after
	// which the breaker opens.
	// Default: 5.
	FailureThreshold uint32

	// BreakerTimeout is how long the breaker stays open.
	// Default: 1 minute.
	BreakerTimeout time.Duration

	// Dial overrides how connections are opened. Defaults to Connect.
	Dial DialFunc
}

func (c *SupervisorConfig) applyDefaults() {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = defaultReconnectInterval
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if c.MaxReconnectInterval < c.ReconnectInterval {
		c.MaxReconnectInterval = c.ReconnectInterval
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = defaultBreakerTimeout
	}
	if c.Dial == nil {
		c.Dial = Connect
	}
}

// Ensure Supervisor implements Controller.
var _ Controller = (*Supervisor)(nil)

// Supervisor keeps a Connection alive for long-running consumers.
//
// The Connection itself never retries. The supervisor dials, watches the
// sync loop, and when the loop ends unexpectedly dials again with
// exponential backoff. Dials go through a circuit breaker so a receiver
// that is switched off at the mains is not hammered.
//
// Thread Safety: All methods are safe for concurrent use.
type Supervisor struct {
	cfg     SupervisorConfig
	breaker *gobreaker.CircuitBreaker[*Connection]

	conn   *Connection
	connMu sync.RWMutex

	onUpdate      func(Update)
	onStateChange func(connected bool)
	callbackMu    sync.RWMutex

	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	reconnectsTotal atomic.Uint64
	dialFailures    atomic.Uint64
}

// NewSupervisor creates a supervisor. Call Start to begin dialling.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	cfg.applyDefaults()

	s := &Supervisor{
		cfg:  cfg,
		done: newCloseOnce(),
	}

	s.breaker = gobreaker.NewCircuitBreaker[*Connection](gobreaker.Settings{
		Name:        "denon-receiver",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logInfo("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return s
}

// SetLogger sets the logger for the supervisor and every connection it opens.
func (s *Supervisor) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()

	s.connMu.RLock()
	if s.conn != nil {
		s.conn.SetLogger(logger)
	}
	s.connMu.RUnlock()
}

// SetOnUpdate registers the callback re-attached to every connection.
func (s *Supervisor) SetOnUpdate(fn func(Update)) {
	s.callbackMu.Lock()
	s.onUpdate = fn
	s.callbackMu.Unlock()
}

// SetOnStateChange registers a callback invoked when the receiver
// connects or disconnects.
func (s *Supervisor) SetOnStateChange(fn func(connected bool)) {
	s.callbackMu.Lock()
	s.onStateChange = fn
	s.callbackMu.Unlock()
}

// Start launches the supervision goroutine. It returns immediately; the
// first dial happens in the background.
func (s *Supervisor) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Close stops supervision and closes the current connection.
func (s *Supervisor) Close() {
	s.done.Close()
	s.wg.Wait()
}

// Current returns the live connection.
func (s *Supervisor) Current() (*Connection, error) {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	if s.conn == nil || !s.conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

// BreakerState returns the circuit breaker state.
func (s *Supervisor) BreakerState() gobreaker.State {
	return s.breaker.State()
}

// ReconnectsTotal returns the number of successful dials after the first.
func (s *Supervisor) ReconnectsTotal() uint64 {
	return s.reconnectsTotal.Load()
}

// DialFailures returns the number of failed or rejected dials.
func (s *Supervisor) DialFailures() uint64 {
	return s.dialFailures.Load()
}

// Set forwards to the current connection.
func (s *Supervisor) Set(key StateKey, value StateValue) error {
	conn, err := s.Current()
	if err != nil {
		return err
	}
	return conn.Set(key, value)
}

// Get forwards to the current connection.
func (s *Supervisor) Get(ctx context.Context, key StateKey) (StateValue, error) {
	conn, err := s.Current()
	if err != nil {
		return Unknown, err
	}
	return conn.Get(ctx, key)
}

// Refresh forwards to the current connection.
func (s *Supervisor) Refresh() error {
	conn, err := s.Current()
	if err != nil {
		return err
	}
	return conn.Refresh()
}

// Snapshot returns the current connection's cache, or nil when disconnected.
func (s *Supervisor) Snapshot() []CachedState {
	conn, err := s.Current()
	if err != nil {
		return nil
	}
	return conn.Snapshot()
}

// IsConnected reports whether a live connection exists.
func (s *Supervisor) IsConnected() bool {
	_, err := s.Current()
	return err == nil
}

// Stats returns the current connection's statistics.
func (s *Supervisor) Stats() Stats {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	if s.conn == nil {
		return Stats{}
	}
	return s.conn.Stats()
}

func (s *Supervisor) run(ctx context.Context) {
	defer s.wg.Done()

	backoff := s.cfg.ReconnectInterval
	first := true

	for {
		conn, err := s.dial(ctx)
		if err != nil {
			s.dialFailures.Add(1)
			s.logError("receiver dial failed", err)
			if !s.wait(ctx, backoff) {
				return
			}
			backoff = min(time.Duration(float64(backoff)*backoffFactor), s.cfg.MaxReconnectInterval)
			continue
		}

		backoff = s.cfg.ReconnectInterval
		if !first {
			s.reconnectsTotal.Add(1)
		}
		first = false

		s.attach(conn)

		select {
		case <-conn.Done():
			s.logError("receiver connection lost", conn.Err())
			s.detach(conn)
			if !s.wait(ctx, s.cfg.ReconnectInterval) {
				return
			}
		case <-s.done.Done():
			s.detach(conn)
			return
		case <-ctx.Done():
			s.detach(conn)
			return
		}
	}
}

// dial opens one connection. The attempt is abandoned when ctx ends or
// Close is called.
func (s *Supervisor) dial(ctx context.Context) (*Connection, error) {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done.Done():
			cancel()
		case <-dialCtx.Done():
		}
	}()

	conn, err := s.breaker.Execute(func() (*Connection, error) {
		return s.cfg.Dial(dialCtx, s.cfg.Connection)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	return conn, err
}

// wait sleeps for d and reports false if supervision should end.
func (s *Supervisor) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-s.done.Done():
		return false
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (s *Supervisor) attach(conn *Connection) {
	s.loggerMu.RLock()
	logger := s.logger
	s.loggerMu.RUnlock()
	if logger != nil {
		conn.SetLogger(logger)
	}
	conn.SetOnUpdate(s.handleUpdate)

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	s.logInfo("receiver connected", "address", conn.Address())
	s.notifyStateChange(true)

	if err := conn.Refresh(); err != nil {
		s.logError("initial state refresh failed", err)
	}
}

func (s *Supervisor) detach(conn *Connection) {
	s.connMu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.connMu.Unlock()

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logError("sync loop panicked", fmt.Errorf("%v", r))
			}
		}()
		if err := conn.Close(); err != nil {
			s.logDebug("connection closed with error", "error", err.Error())
		}
	}()

	s.notifyStateChange(false)
}

func (s *Supervisor) handleUpdate(u Update) {
	s.callbackMu.RLock()
	fn := s.onUpdate
	s.callbackMu.RUnlock()
	if fn != nil {
		fn(u)
	}
}

func (s *Supervisor) notifyStateChange(connected bool) {
	s.callbackMu.RLock()
	fn := s.onStateChange
	s.callbackMu.RUnlock()
	if fn != nil {
		fn(connected)
	}
}

func (s *Supervisor) logDebug(msg string, keysAndValues ...any) {
	s.loggerMu.RLock()
	logger := s.logger
	s.loggerMu.RUnlock()
	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (s *Supervisor) logInfo(msg string, keysAndValues ...any) {
	s.loggerMu.RLock()
	logger := s.logger
	s.loggerMu.RUnlock()
	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (s *Supervisor) logError(msg string, err error) {
	s.loggerMu.RLock()
	logger := s.logger
	s.loggerMu.RUnlock()
	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
