package denon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults for receiver communication.
const (
	// DefaultPort is the receiver's telnet control port.
	DefaultPort = 23

	// defaultConnectTimeout is the maximum time to wait for the TCP dial.
	defaultConnectTimeout = 10 * time.Second

	// defaultPollInterval is the pause between cache checks in Get.
	defaultPollInterval = 10 * time.Millisecond

	// defaultPollAttempts bounds how often Get checks the cache after
	// sending a query.
	defaultPollAttempts = 50

	// callbackQueueSize is the buffer size for the update callback queue.
	callbackQueueSize = 100
)

// Config holds receiver connection settings.
type Config struct {
	// Address is "host" or "host:port". The port defaults to 23.
	Address string

	// ConnectTimeout bounds the TCP dial.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// ReadTimeout arms a deadline on every blocking read. Zero means no
	// timeout; the loop then only wakes for data or shutdown.
	ReadTimeout time.Duration

	// PollInterval is the pause between cache checks while Get waits for
	// an answer.
	// Default: 10ms.
	PollInterval time.Duration

	// PollAttempts is how many times Get checks the cache before giving up
	// with Unknown.
	// Default: 50.
	PollAttempts int

	// RetryDelay is the Framer's pause after an empty peek.
	// Default: 100ms.
	RetryDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = defaultPollAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
}

// NormalizeAddress appends the default port when addr has none.
func NormalizeAddress(addr string) (string, error) {
	if addr == "" {
		return "", fmt.Errorf("%w: empty address", ErrConnectionFailed)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		var addrErr *net.AddrError
		if errors.As(err, &addrErr) && addrErr.Err == "missing port in address" {
			return net.JoinHostPort(strings.Trim(addr, "[]"), strconv.Itoa(DefaultPort)), nil
		}
		return "", fmt.Errorf("%w: invalid address %q: %w", ErrConnectionFailed, addr, err)
	}
	if port == "" {
		port = strconv.Itoa(DefaultPort)
	}
	return net.JoinHostPort(host, port), nil
}

// Update is one decoded report handed to the update callback.
type Update struct {
	Key       StateKey
	Value     StateValue
	Changed   bool // false when the report repeated the cached value
	Timestamp time.Time
}

// Stats holds operational statistics.
type Stats struct {
	LinesRx        uint64
	LinesDecoded   uint64
	LinesIgnored   uint64
	CommandsTx     uint64
	QueriesTx      uint64
	GetTimeouts    uint64
	UpdatesDropped uint64 // Updates dropped due to full callback queue
	ErrorsTotal    uint64
	LastActivity   time.Time
	Connected      bool
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Controller is the surface consumers (bridge, API, CLI) use.
// This allows mocking the receiver connection in tests.
type Controller interface {
	Set(key StateKey, value StateValue) error
	Get(ctx context.Context, key StateKey) (StateValue, error)
	Snapshot() []CachedState
	IsConnected() bool
	Stats() Stats
}

// Ensure Connection implements Controller.
var _ Controller = (*Connection)(nil)

// Connection is the facade over one receiver connection.
//
// Construction starts a background sync loop that reads reports off the
// socket and keeps a StateCache current. Callers issue commands with Set
// and read the cache with Get, which sends a query on a miss and waits a
// bounded time for the answer.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Writes are serialised so command bytes never interleave.
//   - Only the sync loop reads from the socket and writes the cache.
//   - Update callbacks run on one dedicated goroutine in wire order.
type Connection struct {
	cfg    Config
	stream Stream
	framer *Framer
	cache  *StateCache

	writeMu sync.Mutex

	// Update callback, served by a single worker to preserve order
	onUpdate      func(Update)
	callbackMu    sync.RWMutex
	callbackQueue chan Update

	// Lifecycle
	stopped   atomic.Bool
	stopOnce  sync.Once
	closeOnce sync.Once
	loopDone  chan struct{}
	loopErr   error
	loopPanic any
	wg        sync.WaitGroup

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex

	// Statistics (atomic for performance)
	linesRx        atomic.Uint64
	linesDecoded   atomic.Uint64
	linesIgnored   atomic.Uint64
	commandsTx     atomic.Uint64
	queriesTx      atomic.Uint64
	getTimeouts    atomic.Uint64
	updatesDropped atomic.Uint64
	errorsTotal    atomic.Uint64
	lastActivity   atomic.Int64 // Unix nanoseconds
}

// Connect dials the receiver and starts the sync loop.
//
// Parameters:
//   - ctx: Context for cancellation of the dial
//   - cfg: Connection configuration
//
// Returns:
//   - *Connection: Connected facade ready for use
//   - error: ErrConnectionFailed wrapping the dial error
func Connect(ctx context.Context, cfg Config) (*Connection, error) {
	cfg.applyDefaults()

	address, err := NormalizeAddress(cfg.Address)
	if err != nil {
		return nil, err
	}
	cfg.Address = address

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, address, err)
	}

	c, err := NewConnection(NewTCPStream(conn, cfg.ReadTimeout), cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewConnection starts the sync loop over an already established stream.
// The connection takes ownership of stream.
func NewConnection(stream Stream, cfg Config) (*Connection, error) {
	if stream == nil {
		return nil, fmt.Errorf("%w: stream is required", ErrConnectionFailed)
	}
	cfg.applyDefaults()

	rs, err := stream.ReadStream()
	if err != nil {
		return nil, fmt.Errorf("%w: derive read handle: %w", ErrConnectionFailed, err)
	}

	c := &Connection{
		cfg:           cfg,
		stream:        stream,
		framer:        NewFramer(rs, cfg.RetryDelay),
		cache:         NewStateCache(),
		callbackQueue: make(chan Update, callbackQueueSize),
		loopDone:      make(chan struct{}),
	}
	c.lastActivity.Store(time.Now().UnixNano())

	c.wg.Add(2)
	go c.callbackWorker()
	go c.syncLoop()

	return c, nil
}

// SetLogger sets the logger for connection events.
func (c *Connection) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// SetOnUpdate registers a callback for every decoded report.
// Pass nil to remove it.
func (c *Connection) SetOnUpdate(fn func(Update)) {
	c.callbackMu.Lock()
	c.onUpdate = fn
	c.callbackMu.Unlock()
}

// Address returns the receiver address the connection was configured with.
func (c *Connection) Address() string {
	return c.cfg.Address
}

// Set sends a command changing key to value. It does not wait for the
// receiver to confirm; the confirmation arrives as a report and updates
// the cache.
//
// Returns:
//   - error: ErrInvalidValue if value does not fit key, ErrWriteFailed
//     or ErrNotConnected if the command could not be sent
func (c *Connection) Set(key StateKey, value StateValue) error {
	cmd, err := Encode(key, value, OpSet)
	if err != nil {
		return err
	}
	if err := c.write(cmd); err != nil {
		return err
	}
	c.commandsTx.Add(1)
	c.logDebug("command sent", "key", key.String(), "value", value.String())
	return nil
}

// Get returns the cached value for key. On a miss it sends one query and
// checks the cache every PollInterval, up to PollAttempts times. If the
// receiver has not answered by then, Get returns Unknown with a nil error.
//
// Parameters:
//   - ctx: Cancels the wait early
//   - key: State key to read
//
// Returns:
//   - StateValue: The cached or freshly reported value, or Unknown
//   - error: If the query could not be written or ctx was cancelled
func (c *Connection) Get(ctx context.Context, key StateKey) (StateValue, error) {
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}

	cmd, err := Encode(key, Unknown, OpQuery)
	if err != nil {
		return Unknown, err
	}
	if err := c.write(cmd); err != nil {
		return Unknown, err
	}
	c.queriesTx.Add(1)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < c.cfg.PollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return Unknown, ctx.Err()
		case <-c.loopDone:
			// No further reports can arrive.
			if v, ok := c.cache.Get(key); ok {
				return v, nil
			}
			return Unknown, nil
		case <-ticker.C:
		}
		if v, ok := c.cache.Get(key); ok {
			return v, nil
		}
	}

	c.getTimeouts.Add(1)
	c.logDebug("no report before poll budget ran out", "key", key.String())
	return Unknown, nil
}

// Refresh queries every state key without waiting for the answers.
func (c *Connection) Refresh() error {
	for _, k := range AllStateKeys {
		if err := c.write(EncodeQuery(k)); err != nil {
			return err
		}
		c.queriesTx.Add(1)
	}
	return nil
}

// Snapshot returns the current cache contents.
func (c *Connection) Snapshot() []CachedState {
	return c.cache.Snapshot()
}

// Cached returns the cached value for key without querying the receiver.
func (c *Connection) Cached(key StateKey) (StateValue, bool) {
	return c.cache.Get(key)
}

// Done is closed when the sync loop has exited.
func (c *Connection) Done() <-chan struct{} {
	return c.loopDone
}

// Err returns the error the sync loop exited with. It is nil while the
// loop runs and after a local shutdown.
func (c *Connection) Err() error {
	select {
	case <-c.loopDone:
		return c.loopErr
	default:
		return nil
	}
}

// IsConnected reports whether the connection is usable.
func (c *Connection) IsConnected() bool {
	if c.stopped.Load() {
		return false
	}
	select {
	case <-c.loopDone:
		return false
	default:
		return true
	}
}

// Stats returns current statistics.
func (c *Connection) Stats() Stats {
	return Stats{
		LinesRx:        c.linesRx.Load(),
		LinesDecoded:   c.linesDecoded.Load(),
		LinesIgnored:   c.linesIgnored.Load(),
		CommandsTx:     c.commandsTx.Load(),
		QueriesTx:      c.queriesTx.Load(),
		GetTimeouts:    c.getTimeouts.Load(),
		UpdatesDropped: c.updatesDropped.Load(),
		ErrorsTotal:    c.errorsTotal.Load(),
		LastActivity:   time.Unix(0, c.lastActivity.Load()),
		Connected:      c.IsConnected(),
	}
}

// Stop shuts the socket down in both directions. The sync loop observes
// the shutdown and exits cleanly. Safe to call multiple times.
func (c *Connection) Stop() {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		if err := c.stream.Shutdown(); err != nil {
			c.logError("socket shutdown failed", err)
		}
	})
}

// Close stops the connection and waits for the sync loop to exit.
//
// If the loop ended with an error other than the local shutdown, the error
// is logged and returned. If the loop panicked, Close panics with the same
// value. Safe to call multiple times; only the first call reports.
func (c *Connection) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.Stop()
		c.wg.Wait()

		if err := c.stream.Close(); err != nil {
			c.logDebug("stream close", "error", err.Error())
		}

		if c.loopPanic != nil {
			panic(c.loopPanic)
		}
		if c.loopErr != nil {
			c.logError("sync loop ended with error", c.loopErr)
			closeErr = fmt.Errorf("sync loop: %w", c.loopErr)
		}
		c.logInfo("connection closed", "address", c.cfg.Address)
	})
	return closeErr
}

func (c *Connection) write(cmd []byte) error {
	if c.stopped.Load() {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.stream.Write(cmd); err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}

// syncLoop owns the read handle. It runs until the socket is shut down or
// a read fails, recording the outcome for Close.
func (c *Connection) syncLoop() {
	defer c.wg.Done()
	defer close(c.loopDone)
	defer close(c.callbackQueue)
	defer func() {
		if r := recover(); r != nil {
			c.loopPanic = r
			c.logError("sync loop panic", fmt.Errorf("%v", r))
		}
	}()

	c.loopErr = c.receive()
}

func (c *Connection) receive() error {
	for {
		lines, err := c.framer.ReadLines(1)
		if err != nil {
			switch {
			case errors.Is(err, ErrConnectionClosedLocally):
				return nil
			case IsTimeout(err):
				continue
			default:
				c.errorsTotal.Add(1)
				return err
			}
		}

		for _, line := range lines {
			c.handleLine(line)
		}
	}
}

func (c *Connection) handleLine(line string) {
	c.linesRx.Add(1)
	now := time.Now()
	c.lastActivity.Store(now.UnixNano())

	key, value, ok := Decode(line)
	if !ok {
		c.linesIgnored.Add(1)
		c.logDebug("ignoring report", "line", line)
		return
	}
	c.linesDecoded.Add(1)

	changed := c.cache.Upsert(key, value)
	c.dispatch(Update{Key: key, Value: value, Changed: changed, Timestamp: now})
}

func (c *Connection) dispatch(u Update) {
	c.callbackMu.RLock()
	hasCallback := c.onUpdate != nil
	c.callbackMu.RUnlock()
	if !hasCallback {
		return
	}

	select {
	case c.callbackQueue <- u:
	default:
		c.logError("callback queue full, dropping update", nil)
		c.updatesDropped.Add(1)
	}
}

// callbackWorker delivers updates until the sync loop closes the queue.
func (c *Connection) callbackWorker() {
	defer c.wg.Done()

	for u := range c.callbackQueue {
		c.callbackMu.RLock()
		callback := c.onUpdate
		c.callbackMu.RUnlock()

		if callback == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logError("update callback panic", fmt.Errorf("%v", r))
				}
			}()
			callback(u)
		}()
	}
}

// logDebug logs a debug message if a logger is set.
func (c *Connection) logDebug(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// logInfo logs an info message if a logger is set.
func (c *Connection) logInfo(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if a logger is set.
func (c *Connection) logError(msg string, err error) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		if err != nil {
			logger.Error(msg, "error", err)
		} else {
			logger.Error(msg)
		}
	}
}
