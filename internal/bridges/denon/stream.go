package denon

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ReadStream is the read side of a receiver connection as the Framer sees it.
type ReadStream interface {
	// Peek copies up to len(buf) bytes that are available without
	// consuming them. It returns 0 and a nil error when nothing is
	// available yet.
	Peek(buf []byte) (int, error)

	// ReadFull consumes exactly len(buf) bytes into buf.
	ReadFull(buf []byte) error
}

// Stream is a bidirectional receiver connection.
//
// Write is used by the connection facade only, the ReadStream by the sync
// loop only. Shutdown stops both directions and makes the reader observe
// ErrConnectionClosedLocally; Close releases the underlying resource.
type Stream interface {
	io.Writer

	// ReadStream returns the read handle. Repeated calls return the same
	// handle.
	ReadStream() (ReadStream, error)

	// Shutdown closes both directions of the connection. Idempotent.
	Shutdown() error

	// Close releases the connection.
	Close() error
}

// Ensure the TCP implementation satisfies Stream.
var _ Stream = (*TCPStream)(nil)

// TCPStream adapts a net.Conn to Stream.
//
// Thread Safety: Write may be called concurrently with reads on the
// ReadStream; Go's net.Conn permits one reader and one writer at a time.
type TCPStream struct {
	conn        net.Conn
	readTimeout time.Duration
	shutdown    atomic.Bool

	readerOnce sync.Once
	reader     *tcpReader
}

// NewTCPStream wraps an established connection. A readTimeout of zero
// means reads block until data arrives or the connection is shut down.
func NewTCPStream(conn net.Conn, readTimeout time.Duration) *TCPStream {
	return &TCPStream{conn: conn, readTimeout: readTimeout}
}

// RemoteAddr returns the receiver address.
func (s *TCPStream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Write sends raw command bytes.
func (s *TCPStream) Write(p []byte) (int, error) {
	n, err := s.conn.Write(p)
	if err != nil {
		return n, classifyReadError(err, s.shutdown.Load())
	}
	return n, nil
}

// ReadStream returns the buffered read handle over the same socket.
func (s *TCPStream) ReadStream() (ReadStream, error) {
	s.readerOnce.Do(func() {
		s.reader = &tcpReader{
			stream: s,
			br:     bufio.NewReaderSize(s.conn, peekBufferSize),
		}
	})
	return s.reader, nil
}

// Shutdown half-closes both directions. Blocked reads return immediately.
func (s *TCPStream) Shutdown() error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	tcp, ok := s.conn.(*net.TCPConn)
	if !ok {
		return s.conn.Close()
	}

	var errs []error
	if err := tcp.CloseRead(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("close read: %w", err))
	}
	if err := tcp.CloseWrite(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("close write: %w", err))
	}
	return errors.Join(errs...)
}

// Close shuts the stream down and releases the socket.
func (s *TCPStream) Close() error {
	shutdownErr := s.Shutdown()
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return shutdownErr
}

type tcpReader struct {
	stream *TCPStream
	br     *bufio.Reader
}

func (r *tcpReader) Peek(buf []byte) (int, error) {
	if r.br.Buffered() == 0 {
		if err := r.armDeadline(); err != nil {
			return 0, err
		}
		if _, err := r.br.Peek(1); err != nil {
			return 0, classifyReadError(err, r.stream.shutdown.Load())
		}
	}

	n := min(len(buf), r.br.Buffered())
	peeked, err := r.br.Peek(n)
	if err != nil {
		return 0, classifyReadError(err, r.stream.shutdown.Load())
	}
	return copy(buf, peeked), nil
}

func (r *tcpReader) ReadFull(buf []byte) error {
	if _, err := io.ReadFull(r.br, buf); err != nil {
		return classifyReadError(err, r.stream.shutdown.Load())
	}
	return nil
}

func (r *tcpReader) armDeadline() error {
	if r.stream.readTimeout <= 0 {
		return nil
	}
	if err := r.stream.conn.SetReadDeadline(time.Now().Add(r.stream.readTimeout)); err != nil {
		return classifyReadError(err, r.stream.shutdown.Load())
	}
	return nil
}

// classifyReadError maps the platform-specific ways a socket reports a
// local shutdown onto ErrConnectionClosedLocally. All other errors pass
// through unchanged.
func classifyReadError(err error, closedLocally bool) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConnectionClosedLocally) {
		return err
	}
	if closedLocally || errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ESHUTDOWN) {
		return fmt.Errorf("%w: %w", ErrConnectionClosedLocally, err)
	}
	return err
}

// IsTimeout reports whether err is a read timeout, which the sync loop
// tolerates.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
