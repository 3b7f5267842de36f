package denon

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Ensure MemoryStream satisfies both transport interfaces.
var (
	_ Stream     = (*MemoryStream)(nil)
	_ ReadStream = (*MemoryStream)(nil)
)

// MemoryStream is an in-process Stream used by tests and by the CLI's
// dry-run mode. Bytes fed with Feed become readable; bytes written by the
// client are recorded and optionally answered by a Responder.
//
// Peek never blocks: with nothing buffered it returns 0, nil, which makes
// the Framer fall back to its retry delay.
type MemoryStream struct {
	mu        sync.Mutex
	inbound   []byte
	written   bytes.Buffer
	shutdown  bool
	readErr   error
	responder Responder
}

// Responder produces the receiver's reply to one command line (terminator
// stripped). An empty reply sends nothing.
type Responder func(command string) string

// NewMemoryStream creates an empty stream.
func NewMemoryStream() *MemoryStream {
	return &MemoryStream{}
}

// SetResponder installs a function that answers written commands.
func (s *MemoryStream) SetResponder(r Responder) {
	s.mu.Lock()
	s.responder = r
	s.mu.Unlock()
}

// Feed makes data readable, as if the receiver had sent it.
func (s *MemoryStream) Feed(data string) {
	s.mu.Lock()
	s.inbound = append(s.inbound, data...)
	s.mu.Unlock()
}

// FailReads makes every subsequent Peek and ReadFull return err.
func (s *MemoryStream) FailReads(err error) {
	s.mu.Lock()
	s.readErr = err
	s.mu.Unlock()
}

// Written returns everything the client has written so far.
func (s *MemoryStream) Written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.String()
}

// Unread returns the bytes fed but not yet consumed.
func (s *MemoryStream) Unread() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.inbound)
}

// IsShutdown reports whether Shutdown has been called.
func (s *MemoryStream) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Write records p and feeds back the responder's answer for every
// complete command it contains.
func (s *MemoryStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: write after shutdown", ErrConnectionClosedLocally)
	}
	s.written.Write(p)
	responder := s.responder
	s.mu.Unlock()

	if responder != nil {
		for _, cmd := range strings.Split(string(p), string(lineTerminator)) {
			if cmd == "" {
				continue
			}
			if reply := responder(cmd); reply != "" {
				s.Feed(reply)
			}
		}
	}
	return len(p), nil
}

// ReadStream returns the stream itself.
func (s *MemoryStream) ReadStream() (ReadStream, error) {
	return s, nil
}

// Peek copies buffered inbound bytes without consuming them.
func (s *MemoryStream) Peek(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readErrLocked(); err != nil {
		return 0, err
	}
	return copy(buf, s.inbound), nil
}

// ReadFull consumes exactly len(buf) inbound bytes.
func (s *MemoryStream) ReadFull(buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readErrLocked(); err != nil {
		return err
	}
	if len(s.inbound) < len(buf) {
		return io.ErrUnexpectedEOF
	}
	copy(buf, s.inbound)
	s.inbound = s.inbound[len(buf):]
	return nil
}

// Shutdown marks the stream closed; reads then fail with
// ErrConnectionClosedLocally.
func (s *MemoryStream) Shutdown() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	return nil
}

// Close is Shutdown.
func (s *MemoryStream) Close() error {
	return s.Shutdown()
}

func (s *MemoryStream) readErrLocked() error {
	if s.shutdown {
		return ErrConnectionClosedLocally
	}
	return s.readErr
}

// EmulateReceiver returns a Responder that behaves like a receiver holding
// the given raw values, keyed by state key: queries are answered with the
// stored value and sets are stored and echoed back.
//
// Example:
//
//	stream.SetResponder(denon.EmulateReceiver(map[denon.StateKey]string{
//	    denon.KeyPower: "ON",
//	    denon.KeyMainVolume: "230",
//	}))
func EmulateReceiver(initial map[StateKey]string) Responder {
	var mu sync.Mutex
	values := make(map[StateKey]string, len(initial))
	for k, v := range initial {
		values[k] = v
	}

	return func(command string) string {
		for _, k := range decodeOrder {
			rest, ok := strings.CutPrefix(command, k.Prefix())
			if !ok {
				continue
			}
			mu.Lock()
			defer mu.Unlock()
			if rest == "?" {
				v, known := values[k]
				if !known {
					return ""
				}
				return k.Prefix() + v + string(lineTerminator)
			}
			values[k] = rest
			return k.Prefix() + rest + string(lineTerminator)
		}
		return ""
	}
}
