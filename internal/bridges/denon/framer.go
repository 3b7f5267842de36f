package denon

import (
	"bytes"
	"time"
)

const (
	// peekBufferSize is the fixed window inspected per peek.
	peekBufferSize = 256

	// maxPendingSize caps an unterminated fragment. Receiver reports are
	// far shorter; anything longer is line noise and is discarded.
	maxPendingSize = 4096

	// defaultRetryDelay is the pause after a peek that returned no bytes.
	defaultRetryDelay = 100 * time.Millisecond
)

// Framer assembles CR-terminated lines from a ReadStream.
//
// It never consumes bytes beyond the last terminator it needs, so a caller
// asking for one line leaves any following lines in the stream. A fragment
// without terminator is consumed into a pending buffer that survives
// between ReadLines calls and is prepended to the next completed line.
//
// Thread Safety: a Framer is owned by a single reader goroutine.
type Framer struct {
	src        ReadStream
	retryDelay time.Duration
	buf        [peekBufferSize]byte
	pending    []byte
	discarded  uint64
	sleep      func(time.Duration)
}

// NewFramer creates a framer over src. A zero retryDelay uses the default.
func NewFramer(src ReadStream, retryDelay time.Duration) *Framer {
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return &Framer{
		src:        src,
		retryDelay: retryDelay,
		sleep:      time.Sleep,
	}
}

// ReadLines reads up to n complete lines, terminators stripped.
//
// When the stream yields nothing, ReadLines sleeps for the retry delay and
// peeks once more; a second empty peek ends the call with whatever lines
// were collected. A transport error before the first completed line is
// returned; after it the error is dropped and the collected lines are
// returned, leaving the transport to report it again on the next call.
//
// Parameters:
//   - n: Maximum number of lines to return
//
// Returns:
//   - []string: Completed lines in wire order (may be empty)
//   - error: Transport error seen before any line completed
func (f *Framer) ReadLines(n int) ([]string, error) {
	var lines []string
	emptyPeeks := 0

	for len(lines) < n {
		m, err := f.src.Peek(f.buf[:])
		if err != nil {
			return f.finish(lines, err)
		}

		if m == 0 {
			emptyPeeks++
			if emptyPeeks > 1 {
				return lines, nil
			}
			f.sleep(f.retryDelay)
			continue
		}
		emptyPeeks = 0

		idx := bytes.IndexByte(f.buf[:m], lineTerminator)
		if idx < 0 {
			if err := f.src.ReadFull(f.buf[:m]); err != nil {
				return f.finish(lines, err)
			}
			f.appendPending(f.buf[:m])
			continue
		}

		if err := f.src.ReadFull(f.buf[:idx+1]); err != nil {
			return f.finish(lines, err)
		}
		line := string(f.pending) + string(f.buf[:idx])
		f.pending = f.pending[:0]
		lines = append(lines, line)
	}

	return lines, nil
}

// Pending returns a copy of the unterminated fragment held for the next line.
func (f *Framer) Pending() []byte {
	return bytes.Clone(f.pending)
}

// Discarded returns how many oversized fragments have been thrown away.
func (f *Framer) Discarded() uint64 {
	return f.discarded
}

func (f *Framer) appendPending(b []byte) {
	if len(f.pending)+len(b) > maxPendingSize {
		f.pending = f.pending[:0]
		f.discarded++
	}
	f.pending = append(f.pending, b...)
}

func (f *Framer) finish(lines []string, err error) ([]string, error) {
	if len(lines) > 0 {
		return lines, nil
	}
	return nil, err
}
