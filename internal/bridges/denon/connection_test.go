package denon

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		PollInterval: time.Millisecond,
		PollAttempts: 200,
		RetryDelay:   time.Millisecond,
	}
}

func newTestConnection(t *testing.T, s Stream, cfg Config) *Connection {
	t.Helper()
	c, err := NewConnection(s, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConnectionGetReturnsCachedValueWithoutQuery(t *testing.T) {
	s := NewMemoryStream()
	s.Feed("PWON\r")
	c := newTestConnection(t, s, fastConfig())

	require.Eventually(t, func() bool {
		_, ok := c.Cached(KeyPower)
		return ok
	}, time.Second, time.Millisecond)

	v, err := c.Get(context.Background(), KeyPower)
	require.NoError(t, err)
	assert.Equal(t, PowerValue(PowerOn), v)
	assert.Empty(t, s.Written())
}

func TestConnectionGetQueriesOnMiss(t *testing.T) {
	s := NewMemoryStream()
	s.SetResponder(EmulateReceiver(map[StateKey]string{KeyMainVolume: "230"}))
	c := newTestConnection(t, s, fastConfig())

	v, err := c.Get(context.Background(), KeyMainVolume)
	require.NoError(t, err)
	assert.Equal(t, IntegerValue(230), v)
	assert.Equal(t, "MV?\r", s.Written())
}

func TestConnectionGetReturnsUnknownWhenReceiverIsSilent(t *testing.T) {
	s := NewMemoryStream()
	cfg := fastConfig()
	cfg.PollAttempts = 5
	c := newTestConnection(t, s, cfg)

	v, err := c.Get(context.Background(), KeySourceInput)
	require.NoError(t, err)
	assert.True(t, v.IsUnknown())
	assert.Equal(t, "SI?\r", s.Written(), "query must be sent exactly once")
	assert.Equal(t, uint64(1), c.Stats().GetTimeouts)
}

func TestConnectionGetHonoursContext(t *testing.T) {
	s := NewMemoryStream()
	cfg := fastConfig()
	cfg.PollInterval = time.Hour
	c := newTestConnection(t, s, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Get(ctx, KeyPower)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConnectionSetWritesCommand(t *testing.T) {
	s := NewMemoryStream()
	c := newTestConnection(t, s, fastConfig())

	require.NoError(t, c.Set(KeyPower, PowerValue(PowerOn)))
	require.NoError(t, c.Set(KeySourceInput, InputValue(SourceDVD)))
	require.NoError(t, c.Set(KeyMainVolume, IntegerValue(50)))

	assert.Equal(t, "PWON\rSIDVD\rMV50\r", s.Written())
	assert.Equal(t, uint64(3), c.Stats().CommandsTx)
}

func TestConnectionSetRejectsMismatchedValue(t *testing.T) {
	s := NewMemoryStream()
	c := newTestConnection(t, s, fastConfig())

	err := c.Set(KeyMainVolume, PowerValue(PowerOn))
	assert.ErrorIs(t, err, ErrInvalidValue)
	assert.Empty(t, s.Written())
}

func TestConnectionSetThenGetSeesEcho(t *testing.T) {
	s := NewMemoryStream()
	s.SetResponder(EmulateReceiver(nil))
	c := newTestConnection(t, s, fastConfig())

	require.NoError(t, c.Set(KeySourceInput, InputValue(SourceNetUSB)))

	require.Eventually(t, func() bool {
		v, _ := c.Cached(KeySourceInput)
		return v == InputValue(SourceNetUSB)
	}, time.Second, time.Millisecond)
}

func TestConnectionConcurrentWritesDoNotInterleave(t *testing.T) {
	s := NewMemoryStream()
	c := newTestConnection(t, s, fastConfig())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_ = c.Set(KeyMainVolume, IntegerValue(uint32(100+i)))
			} else {
				_ = c.Set(KeySourceInput, InputValue(SourceTuner))
			}
		}()
	}
	wg.Wait()

	cmds := strings.Split(strings.TrimSuffix(s.Written(), "\r"), "\r")
	require.Len(t, cmds, 50)
	for _, cmd := range cmds {
		_, _, ok := Decode(cmd)
		assert.True(t, ok, "corrupted command %q", cmd)
	}
}

func TestConnectionSetSourceInputFVP(t *testing.T) {
	s := NewMemoryStream()
	c := newTestConnection(t, s, fastConfig())

	require.NoError(t, c.Set(KeySourceInput, InputValue(SourceFVP)))
	assert.Equal(t, "SIFVP\r", s.Written())
}

func TestConnectionAppliesSeveralReportsFromOneRead(t *testing.T) {
	s := NewMemoryStream()
	c := newTestConnection(t, s, fastConfig())

	s.Feed("MV234\rSICD\rPWON\r")

	require.Eventually(t, func() bool {
		return len(c.Snapshot()) == 3
	}, time.Second, time.Millisecond)

	for key, want := range map[StateKey]StateValue{
		KeyMainVolume:  IntegerValue(234),
		KeySourceInput: InputValue(SourceCD),
		KeyPower:       PowerValue(PowerOn),
	} {
		got, ok := c.Cached(key)
		require.True(t, ok, "key %s", key)
		assert.Equal(t, want, got, "key %s", key)
	}
	assert.Empty(t, s.Written())
}

func TestConnectionReportsAppliedInWireOrder(t *testing.T) {
	s := NewMemoryStream()
	c := newTestConnection(t, s, fastConfig())

	var mu sync.Mutex
	var got []StateValue
	c.SetOnUpdate(func(u Update) {
		mu.Lock()
		got = append(got, u.Value)
		mu.Unlock()
	})

	s.Feed("MV100\rMV110\rMV120\rMV130\r")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, time.Second, time.Millisecond)

	assert.Equal(t, []StateValue{IntegerValue(100), IntegerValue(110), IntegerValue(120), IntegerValue(130)}, got)
	v, _ := c.Cached(KeyMainVolume)
	assert.Equal(t, IntegerValue(130), v)
}

func TestConnectionIgnoresUnknownReports(t *testing.T) {
	s := NewMemoryStream()
	c := newTestConnection(t, s, fastConfig())

	s.Feed("MSSTEREO\rZ2ON\rMVabc\rPWON\r")

	require.Eventually(t, func() bool {
		_, ok := c.Cached(KeyPower)
		return ok
	}, time.Second, time.Millisecond)

	stats := c.Stats()
	assert.Equal(t, uint64(4), stats.LinesRx)
	assert.Equal(t, uint64(3), stats.LinesIgnored)
	assert.Equal(t, uint64(1), stats.LinesDecoded)
	assert.Equal(t, 1, len(c.Snapshot()))
}

func TestConnectionCloseAfterLocalShutdownIsClean(t *testing.T) {
	s := NewMemoryStream()
	c, err := NewConnection(s, fastConfig())
	require.NoError(t, err)

	c.Stop()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("sync loop did not exit after Stop")
	}

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Err())
	assert.True(t, s.IsShutdown())
	assert.False(t, c.IsConnected())

	// Idempotent.
	c.Stop()
	assert.NoError(t, c.Close())
}

func TestConnectionSurfacesReadErrorOnClose(t *testing.T) {
	s := NewMemoryStream()
	c, err := NewConnection(s, fastConfig())
	require.NoError(t, err)

	boom := errors.New("connection reset by peer")
	s.FailReads(boom)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("sync loop did not exit on read error")
	}
	assert.ErrorIs(t, c.Err(), boom)
	assert.False(t, c.IsConnected())

	err = c.Close()
	assert.ErrorIs(t, err, boom)
}

func TestConnectionWriteAfterStopFails(t *testing.T) {
	s := NewMemoryStream()
	c := newTestConnection(t, s, fastConfig())
	c.Stop()

	assert.ErrorIs(t, c.Set(KeyPower, PowerValue(PowerOn)), ErrNotConnected)
	_, err := c.Get(context.Background(), KeyPower)
	assert.ErrorIs(t, err, ErrNotConnected)
}

// timeoutError mimics a read deadline expiring.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

// flakyStream times out a few times before serving data.
type flakyStream struct {
	*MemoryStream
	mu       sync.Mutex
	timeouts int
}

func (f *flakyStream) ReadStream() (ReadStream, error) { return f, nil }

func (f *flakyStream) Peek(buf []byte) (int, error) {
	f.mu.Lock()
	if f.timeouts > 0 {
		f.timeouts--
		f.mu.Unlock()
		return 0, timeoutError{}
	}
	f.mu.Unlock()
	return f.MemoryStream.Peek(buf)
}

func TestConnectionToleratesReadTimeouts(t *testing.T) {
	mem := NewMemoryStream()
	mem.Feed("PWSTANDBY\r")
	s := &flakyStream{MemoryStream: mem, timeouts: 3}
	c := newTestConnection(t, s, fastConfig())

	require.Eventually(t, func() bool {
		v, ok := c.Cached(KeyPower)
		return ok && v == PowerValue(PowerStandby)
	}, time.Second, time.Millisecond)
	assert.True(t, c.IsConnected())
}

// panicStream panics inside the sync loop.
type panicStream struct {
	*MemoryStream
}

func (p *panicStream) ReadStream() (ReadStream, error) { return p, nil }

func (p *panicStream) Peek([]byte) (int, error) {
	panic("peek exploded")
}

func TestConnectionClosePropagatesLoopPanic(t *testing.T) {
	c, err := NewConnection(&panicStream{MemoryStream: NewMemoryStream()}, fastConfig())
	require.NoError(t, err)

	<-c.Done()
	assert.PanicsWithValue(t, "peek exploded", func() { _ = c.Close() })
}

func TestConnectionUpdateCallbackPanicIsRecovered(t *testing.T) {
	s := NewMemoryStream()
	c := newTestConnection(t, s, fastConfig())

	calls := make(chan Update, 2)
	c.SetOnUpdate(func(u Update) {
		calls <- u
		if u.Key == KeyPower {
			panic("callback exploded")
		}
	})

	s.Feed("PWON\rSICD\r")

	for n := 0; n < 2; n++ {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatal("callback not invoked after panic")
		}
	}
	assert.True(t, c.IsConnected())
}

func TestConnectionRefreshQueriesAllKeys(t *testing.T) {
	s := NewMemoryStream()
	c := newTestConnection(t, s, fastConfig())

	require.NoError(t, c.Refresh())
	assert.Equal(t, "PW?\rSI?\rMV?\rMVMAX?\r", s.Written())
}

func TestNewConnectionRequiresStream(t *testing.T) {
	_, err := NewConnection(nil, Config{})
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "192.168.1.20", want: "192.168.1.20:23"},
		{in: "receiver.local", want: "receiver.local:23"},
		{in: "receiver.local:2323", want: "receiver.local:2323"},
		{in: "[::1]", want: "[::1]:23"},
		{in: "[::1]:23", want: "[::1]:23"},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeAddress(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
