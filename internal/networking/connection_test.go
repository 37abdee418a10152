package networking

import (
	"encoding/binary"
	"errors"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, err := ln.Accept()
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func testOptions() Options {
	return Options{
		Logger:           log.New(io.Discard, "", 0),
		ReadErrorBackoff: time.Millisecond,
	}
}

// connectedPair wraps both ends of a loopback connection with running readers.
func connectedPair(t *testing.T, opts Options) (*Connection, *Connection) {
	t.Helper()
	a, b := tcpPair(t)
	ca := NewConnection(a, opts)
	cb := NewConnection(b, opts)
	ca.StartReader()
	cb.StartReader()
	t.Cleanup(func() {
		ca.Disconnect()
		cb.Disconnect()
	})
	return ca, cb
}

func TestNewConnectionDefaults(t *testing.T) {
	a, _ := tcpPair(t)
	c := NewConnection(a, Options{})

	assert.Equal(t, "127.0.0.1", c.Name())
	assert.True(t, c.Alive())
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.Messages())
	assert.Equal(t, a.RemoteAddr().String(), c.RemoteAddr())
	assert.Equal(t, a.LocalAddr().String(), c.LocalAddr())
}

func TestNewConnectionNameFallback(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	c := NewConnection(a, Options{})
	assert.Equal(t, unknownName, c.Name())
}

func TestSendDeliversText(t *testing.T) {
	a, b := connectedPair(t, testOptions())

	require.NoError(t, a.Send("hello", KindText))

	require.Eventually(t, func() bool { return b.Len() == 1 }, waitFor, tick)
	got := b.Messages()[0]
	assert.Equal(t, OriginRemote, got.Origin)
	assert.Equal(t, KindText, got.Kind)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, "127.0.0.1", got.SenderName)
	assert.False(t, got.IsLocal())

	// The sender keeps a local echo in the same history.
	require.Equal(t, 1, a.Len())
	echo := a.Messages()[0]
	assert.Equal(t, OriginLocal, echo.Origin)
	assert.Equal(t, SelfName, echo.SenderName)
	assert.Equal(t, "hello", echo.Content)
	assert.True(t, echo.IsLocal())
}

func TestHistoryInterleavesLocalAndRemote(t *testing.T) {
	a, b := connectedPair(t, testOptions())

	require.NoError(t, a.Send("one", KindText))
	require.Eventually(t, func() bool { return b.Len() == 1 }, waitFor, tick)
	require.NoError(t, b.Send("two", KindText))
	require.Eventually(t, func() bool { return a.Len() == 2 }, waitFor, tick)
	require.NoError(t, a.Send("three", KindText))
	require.Eventually(t, func() bool { return b.Len() == 3 }, waitFor, tick)

	var got []string
	for _, m := range a.Messages() {
		got = append(got, m.Origin.String()+":"+m.Content)
	}
	assert.Equal(t, []string{"local:one", "remote:two", "local:three"}, got)
}

func TestNameChange(t *testing.T) {
	a, b := connectedPair(t, testOptions())

	require.NoError(t, a.Announce("Alice"))

	require.Eventually(t, func() bool { return b.Name() == "Alice" }, waitFor, tick)
	assert.Equal(t, 0, b.Len(), "a received name change adds no history")

	require.Equal(t, 1, a.Len())
	echo := a.Messages()[0]
	assert.Equal(t, KindNameChange, echo.Kind)
	assert.Equal(t, OriginLocal, echo.Origin)
	assert.Equal(t, "Alice", echo.Content)

	// Later messages carry the new name.
	require.NoError(t, a.Send("hi", KindText))
	require.Eventually(t, func() bool { return b.Len() == 1 }, waitFor, tick)
	assert.Equal(t, "Alice", b.Messages()[0].SenderName)
}

func TestEncryptionSendIsEchoed(t *testing.T) {
	a, b := connectedPair(t, testOptions())

	require.NoError(t, a.Send("key", KindEncryption))

	require.Equal(t, 1, a.Len())
	assert.Equal(t, KindEncryption, a.Messages()[0].Kind)
	assert.Equal(t, OriginLocal, a.Messages()[0].Origin)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, b.Len())
}

func TestRemoteErrorKindIsRecorded(t *testing.T) {
	a, b := connectedPair(t, testOptions())

	require.NoError(t, a.Send("disk full", KindError))

	require.Eventually(t, func() bool { return b.Len() == 1 }, waitFor, tick)
	assert.Equal(t, KindError, b.Messages()[0].Kind)
	assert.Equal(t, KindError, a.Messages()[0].Kind)
}

func TestUnknownAndEncryptionFramesAreIgnored(t *testing.T) {
	opts := testOptions()
	opts.Metrics = NewMetrics()
	raw, peer := tcpPair(t)
	c := NewConnection(peer, opts)
	c.StartReader()
	defer c.Disconnect()

	// Wait between writes: the raw format relies on one write per read.
	_, err := raw.Write([]byte{9, 'x'})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return testutil.ToFloat64(opts.Metrics.DecodeErrors) == 1 }, waitFor, tick)

	_, err = raw.Write(EncodeFrame(KindEncryption, "key"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(opts.Metrics.FramesReceived.WithLabelValues("encryption")) == 1
	}, waitFor, tick)

	_, err = raw.Write(EncodeFrame(KindText, "still here"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Len() == 1 }, waitFor, tick)

	assert.True(t, c.Alive())
	assert.Equal(t, "still here", c.Messages()[0].Content)
}

func TestPeerCloseDisconnects(t *testing.T) {
	raw, peer := tcpPair(t)
	c := NewConnection(peer, testOptions())
	c.StartReader()

	_, err := raw.Write(EncodeFrame(KindText, "bye"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Len() == 1 }, waitFor, tick)

	require.NoError(t, raw.Close())

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("read loop did not exit after peer close")
	}
	assert.False(t, c.Alive())
	assert.Equal(t, 1, c.Len(), "a clean close adds no message")

	// Sending afterwards is a silent no-op.
	assert.NoError(t, c.Send("anyone?", KindText))
	assert.Equal(t, 1, c.Len())
}

func TestSendAfterDisconnectIsNoop(t *testing.T) {
	w := &recordingConn{}
	c := NewConnection(w, testOptions())
	c.Disconnect()

	assert.NoError(t, c.Send("hello", KindText))
	assert.Equal(t, int64(0), w.writes.Load())
	assert.Equal(t, 0, c.Len())
}

func TestDisconnectClosesSocket(t *testing.T) {
	raw, peer := tcpPair(t)
	c := NewConnection(peer, testOptions())
	c.StartReader()

	c.Disconnect()
	c.Disconnect()

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("read loop did not exit after disconnect")
	}
	assert.False(t, c.Alive())
	assert.Equal(t, 0, c.Len(), "disconnect records nothing")

	raw.SetReadDeadline(time.Now().Add(waitFor))
	_, err := raw.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestStartReaderOnce(t *testing.T) {
	raw, peer := tcpPair(t)
	c := NewConnection(peer, testOptions())
	c.StartReader()
	c.StartReader()
	defer c.Disconnect()

	_, err := raw.Write(EncodeFrame(KindText, "once"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Len() == 1 }, waitFor, tick)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, c.Len())
}

func TestReadErrorsRecordOneMessageThenDisconnect(t *testing.T) {
	fc := &recordingConn{readErr: errors.New("connection reset by peer")}
	opts := testOptions()
	opts.MaxReadErrors = 3
	opts.Metrics = NewMetrics()
	c := NewConnection(fc, opts)
	c.StartReader()

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("read loop did not give up")
	}

	assert.False(t, c.Alive())
	assert.Equal(t, int64(3), fc.reads.Load())
	require.Equal(t, 1, c.Len())
	msg := c.Messages()[0]
	assert.Equal(t, KindError, msg.Kind)
	assert.Equal(t, OriginRemote, msg.Origin)
	assert.Equal(t, "connection reset by peer", msg.Content)
	assert.Equal(t, float64(3), testutil.ToFloat64(opts.Metrics.ReadErrors))
}

func TestTransientReadErrorRecovers(t *testing.T) {
	fc := &recordingConn{
		script: []readResult{
			{err: errors.New("temporary glitch")},
			{data: EncodeFrame(KindText, "after glitch")},
			{err: io.EOF},
		},
	}
	c := NewConnection(fc, testOptions())
	c.StartReader()
	<-c.Done()

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, KindError, msgs[0].Kind)
	assert.Equal(t, "temporary glitch", msgs[0].Content)
	assert.Equal(t, "after glitch", msgs[1].Content)
	assert.False(t, c.Alive())
}

func TestWriteFailureIsRecorded(t *testing.T) {
	fc := &recordingConn{writeErr: errors.New("broken pipe")}
	opts := testOptions()
	opts.Metrics = NewMetrics()
	c := NewConnection(fc, opts)

	err := c.Send("hello", KindText)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")

	require.Equal(t, 1, c.Len())
	msg := c.Messages()[0]
	assert.Equal(t, KindError, msg.Kind)
	assert.Equal(t, OriginLocal, msg.Origin)
	assert.Equal(t, SelfName, msg.SenderName)
	assert.Equal(t, "broken pipe", msg.Content)
	assert.True(t, c.Alive(), "a failed write does not disconnect")
	assert.Equal(t, float64(1), testutil.ToFloat64(opts.Metrics.SendErrors))
}

func TestFramedCodecOverTCP(t *testing.T) {
	opts := testOptions()
	opts.Codec = FramedCodec{}
	a, b := connectedPair(t, opts)

	big := strings.Repeat("framed ", 1000)
	require.NoError(t, a.Send("first", KindText))
	require.NoError(t, a.Send(big, KindText))
	require.NoError(t, a.Send("third", KindText))

	require.Eventually(t, func() bool { return b.Len() == 3 }, waitFor, tick)
	msgs := b.Messages()
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, big, msgs[1].Content)
	assert.Equal(t, "third", msgs[2].Content)
}

func TestCorruptFramedStreamDisconnects(t *testing.T) {
	opts := testOptions()
	opts.Codec = FramedCodec{}
	opts.MaxReadErrors = 5
	raw, peer := tcpPair(t)
	c := NewConnection(peer, opts)
	c.StartReader()
	defer c.Disconnect()

	// An oversized length header followed by what would parse as a valid
	// frame if the reader resynced on the body.
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	hidden, err := FramedCodec{}.Encode(KindText, "hidden in body")
	require.NoError(t, err)
	_, err = raw.Write(append(header[:], hidden...))
	require.NoError(t, err)

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("read loop kept going after a corrupt frame")
	}

	assert.False(t, c.Alive())
	require.Equal(t, 1, c.Len())
	msg := c.Messages()[0]
	assert.Equal(t, KindError, msg.Kind)
	assert.Contains(t, msg.Content, ErrFrameTooLarge.Error())
}

func TestEncodeFailureIsRecorded(t *testing.T) {
	a, _ := tcpPair(t)
	opts := testOptions()
	opts.Codec = failingCodec{}
	c := NewConnection(a, opts)

	err := c.Send("x", KindText)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	require.Equal(t, 1, c.Len())
	assert.Equal(t, KindError, c.Messages()[0].Kind)
}

func TestOnMessageCallback(t *testing.T) {
	var mu sync.Mutex
	var seen []Message
	opts := testOptions()
	opts.OnMessage = func(_ *Connection, m Message) {
		mu.Lock()
		seen = append(seen, m)
		mu.Unlock()
	}

	raw, peer := tcpPair(t)
	c := NewConnection(peer, opts)
	c.StartReader()
	defer c.Disconnect()

	_, err := raw.Write(EncodeFrame(KindText, "ping"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, waitFor, tick)
	mu.Lock()
	assert.Equal(t, "ping", seen[0].Content)
	mu.Unlock()
}

func TestConnectionMetrics(t *testing.T) {
	opts := testOptions()
	opts.Metrics = NewMetrics()
	a, b := connectedPair(t, opts)

	assert.Equal(t, float64(2), testutil.ToFloat64(opts.Metrics.ConnectionsAlive))
	assert.Equal(t, float64(2), testutil.ToFloat64(opts.Metrics.ConnectionsTotal.WithLabelValues("inbound")))

	require.NoError(t, a.Send("count me", KindText))
	require.Eventually(t, func() bool { return b.Len() == 1 }, waitFor, tick)
	assert.Equal(t, float64(1), testutil.ToFloat64(opts.Metrics.FramesSent.WithLabelValues("text")))
	assert.Equal(t, float64(1), testutil.ToFloat64(opts.Metrics.FramesReceived.WithLabelValues("text")))
	assert.Equal(t, uint64(len("count me")+1), a.BytesSent())
	assert.Equal(t, uint64(len("count me")+1), b.BytesReceived())

	a.Disconnect()
	require.Eventually(t, func() bool { return !b.Alive() }, waitFor, tick)
	assert.Equal(t, float64(0), testutil.ToFloat64(opts.Metrics.ConnectionsAlive))
}

type failingCodec struct{ RawCodec }

func (failingCodec) Encode(MessageKind, string) ([]byte, error) {
	return nil, ErrFrameTooLarge
}

type readResult struct {
	data []byte
	err  error
}

// recordingConn is a net.Conn that plays back scripted reads and counts I/O.
type recordingConn struct {
	script   []readResult
	readErr  error
	writeErr error

	mu     sync.Mutex
	reads  atomic.Int64
	writes atomic.Int64
	closed chan struct{}
	once   sync.Once
}

func (c *recordingConn) done() chan struct{} {
	c.once.Do(func() { c.closed = make(chan struct{}) })
	return c.closed
}

func (c *recordingConn) Read(p []byte) (int, error) {
	c.reads.Add(1)
	c.mu.Lock()
	if len(c.script) > 0 {
		r := c.script[0]
		c.script = c.script[1:]
		c.mu.Unlock()
		return copy(p, r.data), r.err
	}
	c.mu.Unlock()
	if c.readErr != nil {
		return 0, c.readErr
	}
	<-c.done()
	return 0, net.ErrClosed
}

func (c *recordingConn) Write(p []byte) (int, error) {
	c.writes.Add(1)
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return len(p), nil
}

func (c *recordingConn) Close() error {
	done := c.done()
	select {
	case <-done:
	default:
		close(done)
	}
	return nil
}

func (c *recordingConn) LocalAddr() net.Addr                { return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4000} }
func (c *recordingConn) RemoteAddr() net.Addr               { return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5000} }
func (c *recordingConn) SetDeadline(t time.Time) error      { return nil }
func (c *recordingConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *recordingConn) SetWriteDeadline(t time.Time) error { return nil }
