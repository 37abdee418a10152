package networking

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultMaxReadErrors is how many consecutive read failures end a connection.
	DefaultMaxReadErrors = 3

	// DefaultReadErrorBackoff is the pause between retries after a read failure.
	DefaultReadErrorBackoff = 100 * time.Millisecond

	unknownName = "unknown"
)

// Options configures a Connection. The zero value uses the raw codec and the
// default read limits.
type Options struct {
	Codec            Codec
	Logger           *log.Logger
	Metrics          *Metrics
	ReadChunkSize    int
	MaxReadErrors    int
	ReadErrorBackoff time.Duration

	// Outbound is true when this side dialed the connection.
	Outbound bool

	// OnMessage is called from the read loop after a remote Text or Error
	// message has been appended to the history.
	OnMessage func(c *Connection, m Message)
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = RawCodec{}
	}
	if o.ReadChunkSize <= 0 {
		o.ReadChunkSize = DefaultReadChunkSize
	}
	if o.MaxReadErrors <= 0 {
		o.MaxReadErrors = DefaultMaxReadErrors
	}
	if o.ReadErrorBackoff <= 0 {
		o.ReadErrorBackoff = DefaultReadErrorBackoff
	}
	return o
}

// Connection is one live peer socket. The read loop owns the read side of
// the socket and Send owns the write side; both stop once the connection
// is disconnected.
type Connection struct {
	conn    net.Conn
	reader  FrameReader
	writeMu sync.Mutex // protects writer
	writer  io.Writer
	opts    Options

	alive     atomic.Bool
	closed    chan struct{}
	startOnce sync.Once
	done      chan struct{}

	mu       sync.RWMutex
	name     string
	messages []Message

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

// NewConnection wraps an established socket. The initial display name is the
// socket's local IP.
func NewConnection(conn net.Conn, opts Options) *Connection {
	opts = opts.withDefaults()

	c := &Connection{
		conn:   conn,
		opts:   opts,
		name:   initialName(conn),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.reader = opts.Codec.NewReader(&countingReader{r: conn, counter: &c.bytesReceived}, opts.ReadChunkSize)
	c.writer = &countingWriter{w: conn, counter: &c.bytesSent}
	c.alive.Store(true)

	direction := "inbound"
	if opts.Outbound {
		direction = "outbound"
	}
	opts.Metrics.connectionOpened(direction)
	return c
}

func initialName(conn net.Conn) string {
	addr := conn.LocalAddr()
	if addr == nil {
		return unknownName
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil || host == "" {
		return unknownName
	}
	return host
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.opts.Logger != nil {
		c.opts.Logger.Printf(format, args...)
	}
}

// Name returns the peer's current display name.
func (c *Connection) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// Alive reports whether further I/O will be attempted on this connection.
func (c *Connection) Alive() bool {
	return c.alive.Load()
}

// Messages returns a copy of the history in append order.
func (c *Connection) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of history entries.
func (c *Connection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

func (c *Connection) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *Connection) LocalAddr() string {
	if addr := c.conn.LocalAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *Connection) BytesSent() uint64     { return c.bytesSent.Load() }
func (c *Connection) BytesReceived() uint64 { return c.bytesReceived.Load() }

// Done is closed when the read loop has exited.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// StartReader launches the read loop. Only the first call has an effect.
func (c *Connection) StartReader() {
	c.startOnce.Do(func() {
		go c.readLoop()
	})
}

func (c *Connection) readLoop() {
	defer close(c.done)

	failures := 0
	for c.Alive() {
		frame, err := c.reader.ReadFrame()
		if err != nil {
			if !c.Alive() {
				// Disconnect closed the socket under us.
				return
			}
			if errors.Is(err, io.EOF) {
				c.logf("Connection %s closed by peer", c.RemoteAddr())
				c.disconnect()
				return
			}

			c.opts.Metrics.readError()
			failures++
			c.logf("Read error on %s (%d/%d): %v", c.RemoteAddr(), failures, c.opts.MaxReadErrors, err)
			if failures == 1 {
				c.appendRemote(KindError, err.Error())
			}
			if errors.Is(err, ErrFrameCorrupt) || failures >= c.opts.MaxReadErrors {
				c.disconnect()
				return
			}

			select {
			case <-time.After(c.opts.ReadErrorBackoff):
			case <-c.closed:
				return
			}
			continue
		}

		failures = 0
		c.handleFrame(frame)
	}
}

func (c *Connection) handleFrame(frame []byte) {
	kind, text, err := DecodeFrame(frame)
	if err != nil {
		c.opts.Metrics.decodeError()
		c.logf("Discarding frame from %s: %v", c.RemoteAddr(), err)
		return
	}
	c.opts.Metrics.frameReceived(kind)

	switch kind {
	case KindText, KindError:
		c.appendRemote(kind, text)
	case KindNameChange:
		c.mu.Lock()
		c.name = text
		c.mu.Unlock()
	case KindEncryption:
		c.logf("Ignoring encryption frame from %s: not supported", c.RemoteAddr())
	}
}

func (c *Connection) appendRemote(kind MessageKind, content string) {
	c.mu.Lock()
	msg := newMessage(OriginRemote, c.name, kind, content)
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	if c.opts.OnMessage != nil {
		c.opts.OnMessage(c, msg)
	}
}

func (c *Connection) appendLocal(kind MessageKind, content string) {
	c.mu.Lock()
	c.messages = append(c.messages, newMessage(OriginLocal, SelfName, kind, content))
	c.mu.Unlock()
}

// Send writes one frame to the peer. Sending on a disconnected connection is
// a silent no-op. A failed write is recorded in the history as a local Error
// message and returned; it does not disconnect. Every successful send is
// echoed into the history with its own kind.
func (c *Connection) Send(text string, kind MessageKind) error {
	if !c.Alive() {
		return nil
	}

	frame, err := c.opts.Codec.Encode(kind, text)
	if err != nil {
		c.opts.Metrics.sendError()
		c.appendLocal(KindError, err.Error())
		return fmt.Errorf("encode %s frame: %w", kind, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.writer.Write(frame); err != nil {
		if !c.Alive() {
			return nil
		}
		c.opts.Metrics.sendError()
		c.logf("Write error on %s: %v", c.RemoteAddr(), err)
		c.appendLocal(KindError, err.Error())
		return fmt.Errorf("send to %s: %w", c.RemoteAddr(), err)
	}
	c.opts.Metrics.frameSent(kind)
	c.appendLocal(kind, text)
	return nil
}

// Announce tells the peer which name to display for us.
func (c *Connection) Announce(name string) error {
	return c.Send(name, KindNameChange)
}

// Disconnect marks the connection dead and closes the socket, which also
// unblocks a pending read. It is safe to call more than once.
func (c *Connection) Disconnect() {
	c.disconnect()
}

func (c *Connection) disconnect() {
	if !c.alive.CompareAndSwap(true, false) {
		return
	}
	close(c.closed)
	if err := c.conn.Close(); err != nil {
		c.logf("Close %s: %v", c.RemoteAddr(), err)
	}
	c.opts.Metrics.connectionClosed()
}

// countingReader wraps an io.Reader and counts bytes read
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 {
		cw.counter.Add(uint64(n))
	}
	return n, err
}
