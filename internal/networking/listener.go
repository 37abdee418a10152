package networking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
)

// DefaultListenAddress binds loopback on an ephemeral port.
const DefaultListenAddress = "127.0.0.1:0"

// Listener accepts inbound peer sockets in the background and queues them
// until the application claims them with Pop.
type Listener struct {
	ln     net.Listener
	logger *log.Logger

	mu      sync.Mutex
	pending []net.Conn
	running bool

	startOnce sync.Once
	closeOnce sync.Once
	shutdown  chan struct{}
	done      chan struct{}
}

// NewListener binds addr (DefaultListenAddress when empty). A bind failure
// leaves nothing to advertise to peers, so callers should treat it as fatal.
func NewListener(addr string, logger *log.Logger) (*Listener, error) {
	if addr == "" {
		addr = DefaultListenAddress
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return newListener(ln, logger), nil
}

func newListener(ln net.Listener, logger *log.Logger) *Listener {
	return &Listener{
		ln:       ln,
		logger:   logger,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (l *Listener) logf(format string, args ...interface{}) {
	if l.logger != nil {
		l.logger.Printf(format, args...)
	}
}

// Addr returns the bound host:port for peers to dial.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Start launches the accept loop. It runs until ctx is cancelled, Close is
// called, or Accept fails. Only the first call has an effect.
func (l *Listener) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		l.mu.Lock()
		l.running = true
		l.mu.Unlock()

		go func() {
			select {
			case <-ctx.Done():
				l.Close()
			case <-l.shutdown:
			}
		}()
		go l.acceptLoop()
	})
}

// Running reports whether the accept loop is still accepting.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Done is closed once the accept loop has exited.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

func (l *Listener) acceptLoop() {
	defer close(l.done)
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Queued sockets stay poppable; only accepting stops.
			l.logf("Accept error on %s, listener stopped: %v", l.Addr(), err)
			return
		}

		l.mu.Lock()
		l.pending = append(l.pending, conn)
		l.mu.Unlock()
		l.logf("Accepted connection from %s", conn.RemoteAddr())
	}
}

// Pop removes and returns the oldest accepted socket. It never blocks.
func (l *Listener) Pop() (net.Conn, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return nil, false
	}
	conn := l.pending[0]
	l.pending[0] = nil
	l.pending = l.pending[1:]
	return conn, true
}

// Pending returns how many accepted sockets are waiting to be popped.
func (l *Listener) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Close stops accepting. Sockets already queued are left for Pop.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.shutdown)
		err = l.ln.Close()
	})
	return err
}
