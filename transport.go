package miio

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// InboundHandler receives one inbound datagram and the address it arrived
// from. Multiple handlers may be subscribed; invocation order among them
// is unspecified.
type InboundHandler func(data []byte, remote *net.UDPAddr)

// Unsubscribe removes exactly the subscription it was returned for. It is
// safe to call more than once.
type Unsubscribe func()

// Transport is the socket abstraction the session client is built on. It
// interprets no bytes and performs no retry; those are the client's job.
type Transport interface {
	// EnsureReady lazily binds the local UDP endpoint. It is idempotent:
	// at most one bind happens per Transport instance.
	EnsureReady() error

	// Send transmits one datagram to addr. It completes when the kernel
	// accepts the bytes.
	Send(data []byte, addr *net.UDPAddr) error

	// Subscribe registers handler for every inbound datagram.
	Subscribe(handler InboundHandler) Unsubscribe

	// Close releases the local endpoint and drops all subscriptions.
	Close() error
}

// UDPTransport is a Transport bound to a single local UDP endpoint,
// created once per process and shared by every Client that talks to a
// device from this host.
type UDPTransport struct {
	localAddr string
	logger    logrus.FieldLogger

	mu          sync.Mutex
	conn        *net.UDPConn
	subscribers map[int]InboundHandler
	nextID      int
	closed      bool
}

// NewUDPTransport creates a Transport bound to localAddr ("" for any
// address, an ephemeral port). The socket is not opened until the first
// EnsureReady call.
func NewUDPTransport(localAddr string, logger logrus.FieldLogger) *UDPTransport {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &UDPTransport{
		localAddr:   localAddr,
		logger:      logger,
		subscribers: make(map[int]InboundHandler),
	}
}

func (t *UDPTransport) EnsureReady() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrSessionClosed
	}
	if t.conn != nil {
		return nil
	}

	udpAddr, err := net.ResolveUDPAddr("udp", t.localAddr)
	if err != nil {
		return fmt.Errorf("miio: resolve local addr %q: %w", t.localAddr, ErrIoError)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("miio: listen udp: %v: %w", err, ErrIoError)
	}
	t.conn = conn
	go t.readLoop(conn)
	t.logger.WithField("local_addr", conn.LocalAddr()).Debug("miio: transport bound")
	return nil
}

func (t *UDPTransport) readLoop(conn *net.UDPConn) {
	buf := make([]byte, 65535)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Closed sockets end the loop silently; anything else is
			// logged for visibility but the loop still exits, since a
			// UDP socket does not recover from a read error on its own.
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				t.logger.WithError(err).Warn("miio: transport read loop exiting")
			}
			return
		}

		data := append([]byte(nil), buf[:n]...)
		t.dispatch(data, remote)
	}
}

func (t *UDPTransport) dispatch(data []byte, remote *net.UDPAddr) {
	t.mu.Lock()
	handlers := make([]InboundHandler, 0, len(t.subscribers))
	for _, h := range t.subscribers {
		handlers = append(handlers, h)
	}
	t.mu.Unlock()

	for _, h := range handlers {
		h(data, remote)
	}
}

func (t *UDPTransport) Send(data []byte, addr *net.UDPAddr) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return ErrSessionClosed
	}
	if conn == nil {
		return fmt.Errorf("miio: transport not ready: %w", ErrIoError)
	}

	if _, err := conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("miio: udp write: %v: %w", err, ErrIoError)
	}
	return nil
}

func (t *UDPTransport) Subscribe(handler InboundHandler) Unsubscribe {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subscribers[id] = handler
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subscribers, id)
			t.mu.Unlock()
		})
	}
}

func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.subscribers = make(map[int]InboundHandler)
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
