package ibgw

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

var ErrClosed = errors.New("gateway client closed")

// Handler receives decoded gateway messages. Run calls OnMessage from the
// session goroutine, so implementations must not block for long.
type Handler interface {
	OnMessage(Message)
	OnDisconnect(err error)
}

// Client is the blocking vendor session. Dial establishes the transport, Run
// reads until the session dies, Send writes one message.
type Client interface {
	Dial(ctx context.Context) error
	Run(h Handler) error
	Send(Message) error
	Close() error
}

// TCPClient speaks the JSON-lines wire over a TCP connection.
type TCPClient struct {
	addr string

	mu     sync.Mutex
	conn   net.Conn
	enc    *json.Encoder
	closed bool
}

func NewTCPClient(host string, port int) *TCPClient {
	return &TCPClient{addr: net.JoinHostPort(host, fmt.Sprintf("%d", port))}
}

func (c *TCPClient) Dial(ctx context.Context) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial gateway %s: %w", c.addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(15 * time.Second)
	}
	c.mu.Lock()
	c.conn = conn
	c.enc = json.NewEncoder(conn)
	c.closed = false
	c.mu.Unlock()
	return nil
}

// Run blocks reading the session until EOF, a decode failure, or Close. It
// always calls h.OnDisconnect exactly once before returning.
func (c *TCPClient) Run(h Handler) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		err := errors.New("gateway client not dialed")
		h.OnDisconnect(err)
		return err
	}

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			err = fmt.Errorf("decode gateway frame: %w", err)
			c.teardown()
			h.OnDisconnect(err)
			return err
		}
		h.OnMessage(msg)
	}
	err := sc.Err()
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		h.OnDisconnect(ErrClosed)
		return ErrClosed
	}
	if err == nil {
		err = errors.New("gateway session closed by peer")
	}
	c.teardown()
	h.OnDisconnect(err)
	return err
}

func (c *TCPClient) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return ErrClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.enc.Encode(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *TCPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *TCPClient) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.closed {
		_ = c.conn.Close()
	}
}
