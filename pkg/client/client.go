// Package client implements the Confab client networking.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/confab-io/confab/pkg/wire"
)

// loginTimeout bounds how long the handshake may wait for the server's
// verdict.
const loginTimeout = 10 * time.Second

// EventHandler is a callback for server-pushed messages: session text,
// list replies, and anything else that arrives outside a pending request.
type EventHandler func(msg *wire.Message)

// Conn manages one authenticated connection to a Confab server. After
// Login succeeds, a background goroutine owns all reads: replies to
// pending requests are routed back to their caller, everything else goes
// to the event handler.
type Conn struct {
	conn    net.Conn
	handler EventHandler

	writeMu sync.Mutex // serializes record writes

	mu       sync.Mutex // guards the fields below
	identity string
	joined   map[string]struct{}
	active   string // session new messages go to; "" = none
	pending  chan *wire.Message

	done     chan struct{}
	closeOne sync.Once
}

// Dial connects to a Confab server without authenticating.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: connect: %w", err)
	}
	return &Conn{
		conn:   conn,
		joined: make(map[string]struct{}),
		done:   make(chan struct{}),
	}, nil
}

// SetEventHandler sets the callback for server-pushed messages. It must
// be set before Login; the receive loop starts on a successful login.
func (c *Conn) SetEventHandler(handler EventHandler) {
	c.handler = handler
}

// Login authenticates and starts the receive loop. The first record on a
// fresh connection must be this login; the server closes the transport
// on anything else.
func (c *Conn) Login(identity, password string) error {
	msg, err := wire.New(wire.Login, identity, "", []byte(password))
	if err != nil {
		return fmt.Errorf("client: build login: %w", err)
	}
	if err := c.write(msg); err != nil {
		return fmt.Errorf("client: send login: %w", err)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(loginTimeout))
	reply, err := wire.ReadMessage(c.conn)
	if err != nil {
		return fmt.Errorf("client: read login reply: %w", err)
	}
	_ = c.conn.SetReadDeadline(time.Time{})

	switch reply.Type {
	case wire.LoginAck:
		c.mu.Lock()
		c.identity = identity
		c.mu.Unlock()
		go c.receiveLoop()
		return nil
	case wire.LoginNak:
		return fmt.Errorf("login rejected: %s", reply.Payload())
	default:
		return fmt.Errorf("client: unexpected login reply: %s", reply.Type)
	}
}

// Identity returns the authenticated identity, or "" before login.
func (c *Conn) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Join joins an existing session and makes it the active one.
func (c *Conn) Join(session string) error {
	reply, err := c.request(wire.Join, session)
	if err != nil {
		return err
	}
	if reply.Type != wire.JoinAck {
		return fmt.Errorf("join rejected: %s", reply.Payload())
	}
	c.mu.Lock()
	c.joined[session] = struct{}{}
	c.active = session
	c.mu.Unlock()
	return nil
}

// Create creates a new session, which the server joins us to
// immediately, and makes it the active one.
func (c *Conn) Create(session string) error {
	reply, err := c.request(wire.CreateSession, session)
	if err != nil {
		return err
	}
	if reply.Type != wire.CreateAck {
		return fmt.Errorf("create rejected: %s", reply.Payload())
	}
	c.mu.Lock()
	c.joined[session] = struct{}{}
	c.active = session
	c.mu.Unlock()
	return nil
}

// Leave leaves the active session. The server sends no reply for LEAVE.
func (c *Conn) Leave() error {
	c.mu.Lock()
	session := c.active
	c.mu.Unlock()
	if session == "" {
		return fmt.Errorf("not in a session")
	}
	return c.LeaveSession(session)
}

// LeaveSession leaves a named session.
func (c *Conn) LeaveSession(session string) error {
	msg, err := wire.New(wire.Leave, "", session, nil)
	if err != nil {
		return err
	}
	if err := c.write(msg); err != nil {
		return fmt.Errorf("client: send leave: %w", err)
	}
	c.mu.Lock()
	delete(c.joined, session)
	if c.active == session {
		c.active = ""
	}
	c.mu.Unlock()
	return nil
}

// Switch changes the active session to one already joined.
func (c *Conn) Switch(session string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.joined[session]; !ok {
		return fmt.Errorf("not joined to %q", session)
	}
	c.active = session
	return nil
}

// Active returns the session new messages are sent to, or "".
func (c *Conn) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Joined returns the joined session names, sorted.
func (c *Conn) Joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.joined))
	for name := range c.joined {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Send broadcasts text to the active session.
func (c *Conn) Send(text string) error {
	c.mu.Lock()
	session := c.active
	c.mu.Unlock()
	if session == "" {
		return fmt.Errorf("not in a session")
	}

	msg, err := wire.New(wire.SessionMessage, "", session, []byte(text))
	if err != nil {
		return err
	}
	if err := c.write(msg); err != nil {
		return fmt.Errorf("client: send message: %w", err)
	}
	return nil
}

// List asks the server for the users/sessions listing and returns it as
// text.
func (c *Conn) List() (string, error) {
	reply, err := c.request(wire.ListQuery, "")
	if err != nil {
		return "", err
	}
	if reply.Type != wire.ListAck {
		return "", fmt.Errorf("client: unexpected list reply: %s", reply.Type)
	}
	return string(reply.Payload()), nil
}

// Logout tells the server we are leaving and closes the connection.
func (c *Conn) Logout() error {
	msg, _ := wire.New(wire.Logout, "", "", nil)
	if err := c.write(msg); err != nil {
		// Transport already dead; closing is all that is left.
		return c.Close()
	}
	return c.Close()
}

// Close tears down the connection. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOne.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Done is closed when the connection terminates, whether by Close or by
// the server dropping us.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// request sends one record and waits for the server's reply to it. The
// receive loop routes ack/nak kinds here while a request is pending.
func (c *Conn) request(kind wire.Kind, session string) (*wire.Message, error) {
	msg, err := wire.New(kind, "", session, nil)
	if err != nil {
		return nil, err
	}

	ch := make(chan *wire.Message, 1)
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("client: request already in flight")
	}
	c.pending = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		return nil, fmt.Errorf("client: send %s: %w", kind, err)
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-c.done:
		return nil, fmt.Errorf("client: connection closed")
	case <-time.After(loginTimeout):
		return nil, fmt.Errorf("client: %s timed out", kind)
	}
}

// receiveLoop owns all reads after login. Request replies go to the
// pending waiter; session messages and any unsolicited records go to the
// event handler.
func (c *Conn) receiveLoop() {
	defer func() { _ = c.Close() }()

	for {
		msg, err := wire.ReadMessage(c.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosed(err) {
				slog.Debug("receive loop ended", "err", err)
			}
			return
		}

		switch msg.Type {
		case wire.JoinAck, wire.JoinNak, wire.CreateAck, wire.ListAck:
			c.mu.Lock()
			ch := c.pending
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch <- msg:
					continue
				default:
				}
			}
			// No waiter; fall through to the handler.
			c.deliver(msg)
		default:
			c.deliver(msg)
		}
	}
}

// write sends one record on the transport, serialized by writeMu.
func (c *Conn) write(msg *wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteMessage(c.conn, msg)
}

func (c *Conn) deliver(msg *wire.Message) {
	if c.handler != nil {
		c.handler(msg)
	}
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
