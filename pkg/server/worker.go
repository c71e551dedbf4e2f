package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/confab-io/confab/pkg/model"
	"github.com/confab-io/confab/pkg/wire"
)

// loginDeadline bounds how long a fresh connection may take to present
// its LOGIN message.
const loginDeadline = 10 * time.Second

// handleConn owns one client connection from accept to termination.
// States: awaiting login -> authenticated -> terminated. Whatever path
// ends the connection (logout, protocol error, read failure, or a
// concurrent eviction), cleanup funnels through Registry.Deregister,
// which is safe to attempt more than once.
func (s *Server) handleConn(conn net.Conn) {
	remoteAddr := conn.RemoteAddr().String()
	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	defer s.metrics.ActiveConnections.Add(-1)
	slog.Debug("new connection", "remote", remoteAddr)

	client, err := s.login(conn)
	if err != nil {
		slog.Debug("login failed", "remote", remoteAddr, "err", err)
		_ = conn.Close()
		return
	}

	defer func() {
		// Deregister closes the connection; if eviction or another path
		// already won, this is a no-op.
		if s.registry.Deregister(client) {
			s.metrics.TotalDisconnects.Add(1)
			slog.Info("client disconnected", "user", client.Name())
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		msg, err := wire.ReadMessage(conn)
		if err != nil {
			// Peer closed or transport failure: abrupt disconnect, same
			// cleanup as logout via the deferred Deregister.
			if !errors.Is(err, io.EOF) && !isClosedErr(err) {
				slog.Debug("read error", "user", client.Name(), "err", err)
			}
			return
		}

		s.registry.Touch(client)
		if done := s.dispatch(client, conn, msg); done {
			return
		}
	}
}

// login performs the handshake: the first record must be LOGIN, carrying
// the identity in Source and the password in Data. Any other kind, or a
// read failure, terminates the connection with no reply. Credential and
// registry rejections are reported with a LOGIN_NAK before closing.
func (s *Server) login(conn net.Conn) (*Client, error) {
	_ = conn.SetReadDeadline(time.Now().Add(loginDeadline))
	msg, err := wire.ReadMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("handshake read: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{}) // clear deadline

	if msg.Type != wire.Login {
		return nil, fmt.Errorf("first message must be LOGIN, got %s", msg.Type)
	}

	identity := msg.SourceName()
	password := string(msg.Payload())

	if err := model.ValidateName(identity); err != nil {
		s.metrics.FailedAuths.Add(1)
		s.sendLoginNak(conn, identity, err.Error())
		return nil, fmt.Errorf("invalid identity: %w", err)
	}

	// A second login for an active identity is rejected before the
	// credential check; the verdict never depends on the password.
	if s.registry.IsActive(identity) {
		s.metrics.FailedAuths.Add(1)
		s.sendLoginNak(conn, identity, ErrDuplicateIdentity.Error())
		return nil, ErrDuplicateIdentity
	}

	ok, err := s.store.Authenticate(identity, password)
	if err != nil {
		s.sendLoginNak(conn, identity, "internal error")
		return nil, fmt.Errorf("credential lookup: %w", err)
	}
	if !ok {
		s.metrics.FailedAuths.Add(1)
		s.sendLoginNak(conn, identity, "invalid username/password")
		return nil, errors.New("bad credentials")
	}

	client, err := s.registry.Register(identity, conn)
	if err != nil {
		s.metrics.FailedAuths.Add(1)
		s.sendLoginNak(conn, identity, err.Error())
		return nil, fmt.Errorf("register: %w", err)
	}

	ack, _ := wire.New(wire.LoginAck, "", "", []byte("login successful"))
	if err := s.send(conn, ack); err != nil {
		s.registry.Deregister(client)
		return nil, fmt.Errorf("ack write: %w", err)
	}

	s.metrics.SuccessfulAuths.Add(1)
	slog.Info("client logged in", "user", identity, "remote", conn.RemoteAddr().String())
	return client, nil
}

// dispatch handles one authenticated-state message. It returns true when
// the worker should terminate (logout).
func (s *Server) dispatch(c *Client, conn net.Conn, msg *wire.Message) (done bool) {
	switch msg.Type {
	case wire.Logout:
		// Reply not required; the deferred cleanup does the rest.
		slog.Info("client logged out", "user", c.Name())
		return true

	case wire.Join:
		name := msg.SessionName()
		if err := model.ValidateName(name); err != nil {
			s.sendNak(conn, wire.JoinNak, name, err.Error())
			return false
		}
		if err := s.registry.JoinConference(name, c); err != nil {
			s.sendNak(conn, wire.JoinNak, name, err.Error())
			return false
		}
		s.sendAck(conn, wire.JoinAck, name)
		slog.Info("client joined session", "user", c.Name(), "session", name)

	case wire.CreateSession:
		name := msg.SessionName()
		if err := model.ValidateName(name); err != nil {
			s.sendNak(conn, wire.JoinNak, name, err.Error())
			return false
		}
		// Creation failures share the JOIN_NAK kind; the wire contract
		// defines no CREATE_NAK.
		if err := s.registry.CreateConference(name, c); err != nil {
			s.sendNak(conn, wire.JoinNak, name, err.Error())
			return false
		}
		s.sendAck(conn, wire.CreateAck, name)
		slog.Info("client created session", "user", c.Name(), "session", name)

	case wire.Leave:
		s.registry.LeaveConference(msg.SessionName(), c)

	case wire.SessionMessage:
		s.relay(c, msg)

	case wire.ListQuery:
		s.sendList(conn)
		s.metrics.ListQueries.Add(1)

	default:
		// Unknown kinds while authenticated are logged and ignored; the
		// connection continues.
		slog.Warn("unknown message kind", "user", c.Name(), "type", msg.Type.String())
	}
	return false
}

// relay fans a session message out to the target conference. The source
// field is stamped server-side so clients cannot spoof each other.
func (s *Server) relay(c *Client, msg *wire.Message) {
	out := *msg
	if err := out.SetSource(c.Name()); err != nil {
		return
	}
	delivered := s.registry.Broadcast(out.SessionName(), c, &out)
	s.metrics.MessagesBroadcast.Add(1)
	slog.Debug("session message", "user", c.Name(), "session", out.SessionName(), "delivered", delivered)
}

// sendList renders the registry snapshot as the newline-delimited text
// listing carried in LIST_ACK.
func (s *Server) sendList(conn net.Conn) {
	clients, conferences := s.registry.Snapshot()

	var buf bytes.Buffer
	buf.WriteString("Users:\n")
	for _, name := range clients {
		fmt.Fprintf(&buf, "  %s\n", name)
	}
	buf.WriteString("\nSessions:\n")
	for _, info := range conferences {
		fmt.Fprintf(&buf, "  %s (%d members)\n", info.Name, info.Members)
	}

	body := buf.Bytes()
	if len(body) > wire.DataSize {
		body = body[:wire.DataSize]
	}
	ack := &wire.Message{Type: wire.ListAck}
	_ = ack.SetData(body)
	_ = s.send(conn, ack)
}

func (s *Server) sendAck(conn net.Conn, kind wire.Kind, session string) {
	msg := &wire.Message{Type: kind}
	_ = msg.SetSession(session)
	_ = s.send(conn, msg)
}

func (s *Server) sendNak(conn net.Conn, kind wire.Kind, session, reason string) {
	msg := &wire.Message{Type: kind}
	_ = msg.SetSession(session)
	_ = msg.SetData([]byte(reason))
	_ = s.send(conn, msg)
}

func (s *Server) sendLoginNak(conn net.Conn, identity, reason string) {
	msg := &wire.Message{Type: wire.LoginNak}
	_ = msg.SetSource(identity)
	_ = msg.SetData([]byte(reason))
	_ = s.send(conn, msg)
}

// send writes one record under the configured write deadline.
func (s *Server) send(conn net.Conn, msg *wire.Message) error {
	if s.cfg.SendTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.SendTimeout))
	}
	if err := wire.WriteMessage(conn, msg); err != nil {
		slog.Debug("reply write failed", "remote", conn.RemoteAddr().String(), "err", err)
		return err
	}
	return nil
}

func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed)
}
