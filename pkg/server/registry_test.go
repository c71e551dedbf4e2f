package server

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/confab-io/confab/pkg/model"
	"github.com/confab-io/confab/pkg/wire"

	"github.com/google/go-cmp/cmp"
)

// recordConn is a net.Conn double that captures everything written to it.
type recordConn struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	closed     bool
	failWrites bool
}

func (c *recordConn) Read(_ []byte) (int, error) { return 0, net.ErrClosed }
func (c *recordConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return 0, errors.New("write refused")
	}
	return c.buf.Write(p)
}
func (c *recordConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
func (c *recordConn) LocalAddr() net.Addr                { return &net.IPAddr{} }
func (c *recordConn) RemoteAddr() net.Addr               { return &net.IPAddr{} }
func (c *recordConn) SetDeadline(_ time.Time) error      { return nil }
func (c *recordConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *recordConn) SetWriteDeadline(_ time.Time) error { return nil }

// messages decodes every record captured so far.
func (c *recordConn) messages(t *testing.T) []*wire.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	var msgs []*wire.Message
	r := bytes.NewReader(c.buf.Bytes())
	for r.Len() > 0 {
		m, err := wire.ReadMessage(r)
		if err != nil {
			t.Fatalf("decode captured record: %v", err)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func (c *recordConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestRegistry(cfg Config) *Registry {
	return NewRegistry(cfg, NewMetrics())
}

// checkConsistency verifies the two registry invariants after a mutation:
// no conference is empty, and client-side membership mirrors
// conference-side membership exactly.
func checkConsistency(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, conf := range r.conferences {
		if len(conf.members) == 0 {
			t.Fatalf("conference %q has no members", name)
		}
		for _, m := range conf.members {
			if _, ok := m.conferences[name]; !ok {
				t.Fatalf("conference %q lists %q, but the client does not record it", name, m.name)
			}
		}
	}
	for name, c := range r.clients {
		for confName := range c.conferences {
			conf, ok := r.conferences[confName]
			if !ok {
				t.Fatalf("client %q records %q, but no such conference exists", name, confName)
			}
			found := false
			for _, m := range conf.members {
				if m == c {
					found = true
					break
				}
			}
			if !found {
				t.Fatalf("client %q records %q, but is not in its member list", name, confName)
			}
		}
	}
}

func mustRegister(t *testing.T, r *Registry, name string) (*Client, *recordConn) {
	t.Helper()
	conn := &recordConn{}
	c, err := r.Register(name, conn)
	if err != nil {
		t.Fatalf("Register(%q): %v", name, err)
	}
	return c, conn
}

func TestRegisterDuplicateAndCapacity(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxClients = 2
	r := newTestRegistry(cfg)

	mustRegister(t, r, "jill")

	if _, err := r.Register("jill", &recordConn{}); !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("duplicate register: got %v, want ErrDuplicateIdentity", err)
	}

	mustRegister(t, r, "jack")
	if _, err := r.Register("alice", &recordConn{}); !errors.Is(err, ErrServerFull) {
		t.Fatalf("register beyond capacity: got %v, want ErrServerFull", err)
	}

	if got := r.ClientCount(); got != 2 {
		t.Fatalf("ClientCount = %d, want 2", got)
	}
}

func TestCreateJoinLeaveLifecycle(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(DefaultConfig())
	a, _ := mustRegister(t, r, "alice")
	b, _ := mustRegister(t, r, "bob")

	if err := r.CreateConference("lab", a); err != nil {
		t.Fatalf("CreateConference: %v", err)
	}
	checkConsistency(t, r)

	// The creator is joined immediately.
	_, infos := r.Snapshot()
	want := []model.ConferenceInfo{{Name: "lab", Members: 1}}
	if diff := cmp.Diff(want, infos); diff != "" {
		t.Fatalf("snapshot after create (-want +got):\n%s", diff)
	}

	if err := r.CreateConference("lab", b); !errors.Is(err, ErrConferenceExists) {
		t.Fatalf("create existing: got %v, want ErrConferenceExists", err)
	}

	if err := r.JoinConference("nowhere", b); !errors.Is(err, ErrConferenceNotFound) {
		t.Fatalf("join missing: got %v, want ErrConferenceNotFound", err)
	}

	if err := r.JoinConference("lab", b); err != nil {
		t.Fatalf("JoinConference: %v", err)
	}
	checkConsistency(t, r)

	// Joining twice is idempotent: member count unchanged.
	if err := r.JoinConference("lab", b); err != nil {
		t.Fatalf("second JoinConference: %v", err)
	}
	checkConsistency(t, r)
	_, infos = r.Snapshot()
	if infos[0].Members != 2 {
		t.Fatalf("members after double join = %d, want 2", infos[0].Members)
	}

	// First leave keeps the conference alive with the remaining member.
	r.LeaveConference("lab", a)
	checkConsistency(t, r)
	_, infos = r.Snapshot()
	want = []model.ConferenceInfo{{Name: "lab", Members: 1}}
	if diff := cmp.Diff(want, infos); diff != "" {
		t.Fatalf("snapshot after first leave (-want +got):\n%s", diff)
	}

	// Leaving a conference you are not in is a no-op.
	r.LeaveConference("lab", a)
	checkConsistency(t, r)

	// Last leave deletes the conference immediately.
	r.LeaveConference("lab", b)
	checkConsistency(t, r)
	_, infos = r.Snapshot()
	if len(infos) != 0 {
		t.Fatalf("conference survived its last member: %+v", infos)
	}
}

func TestMemberOrderPreservedOnRemoval(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(DefaultConfig())
	a, _ := mustRegister(t, r, "alice")
	b, _ := mustRegister(t, r, "bob")
	c, _ := mustRegister(t, r, "carol")

	if err := r.CreateConference("lab", a); err != nil {
		t.Fatalf("CreateConference: %v", err)
	}
	for _, cl := range []*Client{b, c} {
		if err := r.JoinConference("lab", cl); err != nil {
			t.Fatalf("JoinConference: %v", err)
		}
	}

	r.LeaveConference("lab", b)

	r.mu.Lock()
	var order []string
	for _, m := range r.conferences["lab"].members {
		order = append(order, m.name)
	}
	r.mu.Unlock()

	if diff := cmp.Diff([]string{"alice", "carol"}, order); diff != "" {
		t.Fatalf("member order after removal (-want +got):\n%s", diff)
	}
}

func TestDeregisterCascades(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(DefaultConfig())
	a, connA := mustRegister(t, r, "alice")
	b, _ := mustRegister(t, r, "bob")

	if err := r.CreateConference("lab", a); err != nil {
		t.Fatalf("CreateConference: %v", err)
	}
	if err := r.CreateConference("office", a); err != nil {
		t.Fatalf("CreateConference: %v", err)
	}
	if err := r.JoinConference("lab", b); err != nil {
		t.Fatalf("JoinConference: %v", err)
	}

	if !r.Deregister(a) {
		t.Fatal("first Deregister returned false")
	}
	checkConsistency(t, r)

	if !connA.isClosed() {
		t.Fatal("Deregister did not close the connection")
	}

	// "office" emptied out and died with its only member; "lab" lives on
	// with bob.
	clients, infos := r.Snapshot()
	if diff := cmp.Diff([]string{"bob"}, clients); diff != "" {
		t.Fatalf("clients after deregister (-want +got):\n%s", diff)
	}
	want := []model.ConferenceInfo{{Name: "lab", Members: 1}}
	if diff := cmp.Diff(want, infos); diff != "" {
		t.Fatalf("conferences after deregister (-want +got):\n%s", diff)
	}

	// All later cleanup attempts lose the race and do nothing.
	if r.Deregister(a) {
		t.Fatal("second Deregister returned true")
	}
}

func TestBroadcastScenario(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(DefaultConfig())
	a, connA := mustRegister(t, r, "alice")
	b, connB := mustRegister(t, r, "bob")
	_, connC := mustRegister(t, r, "carol")

	if err := r.CreateConference("lab", a); err != nil {
		t.Fatalf("CreateConference: %v", err)
	}
	if err := r.JoinConference("lab", b); err != nil {
		t.Fatalf("JoinConference: %v", err)
	}

	msg, err := wire.New(wire.SessionMessage, "alice", "lab", []byte("hello"))
	if err != nil {
		t.Fatalf("wire.New: %v", err)
	}

	if got := r.Broadcast("lab", a, msg); got != 2 {
		t.Fatalf("Broadcast delivered = %d, want 2", got)
	}

	// Sender and member both receive; the outsider does not.
	for name, conn := range map[string]*recordConn{"alice": connA, "bob": connB} {
		msgs := conn.messages(t)
		if len(msgs) != 1 || msgs[0].Type != wire.SessionMessage || string(msgs[0].Payload()) != "hello" {
			t.Fatalf("%s received %d messages, want the broadcast", name, len(msgs))
		}
	}
	if msgs := connC.messages(t); len(msgs) != 0 {
		t.Fatalf("outsider received %d messages, want 0", len(msgs))
	}
}

func TestBroadcastEdgeCases(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(DefaultConfig())
	a, _ := mustRegister(t, r, "alice")
	b, connB := mustRegister(t, r, "bob")

	msg, _ := wire.New(wire.SessionMessage, "alice", "lab", []byte("hello"))

	// Absent conference delivers to nobody.
	if got := r.Broadcast("lab", a, msg); got != 0 {
		t.Fatalf("broadcast to missing conference delivered %d", got)
	}

	if err := r.CreateConference("lab", b); err != nil {
		t.Fatalf("CreateConference: %v", err)
	}

	// A sender outside the conference delivers to nobody.
	if got := r.Broadcast("lab", a, msg); got != 0 {
		t.Fatalf("broadcast from non-member delivered %d", got)
	}
	if msgs := connB.messages(t); len(msgs) != 0 {
		t.Fatalf("member received %d messages from non-member, want 0", len(msgs))
	}
}

func TestBroadcastExcludeSenderPolicy(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ExcludeSender = true
	r := newTestRegistry(cfg)

	a, connA := mustRegister(t, r, "alice")
	b, connB := mustRegister(t, r, "bob")

	if err := r.CreateConference("lab", a); err != nil {
		t.Fatalf("CreateConference: %v", err)
	}
	if err := r.JoinConference("lab", b); err != nil {
		t.Fatalf("JoinConference: %v", err)
	}

	msg, _ := wire.New(wire.SessionMessage, "alice", "lab", []byte("hello"))
	if got := r.Broadcast("lab", a, msg); got != 1 {
		t.Fatalf("Broadcast delivered = %d, want 1", got)
	}
	if msgs := connA.messages(t); len(msgs) != 0 {
		t.Fatalf("sender received its own broadcast under exclude-sender policy")
	}
	if msgs := connB.messages(t); len(msgs) != 1 {
		t.Fatalf("member received %d messages, want 1", len(msgs))
	}
}

func TestBroadcastSkipsFailingConn(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(DefaultConfig())
	a, _ := mustRegister(t, r, "alice")
	b, connB := mustRegister(t, r, "bob")
	connB.failWrites = true

	if err := r.CreateConference("lab", a); err != nil {
		t.Fatalf("CreateConference: %v", err)
	}
	if err := r.JoinConference("lab", b); err != nil {
		t.Fatalf("JoinConference: %v", err)
	}

	msg, _ := wire.New(wire.SessionMessage, "alice", "lab", []byte("hello"))
	if got := r.Broadcast("lab", a, msg); got != 1 {
		t.Fatalf("Broadcast delivered = %d, want 1 (failing member skipped)", got)
	}
	if got := r.metrics.SendsDropped.Load(); got != 1 {
		t.Fatalf("SendsDropped = %d, want 1", got)
	}
}

func TestEvictStale(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(DefaultConfig())

	base := time.Now()
	r.now = func() time.Time { return base }

	a, connA := mustRegister(t, r, "alice")
	b, _ := mustRegister(t, r, "bob")

	if err := r.CreateConference("lab", a); err != nil {
		t.Fatalf("CreateConference: %v", err)
	}
	if err := r.JoinConference("lab", b); err != nil {
		t.Fatalf("JoinConference: %v", err)
	}

	// Bob stays active; Alice goes idle past the threshold.
	r.now = func() time.Time { return base.Add(90 * time.Second) }
	r.Touch(b)

	evicted := r.EvictStale(base.Add(2*time.Minute), time.Minute)
	if diff := cmp.Diff([]string{"alice"}, evicted); diff != "" {
		t.Fatalf("evicted (-want +got):\n%s", diff)
	}
	checkConsistency(t, r)

	if !connA.isClosed() {
		t.Fatal("evicted client's connection not closed")
	}

	clients, infos := r.Snapshot()
	if diff := cmp.Diff([]string{"bob"}, clients); diff != "" {
		t.Fatalf("clients after eviction (-want +got):\n%s", diff)
	}
	want := []model.ConferenceInfo{{Name: "lab", Members: 1}}
	if diff := cmp.Diff(want, infos); diff != "" {
		t.Fatalf("conferences after eviction (-want +got):\n%s", diff)
	}

	// Evicting again finds nobody stale.
	if evicted := r.EvictStale(base.Add(2*time.Minute), time.Minute); len(evicted) != 0 {
		t.Fatalf("second eviction returned %v", evicted)
	}
}

func TestEvictStaleCascadesConferenceDeletion(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(DefaultConfig())
	base := time.Now()
	r.now = func() time.Time { return base }

	a, _ := mustRegister(t, r, "alice")
	if err := r.CreateConference("lab", a); err != nil {
		t.Fatalf("CreateConference: %v", err)
	}

	evicted := r.EvictStale(base.Add(time.Hour), time.Minute)
	if diff := cmp.Diff([]string{"alice"}, evicted); diff != "" {
		t.Fatalf("evicted (-want +got):\n%s", diff)
	}

	clients, infos := r.Snapshot()
	if len(clients) != 0 || len(infos) != 0 {
		t.Fatalf("registry not empty after eviction: clients=%v conferences=%v", clients, infos)
	}
}

func TestConcurrentCreateSameName(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(DefaultConfig())
	a, _ := mustRegister(t, r, "alice")
	b, _ := mustRegister(t, r, "bob")

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, c := range []*Client{a, b} {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			errs <- r.CreateConference("x", c)
		}(c)
	}
	wg.Wait()
	close(errs)

	var okCount, existsCount int
	for err := range errs {
		switch {
		case err == nil:
			okCount++
		case errors.Is(err, ErrConferenceExists):
			existsCount++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if okCount != 1 || existsCount != 1 {
		t.Fatalf("concurrent create: ok=%d exists=%d, want exactly one of each", okCount, existsCount)
	}

	if got := r.ConferenceCount(); got != 1 {
		t.Fatalf("ConferenceCount = %d, want 1", got)
	}
	checkConsistency(t, r)
}

func TestConferenceCapacity(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxConferences = 1
	r := newTestRegistry(cfg)

	a, _ := mustRegister(t, r, "alice")
	if err := r.CreateConference("lab", a); err != nil {
		t.Fatalf("CreateConference: %v", err)
	}
	if err := r.CreateConference("office", a); !errors.Is(err, ErrConferenceTableFull) {
		t.Fatalf("create beyond capacity: got %v, want ErrConferenceTableFull", err)
	}
}
