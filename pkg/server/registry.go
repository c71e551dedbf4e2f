package server

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/confab-io/confab/pkg/model"
	"github.com/confab-io/confab/pkg/wire"
)

// Registry is the single shared mutable resource of the server: the table
// of active clients and the table of active conferences, guarded as one
// unit by one mutex. Every cross-entity mutation (join, leave, create,
// evict) runs under the lock for its full duration, so client-side and
// conference-side membership can never be observed out of sync.
type Registry struct {
	mu sync.Mutex

	maxClients     int           // 0 = unlimited
	maxConferences int           // 0 = unlimited
	excludeSender  bool          // broadcast policy: drop the sender from its own fan-out
	sendTimeout    time.Duration // per-member write deadline during fan-out
	metrics        *Metrics      // optional

	now func() time.Time

	clients     map[string]*Client
	conferences map[string]*conference
}

// conference is a named broadcast group. It exists only while it has
// members; the last leave deletes it.
type conference struct {
	name    string
	members []*Client // join order; removal preserves relative order
}

// Client is one authenticated, connected participant. All fields are
// mutated only while holding the registry lock; the connection handle
// itself is written by broadcasts (under the lock) and by the owning
// worker's replies.
type Client struct {
	name        string
	conn        net.Conn
	conferences map[string]struct{}
	lastActive  time.Time
	active      bool
}

// Name returns the client's immutable identity.
func (c *Client) Name() string {
	return c.name
}

// NewRegistry creates a registry with the given capacity and broadcast policy.
func NewRegistry(cfg Config, metrics *Metrics) *Registry {
	return &Registry{
		maxClients:     cfg.MaxClients,
		maxConferences: cfg.MaxConferences,
		excludeSender:  cfg.ExcludeSender,
		sendTimeout:    cfg.SendTimeout,
		metrics:        metrics,
		now:            time.Now,
		clients:        make(map[string]*Client),
		conferences:    make(map[string]*conference),
	}
}

// IsActive reports whether an identity currently has a live login.
func (r *Registry) IsActive(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.clients[name]
	return ok
}

// Register creates a Client for an authenticated identity. It fails if
// the identity is already active or no free slot exists.
func (r *Registry) Register(name string, conn net.Conn) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[name]; exists {
		return nil, ErrDuplicateIdentity
	}
	if r.maxClients > 0 && len(r.clients) >= r.maxClients {
		return nil, ErrServerFull
	}

	c := &Client{
		name:        name,
		conn:        conn,
		conferences: make(map[string]struct{}),
		lastActive:  r.now(),
		active:      true,
	}
	r.clients[name] = c
	return c, nil
}

// Deregister performs the single authoritative active->inactive
// transition: it removes the client from every conference it belongs to
// (deleting conferences that empty out), drops it from the client table,
// and closes its connection. Exactly one of the racing cleanup paths
// (logout, abrupt disconnect, reaper eviction) wins; the rest observe
// false and must do nothing further.
func (r *Registry) Deregister(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deregisterLocked(c)
}

func (r *Registry) deregisterLocked(c *Client) bool {
	if !c.active {
		return false
	}
	c.active = false

	for name := range c.conferences {
		r.leaveLocked(name, c)
	}
	delete(r.clients, c.name)
	_ = c.conn.Close()
	return true
}

// CreateConference creates a named conference and immediately joins the
// requester to it.
func (r *Registry) CreateConference(name string, c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conferences[name]; exists {
		return ErrConferenceExists
	}
	if r.maxConferences > 0 && len(r.conferences) >= r.maxConferences {
		return ErrConferenceTableFull
	}

	conf := &conference{name: name}
	r.conferences[name] = conf
	r.joinLocked(conf, c)

	if r.metrics != nil {
		r.metrics.ConferencesCreated.Add(1)
	}
	return nil
}

// JoinConference adds the requester to an existing conference. Joining a
// conference the client already belongs to succeeds without effect.
func (r *Registry) JoinConference(name string, c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conf, ok := r.conferences[name]
	if !ok {
		return ErrConferenceNotFound
	}
	r.joinLocked(conf, c)
	return nil
}

func (r *Registry) joinLocked(conf *conference, c *Client) {
	if _, member := c.conferences[conf.name]; member {
		return
	}
	conf.members = append(conf.members, c)
	c.conferences[conf.name] = struct{}{}
}

// LeaveConference removes the requester from a conference. Leaving a
// conference the client is not in is a silent no-op.
func (r *Registry) LeaveConference(name string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(name, c)
}

func (r *Registry) leaveLocked(name string, c *Client) {
	conf, ok := r.conferences[name]
	if !ok {
		return
	}
	for i, m := range conf.members {
		if m == c {
			conf.members = append(conf.members[:i], conf.members[i+1:]...)
			break
		}
	}
	delete(c.conferences, name)

	// A conference never outlives its last member.
	if len(conf.members) == 0 {
		delete(r.conferences, name)
		if r.metrics != nil {
			r.metrics.ConferencesDeleted.Add(1)
		}
	}
}

// Broadcast delivers a message to every member of a conference and
// returns the delivered count. An absent conference, or a sender that is
// not a member, delivers to nobody. The member list is iterated under
// the lock; each send carries its own write deadline so one blocked
// receiver cannot stall the lock indefinitely.
func (r *Registry) Broadcast(name string, from *Client, msg *wire.Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	conf, ok := r.conferences[name]
	if !ok {
		return 0
	}
	if len(conf.members) == 0 {
		panic("registry: conference with no members: " + name)
	}
	if from != nil {
		if _, member := from.conferences[name]; !member {
			return 0
		}
	}

	raw := msg.Marshal()
	delivered := 0
	for _, m := range conf.members {
		if r.excludeSender && m == from {
			continue
		}
		if r.sendTimeout > 0 {
			_ = m.conn.SetWriteDeadline(r.now().Add(r.sendTimeout))
		}
		if _, err := m.conn.Write(raw); err != nil {
			if r.metrics != nil {
				r.metrics.SendsDropped.Add(1)
			}
			continue
		}
		delivered++
	}
	if r.metrics != nil {
		r.metrics.MessagesDelivered.Add(int64(delivered))
	}
	return delivered
}

// Touch records protocol activity for a client. Called on every message
// received from it.
func (r *Registry) Touch(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.lastActive = r.now()
}

// EvictStale removes every client idle longer than threshold, cascading
// conference deletion, and returns the evicted identities for logging.
// It shares the Deregister transition, so a client racing its own logout
// is cleaned up exactly once.
func (r *Registry) EvictStale(now time.Time, threshold time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for name, c := range r.clients {
		if now.Sub(c.lastActive) > threshold {
			if r.deregisterLocked(c) {
				evicted = append(evicted, name)
			}
		}
	}
	sort.Strings(evicted)
	return evicted
}

// Snapshot returns a read-only rendering of all active client identities
// and per-conference member counts, both sorted by name.
func (r *Registry) Snapshot() ([]string, []model.ConferenceInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)

	infos := make([]model.ConferenceInfo, 0, len(r.conferences))
	for name, conf := range r.conferences {
		if len(conf.members) == 0 {
			panic("registry: conference with no members: " + name)
		}
		infos = append(infos, model.ConferenceInfo{Name: name, Members: len(conf.members)})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	return names, infos
}

// ClientCount returns the number of active clients.
func (r *Registry) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// ConferenceCount returns the number of active conferences.
func (r *Registry) ConferenceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conferences)
}
