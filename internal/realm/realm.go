// Package realm implements the sharded realm abstraction (C5): the
// directory of locally attached users and locally interesting groups,
// and the bridge between credential checking and user admission.
package realm

import (
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ircdd/ircdd/internal/authn"
	"github.com/ircdd/ircdd/internal/bus"
	"github.com/ircdd/ircdd/internal/group"
	"github.com/ircdd/ircdd/internal/store"
	"github.com/ircdd/ircdd/internal/user"
)

// ErrAlreadyLoggedIn signals requestAvatar was called for a nickname
// that already has a locally attached user, per spec.md §4.5.
var ErrAlreadyLoggedIn = errors.New("realm: already logged in")

// Config governs auto-vivification on lookup, per spec.md §4.5.
type Config struct {
	CreateUserOnRequest  bool
	CreateGroupOnRequest bool
}

// Realm is the directory of locally attached users and locally
// interesting groups on this node, plus the auth bridge into user
// admission.
type Realm struct {
	Hostname string

	cfg    Config
	store  store.Store
	bus    bus.Bus
	checker authn.CredentialChecker
	nodeID string
	logger *log.Logger

	mu     sync.Mutex
	users  map[string]user.User
	groups map[string]*group.Group
}

// New constructs a realm identified by hostname, used as the IRC
// server identity in protocol replies per spec.md §4.5.
func New(hostname string, cfg Config, st store.Store, b bus.Bus, checker authn.CredentialChecker, nodeID string, logger *log.Logger) *Realm {
	return &Realm{
		Hostname: hostname,
		cfg:      cfg,
		store:    st,
		bus:      b,
		checker:  checker,
		nodeID:   nodeID,
		logger:   logger,
		users:    make(map[string]user.User),
		groups:   make(map[string]*group.Group),
	}
}

// Store exposes the underlying document-store facade for callers (the
// IRC adapter's LIST/WHO/WHOIS handlers) that need the cluster-wide
// view C1 provides, beyond what the realm's local directory tracks.
func (r *Realm) Store() store.Store { return r.store }

// LogoutFunc detaches a locally attached user; returned by
// RequestAvatar on success, per spec.md §4.5.
type LogoutFunc func()

// RequestAvatar checks nick/password against the credential checker,
// then admits the user locally. On success it returns the admitted
// user and a logout callback that detaches it. Fails ErrAlreadyLoggedIn
// if the nickname is already attached on this node, and
// authn.ErrBadCredentials on a failed credential check.
func (r *Realm) RequestAvatar(nick, password string, mind user.Mind) (user.User, LogoutFunc, error) {
	nick = strings.ToLower(nick)

	r.mu.Lock()
	if _, exists := r.users[nick]; exists {
		r.mu.Unlock()
		return nil, nil, ErrAlreadyLoggedIn
	}
	r.mu.Unlock()

	rec, err := r.store.LookupUser(nick)
	switch {
	case err == nil:
		if verr := r.checker.Verify(rec.Password, password); verr != nil {
			return nil, nil, verr
		}
	case errors.Is(err, store.ErrNotFound):
		if !r.cfg.CreateUserOnRequest {
			return nil, nil, err
		}
		hash, herr := r.checker.Hash(password)
		if herr != nil {
			return nil, nil, herr
		}
		if _, cerr := r.store.CreateUser(nick, "", hash, true, ""); cerr != nil && !errors.Is(cerr, store.ErrDuplicate) {
			return nil, nil, cerr
		}
	default:
		return nil, nil, err
	}

	u, err := r.CreateUser(nick, mind)
	if err != nil {
		return nil, nil, err
	}

	if err := r.store.HeartbeatUserSession(nick, r.nodeID); err != nil {
		return nil, nil, err
	}

	logout := func() {
		r.logout(nick)
	}

	return u, logout, nil
}

func (r *Realm) logout(nick string) {
	r.mu.Lock()
	u, ok := r.users[nick]
	if ok {
		delete(r.users, nick)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	if lu, ok := u.(*user.LocalUser); ok {
		for _, g := range lu.JoinedGroups() {
			if err := lu.Leave(g, "connection closed"); err != nil {
				r.logger.Printf("realm: leave %s on logout for %s: %v", g.Name(), nick, err)
			}
		}
		if err := lu.Unsubscribe(); err != nil {
			r.logger.Printf("realm: unsubscribe direct-message topic for %s: %v", nick, err)
		}
	}

	if err := r.store.DeactivateUserSession(nick); err != nil {
		r.logger.Printf("realm: deactivate session for %s: %v", nick, err)
	}
}

// AddUser inserts u into the local directory, rejecting on a
// lowercased name collision, per spec.md §4.5.
func (r *Realm) AddUser(u user.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	nick := strings.ToLower(u.Nickname())
	if _, exists := r.users[nick]; exists {
		return store.ErrDuplicate
	}
	r.users[nick] = u
	return nil
}

// AddGroup inserts g into the local directory, rejecting on a
// lowercased name collision, per spec.md §4.5.
func (r *Realm) AddGroup(g *group.Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := strings.ToLower(g.Name())
	if _, exists := r.groups[name]; exists {
		return store.ErrDuplicate
	}
	r.groups[name] = g
	return nil
}

// GetUser returns the user named name, creating it if cfg.CreateUserOnRequest
// is set and it does not already exist, falling back to a lookup on a
// duplicate race, per spec.md §4.5.
func (r *Realm) GetUser(name string, mind user.Mind) (user.User, error) {
	if !r.cfg.CreateUserOnRequest {
		return r.LookupUser(name)
	}

	u, err := r.CreateUser(name, mind)
	if err == nil {
		return u, nil
	}
	if errors.Is(err, store.ErrDuplicate) {
		return r.LookupUser(name)
	}
	return nil, err
}

// LookupUser checks the local directory first; on a miss it consults
// the store for a user + active session and, if both exist, returns a
// remote-proxy handle (the user is attached on another node).
// Otherwise store.ErrNotFound, per spec.md §4.5.
func (r *Realm) LookupUser(name string) (user.User, error) {
	name = strings.ToLower(name)

	r.mu.Lock()
	if u, exists := r.users[name]; exists {
		r.mu.Unlock()
		return u, nil
	}
	r.mu.Unlock()

	if _, err := r.store.LookupUser(name); err != nil {
		return nil, err
	}
	session, err := r.store.LookupUserSession(name)
	if err != nil {
		return nil, err
	}
	if !session.Active {
		return nil, store.ErrNotFound
	}

	return user.NewRemoteUser(name, r.bus), nil
}

// CreateUser constructs a locally attached user backed by mind and
// adds it to the directory. The store row is assumed to already exist
// (RequestAvatar or an external registration flow inserts it).
// CreateUser fails store.ErrDuplicate whenever LookupUser finds the
// name: already attached on this node, or attached on another node
// with an active session, per spec.md §4.5.
func (r *Realm) CreateUser(name string, mind user.Mind) (user.User, error) {
	name = strings.ToLower(name)

	if _, err := r.LookupUser(name); err == nil {
		return nil, store.ErrDuplicate
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	u, err := user.NewLocalUser(name, mind, r.store, r.bus, r.nodeID)
	if err != nil {
		return nil, err
	}

	if err := r.AddUser(u); err != nil {
		return nil, err
	}

	return u, nil
}

// GetGroup returns the group named name, consulting the store to
// auto-instantiate a local handle for a cluster-known group with no
// local roster yet — the Open Question resolution in SPEC_FULL.md
// §E.2: JOIN on a cluster-wide group with no local handle succeeds by
// subscribing a fresh local Group rather than failing not-found.
func (r *Realm) GetGroup(name string) (*group.Group, error) {
	name = strings.ToLower(name)

	r.mu.Lock()
	if g, exists := r.groups[name]; exists {
		r.mu.Unlock()
		return g, nil
	}
	r.mu.Unlock()

	if _, err := r.store.LookupGroup(name); err != nil {
		if errors.Is(err, store.ErrNotFound) && r.cfg.CreateGroupOnRequest {
			return r.CreateGroup(name, store.GroupPublic, "")
		}
		return nil, err
	}

	g, err := group.New(name, store.GroupPublic, "", r.store, r.bus, r.nodeID, r.logger)
	if err != nil {
		return nil, err
	}

	if err := r.AddGroup(g); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return r.groups[name], nil
		}
		return nil, err
	}

	return g, nil
}

// LookupGroup is strictly local: a group with no handle registered on
// this node is not considered present, per spec.md §4.5. A registered
// handle is found even while its roster is empty.
func (r *Realm) LookupGroup(name string) (*group.Group, error) {
	name = strings.ToLower(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	g, exists := r.groups[name]
	if !exists {
		return nil, store.ErrNotFound
	}
	return g, nil
}

// CreateGroup upserts the group row through the store and registers a
// local handle subscribed to the bus topic, per spec.md §4.5.
func (r *Realm) CreateGroup(name string, kind store.GroupType, owner string) (*group.Group, error) {
	name = strings.ToLower(name)

	g, err := group.New(name, kind, owner, r.store, r.bus, r.nodeID, r.logger)
	if err != nil {
		return nil, err
	}

	if err := r.AddGroup(g); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			r.mu.Lock()
			existing := r.groups[name]
			r.mu.Unlock()
			return existing, nil
		}
		return nil, err
	}

	return g, nil
}

// Reap clears session and group-membership rows that have not been
// heartbeated within expiry, per spec.md §3's "entries may be reaped
// by absence" and SPEC_FULL.md §D.5. It never touches local state —
// only the cluster-wide store rows other nodes' lookups consult.
func (r *Realm) Reap(expiry time.Duration) {
	sessions, err := r.store.ReapSessions(expiry)
	if err != nil {
		r.logger.Printf("realm: reap sessions: %v", err)
	} else if sessions > 0 {
		r.logger.Printf("realm: reaped %d stale session(s)", sessions)
	}

	memberships, err := r.store.ReapGroupMemberships(expiry)
	if err != nil {
		r.logger.Printf("realm: reap group memberships: %v", err)
	} else if memberships > 0 {
		r.logger.Printf("realm: reaped %d stale group membership(s)", memberships)
	}
}

// Heartbeat refreshes the session and per-group membership heartbeats
// for every locally attached user, per spec.md §5's periodic task.
func (r *Realm) Heartbeat() {
	r.mu.Lock()
	users := make([]user.User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u)
	}
	r.mu.Unlock()

	for _, u := range users {
		lu, ok := u.(*user.LocalUser)
		if !ok {
			continue
		}
		if err := lu.BumpHeartbeat(); err != nil {
			r.logger.Printf("realm: heartbeat session for %s: %v", lu.Nickname(), err)
			continue
		}
		for _, g := range lu.JoinedGroups() {
			if err := r.store.HeartbeatUserInGroup(g.Name(), lu.Nickname()); err != nil {
				r.logger.Printf("realm: heartbeat %s in %s: %v", lu.Nickname(), g.Name(), err)
			}
		}
	}
}
