// Package store is the document-store facade (C1): typed CRUD over
// users, groups, user sessions, and per-group membership heartbeats.
// It is the authoritative cluster-wide directory that every node's
// realm and groups reconcile against.
package store

import (
	"fmt"
	"log"
	"strings"
	"time"

	r "gopkg.in/rethinkdb/rethinkdb-go.v5"
)

const (
	tableUsers        = "users"
	tableUserSessions = "user_sessions"
	tableGroups       = "groups"
	tableGroupStates  = "group_states"
)

// Store is the interface internal/realm and internal/group depend on.
// Modeled on the teacher's metrics.MetricsInterface dependency-injection
// pattern so tests can supply an in-memory fake instead of a live
// RethinkDB cluster.
type Store interface {
	CreateUser(name, email, password string, registered bool, permissions string) (*UserRecord, error)
	LookupUser(name string) (*UserRecord, error)
	LookupUserSession(name string) (*SessionRecord, error)
	HeartbeatUserSession(name, nodeID string) error
	DeactivateUserSession(name string) error
	CreateGroup(name string, kind GroupType, owner string) (*GroupRecord, error)
	LookupGroup(name string) (*GroupRecord, error)
	ListGroups() ([]*GroupRecord, error)
	SetGroupTopic(name, topic string) error
	HeartbeatUserInGroup(group, user string) error
	GroupMemberCount(group string) (int, error)
	GroupHeartbeats(group string) (map[string]time.Time, error)
	ReapSessions(olderThan time.Duration) (int, error)
	ReapGroupMemberships(olderThan time.Duration) (int, error)
	Close() error
}

// RethinkStore implements Store over a RethinkDB cluster, per spec.md
// §6's "Document-store schema" and the `rdb_host`/`rdb_port`/`db`
// configuration keys.
type RethinkStore struct {
	session    *r.Session
	db         string
	sessionTTL time.Duration
	logger     *log.Logger
}

// Config is the connection configuration for a RethinkStore.
type Config struct {
	Host       string
	Port       int
	Database   string
	SessionTTL time.Duration
}

// NewRethinkStore connects to the cluster and returns a Store. It does
// not bootstrap tables; call Bootstrap for that.
func NewRethinkStore(cfg Config, logger *log.Logger) (*RethinkStore, error) {
	session, err := r.Connect(r.ConnectOpts{
		Address:  fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Database: cfg.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w: %v", ErrTransport, err)
	}

	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 90 * time.Second
	}

	return &RethinkStore{
		session:    session,
		db:         cfg.Database,
		sessionTTL: ttl,
		logger:     logger,
	}, nil
}

// Bootstrap creates the four collections named in spec.md §6 if they
// do not already exist, matching the "bootstrap the four collections
// if absent" step of the startup sequence in §6.
func (s *RethinkStore) Bootstrap() error {
	existing, err := r.DB(s.db).TableList().Run(s.session)
	if err != nil {
		return fmt.Errorf("store: %w: %v", ErrTransport, err)
	}
	defer existing.Close()

	var names []string
	if err := existing.All(&names); err != nil {
		return fmt.Errorf("store: %w: %v", ErrTransport, err)
	}

	have := make(map[string]bool, len(names))
	for _, n := range names {
		have[n] = true
	}

	for _, table := range []string{tableUsers, tableUserSessions, tableGroups, tableGroupStates} {
		if have[table] {
			continue
		}
		if _, err := r.DB(s.db).TableCreate(table).RunWrite(s.session); err != nil {
			return fmt.Errorf("store: bootstrap table %s: %w: %v", table, ErrTransport, err)
		}
		s.logger.Printf("store: created table %s", table)
	}

	return nil
}

func (s *RethinkStore) table(name string) r.Term {
	return r.DB(s.db).Table(name)
}

func isDuplicateErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Duplicate primary key")
}

// CreateUser inserts a new user row, rejecting on primary-key conflict
// per spec.md §4.1.
func (s *RethinkStore) CreateUser(name, email, password string, registered bool, permissions string) (*UserRecord, error) {
	rec := &UserRecord{
		Nickname:    strings.ToLower(name),
		Email:       email,
		Password:    password,
		Registered:  registered,
		Permissions: permissions,
	}

	res, err := s.table(tableUsers).Insert(rec, r.InsertOpts{Conflict: "error"}).RunWrite(s.session)
	if err != nil {
		if isDuplicateErr(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("store: create user %s: %w: %v", name, ErrTransport, err)
	}
	if res.Errors > 0 {
		return nil, ErrDuplicate
	}

	return rec, nil
}

// LookupUser returns the user row for name, or ErrNotFound.
func (s *RethinkStore) LookupUser(name string) (*UserRecord, error) {
	cur, err := s.table(tableUsers).Get(strings.ToLower(name)).Run(s.session)
	if err != nil {
		return nil, fmt.Errorf("store: lookup user %s: %w: %v", name, ErrTransport, err)
	}
	defer cur.Close()

	if cur.IsNil() {
		return nil, ErrNotFound
	}

	var rec UserRecord
	if err := cur.One(&rec); err != nil {
		if err == r.ErrEmptyResult {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: decode user %s: %w: %v", name, ErrTransport, err)
	}

	return &rec, nil
}

// LookupUserSession returns the session row for name. A session whose
// heartbeat is older than the configured TTL is reported inactive
// regardless of its stored Active flag, per SPEC_FULL.md §E.3.
func (s *RethinkStore) LookupUserSession(name string) (*SessionRecord, error) {
	cur, err := s.table(tableUserSessions).Get(strings.ToLower(name)).Run(s.session)
	if err != nil {
		return nil, fmt.Errorf("store: lookup session %s: %w: %v", name, ErrTransport, err)
	}
	defer cur.Close()

	if cur.IsNil() {
		return nil, ErrNotFound
	}

	var rec SessionRecord
	if err := cur.One(&rec); err != nil {
		if err == r.ErrEmptyResult {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: decode session %s: %w: %v", name, ErrTransport, err)
	}

	if rec.Active && time.Since(rec.LastHeartbeat) > s.sessionTTL {
		rec.Active = false
	}

	return &rec, nil
}

// HeartbeatUserSession upserts the session row with the current
// timestamp, per spec.md §4.1.
func (s *RethinkStore) HeartbeatUserSession(name, nodeID string) error {
	rec := SessionRecord{
		Nickname:      strings.ToLower(name),
		LastHeartbeat: time.Now(),
		Active:        true,
		NodeID:        nodeID,
	}

	_, err := s.table(tableUserSessions).Insert(rec, r.InsertOpts{Conflict: "replace"}).RunWrite(s.session)
	if err != nil {
		return fmt.Errorf("store: heartbeat session %s: %w: %v", name, ErrTransport, err)
	}

	return nil
}

// DeactivateUserSession clears the active flag on logout.
func (s *RethinkStore) DeactivateUserSession(name string) error {
	_, err := s.table(tableUserSessions).Get(strings.ToLower(name)).
		Update(map[string]interface{}{"active": false}).RunWrite(s.session)
	if err != nil {
		return fmt.Errorf("store: deactivate session %s: %w: %v", name, ErrTransport, err)
	}
	return nil
}

// CreateGroup inserts a new group row, seeding an empty topic, per
// spec.md §4.1.
func (s *RethinkStore) CreateGroup(name string, kind GroupType, owner string) (*GroupRecord, error) {
	rec := &GroupRecord{
		Name:      strings.ToLower(name),
		Owner:     owner,
		Type:      kind,
		Meta:      GroupMeta{Topic: ""},
		CreatedAt: time.Now(),
	}

	res, err := s.table(tableGroups).Insert(rec, r.InsertOpts{Conflict: "error"}).RunWrite(s.session)
	if err != nil {
		if isDuplicateErr(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("store: create group %s: %w: %v", name, ErrTransport, err)
	}
	if res.Errors > 0 {
		return nil, ErrDuplicate
	}

	if _, err := s.table(tableGroupStates).Insert(GroupState{
		Group:          rec.Name,
		UserHeartbeats: map[string]time.Time{},
	}, r.InsertOpts{Conflict: "replace"}).RunWrite(s.session); err != nil {
		return nil, fmt.Errorf("store: seed group state %s: %w: %v", name, ErrTransport, err)
	}

	return rec, nil
}

// LookupGroup returns the group row for name, or ErrNotFound.
func (s *RethinkStore) LookupGroup(name string) (*GroupRecord, error) {
	cur, err := s.table(tableGroups).Get(strings.ToLower(name)).Run(s.session)
	if err != nil {
		return nil, fmt.Errorf("store: lookup group %s: %w: %v", name, ErrTransport, err)
	}
	defer cur.Close()

	if cur.IsNil() {
		return nil, ErrNotFound
	}

	var rec GroupRecord
	if err := cur.One(&rec); err != nil {
		if err == r.ErrEmptyResult {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: decode group %s: %w: %v", name, ErrTransport, err)
	}

	return &rec, nil
}

// ListGroups returns every group row in the cluster, for LIST.
func (s *RethinkStore) ListGroups() ([]*GroupRecord, error) {
	cur, err := s.table(tableGroups).Run(s.session)
	if err != nil {
		return nil, fmt.Errorf("store: list groups: %w: %v", ErrTransport, err)
	}
	defer cur.Close()

	var recs []*GroupRecord
	if err := cur.All(&recs); err != nil {
		return nil, fmt.Errorf("store: decode groups: %w: %v", ErrTransport, err)
	}

	return recs, nil
}

// SetGroupTopic writes through the group's topic meta field.
func (s *RethinkStore) SetGroupTopic(name, topic string) error {
	_, err := s.table(tableGroups).Get(strings.ToLower(name)).
		Update(map[string]interface{}{"meta": map[string]interface{}{"topic": topic}}).RunWrite(s.session)
	if err != nil {
		return fmt.Errorf("store: set topic %s: %w: %v", name, ErrTransport, err)
	}
	return nil
}

// HeartbeatUserInGroup upserts a field in user_heartbeats, per spec.md
// §4.1.
func (s *RethinkStore) HeartbeatUserInGroup(group, user string) error {
	group = strings.ToLower(group)
	user = strings.ToLower(user)

	_, err := s.table(tableGroupStates).Get(group).Update(map[string]interface{}{
		"user_heartbeats": map[string]interface{}{
			user: time.Now(),
		},
	}).RunWrite(s.session)
	if err != nil {
		return fmt.Errorf("store: heartbeat %s in %s: %w: %v", user, group, ErrTransport, err)
	}
	return nil
}

// GroupMemberCount reports len(user_heartbeats) for group, per the
// Open Question resolution in SPEC_FULL.md §E.1: LIST reports the
// count of heartbeat entries, not a nonexistent `users` field.
func (s *RethinkStore) GroupMemberCount(group string) (int, error) {
	hb, err := s.GroupHeartbeats(group)
	if err != nil {
		return 0, err
	}
	return len(hb), nil
}

// GroupHeartbeats returns the full per-user heartbeat map for group.
func (s *RethinkStore) GroupHeartbeats(group string) (map[string]time.Time, error) {
	cur, err := s.table(tableGroupStates).Get(strings.ToLower(group)).Run(s.session)
	if err != nil {
		return nil, fmt.Errorf("store: group heartbeats %s: %w: %v", group, ErrTransport, err)
	}
	defer cur.Close()

	if cur.IsNil() {
		return map[string]time.Time{}, nil
	}

	var state GroupState
	if err := cur.One(&state); err != nil {
		if err == r.ErrEmptyResult {
			return map[string]time.Time{}, nil
		}
		return nil, fmt.Errorf("store: decode group state %s: %w: %v", group, ErrTransport, err)
	}

	if state.UserHeartbeats == nil {
		return map[string]time.Time{}, nil
	}

	return state.UserHeartbeats, nil
}

// ReapSessions deactivates every session row whose last_heartbeat is
// older than olderThan, per spec.md §3's "entries may be reaped by
// absence" and SPEC_FULL.md §D.5. Returns the count of rows touched.
func (s *RethinkStore) ReapSessions(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	res, err := s.table(tableUserSessions).
		Filter(func(row r.Term) r.Term {
			return row.Field("active").Eq(true).And(row.Field("last_heartbeat").Lt(cutoff))
		}).
		Update(map[string]interface{}{"active": false}).RunWrite(s.session)
	if err != nil {
		return 0, fmt.Errorf("store: reap sessions: %w: %v", ErrTransport, err)
	}

	return res.Replaced, nil
}

// ReapGroupMemberships drops every user_heartbeats entry across all
// groups whose timestamp is older than olderThan, per spec.md §3 and
// SPEC_FULL.md §D.5. Returns the count of entries dropped.
func (s *RethinkStore) ReapGroupMemberships(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	cur, err := s.table(tableGroupStates).Run(s.session)
	if err != nil {
		return 0, fmt.Errorf("store: reap memberships: %w: %v", ErrTransport, err)
	}
	defer cur.Close()

	var states []GroupState
	if err := cur.All(&states); err != nil {
		return 0, fmt.Errorf("store: decode group states: %w: %v", ErrTransport, err)
	}

	reaped := 0
	for _, state := range states {
		fresh := make(map[string]time.Time, len(state.UserHeartbeats))
		for nick, ts := range state.UserHeartbeats {
			if ts.Before(cutoff) {
				reaped++
				continue
			}
			fresh[nick] = ts
		}
		if len(fresh) == len(state.UserHeartbeats) {
			continue
		}
		if _, err := s.table(tableGroupStates).Get(state.Group).
			Update(map[string]interface{}{"user_heartbeats": r.Literal(fresh)}).RunWrite(s.session); err != nil {
			return reaped, fmt.Errorf("store: reap memberships for %s: %w: %v", state.Group, ErrTransport, err)
		}
	}

	return reaped, nil
}

// Close releases the underlying RethinkDB session.
func (s *RethinkStore) Close() error {
	return s.session.Close()
}
