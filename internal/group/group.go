// Package group implements the sharded group abstraction (C3): a
// per-channel hub that subscribes to the cluster bus, relays inbound
// messages to its local roster, publishes locally produced messages
// back onto the bus, and maintains per-node membership heartbeats in
// the document store.
package group

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/ircdd/ircdd/internal/bus"
	"github.com/ircdd/ircdd/internal/store"
	"github.com/ircdd/ircdd/internal/user"
)

// ErrDuplicate mirrors store.ErrDuplicate for roster-level conflicts:
// add(user) fails duplicate if the user is already in the roster.
var ErrDuplicate = errors.New("group: user already in roster")

// ErrNotFound mirrors store.ErrNotFound for roster-level misses:
// remove(user) fails not-found if the user is not in the roster.
var ErrNotFound = errors.New("group: user not in roster")

// Group is a per-channel local object, per spec.md §4.3. On
// construction it resolves-or-creates the group row via the store and
// registers a bus subscription on topic=name with this node's
// identity as the subscriber channel.
type Group struct {
	name   string
	nodeID string
	store  store.Store
	bus    bus.Bus
	logger *log.Logger

	mu     sync.Mutex
	roster map[string]user.Sender
}

// New resolves or creates the group row named name and subscribes it
// to the cluster bus. kind and owner are only used if the group row
// does not already exist.
func New(name string, kind store.GroupType, owner string, st store.Store, b bus.Bus, nodeID string, logger *log.Logger) (*Group, error) {
	name = strings.ToLower(name)

	if _, err := st.LookupGroup(name); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if _, err := st.CreateGroup(name, kind, owner); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return nil, err
		}
	}

	g := &Group{
		name:   name,
		nodeID: nodeID,
		store:  st,
		bus:    b,
		logger: logger,
		roster: make(map[string]user.Sender),
	}

	if err := b.Subscribe(name, nodeID, g.onBusRecord); err != nil {
		return nil, fmt.Errorf("group: subscribe %s: %w", name, err)
	}

	return g, nil
}

func (g *Group) Name() string { return g.name }

// Add admits a locally attached user into the roster and upserts the
// membership heartbeat, per spec.md §4.3.
func (g *Group) Add(u user.Sender) error {
	g.mu.Lock()
	if _, exists := g.roster[u.Nickname()]; exists {
		g.mu.Unlock()
		return ErrDuplicate
	}
	g.roster[u.Nickname()] = u
	g.mu.Unlock()

	return g.store.HeartbeatUserInGroup(g.name, u.Nickname())
}

// Remove drops u from the roster. If roster becomes empty, the group
// unsubscribes from the bus (spec.md §3's "destroyed when roster
// empties (optional)" and §5's logout-cancellation path).
func (g *Group) Remove(u user.Sender, reason string) error {
	g.mu.Lock()
	if _, exists := g.roster[u.Nickname()]; !exists {
		g.mu.Unlock()
		return ErrNotFound
	}
	delete(g.roster, u.Nickname())
	empty := len(g.roster) == 0
	g.mu.Unlock()

	if empty {
		if err := g.bus.Unsubscribe(g.name, g.nodeID); err != nil {
			g.logger.Printf("group %s: unsubscribe on empty roster: %v", g.name, err)
		}
	}

	return nil
}

// Send publishes rec on this group's topic, per spec.md §4.3. The
// delivered recipient is stamped "#"+name, matching
// original_source/ircdd/protocol.py's recipient_name convention, so a
// client sees PRIVMSG land on the channel rather than on a nick that
// happens to share the channel's name. A publish failure is logged
// and returned to the caller. Local delivery happens via the bus
// callback, same as for every other subscriber, so a record whose
// publish failed reaches no roster member on this node either.
func (g *Group) Send(rec user.Record) error {
	busRec := bus.Record{
		Sender:     rec.Sender,
		Recipient:  "#" + g.name,
		Text:       rec.Text,
		Timestamp:  rec.Timestamp,
		SenderNode: rec.SenderNode,
	}
	if err := g.bus.Publish(g.name, busRec); err != nil {
		g.logger.Printf("group %s: publish failed: %v", g.name, err)
		return err
	}
	return nil
}

// onBusRecord is the bus-side callback (spec.md §4.3's "receive"): for
// each locally attached roster member, invoke Receive. Records whose
// sender_node is this node are suppressed for the original sender to
// prevent echo (spec.md §5's "a user never receives its own send
// twice"). A panic in one member's Receive must not abort delivery to
// the rest of the roster.
func (g *Group) onBusRecord(rec bus.Record) {
	g.mu.Lock()
	members := make([]user.Sender, 0, len(g.roster))
	for _, u := range g.roster {
		members = append(members, u)
	}
	g.mu.Unlock()

	suppressSender := rec.SenderNode == g.nodeID

	for _, u := range members {
		if suppressSender && strings.EqualFold(u.Nickname(), rec.Sender) {
			continue
		}
		g.deliverSafely(u, rec)
	}
}

func (g *Group) deliverSafely(u user.Sender, rec bus.Record) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Printf("group %s: receive panic for %s: %v", g.name, u.Nickname(), r)
		}
	}()

	u.Receive(user.Record{
		Sender:     rec.Sender,
		Recipient:  "#" + g.name,
		Text:       rec.Text,
		Timestamp:  rec.Timestamp,
		SenderNode: rec.SenderNode,
	})
}

// IterUsers returns a snapshot of roster nicknames, per spec.md §4.3.
func (g *Group) IterUsers() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	names := make([]string, 0, len(g.roster))
	for nick := range g.roster {
		names = append(names, nick)
	}
	return names
}

// SetMeta writes through to the store; only "topic" is supported, per
// the Group record's meta shape in spec.md §3.
func (g *Group) SetMeta(field, value string) error {
	switch field {
	case "topic":
		return g.store.SetGroupTopic(g.name, value)
	default:
		return fmt.Errorf("group: unsupported meta field %q", field)
	}
}

// Topic returns the group's current topic from the store.
func (g *Group) Topic() (string, error) {
	rec, err := g.store.LookupGroup(g.name)
	if err != nil {
		return "", err
	}
	return rec.Meta.Topic, nil
}

// MemberCount reports the size of this group's roster on this node.
// For the cluster-wide count used by LIST, callers use
// store.GroupMemberCount instead (SPEC_FULL.md §E.1).
func (g *Group) MemberCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.roster)
}
