// Package user implements the sharded user abstraction (C4): a
// per-user handle that is either a local IRC connection or a proxy for
// a user attached to another node, unified behind one small interface
// per SPEC_FULL.md §9's "mix of interface implementations" note.
package user

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ircdd/ircdd/internal/bus"
	"github.com/ircdd/ircdd/internal/store"
)

// Mind is the connection handle a local user writes frames to. The IRC
// adapter implements this over a net.Conn; tests implement it over an
// in-memory buffer.
type Mind interface {
	// Deliver writes a single IRC PRIVMSG frame to the client.
	Deliver(sender, recipient, text string) error
}

// Record is the payload exchanged through a group's or user's bus
// subscription, mirroring bus.Record's fields one for one so
// internal/group can copy between the two field by field.
type Record struct {
	Sender     string
	Recipient  string
	Text       string
	Timestamp  int64
	SenderNode string
}

func toBusRecord(rec Record) bus.Record {
	return bus.Record{
		Sender:     rec.Sender,
		Recipient:  rec.Recipient,
		Text:       rec.Text,
		Timestamp:  rec.Timestamp,
		SenderNode: rec.SenderNode,
	}
}

func fromBusRecord(rec bus.Record) Record {
	return Record{
		Sender:     rec.Sender,
		Recipient:  rec.Recipient,
		Text:       rec.Text,
		Timestamp:  rec.Timestamp,
		SenderNode: rec.SenderNode,
	}
}

// Sender is what a group needs from a user to admit it into a roster:
// a name and something to receive on. internal/group depends only on
// this interface, never on the concrete LocalUser/RemoteUser types.
type Sender interface {
	Nickname() string
	Receive(rec Record)
}

// Groupish is the subset of *group.Group a User needs, broken out as
// an interface to avoid an import cycle between internal/user and
// internal/group (a group holds Senders; a user holds Groupish groups
// it has joined).
type Groupish interface {
	Name() string
	Add(s Sender) error
	Remove(s Sender, reason string) error
	Send(rec Record) error
}

// User is the sharded-user interface, realized by *LocalUser and
// *RemoteUser. realm.Realm stores users as User values. Send is called
// on the addressed user (the PRIVMSG target) and delivers rec to
// wherever that user is actually attached, mirroring Groupish.Send.
type User interface {
	Sender
	Join(g Groupish) error
	Leave(g Groupish, reason string) error
	Send(rec Record) error
	Who() WhoInfo
}

// WhoInfo is what WHO/WHOIS need to report about a user, independent
// of whether it is attached locally or known only via the store.
type WhoInfo struct {
	Nickname string
	Online   bool
}

// LocalUser is a sharded user whose connection terminates on this
// node. Receive formats and writes IRC PRIVMSG frames; Send is called
// when this user is the addressed target and delivers straight to its
// own connection. Publishing what this user says goes through the
// target's Send in internal/irc, which then calls BumpHeartbeat to
// refresh the session heartbeat, per spec.md §4.4.
//
// A LocalUser also subscribes to its own per-nickname bus topic, the
// user-level analogue of a group's channel-topic subscription: a
// direct message addressed to this nickname from any node arrives
// here even when the sender has only a RemoteUser proxy for this
// nickname.
type LocalUser struct {
	nick   string
	mind   Mind
	store  store.Store
	nodeID string
	bus    bus.Bus

	mu     sync.Mutex
	groups map[string]Groupish
}

// NewLocalUser constructs a locally attached user bound to mind and
// subscribes it to its own direct-message topic on the bus.
func NewLocalUser(nick string, mind Mind, st store.Store, b bus.Bus, nodeID string) (*LocalUser, error) {
	u := &LocalUser{
		nick:   strings.ToLower(nick),
		mind:   mind,
		store:  st,
		bus:    b,
		nodeID: nodeID,
		groups: make(map[string]Groupish),
	}

	if err := b.Subscribe(u.nick, nodeID, func(rec bus.Record) {
		u.Receive(fromBusRecord(rec))
	}); err != nil {
		return nil, fmt.Errorf("user: subscribe direct-message topic for %s: %w", u.nick, err)
	}

	return u, nil
}

func (u *LocalUser) Nickname() string { return u.nick }

// Receive is the bus-side callback path: it formats and writes an IRC
// frame. A write failure is not fatal to the caller (the group that
// invoked this continues delivering to other roster members).
func (u *LocalUser) Receive(rec Record) {
	_ = u.mind.Deliver(rec.Sender, rec.Recipient, rec.Text)
}

// Send delivers rec directly to this locally attached user without a
// bus round trip, since the caller and the recipient are on the same
// node.
func (u *LocalUser) Send(rec Record) error {
	u.Receive(rec)
	return nil
}

// Join adds this user to g's roster and records the membership.
func (u *LocalUser) Join(g Groupish) error {
	if err := g.Add(u); err != nil {
		return err
	}
	u.mu.Lock()
	u.groups[g.Name()] = g
	u.mu.Unlock()
	return nil
}

// Leave removes this user from g's roster.
func (u *LocalUser) Leave(g Groupish, reason string) error {
	u.mu.Lock()
	delete(u.groups, g.Name())
	u.mu.Unlock()
	return g.Remove(u, reason)
}

// JoinedGroups returns a snapshot of groups this user has joined, used
// for WHOIS's channel list (numeric 319) and for logout cleanup.
func (u *LocalUser) JoinedGroups() []Groupish {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]Groupish, 0, len(u.groups))
	for _, g := range u.groups {
		out = append(out, g)
	}
	return out
}

// NewOutgoing builds the record this user sends to recipient, stamped
// with the current time and this node's id.
func (u *LocalUser) NewOutgoing(recipient, text string) Record {
	return Record{
		Sender:     u.nick,
		Recipient:  recipient,
		Text:       text,
		Timestamp:  time.Now().Unix(),
		SenderNode: u.nodeID,
	}
}

// BumpHeartbeat refreshes this user's session heartbeat, per spec.md
// §4.4's "send ... bumps the user's session heartbeat". Called by
// internal/irc after a successful PRIVMSG dispatch, whether the target
// was a group or another user.
func (u *LocalUser) BumpHeartbeat() error {
	return u.store.HeartbeatUserSession(u.nick, u.nodeID)
}

func (u *LocalUser) Who() WhoInfo {
	return WhoInfo{Nickname: u.nick, Online: true}
}

// Unsubscribe tears down the direct-message bus subscription, called
// on logout.
func (u *LocalUser) Unsubscribe() error {
	return u.bus.Unsubscribe(u.nick, u.nodeID)
}

// RemoteUser is a proxy for a user whose connection terminates on
// another node. Receive is a no-op: the real connection learns of the
// message through its own node's bus subscription. Send publishes onto
// the user's direct-message topic so the node actually hosting the
// connection (subscribed under that same nickname) picks it up. The
// proxy exists so lookups (WHO, WHOIS, NAMES) report the user as
// present, per spec.md §4.4.
type RemoteUser struct {
	nick string
	bus  bus.Bus
}

// NewRemoteUser builds a proxy for a user known to be active on
// another node.
func NewRemoteUser(nick string, b bus.Bus) *RemoteUser {
	return &RemoteUser{nick: strings.ToLower(nick), bus: b}
}

func (u *RemoteUser) Nickname() string { return u.nick }
func (u *RemoteUser) Receive(Record)   {}

func (u *RemoteUser) Send(rec Record) error {
	return u.bus.Publish(u.nick, toBusRecord(rec))
}

func (u *RemoteUser) Join(Groupish) error          { return nil }
func (u *RemoteUser) Leave(Groupish, string) error { return nil }
func (u *RemoteUser) Who() WhoInfo {
	return WhoInfo{Nickname: u.nick, Online: true}
}
