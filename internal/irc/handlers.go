package irc

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ircdd/ircdd/internal/group"
	"github.com/ircdd/ircdd/internal/store"
)

func stripHash(name string) string {
	return strings.TrimPrefix(name, "#")
}

// handleJoin resolves the group via the realm (auto-instantiating a
// local handle for a cluster-known group per SPEC_FULL.md §E.2), joins
// the connection's user, and emits JOIN/NAMES/TOPIC, per spec.md §4.6.
func (c *Conn) handleJoin(msg Message) error {
	if c.state != stateRegistered || len(msg.Params) < 1 {
		return nil
	}
	name := stripHash(msg.Params[0])

	g, err := c.realm.GetGroup(name)
	if err != nil {
		return c.writeNumeric(ERR_NOSUCHCHANNEL, "#"+name, "No such channel.")
	}

	if err := c.local.Join(g); err != nil {
		return err
	}

	if err := c.writeRaw(Message{
		Prefix:  c.prefix(),
		Command: "JOIN",
		Params:  []string{"#" + name},
	}); err != nil {
		return err
	}

	if err := c.sendNames(g); err != nil {
		return err
	}

	return c.sendTopic(g)
}

// handlePart removes the connection's user from a locally-known group.
// A group with no local handle is reported not-on-channel, per
// spec.md §4.6.
func (c *Conn) handlePart(msg Message) error {
	if c.state != stateRegistered || len(msg.Params) < 1 {
		return nil
	}
	name := stripHash(msg.Params[0])
	reason := "leaving"
	if len(msg.Params) > 1 {
		reason = msg.Params[1]
	}

	g, err := c.realm.LookupGroup(name)
	if err != nil {
		return c.writeNumeric(ERR_NOTONCHANNEL, "#"+name, "Not on channel.")
	}

	if err := c.local.Leave(g, reason); err != nil {
		if errors.Is(err, group.ErrNotFound) {
			return c.writeNumeric(ERR_NOTONCHANNEL, "#"+name, "Not on channel.")
		}
		return err
	}

	return c.writeRaw(Message{
		Prefix:  c.prefix(),
		Command: "PART",
		Params:  []string{"#" + name, reason},
	})
}

// handleNames looks up the group locally only; a miss yields an empty
// 353/366 pair rather than an error, per spec.md §4.6.
func (c *Conn) handleNames(msg Message) error {
	if c.state != stateRegistered || len(msg.Params) < 1 {
		return nil
	}
	name := stripHash(msg.Params[len(msg.Params)-1])

	g, err := c.realm.LookupGroup(name)
	if err != nil {
		return c.sendNamesFor(name, nil)
	}
	return c.sendNames(g)
}

func (c *Conn) sendNames(g *group.Group) error {
	return c.sendNamesFor(g.Name(), g.IterUsers())
}

func (c *Conn) sendNamesFor(name string, users []string) error {
	if err := c.writeNumeric(RPL_NAMREPLY, c.nick, "=", "#"+name, strings.Join(users, " ")); err != nil {
		return err
	}
	return c.writeNumeric(RPL_ENDOFNAMES, c.nick, "#"+name, "End of /NAMES list.")
}

func (c *Conn) sendTopic(g *group.Group) error {
	topic, err := g.Topic()
	if err != nil || topic == "" {
		return c.writeNumeric(RPL_NOTOPIC, c.nick, "#"+g.Name(), "No topic is set.")
	}
	return c.writeNumeric(RPL_TOPIC, c.nick, "#"+g.Name(), topic)
}

// handleList consults the store for the authoritative cluster-wide
// group list, not just local handles, per spec.md §4.6. Member counts
// come from stored user_heartbeats (SPEC_FULL.md §E.1).
func (c *Conn) handleList(msg Message) error {
	if c.state != stateRegistered {
		return nil
	}

	var names []string
	if len(msg.Params) > 0 {
		for _, ch := range strings.Split(msg.Params[0], ",") {
			names = append(names, stripHash(ch))
		}
	}

	groups, err := c.groupsToList(names)
	if err != nil {
		return err
	}

	if err := c.writeNumeric(RPL_LISTSTART, c.nick, "Channel", "Users  Name"); err != nil {
		return err
	}
	for _, g := range groups {
		count, err := c.store().GroupMemberCount(g.Name)
		if err != nil {
			return err
		}
		if err := c.writeNumeric(RPL_LIST, c.nick, "#"+g.Name, fmt.Sprintf("%d", count), g.Meta.Topic); err != nil {
			return err
		}
	}
	return c.writeNumeric(RPL_LISTEND, c.nick, "End of /LIST")
}

func (c *Conn) groupsToList(names []string) ([]*store.GroupRecord, error) {
	if len(names) == 0 {
		return c.store().ListGroups()
	}

	var out []*store.GroupRecord
	for _, name := range names {
		rec, err := c.store().LookupGroup(name)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// handleWho consults the store for a global view: a channel target
// emits a 352 per member; a nick target delegates to that user's WHO
// line, per spec.md §4.6.
func (c *Conn) handleWho(msg Message) error {
	if c.state != stateRegistered || len(msg.Params) < 1 {
		return c.writeNumeric(RPL_ENDOFWHO, c.nick, "*", "End of /WHO list.")
	}
	target := msg.Params[0]

	if strings.HasPrefix(target, "#") {
		name := stripHash(target)
		heartbeats, err := c.store().GroupHeartbeats(name)
		if err != nil {
			return c.writeNumeric(RPL_ENDOFWHO, "#"+name, "End of /WHO list.")
		}
		for nick := range heartbeats {
			if err := c.writeNumeric(RPL_WHOREPLY, c.nick, "#"+name, nick, c.info.Hostname, c.info.Hostname, nick, "H", "0 "+nick); err != nil {
				return err
			}
		}
		return c.writeNumeric(RPL_ENDOFWHO, "#"+name, "End of /WHO list.")
	}

	u, err := c.realm.LookupUser(target)
	if err != nil {
		return c.writeNumeric(RPL_ENDOFWHO, target, "End of /WHO list.")
	}
	who := u.Who()
	if err := c.writeNumeric(RPL_WHOREPLY, c.nick, "*", who.Nickname, c.info.Hostname, c.info.Hostname, who.Nickname, "H", "0 "+who.Nickname); err != nil {
		return err
	}
	return c.writeNumeric(RPL_ENDOFWHO, target, "End of /WHO list.")
}

// handleWhois consults the store for the user record and session, per
// spec.md §4.6.
func (c *Conn) handleWhois(msg Message) error {
	if c.state != stateRegistered || len(msg.Params) < 1 {
		return nil
	}
	nick := strings.ToLower(msg.Params[0])

	rec, err := c.store().LookupUser(nick)
	if err != nil {
		return c.writeNumeric(ERR_NOSUCHNICK, nick, "No such nick/channel")
	}
	session, err := c.store().LookupUserSession(nick)
	if err != nil {
		return c.writeNumeric(ERR_NOSUCHNICK, nick, "No such nick/channel")
	}

	if err := c.writeNumeric(RPL_WHOISUSER, c.nick, nick, nick, c.info.Hostname, "*", rec.Email); err != nil {
		return err
	}
	if err := c.writeNumeric(RPL_WHOISSERVER, c.nick, nick, c.info.Hostname, c.info.Hostname); err != nil {
		return err
	}
	idle := int(time.Since(session.LastHeartbeat).Seconds())
	if err := c.writeNumeric(RPL_WHOISIDLE, c.nick, nick, fmt.Sprintf("%d", idle), "seconds idle"); err != nil {
		return err
	}
	if err := c.writeNumeric(RPL_WHOISCHANNELS, c.nick, nick, c.whoisChannels(nick)); err != nil {
		return err
	}
	return c.writeNumeric(RPL_ENDOFWHOIS, c.nick, nick, "End of /WHOIS list.")
}

func (c *Conn) whoisChannels(nick string) string {
	if c.local == nil || c.local.Nickname() != nick {
		return ""
	}
	var names []string
	for _, g := range c.local.JoinedGroups() {
		names = append(names, "#"+g.Name())
	}
	return strings.Join(names, " ")
}

// handlePrivmsg splits text on line boundaries and, for each line,
// dispatches to a group or a user, per spec.md §4.6.
func (c *Conn) handlePrivmsg(msg Message) error {
	if c.state != stateRegistered || len(msg.Params) < 2 {
		return nil
	}
	target := msg.Params[0]
	text := msg.Params[1]

	for _, line := range strings.Split(text, "\n") {
		if err := c.sendOne(target, line); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) sendOne(target, line string) error {
	rec := c.local.NewOutgoing(target, line)

	if strings.HasPrefix(target, "#") {
		name := stripHash(target)
		g, err := c.realm.LookupGroup(name)
		if err != nil {
			return c.writeNumeric(ERR_NOSUCHCHANNEL, "#"+name, "No such channel.")
		}
		if err := g.Send(rec); err != nil {
			return err
		}
		return c.local.BumpHeartbeat()
	}

	target = strings.ToLower(target)
	u, err := c.realm.LookupUser(target)
	if err != nil {
		return c.writeNumeric(ERR_NOSUCHNICK, target, "No such nick/channel")
	}
	if err := u.Send(rec); err != nil {
		return err
	}
	return c.local.BumpHeartbeat()
}

func (c *Conn) prefix() string {
	return fmt.Sprintf("%s!%s@%s", c.nick, c.nick, c.info.Hostname)
}

func (c *Conn) store() storeAccessor {
	return c.realm.Store()
}

// storeAccessor is the subset of store.Store the adapter needs for
// LIST/WHO/WHOIS's cluster-wide views.
type storeAccessor interface {
	ListGroups() ([]*store.GroupRecord, error)
	LookupGroup(name string) (*store.GroupRecord, error)
	GroupMemberCount(group string) (int, error)
	GroupHeartbeats(group string) (map[string]time.Time, error)
	LookupUser(name string) (*store.UserRecord, error)
	LookupUserSession(name string) (*store.SessionRecord, error)
}
