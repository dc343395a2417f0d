package irc

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/ircdd/ircdd/internal/authn"
	"github.com/ircdd/ircdd/internal/metrics"
	"github.com/ircdd/ircdd/internal/realm"
	"github.com/ircdd/ircdd/internal/store"
	"github.com/ircdd/ircdd/internal/user"
)

// connState is the per-connection state machine, per spec.md §4.6:
// GREETING -> AWAITING_PASS -> AWAITING_NICK -> REGISTERED -> CLOSED.
type connState int

const (
	stateGreeting connState = iota
	stateAwaitingPass
	stateAwaitingNick
	stateRegistered
	stateClosed
)

// ServerInfo is the identity the adapter reports in numerics 002-004
// and in PRIVMSG prefixes, per spec.md §4.6's S1 scenario.
type ServerInfo struct {
	Hostname string
	Version  string
	Created  string
}

// Conn is one client connection's IRC protocol state machine, adapted
// from the teacher's per-connection read-pump/write-pump split
// (pkg/websocket/client.go) to a raw line-delimited TCP transport.
type Conn struct {
	netConn net.Conn
	reader  *bufio.Reader

	writeMu sync.Mutex
	writer  *bufio.Writer

	realm   *realm.Realm
	info    ServerInfo
	metrics *metrics.Metrics
	logger  *log.Logger

	state    connState
	password string
	nick     string
	local    *user.LocalUser
	logout   realm.LogoutFunc

	opened time.Time
}

// NewConn wraps an accepted net.Conn in a Conn ready to Serve.
func NewConn(netConn net.Conn, rlm *realm.Realm, info ServerInfo, m *metrics.Metrics, logger *log.Logger) *Conn {
	return &Conn{
		netConn: netConn,
		reader:  bufio.NewReader(netConn),
		writer:  bufio.NewWriter(netConn),
		realm:   rlm,
		info:    info,
		metrics: m,
		logger:  logger,
		state:   stateGreeting,
		opened:  time.Now(),
	}
}

// Close forces the underlying transport closed; the blocked Serve
// loop's pending read fails, which runs the usual logout/cleanup path
// through its deferred close().
func (c *Conn) Close() error {
	return c.netConn.Close()
}

// Deliver implements user.Mind: it formats an inbound record as a
// PRIVMSG frame and writes it out, satisfying the write side of the
// single-writer discipline spec.md §5 requires (bus-driven deliveries
// share the same write path and mutex as client-driven replies).
func (c *Conn) Deliver(sender, recipient, text string) error {
	return c.writeRaw(Message{
		Prefix:  fmt.Sprintf("%s!%s@%s", sender, sender, c.info.Hostname),
		Command: "PRIVMSG",
		Params:  []string{recipient, text},
	})
}

// Serve runs the read loop until the connection closes or QUITs.
func (c *Conn) Serve() {
	c.metrics.IncrementConnections()
	defer func() {
		c.metrics.DecrementConnections(c.opened)
		c.close()
	}()

	for c.state != stateClosed {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return
		}
		c.metrics.LineReceived(len(line))

		msg, ok := ParseMessage(line)
		if !ok {
			continue
		}

		if err := c.dispatch(msg); err != nil {
			c.logger.Printf("irc: dispatch %s from %s: %v", msg.Command, c.netConn.RemoteAddr(), err)
		}
	}
}

func (c *Conn) close() {
	if c.logout != nil {
		c.logout()
	}
	c.state = stateClosed
	_ = c.netConn.Close()
}

func (c *Conn) writeRaw(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.writer.WriteString(msg.Encode() + "\r\n"); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}
	c.metrics.LineSent()
	return nil
}

// writeNumeric sends a numeric reply whose last param is always
// human-readable text, so Encode is told to treat it as trailing
// regardless of whether it happens to contain a space. Replies whose
// last param is a protocol token rather than text (RPL_MYINFO's mode
// letters) bypass this and call writeRaw directly.
func (c *Conn) writeNumeric(code, target string, params ...string) error {
	allParams := append([]string{target}, params...)
	return c.writeRaw(Message{
		Prefix:   c.info.Hostname,
		Command:  code,
		Params:   allParams,
		Trailing: true,
	})
}

func (c *Conn) targetNick() string {
	if c.nick == "" {
		return "*"
	}
	return c.nick
}

func (c *Conn) dispatch(msg Message) error {
	switch msg.Command {
	case "PASS":
		return c.handlePass(msg)
	case "NICK":
		return c.handleNick(msg)
	case "USER":
		return nil // accepted but unused: identity comes from NICK+PASS
	case "JOIN":
		return c.handleJoin(msg)
	case "PART":
		return c.handlePart(msg)
	case "NAMES":
		return c.handleNames(msg)
	case "LIST":
		return c.handleList(msg)
	case "WHO":
		return c.handleWho(msg)
	case "WHOIS":
		return c.handleWhois(msg)
	case "PRIVMSG":
		return c.handlePrivmsg(msg)
	case "QUIT":
		c.state = stateClosed
		return nil
	default:
		return c.writeNumeric(ERR_UNKNOWNCOMMAND, c.targetNick(), msg.Command, "Unknown command")
	}
}

func (c *Conn) handlePass(msg Message) error {
	if len(msg.Params) < 1 {
		return nil
	}
	c.password = msg.Params[0]
	c.state = stateAwaitingNick
	return nil
}

// handleNick performs the login sequence described in spec.md §4.6: a
// successful RequestAvatar emits the MOTD/welcome numeric sequence; an
// already-attached nickname gets a NickServ notice and keeps the
// existing session; a failed credential check gets a NickServ notice
// and the connection closes.
func (c *Conn) handleNick(msg Message) error {
	if len(msg.Params) < 1 {
		return nil
	}
	nick := msg.Params[0]

	u, logout, err := c.realm.RequestAvatar(nick, c.password, c)
	switch {
	case err == nil:
		local, ok := u.(*user.LocalUser)
		if !ok {
			return errors.New("irc: realm returned a non-local user for a local login")
		}
		c.nick = local.Nickname()
		c.local = local
		c.logout = logout
		c.state = stateRegistered
		return c.sendWelcome()

	case errors.Is(err, realm.ErrAlreadyLoggedIn), errors.Is(err, store.ErrDuplicate):
		// ErrAlreadyLoggedIn is this node rejecting a second local
		// attach; ErrDuplicate is realm.CreateUser rejecting an attach
		// for a nick with an active session on another node. Both read
		// the same to a client: the nick is already taken cluster-wide.
		if werr := c.writeRaw(Message{
			Prefix:  nickServPrefix,
			Command: "PRIVMSG",
			Params:  []string{nick, "Already logged in.  No pod people allowed!"},
		}); werr != nil {
			return werr
		}
		return nil

	case errors.Is(err, authn.ErrBadCredentials):
		if werr := c.writeRaw(Message{
			Prefix:  nickServPrefix,
			Command: "PRIVMSG",
			Params:  []string{nick, "Login failed.  Goodbye."},
		}); werr != nil {
			return werr
		}
		c.state = stateClosed
		return nil

	case errors.Is(err, store.ErrNotFound):
		// user_on_request=false and the nick is unknown: close quietly,
		// per spec.md §8's S6 scenario.
		c.state = stateClosed
		return nil

	default:
		return err
	}
}

// sendWelcome emits the MOTD and numerics 001-004, per spec.md §8's S1
// scenario.
func (c *Conn) sendWelcome() error {
	steps := []func() error{
		func() error { return c.writeNumeric(RPL_MOTDSTART, c.nick, "- "+c.info.Hostname+" Message of the Day -") },
		func() error { return c.writeNumeric(RPL_ENDOFMOTD, c.nick, "End of /MOTD command.") },
		func() error {
			return c.writeNumeric(RPL_WELCOME, c.nick, fmt.Sprintf("Welcome, you are connected to Twisted IRC, %s", c.nick))
		},
		func() error {
			return c.writeNumeric(RPL_YOURHOST, c.nick, fmt.Sprintf("Your host is %s, running version %s", c.info.Hostname, c.info.Version))
		},
		func() error {
			return c.writeNumeric(RPL_CREATED, c.nick, fmt.Sprintf("This server was created %s", c.info.Created))
		},
		func() error {
			// RPL_MYINFO's last param is a mode-letter token, not free
			// text, so it bypasses writeNumeric's forced trailing colon.
			return c.writeRaw(Message{
				Prefix:  c.info.Hostname,
				Command: RPL_MYINFO,
				Params:  []string{c.nick, c.info.Hostname, c.info.Version, "o", "n"},
			})
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}
