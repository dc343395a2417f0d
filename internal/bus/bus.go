// Package bus is the cluster-wide message bus facade (C2): a topic is
// one IRC group name; nodes publish and subscribe by topic, with a
// per-subscription "channel" identity distinguishing subscribers that
// should each see every message (fan-out), per spec.md §4.2/§6.
package bus

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Record is the wire payload carried on the bus, per spec.md §6's
// "Bus wiring" table.
type Record struct {
	Sender     string `json:"sender"`
	Recipient  string `json:"recipient"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"ts"`
	SenderNode string `json:"sender_node"`
}

// Handler receives a published record. Invocations happen off the
// caller's goroutine, per spec.md §4.2's contract, so handlers must be
// reentrant with the owning group's roster mutation.
type Handler func(Record)

// Bus is the interface internal/group depends on. Modeled on the
// teacher's metrics.MetricsInterface DI pattern so group tests can
// supply an in-memory fake instead of a live NATS cluster.
type Bus interface {
	Publish(topic string, rec Record) error
	Subscribe(topic, channel string, handler Handler) error
	Unsubscribe(topic, channel string) error
	Close() error
}

// subjectPrefix namespaces IRC group topics within the shared NATS
// subject space.
const subjectPrefix = "ircdd.group."

func subject(topic string) string {
	return subjectPrefix + topic
}

// NatsBus implements Bus over a NATS connection, adapted from the
// teacher's pkg/nats.Client: same reconnect-option/handler-map shape,
// generalized from single-subject handlers to (topic, channel) pairs.
type NatsBus struct {
	conn *nats.Conn

	mu   sync.RWMutex
	subs map[string]map[string]*nats.Subscription // topic -> channel -> sub

	logger *log.Logger
}

// Config mirrors the teacher's nats.Config: reconnection tuning lifted
// straight from pkg/nats/client.go, renamed to the spec's vocabulary
// (nsqd_tcp_address is the historical name for the bus endpoint list;
// here it configures the NATS URL).
type Config struct {
	URLs            []string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
}

// NewNatsBus connects to the cluster bus.
func NewNatsBus(cfg Config, logger *log.Logger) (*NatsBus, error) {
	url := "nats://127.0.0.1:4222"
	if len(cfg.URLs) > 0 {
		url = joinURLs(cfg.URLs)
	}

	b := &NatsBus{
		subs:   make(map[string]map[string]*nats.Subscription),
		logger: logger,
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.PingInterval(cfg.PingInterval),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Printf("bus: disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Printf("bus: reconnected to %s", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Printf("bus: error: %v", err)
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}
	b.conn = conn

	return b, nil
}

func joinURLs(urls []string) string {
	out := ""
	for i, u := range urls {
		if i > 0 {
			out += ","
		}
		out += "nats://" + u
	}
	return out
}

// Publish is fire-and-forget, best-effort delivery per spec.md §4.2. A
// publish failure is logged; it never aborts the caller's local
// delivery (spec.md §4.3's failure semantics).
func (b *NatsBus) Publish(topic string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("bus: marshal record for %s: %w", topic, err)
	}

	if err := b.conn.Publish(subject(topic), data); err != nil {
		b.logger.Printf("bus: publish to %s failed: %v", topic, err)
		return err
	}
	return nil
}

// Subscribe registers handler to receive every record published on
// topic after registration, keyed by the (topic, channel) pair so a
// later Unsubscribe can target exactly this subscriber identity.
// Distinct channel values on the same topic each get their own plain
// NATS subscription, which is how the spec's fan-out semantics fall
// out of NATS's native publish/subscribe behavior.
func (b *NatsBus) Subscribe(topic, channel string, handler Handler) error {
	sub, err := b.conn.Subscribe(subject(topic), func(msg *nats.Msg) {
		var rec Record
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			b.logger.Printf("bus: malformed record on %s: %v", topic, err)
			return
		}
		handler(rec)
	})
	if err != nil {
		return fmt.Errorf("bus: subscribe %s/%s: %w", topic, channel, err)
	}

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*nats.Subscription)
	}
	b.subs[topic][channel] = sub
	b.mu.Unlock()

	return nil
}

// Unsubscribe removes the (topic, channel) subscription.
func (b *NatsBus) Unsubscribe(topic, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	chans, ok := b.subs[topic]
	if !ok {
		return nil
	}
	sub, ok := chans[channel]
	if !ok {
		return nil
	}

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("bus: unsubscribe %s/%s: %w", topic, channel, err)
	}

	delete(chans, channel)
	if len(chans) == 0 {
		delete(b.subs, topic)
	}

	return nil
}

// Close drains all subscriptions and closes the connection.
func (b *NatsBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, chans := range b.subs {
		for _, sub := range chans {
			_ = sub.Unsubscribe()
		}
	}
	b.subs = make(map[string]map[string]*nats.Subscription)

	b.conn.Close()
	return nil
}
