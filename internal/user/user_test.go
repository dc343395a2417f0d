package user

import (
	"sync"
	"testing"
	"time"

	"github.com/ircdd/ircdd/internal/bus"
	"github.com/ircdd/ircdd/internal/store"
)

// fakeMind records every frame a LocalUser tries to deliver, standing
// in for the IRC adapter's net.Conn-backed Mind.
type fakeMind struct {
	mu        sync.Mutex
	delivered []Record
}

func (m *fakeMind) Deliver(sender, recipient, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered = append(m.delivered, Record{Sender: sender, Recipient: recipient, Text: text})
	return nil
}

func (m *fakeMind) snapshot() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.delivered))
	copy(out, m.delivered)
	return out
}

// fakeBus mirrors the one in internal/group's tests: an in-memory
// Bus that invokes handlers synchronously on Publish.
type fakeBus struct {
	mu   sync.Mutex
	subs map[string]map[string]bus.Handler
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string]map[string]bus.Handler)}
}

func (b *fakeBus) Publish(topic string, rec bus.Record) error {
	b.mu.Lock()
	handlers := make([]bus.Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(rec)
	}
	return nil
}

func (b *fakeBus) Subscribe(topic, channel string, handler bus.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]bus.Handler)
	}
	b.subs[topic][channel] = handler
	return nil
}

func (b *fakeBus) Unsubscribe(topic, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[topic], channel)
	return nil
}

func (b *fakeBus) Close() error { return nil }

// fakeStore is a minimal store.Store fake: only HeartbeatUserSession is
// exercised by this package's tests.
type fakeStore struct {
	mu          sync.Mutex
	heartbeated map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{heartbeated: make(map[string]string)}
}

func (f *fakeStore) CreateUser(string, string, string, bool, string) (*store.UserRecord, error) {
	return nil, nil
}
func (f *fakeStore) LookupUser(string) (*store.UserRecord, error)           { return nil, store.ErrNotFound }
func (f *fakeStore) LookupUserSession(string) (*store.SessionRecord, error) { return nil, store.ErrNotFound }
func (f *fakeStore) HeartbeatUserSession(name, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeated[name] = nodeID
	return nil
}
func (f *fakeStore) DeactivateUserSession(string) error { return nil }
func (f *fakeStore) CreateGroup(string, store.GroupType, string) (*store.GroupRecord, error) {
	return nil, nil
}
func (f *fakeStore) LookupGroup(string) (*store.GroupRecord, error) { return nil, store.ErrNotFound }
func (f *fakeStore) ListGroups() ([]*store.GroupRecord, error)     { return nil, nil }
func (f *fakeStore) SetGroupTopic(string, string) error            { return nil }
func (f *fakeStore) HeartbeatUserInGroup(string, string) error     { return nil }
func (f *fakeStore) GroupMemberCount(string) (int, error)          { return 0, nil }
func (f *fakeStore) GroupHeartbeats(string) (map[string]time.Time, error) {
	return map[string]time.Time{}, nil
}
func (f *fakeStore) ReapSessions(time.Duration) (int, error)         { return 0, nil }
func (f *fakeStore) ReapGroupMemberships(time.Duration) (int, error) { return 0, nil }
func (f *fakeStore) Close() error                                   { return nil }

func TestLocalUserReceiveDeliversToMind(t *testing.T) {
	mind := &fakeMind{}
	u, err := NewLocalUser("alice", mind, newFakeStore(), newFakeBus(), "node-a")
	if err != nil {
		t.Fatalf("NewLocalUser: %v", err)
	}

	u.Receive(Record{Sender: "bob", Recipient: "alice", Text: "hi"})

	got := mind.snapshot()
	if len(got) != 1 || got[0].Text != "hi" {
		t.Errorf("Deliver not called with expected record, got %+v", got)
	}
}

func TestLocalUserSendIsDirectNoBusRoundTrip(t *testing.T) {
	mind := &fakeMind{}
	b := newFakeBus()
	u, err := NewLocalUser("alice", mind, newFakeStore(), b, "node-a")
	if err != nil {
		t.Fatalf("NewLocalUser: %v", err)
	}

	if err := u.Send(u.NewOutgoing("bob", "hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := mind.snapshot()
	if len(got) != 1 || got[0].Text != "hello" {
		t.Errorf("expected direct delivery to this user's own mind, got %+v", got)
	}
}

func TestRemoteUserSendPublishesToNicknameTopic(t *testing.T) {
	b := newFakeBus()
	received := make(chan bus.Record, 1)
	if err := b.Subscribe("bob", "node-b", func(rec bus.Record) { received <- rec }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	remote := NewRemoteUser("bob", b)
	if err := remote.Send(Record{Sender: "alice", Recipient: "bob", Text: "hey"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case rec := <-received:
		if rec.Text != "hey" {
			t.Errorf("rec.Text = %q, want %q", rec.Text, "hey")
		}
	default:
		t.Error("expected RemoteUser.Send to publish onto the bus topic named after the nickname")
	}
}

func TestRemoteUserReceiveIsNoOp(t *testing.T) {
	remote := NewRemoteUser("bob", newFakeBus())
	remote.Receive(Record{Text: "should be dropped"})
}

func TestLocalUserJoinLeaveTracksGroups(t *testing.T) {
	mind := &fakeMind{}
	u, err := NewLocalUser("alice", mind, newFakeStore(), newFakeBus(), "node-a")
	if err != nil {
		t.Fatalf("NewLocalUser: %v", err)
	}

	g := &fakeGroup{name: "room"}
	if err := u.Join(g); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if len(u.JoinedGroups()) != 1 {
		t.Fatalf("expected 1 joined group, got %d", len(u.JoinedGroups()))
	}

	if err := u.Leave(g, "bye"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if len(u.JoinedGroups()) != 0 {
		t.Fatalf("expected 0 joined groups after Leave, got %d", len(u.JoinedGroups()))
	}
}

func TestLocalUserBumpHeartbeat(t *testing.T) {
	mind := &fakeMind{}
	st := newFakeStore()
	u, err := NewLocalUser("alice", mind, st, newFakeBus(), "node-a")
	if err != nil {
		t.Fatalf("NewLocalUser: %v", err)
	}

	if err := u.BumpHeartbeat(); err != nil {
		t.Fatalf("BumpHeartbeat: %v", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.heartbeated["alice"] != "node-a" {
		t.Errorf("heartbeat not recorded for alice on node-a, got %v", st.heartbeated)
	}
}

// fakeGroup is a minimal Groupish fake for join/leave tests.
type fakeGroup struct {
	name    string
	added   []Sender
	removed []Sender
}

func (g *fakeGroup) Name() string { return g.name }
func (g *fakeGroup) Add(s Sender) error {
	g.added = append(g.added, s)
	return nil
}
func (g *fakeGroup) Remove(s Sender, reason string) error {
	g.removed = append(g.removed, s)
	return nil
}
func (g *fakeGroup) Send(rec Record) error { return nil }
