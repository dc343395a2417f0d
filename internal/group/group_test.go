package group

import (
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/ircdd/ircdd/internal/bus"
	"github.com/ircdd/ircdd/internal/store"
	"github.com/ircdd/ircdd/internal/user"
)

// fakeStore is an in-memory store.Store used so group tests never need
// a live RethinkDB cluster.
type fakeStore struct {
	mu         sync.Mutex
	groups     map[string]*store.GroupRecord
	heartbeats map[string]map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		groups:     make(map[string]*store.GroupRecord),
		heartbeats: make(map[string]map[string]time.Time),
	}
}

func (f *fakeStore) CreateUser(string, string, string, bool, string) (*store.UserRecord, error) {
	return nil, nil
}
func (f *fakeStore) LookupUser(string) (*store.UserRecord, error)               { return nil, store.ErrNotFound }
func (f *fakeStore) LookupUserSession(string) (*store.SessionRecord, error)     { return nil, store.ErrNotFound }
func (f *fakeStore) HeartbeatUserSession(string, string) error                 { return nil }
func (f *fakeStore) DeactivateUserSession(string) error                        { return nil }

func (f *fakeStore) CreateGroup(name string, kind store.GroupType, owner string) (*store.GroupRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.groups[name]; exists {
		return nil, store.ErrDuplicate
	}
	rec := &store.GroupRecord{Name: name, Owner: owner, Type: kind}
	f.groups[name] = rec
	f.heartbeats[name] = make(map[string]time.Time)
	return rec, nil
}

func (f *fakeStore) LookupGroup(name string) (*store.GroupRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, exists := f.groups[name]
	if !exists {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (f *fakeStore) ListGroups() ([]*store.GroupRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.GroupRecord
	for _, rec := range f.groups {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeStore) SetGroupTopic(name, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, exists := f.groups[name]
	if !exists {
		return store.ErrNotFound
	}
	rec.Meta.Topic = topic
	return nil
}

func (f *fakeStore) HeartbeatUserInGroup(group, user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.heartbeats[group]; !exists {
		f.heartbeats[group] = make(map[string]time.Time)
	}
	f.heartbeats[group][user] = time.Now()
	return nil
}

func (f *fakeStore) GroupMemberCount(group string) (int, error) {
	hb, err := f.GroupHeartbeats(group)
	if err != nil {
		return 0, err
	}
	return len(hb), nil
}

func (f *fakeStore) GroupHeartbeats(group string) (map[string]time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hb, exists := f.heartbeats[group]
	if !exists {
		return map[string]time.Time{}, nil
	}
	return hb, nil
}

func (f *fakeStore) ReapSessions(time.Duration) (int, error)         { return 0, nil }
func (f *fakeStore) ReapGroupMemberships(time.Duration) (int, error) { return 0, nil }

func (f *fakeStore) Close() error { return nil }

// fakeBus is an in-memory bus.Bus: Publish loops synchronously over
// registered handlers instead of round-tripping through NATS.
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

// fakeSender is a minimal user.Sender for roster tests.
type fakeSender struct {
	nick     string
	received []user.Record
}

func (f *fakeSender) Nickname() string { return f.nick }
func (f *fakeSender) Receive(rec user.Record) {
	f.received = append(f.received, rec)
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestGroupAddDuplicateRejected(t *testing.T) {
	g, err := New("room", store.GroupPublic, "owner", newFakeStore(), newFakeBus(), "node-a", testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	alice := &fakeSender{nick: "alice"}
	if err := g.Add(alice); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := g.Add(alice); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second Add: got %v, want ErrDuplicate", err)
	}
}

func TestGroupRemoveNotFound(t *testing.T) {
	g, err := New("room", store.GroupPublic, "owner", newFakeStore(), newFakeBus(), "node-a", testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	bob := &fakeSender{nick: "bob"}
	if err := g.Remove(bob, "leaving"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Remove absent member: got %v, want ErrNotFound", err)
	}
}

func TestGroupSendSuppressesLocalEcho(t *testing.T) {
	st := newFakeStore()
	b := newFakeBus()
	g, err := New("room", store.GroupPublic, "owner", st, b, "node-a", testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	alice := &fakeSender{nick: "alice"}
	bobby := &fakeSender{nick: "bob"}
	if err := g.Add(alice); err != nil {
		t.Fatalf("Add alice: %v", err)
	}
	if err := g.Add(bobby); err != nil {
		t.Fatalf("Add bob: %v", err)
	}

	if err := g.Send(user.Record{Sender: "alice", Text: "hi", SenderNode: "node-a"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(alice.received) != 0 {
		t.Errorf("alice (sender) received %d messages, want 0 (echo suppression)", len(alice.received))
	}
	if len(bobby.received) != 1 {
		t.Errorf("bob received %d messages, want 1", len(bobby.received))
	}
	if bobby.received[0].Recipient != "#room" {
		t.Errorf("bob's recipient = %q, want %q", bobby.received[0].Recipient, "#room")
	}
}

func TestGroupSendFromRemoteNodeDeliversToEveryone(t *testing.T) {
	st := newFakeStore()
	b := newFakeBus()
	g, err := New("room", store.GroupPublic, "owner", st, b, "node-a", testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	alice := &fakeSender{nick: "alice"}
	if err := g.Add(alice); err != nil {
		t.Fatalf("Add alice: %v", err)
	}

	if err := g.Send(user.Record{Sender: "carol", Text: "hi from elsewhere", SenderNode: "node-b"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(alice.received) != 1 {
		t.Errorf("alice received %d messages, want 1", len(alice.received))
	}
}

func TestGroupIterUsersSnapshot(t *testing.T) {
	g, err := New("room", store.GroupPublic, "owner", newFakeStore(), newFakeBus(), "node-a", testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_ = g.Add(&fakeSender{nick: "alice"})
	_ = g.Add(&fakeSender{nick: "bob"})

	names := g.IterUsers()
	if len(names) != 2 {
		t.Fatalf("IterUsers returned %d names, want 2", len(names))
	}
}

func TestGroupSetMetaWritesThroughTopic(t *testing.T) {
	st := newFakeStore()
	g, err := New("room", store.GroupPublic, "owner", st, newFakeBus(), "node-a", testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := g.SetMeta("topic", "hello world"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}

	topic, err := g.Topic()
	if err != nil {
		t.Fatalf("Topic: %v", err)
	}
	if topic != "hello world" {
		t.Errorf("Topic() = %q, want %q", topic, "hello world")
	}
}

func TestGroupUnsubscribesWhenRosterEmpties(t *testing.T) {
	st := newFakeStore()
	b := newFakeBus()
	g, err := New("room", store.GroupPublic, "owner", st, b, "node-a", testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	alice := &fakeSender{nick: "alice"}
	if err := g.Add(alice); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := g.Remove(alice, "leaving"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	b.mu.Lock()
	_, stillSubscribed := b.subs["room"]["node-a"]
	b.mu.Unlock()
	if stillSubscribed {
		t.Error("expected bus subscription to be removed once roster emptied")
	}
}
