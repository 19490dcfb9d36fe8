package relay

import (
	"testing"

	"agentmesh/pkg/protocol"
)

func newTestRouter(t *testing.T, maxConnections int) *Router {
	t.Helper()
	r, err := NewRouter(maxConnections, "")
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegisterAndRelay(t *testing.T) {
	r := newTestRouter(t, 10)

	out := make(chan protocol.HostFrame, 1)
	if !r.Register("0xaaa", out, "127.0.0.1:9000") {
		t.Fatal("expected registration to succeed")
	}
	if r.ConnectedCount() != 1 {
		t.Fatalf("expected 1 connected, got %d", r.ConnectedCount())
	}

	ch, ok := r.Relay("0xaaa")
	if !ok {
		t.Fatal("expected relay target to be found")
	}
	ch <- protocol.HostFrame{Type: protocol.HostFrameDelivery}
	select {
	case frame := <-out:
		if frame.Type != protocol.HostFrameDelivery {
			t.Fatalf("unexpected frame type: %s", frame.Type)
		}
	default:
		t.Fatal("expected frame to be delivered to the registered channel")
	}

	endpoints := r.LookupEndpoints("0xaaa")
	if len(endpoints) != 1 || endpoints[0] != "127.0.0.1:9000" {
		t.Fatalf("unexpected observed endpoints: %v", endpoints)
	}
}

func TestRelayUnknownTargetNotFound(t *testing.T) {
	r := newTestRouter(t, 10)
	if _, ok := r.Relay("0xunknown"); ok {
		t.Fatal("expected unknown target to not be found")
	}
}

func TestCapacityLimit(t *testing.T) {
	r := newTestRouter(t, 1)

	if !r.Register("0xaaa", make(chan protocol.HostFrame, 1), "") {
		t.Fatal("expected first registration to succeed")
	}
	if r.Register("0xbbb", make(chan protocol.HostFrame, 1), "") {
		t.Fatal("expected second registration to be rejected at capacity")
	}
	// Re-registering the already-connected node must still succeed.
	if !r.Register("0xaaa", make(chan protocol.HostFrame, 1), "") {
		t.Fatal("expected re-registration of an already-registered node to succeed")
	}
}

func TestUnregister(t *testing.T) {
	r := newTestRouter(t, 10)
	r.Register("0xaaa", make(chan protocol.HostFrame, 1), "")
	r.Unregister("0xaaa")
	if r.ConnectedCount() != 0 {
		t.Fatalf("expected 0 connected after unregister, got %d", r.ConnectedCount())
	}
	if _, ok := r.Relay("0xaaa"); ok {
		t.Fatal("expected unregistered node to no longer be a relay target")
	}
}

func TestSubscribeRoomReturnsExistingMembers(t *testing.T) {
	r := newTestRouter(t, 10)

	if existing := r.SubscribeRoom("lobby", "0xaaa"); len(existing) != 0 {
		t.Fatalf("expected no existing members for the first joiner, got %v", existing)
	}
	existing := r.SubscribeRoom("lobby", "0xbbb")
	if len(existing) != 1 || existing[0] != "0xaaa" {
		t.Fatalf("expected [0xaaa] as existing members, got %v", existing)
	}

	members := r.RoomMembers("lobby")
	if len(members) != 2 {
		t.Fatalf("expected 2 room members, got %v", members)
	}
}

func TestUnsubscribeRoom(t *testing.T) {
	r := newTestRouter(t, 10)
	r.SubscribeRoom("lobby", "0xaaa")
	r.SubscribeRoom("lobby", "0xbbb")

	r.UnsubscribeRoom("lobby", "0xaaa")
	members := r.RoomMembers("lobby")
	if len(members) != 1 || members[0] != "0xbbb" {
		t.Fatalf("expected only 0xbbb to remain, got %v", members)
	}
}

func TestUnregisterRemovesRoomSubscriptions(t *testing.T) {
	r := newTestRouter(t, 10)
	r.Register("0xaaa", make(chan protocol.HostFrame, 1), "")
	r.SubscribeRoom("lobby", "0xaaa")

	r.Unregister("0xaaa")

	if members := r.RoomMembers("lobby"); len(members) != 0 {
		t.Fatalf("expected room subscriptions to be cleared on disconnect, got %v", members)
	}
}

func TestRecordFollowAndFollowersOf(t *testing.T) {
	r := newTestRouter(t, 10)

	r.RecordFollow("0xaaa", "0xccc")
	r.RecordFollow("0xbbb", "0xccc")

	followers := r.FollowersOf("0xccc")
	if len(followers) != 2 {
		t.Fatalf("expected 2 followers, got %v", followers)
	}
	if len(r.FollowersOf("0xunrelated")) != 0 {
		t.Fatal("expected no followers for an unrelated node")
	}
}

func TestRecordFollowIsIdempotent(t *testing.T) {
	r := newTestRouter(t, 10)
	r.RecordFollow("0xaaa", "0xccc")
	r.RecordFollow("0xaaa", "0xccc")
	if followers := r.FollowersOf("0xccc"); len(followers) != 1 {
		t.Fatalf("expected re-recording the same follow to be a no-op, got %v", followers)
	}
}

func TestFollowersSurviveUnregister(t *testing.T) {
	r := newTestRouter(t, 10)
	r.Register("0xaaa", make(chan protocol.HostFrame, 1), "")
	r.RecordFollow("0xaaa", "0xccc")
	r.Unregister("0xaaa")
	if followers := r.FollowersOf("0xccc"); len(followers) != 1 {
		t.Fatalf("expected follower record to survive disconnect, got %v", followers)
	}
}

func TestUsernameRegisterAndLookup(t *testing.T) {
	r := newTestRouter(t, 10)

	if err := r.RegisterUsername("alice", "0xaaa", "pub-a"); err != nil {
		t.Fatalf("RegisterUsername: %v", err)
	}

	entry, ok, err := r.LookupUsername("alice")
	if err != nil || !ok {
		t.Fatalf("LookupUsername: ok=%v err=%v", ok, err)
	}
	if entry.NodeID != "0xaaa" || entry.PublicKeyB64 != "pub-a" {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	name, ok, err := r.LookupNodeID("0xaaa")
	if err != nil || !ok || name != "alice" {
		t.Fatalf("LookupNodeID: name=%q ok=%v err=%v", name, ok, err)
	}
}

func TestUsernamePersistsAcrossDirectoryReopen(t *testing.T) {
	dir := t.TempDir()

	r1, err := NewRouter(10, dir)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	if err := r1.RegisterUsername("alice", "0xaaa", "pub-a"); err != nil {
		t.Fatalf("RegisterUsername: %v", err)
	}
	r1.Close()

	r2, err := NewRouter(10, dir)
	if err != nil {
		t.Fatalf("NewRouter (reopen): %v", err)
	}
	defer r2.Close()

	entry, ok, err := r2.LookupUsername("alice")
	if err != nil || !ok {
		t.Fatalf("expected username to persist across reopen: ok=%v err=%v", ok, err)
	}
	if entry.NodeID != "0xaaa" {
		t.Fatalf("unexpected node id after reopen: %s", entry.NodeID)
	}
}

func TestUsernameTakenByOtherNode(t *testing.T) {
	r := newTestRouter(t, 10)

	if err := r.RegisterUsername("alice", "0xaaa", "pub-a"); err != nil {
		t.Fatalf("RegisterUsername: %v", err)
	}
	err := r.RegisterUsername("alice", "0xbbb", "pub-b")
	if err == nil {
		t.Fatal("expected registration by a different node to fail")
	}
}

func TestUsernameReRegisterSameNameIsIdempotent(t *testing.T) {
	r := newTestRouter(t, 10)

	if err := r.RegisterUsername("alice", "0xaaa", "pub-a"); err != nil {
		t.Fatalf("RegisterUsername: %v", err)
	}
	if err := r.RegisterUsername("alice", "0xaaa", "pub-a"); err != nil {
		t.Fatalf("expected re-registering the same name by the same node to be a no-op: %v", err)
	}
}

func TestUsernameCaseInsensitive(t *testing.T) {
	r := newTestRouter(t, 10)

	if err := r.RegisterUsername("Alice", "0xaaa", "pub-a"); err != nil {
		t.Fatalf("RegisterUsername: %v", err)
	}
	entry, ok, err := r.LookupUsername("ALICE")
	if err != nil || !ok {
		t.Fatalf("expected case-insensitive lookup to find the binding: ok=%v err=%v", ok, err)
	}
	if entry.NodeID != "0xaaa" {
		t.Fatalf("unexpected node id: %s", entry.NodeID)
	}
}

func TestUsernamePermanentBinding(t *testing.T) {
	r := newTestRouter(t, 10)

	if err := r.RegisterUsername("alice", "0xaaa", "pub-a"); err != nil {
		t.Fatalf("RegisterUsername: %v", err)
	}
	err := r.RegisterUsername("alice2", "0xaaa", "pub-a")
	if err == nil {
		t.Fatal("expected a second, different username for an already-bound node to be rejected")
	}
}

func TestUsernameServerSideValidation(t *testing.T) {
	r := newTestRouter(t, 10)

	cases := []string{"", "ab", "has spaces", "way-too-long-to-be-a-valid-username-at-all"}
	for _, name := range cases {
		if err := r.RegisterUsername(name, "0xaaa", "pub-a"); err == nil {
			t.Fatalf("expected %q to be rejected by server-side validation", name)
		}
	}
}
