package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"agentmesh/internal/crypto"
	"agentmesh/pkg/protocol"
)

func TestIsLocalhostDetectsLocalAddresses(t *testing.T) {
	cases := []string{
		"localhost", "localhost:50100",
		"127.0.0.1", "127.0.0.1:50100",
		"[::1]", "[::1]:50100",
		"http://localhost:50100", "https://127.0.0.1:50100",
	}
	for _, addr := range cases {
		if !isLocalhost(addr) {
			t.Errorf("expected %q to be detected as localhost", addr)
		}
	}
}

func TestIsLocalhostRejectsRemoteAddresses(t *testing.T) {
	cases := []string{
		"agentmesh.example.com", "agentmesh.example.com:50100",
		"192.168.1.1:50100", "example.com",
	}
	for _, addr := range cases {
		if isLocalhost(addr) {
			t.Errorf("expected %q to not be detected as localhost", addr)
		}
	}
}

func TestDialTargetUsesTLSForRemote(t *testing.T) {
	addr, useTLS := dialTarget("relay.example.com:443")
	if addr != "relay.example.com:443" || !useTLS {
		t.Fatalf("expected TLS for remote addr, got addr=%q useTLS=%v", addr, useTLS)
	}
}

func TestDialTargetUsesPlaintextForLocalhost(t *testing.T) {
	addr, useTLS := dialTarget("localhost:50100")
	if addr != "localhost:50100" || useTLS {
		t.Fatalf("expected plaintext for localhost, got addr=%q useTLS=%v", addr, useTLS)
	}
}

func TestDialTargetRespectsExplicitScheme(t *testing.T) {
	if addr, useTLS := dialTarget("tls://relay.internal:9000"); addr != "relay.internal:9000" || !useTLS {
		t.Fatalf("tls:// should force TLS, got addr=%q useTLS=%v", addr, useTLS)
	}
	if addr, useTLS := dialTarget("tcp://relay.example.com:9000"); addr != "relay.example.com:9000" || useTLS {
		t.Fatalf("tcp:// should force plaintext, got addr=%q useTLS=%v", addr, useTLS)
	}
}

// fakeRelay accepts a single connection, acks registration, then echoes any
// relay_send frame back to the node as a delivery.
func fakeRelay(t *testing.T) (addr string, done chan struct{}) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done = make(chan struct{})
	go func() {
		defer close(done)
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var register protocol.NodeFrame
		if err := protocol.ReadFrame(conn, &register); err != nil {
			return
		}
		protocol.WriteFrame(conn, protocol.HostFrame{Type: protocol.HostFrameRegisterAck, Success: true})

		for {
			var frame protocol.NodeFrame
			if err := protocol.ReadFrame(conn, &frame); err != nil {
				return
			}
			switch frame.Type {
			case protocol.NodeFrameRelaySend:
				if frame.Envelope != nil {
					protocol.WriteFrame(conn, protocol.HostFrame{Type: protocol.HostFrameDelivery, Envelope: frame.Envelope})
				}
			case protocol.NodeFrameRegisterUsername:
				protocol.WriteFrame(conn, protocol.HostFrame{Type: protocol.HostFrameUsernameAck, RequestID: frame.RequestID, Success: true})
			case protocol.NodeFrameLookupUsername:
				protocol.WriteFrame(conn, protocol.HostFrame{
					Type: protocol.HostFrameUsernameResult, RequestID: frame.RequestID,
					Found: true, NodeID: "0xbbb", PublicKeyB64: "pub-b",
				})
			case protocol.NodeFrameNotifyFollow:
				protocol.WriteFrame(conn, protocol.HostFrame{Type: protocol.HostFrameNewFollower, NodeID: "0xccc", FollowerUsername: "carol"})
			case protocol.NodeFrameListFollowers:
				protocol.WriteFrame(conn, protocol.HostFrame{
					Type: protocol.HostFrameFollowersResult, RequestID: frame.RequestID, FollowerNodeIDs: []string{"0xccc"},
				})
			}
		}
	}()
	return listener.Addr().String(), done
}

func TestMeshTransportRegistersAndRoundTrips(t *testing.T) {
	addr, relayDone := fakeRelay(t)

	secret, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mt := New(ctx, Config{
		RelayHosts:        []string{addr},
		NodeID:            "0xaaa",
		PublicKeyB64:      "pub",
		Secret:            secret,
		ReconnectInterval: time.Hour, // don't reconnect during the test
		PingInterval:      time.Hour,
	})

	if mt.RelayCount() != 1 {
		t.Fatalf("expected 1 relay session, got %d", mt.RelayCount())
	}

	time.Sleep(50 * time.Millisecond) // let the session connect and register

	if err := mt.SendViaRelay(ctx, protocol.Envelope{MessageID: "m1", ToNodeID: "0xbbb"}); err != nil {
		t.Fatalf("SendViaRelay: %v", err)
	}

	select {
	case env := <-mt.Incoming:
		if env.MessageID != "m1" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivered envelope")
	}

	ok, reason, err := mt.RegisterUsername(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("RegisterUsername: ok=%v reason=%q err=%v", ok, reason, err)
	}

	found, nodeID, pubKey, err := mt.LookupUsername(ctx, "bob")
	if err != nil || !found || nodeID != "0xbbb" || pubKey != "pub-b" {
		t.Fatalf("LookupUsername: found=%v nodeID=%q pubKey=%q err=%v", found, nodeID, pubKey, err)
	}

	followers, err := mt.ListFollowers(ctx)
	if err != nil || len(followers) != 1 || followers[0] != "0xccc" {
		t.Fatalf("ListFollowers: followers=%v err=%v", followers, err)
	}

	if err := mt.NotifyFollow(ctx, "0xbbb", "alice"); err != nil {
		t.Fatalf("NotifyFollow: %v", err)
	}
	select {
	case notice := <-mt.NewFollowers:
		if notice.NodeID != "0xccc" || notice.Username != "carol" {
			t.Fatalf("unexpected follower notice: %+v", notice)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for new follower notice")
	}

	cancel()
	<-relayDone
}

func TestSendViaRelayFailsWithNoRelays(t *testing.T) {
	ctx := context.Background()
	mt := &MeshTransport{Incoming: make(chan protocol.Envelope, 1)}
	if err := mt.SendViaRelay(ctx, protocol.Envelope{}); err != ErrNoRelayAvailable {
		t.Fatalf("expected ErrNoRelayAvailable, got %v", err)
	}
}
