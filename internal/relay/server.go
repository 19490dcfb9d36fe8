// Package relay implements the rendezvous relay: a TCP (optionally TLS)
// server that registers nodes, forwards envelopes between them over a
// length-delimited JSON frame protocol, and fronts a persistent username
// directory.
package relay

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentmesh/internal/crypto"
	"agentmesh/internal/ratelimit"
	"agentmesh/pkg/protocol"
)

// ErrRateLimited is returned by the unary lookup RPCs when the calling IP
// has exceeded its lookup rate.
var ErrRateLimited = errors.New("relay: rate limited")

const outboundQueueCapacity = 256

// Config configures the relay server's rate limiting.
type Config struct {
	MaxConnections    int
	DataDir           string
	RelayRate         float64 // per-node relay-send tokens/sec
	RegisterRate      float64 // per-IP registration tokens/sec
	LookupRate        float64 // per-IP lookup tokens/sec
	CleanupInterval   time.Duration
	TLSCertPath       string
	TLSKeyPath        string
}

// Server is the relay daemon: accepts connections, runs one session per
// connection, and serves the unary RegisterUsername/LookupUsername RPCs
// inline over the same framed connection.
type Server struct {
	cfg    Config
	router *Router

	relayLimiter    *ratelimit.Limiter
	registerLimiter *ratelimit.Limiter
	lookupLimiter   *ratelimit.Limiter
}

// NewServer builds a relay server from cfg.
func NewServer(cfg Config) (*Server, error) {
	router, err := NewRouter(cfg.MaxConnections, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:             cfg,
		router:          router,
		relayLimiter:    ratelimit.New(cfg.RelayRate, cfg.RelayRate, 0),
		registerLimiter: ratelimit.New(cfg.RegisterRate, cfg.RegisterRate, 0),
		lookupLimiter:   ratelimit.New(cfg.LookupRate, cfg.LookupRate, 0),
	}, nil
}

// Close releases the router's resources.
func (s *Server) Close() error {
	return s.router.Close()
}

// Serve accepts connections on listenAddr until stop is closed.
func (s *Server) Serve(listenAddr string, stop <-chan struct{}) error {
	var listener net.Listener
	if s.cfg.TLSCertPath != "" && s.cfg.TLSKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertPath, s.cfg.TLSKeyPath)
		if err != nil {
			return fmt.Errorf("relay: load TLS keypair: %w", err)
		}
		l, err := tls.Listen("tcp", listenAddr, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err != nil {
			return fmt.Errorf("relay: listen: %w", err)
		}
		listener = l
		slog.Info("relay TLS enabled", "event_type", "relay.tls_enabled")
	} else {
		l, err := net.Listen("tcp", listenAddr)
		if err != nil {
			return fmt.Errorf("relay: listen: %w", err)
		}
		listener = l
	}
	defer listener.Close()

	go func() {
		<-stop
		listener.Close()
	}()

	slog.Info("relay listening", "event_type", "relay.listening", "addr", listener.Addr().String())

	go s.cleanupLoop(stop)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
				return fmt.Errorf("relay: accept: %w", err)
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) cleanupLoop(stop <-chan struct{}) {
	interval := s.cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := time.Now()
			s.relayLimiter.Cleanup(now, 10*time.Minute)
			s.registerLimiter.Cleanup(now, 10*time.Minute)
			s.lookupLimiter.Cleanup(now, 10*time.Minute)
		}
	}
}

type session struct {
	conn         net.Conn
	nodeID       string
	publicKeyB64 string
	out          chan protocol.HostFrame
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	remoteIP := remoteIP(conn)

	var first protocol.NodeFrame
	if err := protocol.ReadFrame(conn, &first); err != nil {
		return
	}
	if first.Type != protocol.NodeFrameRegister {
		protocol.WriteFrame(conn, protocol.HostFrame{
			Type: protocol.HostFrameError, Code: protocol.CodeProtocolViolation,
			Message: "first frame must be register",
		})
		return
	}

	expectedNodeID := crypto.EvmAddressFromSEC1B64(first.PublicKeyB64)
	if expectedNodeID == "" || expectedNodeID != first.NodeID ||
		!crypto.Verify(first.PublicKeyB64, []byte(first.NodeID), first.SignatureB64) {
		protocol.WriteFrame(conn, protocol.HostFrame{
			Type: protocol.HostFrameRegisterAck, Success: false, Error: "invalid signature",
		})
		return
	}

	sess := &session{
		conn: conn, nodeID: first.NodeID, publicKeyB64: first.PublicKeyB64,
		out: make(chan protocol.HostFrame, outboundQueueCapacity),
	}
	if !s.router.Register(sess.nodeID, sess.out, remoteIP) {
		protocol.WriteFrame(conn, protocol.HostFrame{
			Type: protocol.HostFrameRegisterAck, Success: false, Error: "relay at capacity",
		})
		return
	}
	defer s.router.Unregister(sess.nodeID)

	if err := protocol.WriteFrame(conn, protocol.HostFrame{Type: protocol.HostFrameRegisterAck, Success: true}); err != nil {
		return
	}
	connectionsTotal.Inc()
	activeConnections.Inc()
	defer activeConnections.Dec()
	slog.Info("node registered", "event_type", "relay.node_registered", "node_id", sess.nodeID, "remote", remoteIP)

	var wg sync.WaitGroup
	wg.Add(1)
	done := make(chan struct{})
	go func() {
		defer wg.Done()
		s.writeLoop(sess, done)
	}()

	s.readLoop(sess, remoteIP)
	close(done)
	wg.Wait()
}

func (s *Server) writeLoop(sess *session, done <-chan struct{}) {
	for {
		select {
		case frame := <-sess.out:
			if err := protocol.WriteFrame(sess.conn, frame); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) readLoop(sess *session, remoteIP string) {
	for {
		var frame protocol.NodeFrame
		if err := protocol.ReadFrame(sess.conn, &frame); err != nil {
			return
		}
		switch frame.Type {
		case protocol.NodeFramePing:
			select {
			case sess.out <- protocol.HostFrame{Type: protocol.HostFramePong, TimestampMs: time.Now().UnixMilli()}:
			default:
			}
		case protocol.NodeFrameRelaySend:
			s.handleRelaySend(sess, frame)
		case protocol.NodeFrameRegister:
			// Re-registration: refresh the routing entry, no-op otherwise.
			s.router.Register(sess.nodeID, sess.out, remoteIP)
		case protocol.NodeFrameRoomSubscribe:
			s.handleRoomSubscribe(sess, frame)
		case protocol.NodeFrameRoomUnsubscribe:
			s.router.UnsubscribeRoom(frame.Room, sess.nodeID)
		case protocol.NodeFrameRegisterUsername:
			s.handleRegisterUsername(sess, frame)
		case protocol.NodeFrameLookupUsername:
			s.handleLookupUsername(sess, frame)
		case protocol.NodeFrameLookupNodeID:
			s.handleLookupNodeID(sess, frame)
		case protocol.NodeFrameNotifyFollow:
			s.handleNotifyFollow(sess, frame)
		case protocol.NodeFrameListFollowers:
			s.handleListFollowers(sess, frame)
		}
	}
}

func (s *Server) handleRelaySend(sess *session, frame protocol.NodeFrame) {
	if s.relayLimiter.Check(sess.nodeID, time.Now()).Verdict != ratelimit.Allowed {
		select {
		case sess.out <- protocol.HostFrame{Type: protocol.HostFrameError, Code: protocol.CodeRateLimited, Message: "rate limited"}:
		default:
		}
		return
	}

	if frame.ToNodeID == "" && frame.Envelope != nil && frame.Envelope.MessageType == protocol.EnvelopeRoomMessage {
		s.broadcastToRoom(sess, frame.Envelope)
		return
	}

	target, ok := s.router.Relay(frame.ToNodeID)
	if !ok {
		select {
		case sess.out <- protocol.HostFrame{Type: protocol.HostFrameError, Code: protocol.CodeNotFound, Message: "target not connected"}:
		default:
		}
		return
	}
	select {
	case target <- protocol.HostFrame{Type: protocol.HostFrameDelivery, Envelope: frame.Envelope}:
		envelopesRelayedTotal.Inc()
	default:
		select {
		case sess.out <- protocol.HostFrame{Type: protocol.HostFrameError, Code: protocol.CodeResourceExhausted, Message: "target queue full"}:
		default:
		}
	}
}

// broadcastToRoom delivers envelope to every member of its room except the
// sender itself.
func (s *Server) broadcastToRoom(sess *session, envelope *protocol.Envelope) {
	for _, member := range s.router.RoomMembers(envelope.Topic) {
		if member == sess.nodeID {
			continue
		}
		target, ok := s.router.Relay(member)
		if !ok {
			continue
		}
		select {
		case target <- protocol.HostFrame{Type: protocol.HostFrameDelivery, Envelope: envelope}:
			roomBroadcastsTotal.Inc()
		default:
		}
	}
}

// handleRoomSubscribe adds sess to room's membership and notifies the
// room's existing members of the new join with a relay-generated room_join
// system envelope.
func (s *Server) handleRoomSubscribe(sess *session, frame protocol.NodeFrame) {
	existing := s.router.SubscribeRoom(frame.Room, sess.nodeID)
	joinEnvelope := &protocol.Envelope{
		MessageID:   uuid.NewString(),
		FromNodeID:  sess.nodeID,
		MessageType: protocol.EnvelopeRoomJoin,
		Topic:       frame.Room,
		TimestampMs: time.Now().UnixMilli(),
	}
	for _, member := range existing {
		target, ok := s.router.Relay(member)
		if !ok {
			continue
		}
		select {
		case target <- protocol.HostFrame{Type: protocol.HostFrameDelivery, Envelope: joinEnvelope}:
		default:
		}
	}
}

func sendNonBlocking(out chan protocol.HostFrame, frame protocol.HostFrame) {
	select {
	case out <- frame:
	default:
	}
}

func (s *Server) handleRegisterUsername(sess *session, frame protocol.NodeFrame) {
	if s.registerLimiter.Check(remoteIP(sess.conn), time.Now()).Verdict != ratelimit.Allowed {
		sendNonBlocking(sess.out, protocol.HostFrame{Type: protocol.HostFrameUsernameAck, RequestID: frame.RequestID, Success: false, Error: "rate limited"})
		return
	}
	if err := s.router.RegisterUsername(frame.Username, sess.nodeID, sess.publicKeyB64); err != nil {
		sendNonBlocking(sess.out, protocol.HostFrame{Type: protocol.HostFrameUsernameAck, RequestID: frame.RequestID, Success: false, Error: err.Error()})
		return
	}
	sendNonBlocking(sess.out, protocol.HostFrame{Type: protocol.HostFrameUsernameAck, RequestID: frame.RequestID, Success: true})
}

func (s *Server) handleLookupUsername(sess *session, frame protocol.NodeFrame) {
	usernameLookupsTotal.Inc()
	if s.lookupLimiter.Check(remoteIP(sess.conn), time.Now()).Verdict != ratelimit.Allowed {
		sendNonBlocking(sess.out, protocol.HostFrame{Type: protocol.HostFrameUsernameResult, RequestID: frame.RequestID, Found: false})
		return
	}
	entry, ok, err := s.router.LookupUsername(frame.Username)
	if err != nil || !ok {
		sendNonBlocking(sess.out, protocol.HostFrame{Type: protocol.HostFrameUsernameResult, RequestID: frame.RequestID, Found: false})
		return
	}
	sendNonBlocking(sess.out, protocol.HostFrame{
		Type: protocol.HostFrameUsernameResult, RequestID: frame.RequestID,
		Found: true, NodeID: entry.NodeID, PublicKeyB64: entry.PublicKeyB64,
	})
}

func (s *Server) handleLookupNodeID(sess *session, frame protocol.NodeFrame) {
	usernameLookupsTotal.Inc()
	if s.lookupLimiter.Check(remoteIP(sess.conn), time.Now()).Verdict != ratelimit.Allowed {
		sendNonBlocking(sess.out, protocol.HostFrame{Type: protocol.HostFrameNodeLookupResult, RequestID: frame.RequestID, Found: false})
		return
	}
	name, ok, err := s.router.LookupNodeID(frame.LookupNodeID)
	if err != nil || !ok {
		sendNonBlocking(sess.out, protocol.HostFrame{Type: protocol.HostFrameNodeLookupResult, RequestID: frame.RequestID, Found: false})
		return
	}
	sendNonBlocking(sess.out, protocol.HostFrame{Type: protocol.HostFrameNodeLookupResult, RequestID: frame.RequestID, Found: true, Username: name})
}

// handleNotifyFollow records that sess followed frame.ToNodeID and, if the
// followee is currently connected, pushes an unsolicited new_follower frame.
func (s *Server) handleNotifyFollow(sess *session, frame protocol.NodeFrame) {
	if frame.ToNodeID == "" {
		return
	}
	s.router.RecordFollow(sess.nodeID, frame.ToNodeID)
	target, ok := s.router.Relay(frame.ToNodeID)
	if !ok {
		return
	}
	sendNonBlocking(target, protocol.HostFrame{
		Type: protocol.HostFrameNewFollower, NodeID: sess.nodeID, FollowerUsername: frame.FollowerUsername,
	})
}

func (s *Server) handleListFollowers(sess *session, frame protocol.NodeFrame) {
	followers := s.router.FollowersOf(sess.nodeID)
	sendNonBlocking(sess.out, protocol.HostFrame{
		Type: protocol.HostFrameFollowersResult, RequestID: frame.RequestID, FollowerNodeIDs: followers,
	})
}

// RegisterUsername validates and verifies a username binding request over the
// relay's unary surface, rate-limited per remote IP.
func (s *Server) RegisterUsername(remoteIP, name, nodeID, publicKeyB64, signatureB64 string) (bool, string) {
	if s.registerLimiter.Check(remoteIP, time.Now()).Verdict != ratelimit.Allowed {
		return false, "rate limited"
	}
	if !crypto.Verify(publicKeyB64, []byte(nodeID), signatureB64) {
		return false, "invalid signature"
	}
	if err := s.router.RegisterUsername(name, nodeID, publicKeyB64); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// LookupUsername resolves name over the relay's unary surface, rate-limited
// per remote IP.
func (s *Server) LookupUsername(remoteIP, name string) (found bool, nodeID, publicKeyB64 string, err error) {
	if s.lookupLimiter.Check(remoteIP, time.Now()).Verdict != ratelimit.Allowed {
		return false, "", "", ErrRateLimited
	}
	entry, ok, err := s.router.LookupUsername(name)
	if err != nil {
		return false, "", "", err
	}
	if !ok {
		return false, "", "", nil
	}
	return true, entry.NodeID, entry.PublicKeyB64, nil
}

// LookupNodeID resolves nodeID to its bound username, rate-limited per IP.
func (s *Server) LookupNodeID(remoteIP, nodeID string) (found bool, username string, err error) {
	if s.lookupLimiter.Check(remoteIP, time.Now()).Verdict != ratelimit.Allowed {
		return false, "", ErrRateLimited
	}
	name, ok, err := s.router.LookupNodeID(nodeID)
	if err != nil {
		return false, "", err
	}
	return ok, name, nil
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
