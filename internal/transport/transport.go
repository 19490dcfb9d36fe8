// Package transport implements the node side of the relay wire protocol:
// one self-healing session per configured relay host, fanning incoming
// deliveries into a single channel and handing each outbound send to the
// first configured session whose queue has room.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"agentmesh/internal/crypto"
	"agentmesh/pkg/protocol"
)

const (
	defaultReconnectInterval = 5 * time.Second
	defaultPingInterval      = 30 * time.Second
	sendQueueCapacity        = 256
	controlQueueCapacity     = 64
	incomingQueueCapacity    = 256
)

// ErrNoRelayAvailable is returned when a transport has no configured relay
// sessions to send through.
var ErrNoRelayAvailable = errors.New("transport: no relay available")

// Config configures a MeshTransport's connections to its relay hosts.
type Config struct {
	RelayHosts        []string
	NodeID            string
	PublicKeyB64      string
	Secret            *btcec.PrivateKey
	ReconnectInterval time.Duration
	PingInterval      time.Duration
	TLSClientConfig   *tls.Config
}

// NewFollowerNotice is pushed when a relay reports a new follower.
type NewFollowerNotice struct {
	NodeID   string
	Username string
}

// MeshTransport manages one session per configured relay host.
type MeshTransport struct {
	sessions     []*relaySession
	Incoming     chan protocol.Envelope
	NewFollowers chan NewFollowerNotice
}

// New starts a session per relay host in cfg and returns immediately; each
// session connects, registers, and reconnects with backoff in the
// background until ctx is cancelled.
func New(ctx context.Context, cfg Config) *MeshTransport {
	reconnect := cfg.ReconnectInterval
	if reconnect <= 0 {
		reconnect = defaultReconnectInterval
	}
	ping := cfg.PingInterval
	if ping <= 0 {
		ping = defaultPingInterval
	}

	t := &MeshTransport{
		Incoming:     make(chan protocol.Envelope, incomingQueueCapacity),
		NewFollowers: make(chan NewFollowerNotice, incomingQueueCapacity),
	}
	for _, host := range cfg.RelayHosts {
		sess := &relaySession{
			host:              host,
			nodeID:            cfg.NodeID,
			publicKeyB64:      cfg.PublicKeyB64,
			secret:            cfg.Secret,
			reconnectInterval: reconnect,
			pingInterval:      ping,
			tlsConfig:         cfg.TLSClientConfig,
			send:              make(chan protocol.Envelope, sendQueueCapacity),
			control:           make(chan protocol.NodeFrame, controlQueueCapacity),
			delivery:          t.Incoming,
			newFollowers:      t.NewFollowers,
		}
		t.sessions = append(t.sessions, sess)
		go sess.run(ctx)
	}
	return t
}

// RelayHosts returns the configured relay host addresses, in the order
// sessions were started.
func (t *MeshTransport) RelayHosts() []string {
	hosts := make([]string, 0, len(t.sessions))
	for _, sess := range t.sessions {
		hosts = append(hosts, sess.host)
	}
	return hosts
}

// SendViaRelay enqueues envelope for delivery via the first relay session
// with spare queue capacity, falling back to a blocking send on the first
// session if all queues are momentarily full.
func (t *MeshTransport) SendViaRelay(ctx context.Context, envelope protocol.Envelope) error {
	if len(t.sessions) == 0 {
		return ErrNoRelayAvailable
	}
	for _, sess := range t.sessions {
		select {
		case sess.send <- envelope:
			return nil
		default:
		}
	}
	select {
	case t.sessions[0].send <- envelope:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendControlFrame enqueues a control frame (room subscribe/unsubscribe) via
// the first relay session with spare queue capacity.
func (t *MeshTransport) SendControlFrame(ctx context.Context, frame protocol.NodeFrame) error {
	if len(t.sessions) == 0 {
		return ErrNoRelayAvailable
	}
	for _, sess := range t.sessions {
		select {
		case sess.control <- frame:
			return nil
		default:
		}
	}
	select {
	case t.sessions[0].control <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RelayCount reports the number of configured relay sessions.
func (t *MeshTransport) RelayCount() int {
	return len(t.sessions)
}

// RegisterUsername asks the configured relays, via firstResponse, to bind
// username to this node.
func (t *MeshTransport) RegisterUsername(ctx context.Context, username string) (bool, string, error) {
	resp, err := t.firstResponse(ctx, protocol.NodeFrame{Type: protocol.NodeFrameRegisterUsername, Username: username})
	if err != nil {
		return false, "", err
	}
	return resp.Success, resp.Error, nil
}

// LookupUsername resolves username via firstResponse.
func (t *MeshTransport) LookupUsername(ctx context.Context, username string) (found bool, nodeID, publicKeyB64 string, err error) {
	resp, err := t.firstResponse(ctx, protocol.NodeFrame{Type: protocol.NodeFrameLookupUsername, Username: username})
	if err != nil {
		return false, "", "", err
	}
	return resp.Found, resp.NodeID, resp.PublicKeyB64, nil
}

// LookupNodeID resolves nodeID's bound username via firstResponse.
func (t *MeshTransport) LookupNodeID(ctx context.Context, nodeID string) (found bool, username string, err error) {
	resp, err := t.firstResponse(ctx, protocol.NodeFrame{Type: protocol.NodeFrameLookupNodeID, LookupNodeID: nodeID})
	if err != nil {
		return false, "", err
	}
	return resp.Found, resp.Username, nil
}

// NotifyFollow tells a relay, through SendControlFrame, that this node now
// follows followeeNodeID, so the relay's reverse follower index and any live
// new_follower push to the followee stay current. Fire-and-forget: callers
// don't block on a response.
func (t *MeshTransport) NotifyFollow(ctx context.Context, followeeNodeID, ownUsername string) error {
	return t.SendControlFrame(ctx, protocol.NodeFrame{
		Type: protocol.NodeFrameNotifyFollow, ToNodeID: followeeNodeID, FollowerUsername: ownUsername,
	})
}

// ListFollowers asks, via firstResponse, which node ids currently follow
// this node.
func (t *MeshTransport) ListFollowers(ctx context.Context) ([]string, error) {
	resp, err := t.firstResponse(ctx, protocol.NodeFrame{Type: protocol.NodeFrameListFollowers})
	if err != nil {
		return nil, err
	}
	return resp.FollowerNodeIDs, nil
}

// firstResponse sends frame to the configured sessions in order and returns
// the first answer. A session's request ends only with its answer or with ctx
// done, so a later session is reached only once ctx is already done: the
// first configured relay answers, or the call fails with ctx's error.

func (t *MeshTransport) firstResponse(ctx context.Context, frame protocol.NodeFrame) (protocol.HostFrame, error) {
	if len(t.sessions) == 0 {
		return protocol.HostFrame{}, ErrNoRelayAvailable
	}
	var lastErr error
	for _, sess := range t.sessions {
		resp, err := sess.request(ctx, frame)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return protocol.HostFrame{}, fmt.Errorf("no relay answered the request: %w", lastErr)
}

type relaySession struct {
	host              string
	nodeID            string
	publicKeyB64      string
	secret            *btcec.PrivateKey
	reconnectInterval time.Duration
	pingInterval      time.Duration
	tlsConfig         *tls.Config

	send         chan protocol.Envelope
	control      chan protocol.NodeFrame
	delivery     chan<- protocol.Envelope
	newFollowers chan<- NewFollowerNotice

	requestSeq atomic.Int64
	pendingMu  sync.Mutex
	pending    map[string]chan protocol.HostFrame
}

func (s *relaySession) nextRequestID() string {
	return s.host + "-" + strconv.FormatInt(s.requestSeq.Add(1), 10)
}

// request sends frame (with a freshly assigned RequestID) over the control
// channel and waits for the correlated response, or for ctx to be done.
func (s *relaySession) request(ctx context.Context, frame protocol.NodeFrame) (protocol.HostFrame, error) {
	frame.RequestID = s.nextRequestID()
	respCh := make(chan protocol.HostFrame, 1)

	s.pendingMu.Lock()
	if s.pending == nil {
		s.pending = make(map[string]chan protocol.HostFrame)
	}
	s.pending[frame.RequestID] = respCh
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, frame.RequestID)
		s.pendingMu.Unlock()
	}()

	select {
	case s.control <- frame:
	case <-ctx.Done():
		return protocol.HostFrame{}, ctx.Err()
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return protocol.HostFrame{}, ctx.Err()
	}
}

func (s *relaySession) dispatchResponse(frame protocol.HostFrame) bool {
	if frame.RequestID == "" {
		return false
	}
	s.pendingMu.Lock()
	ch, ok := s.pending[frame.RequestID]
	s.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- frame:
	default:
	}
	return true
}

func (s *relaySession) run(ctx context.Context) {
	for ctx.Err() == nil {
		err := s.runOnce(ctx)
		if err == nil {
			return // ctx cancelled cleanly
		}
		slog.Warn("relay session failed, reconnecting",
			"event_type", "transport.session_failed", "host", s.host, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectInterval):
		}
	}
}

func (s *relaySession) runOnce(ctx context.Context) error {
	conn, err := dial(s.host, s.tlsConfig)
	if err != nil {
		return fmt.Errorf("connect to relay %s: %w", s.host, err)
	}
	defer conn.Close()

	sig, err := crypto.Sign(s.secret, []byte(s.nodeID))
	if err != nil {
		return fmt.Errorf("sign register frame: %w", err)
	}
	if err := protocol.WriteFrame(conn, protocol.NodeFrame{
		Type:         protocol.NodeFrameRegister,
		NodeID:       s.nodeID,
		PublicKeyB64: s.publicKeyB64,
		SignatureB64: sig,
		TimestampMs:  time.Now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("send register frame: %w", err)
	}

	var ack protocol.HostFrame
	if err := protocol.ReadFrame(conn, &ack); err != nil {
		return fmt.Errorf("receive register ack: %w", err)
	}
	if ack.Type != protocol.HostFrameRegisterAck {
		return fmt.Errorf("expected register_ack, got %q", ack.Type)
	}
	if !ack.Success {
		return fmt.Errorf("relay registration failed: %s", ack.Error)
	}
	slog.Info("registered with relay", "event_type", "transport.registered", "host", s.host, "node_id", s.nodeID)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErrCh := make(chan error, 1)
	go func() { readErrCh <- s.readLoop(conn) }()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sessCtx.Done():
			return nil
		case err := <-readErrCh:
			return err
		case <-ticker.C:
			if err := protocol.WriteFrame(conn, protocol.NodeFrame{
				Type: protocol.NodeFramePing, TimestampMs: time.Now().UnixMilli(),
			}); err != nil {
				return fmt.Errorf("send ping: %w", err)
			}
		case envelope := <-s.send:
			env := envelope
			if err := protocol.WriteFrame(conn, protocol.NodeFrame{
				Type: protocol.NodeFrameRelaySend, ToNodeID: env.ToNodeID, Envelope: &env,
			}); err != nil {
				return fmt.Errorf("send relay_send: %w", err)
			}
		case frame := <-s.control:
			if err := protocol.WriteFrame(conn, frame); err != nil {
				return fmt.Errorf("send control frame: %w", err)
			}
		}
	}
}

func (s *relaySession) readLoop(conn net.Conn) error {
	for {
		var frame protocol.HostFrame
		if err := protocol.ReadFrame(conn, &frame); err != nil {
			return err
		}
		if s.dispatchResponse(frame) {
			continue
		}
		switch frame.Type {
		case protocol.HostFrameDelivery:
			if frame.Envelope != nil {
				select {
				case s.delivery <- *frame.Envelope:
				default:
					slog.Warn("dropping delivery, incoming queue full",
						"event_type", "transport.incoming_full", "host", s.host)
				}
			}
		case protocol.HostFrameNewFollower:
			select {
			case s.newFollowers <- NewFollowerNotice{NodeID: frame.NodeID, Username: frame.FollowerUsername}:
			default:
			}
		case protocol.HostFramePong:
		case protocol.HostFrameError:
			slog.Warn("relay error frame",
				"event_type", "transport.relay_error", "host", s.host, "code", frame.Code, "message", frame.Message)
		}
	}
}

var schemePrefixes = []string{"https://", "http://", "tls://", "tcp://"}

func stripScheme(addr string) string {
	for _, prefix := range schemePrefixes {
		if strings.HasPrefix(addr, prefix) {
			return strings.TrimPrefix(addr, prefix)
		}
	}
	return addr
}

// isLocalhost reports whether addr (a bare host, host:port, or either with
// an http(s)/tcp/tls scheme and optionally bracketed IPv6) refers to this machine.
func isLocalhost(addr string) bool {
	hostPart := stripScheme(addr)
	var host string
	switch {
	case strings.HasPrefix(hostPart, "["):
		if idx := strings.Index(hostPart, "]"); idx >= 0 {
			host = hostPart[1:idx]
		} else {
			host = strings.TrimPrefix(hostPart, "[")
		}
	default:
		if h, _, err := net.SplitHostPort(hostPart); err == nil {
			host = h
		} else {
			host = hostPart
		}
	}
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// dialTarget resolves a relay host string to a bare host:port and whether to
// dial it over TLS. An explicit tls:// or https:// scheme forces TLS; tcp://
// or http:// forces plaintext; otherwise TLS is used for any non-localhost
// target and plaintext for localhost.
func dialTarget(hostAddr string) (addr string, useTLS bool) {
	switch {
	case strings.HasPrefix(hostAddr, "tls://"):
		return strings.TrimPrefix(hostAddr, "tls://"), true
	case strings.HasPrefix(hostAddr, "https://"):
		return strings.TrimPrefix(hostAddr, "https://"), true
	case strings.HasPrefix(hostAddr, "tcp://"):
		return strings.TrimPrefix(hostAddr, "tcp://"), false
	case strings.HasPrefix(hostAddr, "http://"):
		return strings.TrimPrefix(hostAddr, "http://"), false
	}
	return hostAddr, !isLocalhost(hostAddr)
}

func dial(hostAddr string, tlsConfig *tls.Config) (net.Conn, error) {
	addr, useTLS := dialTarget(hostAddr)
	if !useTLS {
		return net.Dial("tcp", addr)
	}
	cfg := tlsConfig
	if cfg == nil {
		cfg = &tls.Config{}
	}
	return tls.Dial("tcp", addr, cfg)
}
