// Package node implements the node daemon's core state: identity, follow
// graph, inbox, username cache, room membership, and the local Unix-socket
// API that the CLI (an external collaborator) drives.
package node

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"agentmesh/internal/follow"
	"agentmesh/internal/identity"
	"agentmesh/internal/inbox"
	"agentmesh/internal/ingress"
	"agentmesh/internal/transport"
	"agentmesh/internal/usernamecache"
	"agentmesh/pkg/protocol"
)

// Version is reported in the local API's Hello frame.
const Version = "0.1.0"

// Config wires a State to its already-constructed dependencies. The caller
// (cmd/noded) owns bringing each of these up.
type Config struct {
	Identity  *identity.NodeIdentity
	Follows   *follow.Store
	Inbox     *inbox.Inbox
	Usernames *usernamecache.Cache
	Transport *transport.MeshTransport
	Ingress   *ingress.Policy
}

// State is the node's live, in-process state: everything the local API
// handler and the mesh-delivery loop act on.
type State struct {
	identity  *identity.NodeIdentity
	follows   *follow.Store
	inbox     *inbox.Inbox
	usernames *usernamecache.Cache
	transport *transport.MeshTransport
	ingress   *ingress.Policy

	startedAt time.Time

	events *broadcaster

	roomsMu sync.Mutex
	rooms   map[string]*roomState
}

// New builds a State from cfg and starts its background delivery loop,
// running until ctx is cancelled.
func New(ctx context.Context, cfg Config) *State {
	s := &State{
		identity:  cfg.Identity,
		follows:   cfg.Follows,
		inbox:     cfg.Inbox,
		usernames: cfg.Usernames,
		transport: cfg.Transport,
		ingress:   cfg.Ingress,
		startedAt: time.Now(),
		events:    newBroadcaster(),
		rooms:     make(map[string]*roomState),
	}
	go s.deliveryLoop(ctx)
	go s.followerLoop(ctx)
	return s
}

// Subscribe registers a new event listener; callers must call the returned
// cancel func when they disconnect.
func (s *State) Subscribe() (<-chan protocol.Event, func()) {
	return s.events.subscribe()
}

func (s *State) deliveryLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case envelope, ok := <-s.transport.Incoming:
			if !ok {
				return
			}
			s.handleIncomingEnvelope(envelope)
		}
	}
}

func (s *State) followerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case notice, ok := <-s.transport.NewFollowers:
			if !ok {
				return
			}
			s.usernames.Insert(notice.NodeID, notice.Username)
			s.events.publish(protocol.Event{
				Type: protocol.EventNewFollower, NodeID: notice.NodeID, Username: notice.Username,
				TimestampMs: time.Now().UnixMilli(),
			})
		}
	}
}

func (s *State) handleIncomingEnvelope(envelope protocol.Envelope) {
	msgType := envelopeMessageType(envelope.MessageType)

	result := s.ingress.Check(ingress.Request{
		FromNodeID:       envelope.FromNodeID,
		FromPublicKeyB64: envelope.FromPublicKeyB64,
		Payload:          envelopeSignedPayload(envelope),
		SignatureB64:     envelope.SignatureB64,
		MessageType:      msgType,
	})
	if !result.Accepted {
		slog.Warn("dropping incoming envelope", "event_type", "node.envelope_rejected",
			"from", envelope.FromNodeID, "reason", result.Reason)
		return
	}

	body, err := s.decryptEnvelope(envelope, msgType)
	if err != nil {
		slog.Warn("dropping envelope, decrypt failed", "event_type", "node.decrypt_failed",
			"from", envelope.FromNodeID, "message_type", msgType.String(), "err", err)
		return
	}

	msg := inbox.Message{
		MessageID:        envelope.MessageID,
		FromNodeID:       envelope.FromNodeID,
		FromPublicKeyB64: envelope.FromPublicKeyB64,
		Topic:            envelope.Topic,
		Body:             body,
		TimestampMs:      envelope.TimestampMs,
		MessageType:      msgType,
	}
	if err := s.inbox.Push(msg); err != nil {
		slog.Error("failed to persist inbox message", "event_type", "node.inbox_push_failed", "err", err)
		return
	}

	eventType := protocol.EventNewMessage
	if msgType == inbox.RoomMessage || msgType == inbox.RoomJoin {
		eventType = protocol.EventNewRoomMessage
	}
	if msgType == inbox.RoomJoin {
		s.bumpRoomMemberHint(envelope.Topic)
	}
	s.events.publish(protocol.Event{
		Type: eventType, Room: envelope.Topic, MessageID: envelope.MessageID,
		FromNodeID: envelope.FromNodeID, Body: body, TimestampMs: envelope.TimestampMs,
	})
}

func envelopeMessageType(t protocol.EnvelopeType) inbox.MessageType {
	switch t {
	case protocol.EnvelopeDmText:
		return inbox.DmText
	case protocol.EnvelopeFeedPost:
		return inbox.FeedPost
	case protocol.EnvelopeRoomMessage:
		return inbox.RoomMessage
	case protocol.EnvelopeRoomJoin:
		return inbox.RoomJoin
	default:
		return inbox.Unspecified
	}
}
