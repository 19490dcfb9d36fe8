package node

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"agentmesh/internal/follow"
	"agentmesh/internal/invite"
	"agentmesh/internal/username"
	"agentmesh/pkg/protocol"

	"github.com/google/uuid"
)

const defaultInviteTTL = 7 * 24 * time.Hour

// identityView is the Ok{data} payload for ReqIdentity.
type identityView struct {
	NodeID       string `json:"node_id"`
	PublicKeyB64 string `json:"public_key_b64"`
	CreatedAtMs  int64  `json:"created_at_ms"`
}

// healthView is the Ok{data} payload for ReqHealth.
type healthView struct {
	UptimeSeconds   int64 `json:"uptime_seconds"`
	ConnectedRelays int   `json:"connected_relays"`
	UnreadCount     int   `json:"unread_count"`
}

// Handle dispatches one local-API request and returns its response. ctx
// bounds any relay round trip the request triggers (username lookup, room
// control frames).
func (s *State) Handle(ctx context.Context, req protocol.Request) protocol.Response {
	switch req.Type {
	case protocol.ReqIdentity:
		return ok(identityView{NodeID: s.identity.NodeID, PublicKeyB64: s.identity.PublicKeyB64, CreatedAtMs: s.identity.CreatedAtMs})

	case protocol.ReqHealth:
		return ok(healthView{
			UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
			ConnectedRelays: s.transport.RelayCount(),
			UnreadCount:     s.inbox.UnreadCount(),
		})

	case protocol.ReqFollow:
		return s.handleFollow(ctx, req)
	case protocol.ReqUnfollow:
		if err := s.follows.Unfollow(req.NodeID); err != nil {
			if errors.Is(err, follow.ErrNotFollowing) {
				return errResp(protocol.CodeNotFollowing, err.Error())
			}
			return errResp(protocol.CodeIO, err.Error())
		}
		return ok(nil)
	case protocol.ReqBlock:
		if err := s.follows.Block(req.NodeID); err != nil {
			return errResp(protocol.CodeIO, err.Error())
		}
		return ok(nil)
	case protocol.ReqFollowing:
		return ok(s.follows.ListFollowing())
	case protocol.ReqFollowers:
		return s.handleFollowers(ctx)

	case protocol.ReqRegisterUsername:
		return s.handleRegisterUsername(ctx, req)
	case protocol.ReqLookupUsername:
		return s.handleLookupUsername(ctx, req)
	case protocol.ReqLookupNodeID:
		return s.handleLookupNodeID(ctx, req)

	case protocol.ReqSendDm:
		return s.handleSendDm(ctx, req)
	case protocol.ReqPostFeed:
		return s.handlePostFeed(ctx, req)

	case protocol.ReqInbox:
		return ok(s.inbox.List(req.UnreadOnly, req.Limit))
	case protocol.ReqInboxAck:
		found, err := s.inbox.Ack(req.MessageID)
		if err != nil {
			return errResp(protocol.CodeIO, err.Error())
		}
		if !found {
			return errResp(protocol.CodeNotFound, "no such message")
		}
		return ok(nil)

	case protocol.ReqJoinRoom:
		if err := s.JoinRoom(ctx, req.Room, req.Passphrase); err != nil {
			return errResp(protocol.CodeIO, err.Error())
		}
		return ok(nil)
	case protocol.ReqLeaveRoom:
		if err := s.LeaveRoom(ctx, req.Room); err != nil {
			return errResp(protocol.CodeIO, err.Error())
		}
		return ok(nil)
	case protocol.ReqSendRoom:
		return s.handleSendRoom(ctx, req)
	case protocol.ReqRoomInbox:
		return ok(s.RoomInbox(req.Room, req.Limit))
	case protocol.ReqListRooms:
		return ok(s.ListRooms())

	case protocol.ReqCreateInvite:
		return s.handleCreateInvite(req)
	case protocol.ReqAcceptInvite:
		return s.handleAcceptInvite(req)

	case protocol.ReqShutdown:
		return ok(nil)

	default:
		return errResp(protocol.CodeProtocolViolation, "unknown request type: "+req.Type)
	}
}

func (s *State) handleFollow(ctx context.Context, req protocol.Request) protocol.Response {
	record := follow.Record{NodeID: req.NodeID, PublicKeyB64: req.PublicKeyB64, Username: req.Username, RelayHints: req.RelayHints}
	if err := s.follows.Follow(record); err != nil {
		return errResp(protocol.CodeIO, err.Error())
	}
	// Best-effort: the follow itself already succeeded locally even if no
	// relay is reachable to notify the followee.
	ownUsername, _ := s.usernames.Get(s.identity.NodeID)
	s.transport.NotifyFollow(ctx, req.NodeID, ownUsername)
	return ok(nil)
}

func (s *State) handleFollowers(ctx context.Context) protocol.Response {
	followerIDs, err := s.transport.ListFollowers(ctx)
	if err != nil {
		return errResp(protocol.CodeNotConnected, err.Error())
	}
	type followerView struct {
		NodeID   string `json:"node_id"`
		Username string `json:"username,omitempty"`
	}
	out := make([]followerView, 0, len(followerIDs))
	for _, id := range followerIDs {
		name, _ := s.usernames.Get(id)
		out = append(out, followerView{NodeID: id, Username: name})
	}
	return ok(out)
}

func (s *State) handleRegisterUsername(ctx context.Context, req protocol.Request) protocol.Response {
	if err := username.Validate(req.Username); err != nil {
		return errResp(protocol.CodeProtocolViolation, err.Error())
	}
	success, reason, err := s.transport.RegisterUsername(ctx, req.Username)
	if err != nil {
		return errResp(protocol.CodeNotConnected, err.Error())
	}
	if !success {
		return errResp(classifyUsernameFailure(reason), reason)
	}
	s.usernames.Insert(s.identity.NodeID, req.Username)
	return ok(nil)
}

func (s *State) handleLookupUsername(ctx context.Context, req protocol.Request) protocol.Response {
	found, nodeID, pubKey, err := s.transport.LookupUsername(ctx, req.Username)
	if err != nil {
		return errResp(protocol.CodeNotConnected, err.Error())
	}
	if !found {
		return errResp(protocol.CodeNotFound, "no node registered for that username")
	}
	s.usernames.Insert(nodeID, req.Username)
	return ok(struct {
		NodeID       string `json:"node_id"`
		PublicKeyB64 string `json:"public_key_b64"`
	}{nodeID, pubKey})
}

func (s *State) handleLookupNodeID(ctx context.Context, req protocol.Request) protocol.Response {
	found, name, err := s.transport.LookupNodeID(ctx, req.LookupNodeID)
	if err != nil {
		return errResp(protocol.CodeNotConnected, err.Error())
	}
	if !found {
		return errResp(protocol.CodeNotFound, "node has no registered username")
	}
	s.usernames.Insert(req.LookupNodeID, name)
	return ok(struct {
		Username string `json:"username"`
	}{name})
}

func (s *State) handleSendDm(ctx context.Context, req protocol.Request) protocol.Response {
	record, hasRecord := s.follows.Get(req.To)
	if !hasRecord {
		return errResp(protocol.CodeNotFollowing, "you don't follow the recipient")
	}
	ciphertextB64, nonceB64, err := s.encryptPairwise(record.PublicKeyB64, []byte(req.Body))
	if err != nil {
		return errResp(protocol.CodeFatal, err.Error())
	}
	envelope, err := s.buildEnvelope(uuid.NewString(), req.To, protocol.EnvelopeDmText, "", time.Now().UnixMilli(), ciphertextB64, nonceB64)
	if err != nil {
		return errResp(protocol.CodeFatal, err.Error())
	}
	if err := s.transport.SendViaRelay(ctx, envelope); err != nil {
		return errResp(protocol.CodeNotConnected, err.Error())
	}
	return ok(nil)
}

func (s *State) handlePostFeed(ctx context.Context, req protocol.Request) protocol.Response {
	followerIDs, err := s.transport.ListFollowers(ctx)
	if err != nil {
		return errResp(protocol.CodeNotConnected, err.Error())
	}
	for _, followerID := range followerIDs {
		record, has := s.follows.Get(followerID)
		publicKeyB64 := record.PublicKeyB64
		if !has {
			// We don't have the follower's public key on file (they follow us,
			// we don't follow them back); skip rather than guess.
			continue
		}
		ciphertextB64, nonceB64, err := s.encryptPairwise(publicKeyB64, []byte(req.Body))
		if err != nil {
			continue
		}
		envelope, err := s.buildEnvelope(uuid.NewString(), followerID, protocol.EnvelopeFeedPost, "", time.Now().UnixMilli(), ciphertextB64, nonceB64)
		if err != nil {
			continue
		}
		s.transport.SendViaRelay(ctx, envelope)
	}
	return ok(nil)
}

func (s *State) handleSendRoom(ctx context.Context, req protocol.Request) protocol.Response {
	if err := s.SendRoom(ctx, req.Room, req.Body); err != nil {
		switch {
		case errors.Is(err, ErrCooldown):
			return errResp(protocol.CodeCooldown, err.Error())
		case errors.Is(err, ErrMessageTooLong):
			return errResp(protocol.CodeMessageTooLong, err.Error())
		default:
			return errResp(protocol.CodeIO, err.Error())
		}
	}
	return ok(nil)
}

func (s *State) handleCreateInvite(req protocol.Request) protocol.Response {
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = defaultInviteTTL
	}
	token, err := invite.Create(s.identity.NodeID, s.identity.PublicKeyB64, s.identity.SecretKey(), s.transport.RelayHosts(), req.Scopes, ttl)
	if err != nil {
		return errResp(protocol.CodeFatal, err.Error())
	}
	return ok(struct {
		Token string `json:"token"`
	}{token})
}

func (s *State) handleAcceptInvite(req protocol.Request) protocol.Response {
	payload, err := invite.Accept(req.Token)
	if err != nil {
		switch {
		case errors.Is(err, invite.ErrExpired):
			return errResp(protocol.CodeInviteExpired, err.Error())
		case errors.Is(err, invite.ErrInvalidSignature):
			return errResp(protocol.CodeInvalidSignature, err.Error())
		default:
			return errResp(protocol.CodeInviteMalformed, err.Error())
		}
	}
	record := follow.Record{NodeID: payload.InviterNodeID, PublicKeyB64: payload.InviterPublicKeyB64, RelayHints: payload.RelayHosts}
	if err := s.follows.Follow(record); err != nil {
		return errResp(protocol.CodeIO, err.Error())
	}
	return ok(payload)
}

func classifyUsernameFailure(reason string) string {
	switch {
	case strings.Contains(reason, "already taken"):
		return protocol.CodeAlreadyTaken
	case strings.Contains(reason, "permanent"):
		return protocol.CodePermanentBinding
	default:
		return protocol.CodeProtocolViolation
	}
}

func ok(data any) protocol.Response {
	if data == nil {
		return protocol.Response{Type: protocol.RespOk}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return errResp(protocol.CodeFatal, err.Error())
	}
	return protocol.Response{Type: protocol.RespOk, Data: raw}
}

func errResp(code, message string) protocol.Response {
	return protocol.Response{Type: protocol.RespError, Code: code, Message: message}
}
