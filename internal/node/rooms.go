package node

import (
	"context"
	"fmt"
	"time"

	"agentmesh/internal/inbox"
	"agentmesh/internal/roomcrypto"
	"agentmesh/pkg/protocol"

	"github.com/google/uuid"
)

const (
	roomMessageMaxLen = 140
	roomSendCooldown  = 3 * time.Second
)

// ErrCooldown is returned by SendRoom when the room's 3-second per-sender
// cooldown has not yet elapsed.
var ErrCooldown = fmt.Errorf("node: room send cooldown in effect")

// ErrMessageTooLong is returned by SendRoom when the body exceeds the
// room message length limit.
var ErrMessageTooLong = fmt.Errorf("node: room message exceeds %d characters", roomMessageMaxLen)

// roomState is the node-local view of a joined room: not persisted across
// restarts, since a secure room's key must be re-derived from the passphrase
// at every join anyway.
type roomState struct {
	name       string
	secure     bool
	key        [32]byte
	joinedAt   time.Time
	lastSendAt time.Time
	memberHint int
}

// JoinRoom subscribes to room on the relay and, if passphrase is non-empty,
// derives the room's secure message key. Re-joining an already-joined room
// replaces its local state (key, join time, send cooldown) and sends a fresh
// relay subscription.
func (s *State) JoinRoom(ctx context.Context, room, passphrase string) error {
	rs := &roomState{name: room, joinedAt: time.Now()}
	if passphrase != "" {
		rs.secure = true
		rs.key = roomcrypto.DeriveKey(room, passphrase)
	}

	s.roomsMu.Lock()
	s.rooms[room] = rs
	s.roomsMu.Unlock()

	return s.transport.SendControlFrame(ctx, protocol.NodeFrame{Type: protocol.NodeFrameRoomSubscribe, Room: room})
}

// LeaveRoom unsubscribes from room and forgets its local key.
func (s *State) LeaveRoom(ctx context.Context, room string) error {
	s.roomsMu.Lock()
	delete(s.rooms, room)
	s.roomsMu.Unlock()

	return s.transport.SendControlFrame(ctx, protocol.NodeFrame{Type: protocol.NodeFrameRoomUnsubscribe, Room: room})
}

// SendRoom encrypts (if secure) and relays body to room, subject to the
// 140-character length limit and 3-second per-sender cooldown.
func (s *State) SendRoom(ctx context.Context, room, body string) error {
	if len(body) > roomMessageMaxLen {
		return ErrMessageTooLong
	}

	s.roomsMu.Lock()
	rs, ok := s.rooms[room]
	if ok {
		if !rs.lastSendAt.IsZero() && time.Since(rs.lastSendAt) < roomSendCooldown {
			s.roomsMu.Unlock()
			return ErrCooldown
		}
		rs.lastSendAt = time.Now()
	}
	s.roomsMu.Unlock()
	if !ok {
		return fmt.Errorf("node: not joined to room %q", room)
	}

	var ciphertextB64, nonceB64 string
	var err error
	if rs.secure {
		ciphertextB64, nonceB64, err = roomcrypto.Seal(&rs.key, []byte(body))
		if err != nil {
			return err
		}
	} else {
		ciphertextB64 = body
	}

	envelope, err := s.buildEnvelope(uuid.NewString(), "", protocol.EnvelopeRoomMessage, room, time.Now().UnixMilli(), ciphertextB64, nonceB64)
	if err != nil {
		return err
	}
	return s.transport.SendViaRelay(ctx, envelope)
}

// RoomInbox returns up to limit inbox messages (room messages and joins)
// topic-matching room, most recent last.
func (s *State) RoomInbox(room string, limit int) []inbox.Message {
	out := make([]inbox.Message, 0, limit)
	for _, msg := range s.inbox.List(false, 0) {
		if msg.Topic != room {
			continue
		}
		if msg.MessageType != inbox.RoomMessage && msg.MessageType != inbox.RoomJoin {
			continue
		}
		out = append(out, msg)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// RoomInfo is one row of ListRooms' output.
type RoomInfo struct {
	Room       string `json:"room"`
	Secure     bool   `json:"secure"`
	JoinedAtMs int64  `json:"joined_at_ms"`
	MemberHint int    `json:"member_hint"`
}

// ListRooms reports every room this node currently has joined.
func (s *State) ListRooms() []RoomInfo {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	out := make([]RoomInfo, 0, len(s.rooms))
	for _, rs := range s.rooms {
		out = append(out, RoomInfo{Room: rs.name, Secure: rs.secure, JoinedAtMs: rs.joinedAt.UnixMilli(), MemberHint: rs.memberHint})
	}
	return out
}

// bumpRoomMemberHint records an observed room_join for room, if this node is
// currently joined to it.
func (s *State) bumpRoomMemberHint(room string) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	if rs, ok := s.rooms[room]; ok {
		rs.memberHint++
	}
}
