// Package protocol defines the wire types exchanged between a node and its
// relay, and the node's local Unix-socket API, plus the length-delimited
// JSON framing used between node and relay (the local API is
// newline-delimited JSON).
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single relay frame, guarding against a misbehaving
// peer exhausting memory.
const MaxFrameSize = 1 << 20 // 1 MiB, matches the relay's max_message_size default

// MaxLocalAPILineSize bounds a single Unix-socket JSON line.
const MaxLocalAPILineSize = 64 * 1024

var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// EnvelopeType is the integer wire encoding of an envelope's message kind.
type EnvelopeType int

const (
	EnvelopeUnspecified EnvelopeType = iota
	EnvelopeDmText
	EnvelopeFeedPost
	EnvelopeRoomMessage
	EnvelopeRoomJoin
)

// Envelope is the encrypted, signed payload relayed between nodes.
type Envelope struct {
	MessageID        string       `json:"message_id"`
	FromNodeID       string       `json:"from_node_id"`
	ToNodeID         string       `json:"to_node_id"`
	FromPublicKeyB64 string       `json:"from_public_key_b64"`
	MessageType      EnvelopeType `json:"message_type"`
	CiphertextB64    string       `json:"ciphertext_b64"`
	NonceB64         string       `json:"nonce_b64"`
	SignatureB64     string       `json:"signature_b64"`
	TimestampMs      int64        `json:"timestamp_ms"`
	Topic            string       `json:"topic,omitempty"`
}

// NodeFrame is a tagged union of frames a node sends to its relay.
type NodeFrame struct {
	Type string `json:"type"`

	// Register
	NodeID       string `json:"node_id,omitempty"`
	PublicKeyB64 string `json:"public_key_b64,omitempty"`
	SignatureB64 string `json:"signature_b64,omitempty"`
	TimestampMs  int64  `json:"timestamp_ms,omitempty"`

	// RelaySend
	ToNodeID string    `json:"to_node_id,omitempty"`
	Envelope *Envelope `json:"envelope,omitempty"`

	// RoomSubscribe / RoomUnsubscribe
	Room         string `json:"room,omitempty"`
	MemberNodeID string `json:"member_node_id,omitempty"`

	// RegisterUsername / LookupUsername / LookupNodeId, correlated to their
	// HostFrame response by RequestID.
	RequestID    string `json:"request_id,omitempty"`
	Username     string `json:"username,omitempty"`
	LookupNodeID string `json:"lookup_node_id,omitempty"`

	// NotifyFollow: ToNodeID is the followee. ListFollowers is correlated to
	// its FollowersResult HostFrame by RequestID.
	FollowerUsername string `json:"follower_username,omitempty"`
}

const (
	NodeFrameRegister         = "register"
	NodeFrameRelaySend        = "relay_send"
	NodeFramePing             = "ping"
	NodeFrameRoomSubscribe    = "room_subscribe"
	NodeFrameRoomUnsubscribe  = "room_unsubscribe"
	NodeFrameRegisterUsername = "register_username"
	NodeFrameLookupUsername   = "lookup_username"
	NodeFrameLookupNodeID     = "lookup_node_id"
	NodeFrameNotifyFollow     = "notify_follow"
	NodeFrameListFollowers    = "list_followers"
)

// HostFrame is a tagged union of frames a relay sends to a node.
type HostFrame struct {
	Type string `json:"type"`

	// RegisterAck
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`

	// Delivery
	Envelope *Envelope `json:"envelope,omitempty"`

	// Pong
	TimestampMs int64 `json:"timestamp_ms,omitempty"`

	// Error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// UsernameAck / UsernameResult / NodeLookupResult, correlated to the
	// triggering NodeFrame by RequestID.
	RequestID    string `json:"request_id,omitempty"`
	Found        bool   `json:"found,omitempty"`
	NodeID       string `json:"node_id,omitempty"`
	PublicKeyB64 string `json:"public_key_b64,omitempty"`
	Username     string `json:"username,omitempty"`

	// FollowersResult, correlated by RequestID. NewFollower is an
	// unsolicited push (no RequestID) telling a connected node it gained
	// a follower.
	FollowerNodeIDs  []string `json:"follower_node_ids,omitempty"`
	FollowerUsername string   `json:"follower_username,omitempty"`
}

const (
	HostFrameRegisterAck      = "register_ack"
	HostFrameDelivery         = "delivery"
	HostFramePong             = "pong"
	HostFrameError            = "error"
	HostFrameUsernameAck      = "username_ack"
	HostFrameUsernameResult   = "username_result"
	HostFrameNodeLookupResult = "node_lookup_result"
	HostFrameFollowersResult  = "followers_result"
	HostFrameNewFollower      = "new_follower"
)

// WriteFrame encodes v as JSON and writes it to w as a 4-byte big-endian
// length prefix followed by the JSON payload.
func WriteFrame(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: encode frame: %w", err)
	}
	if len(raw) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(raw)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

// ReadFrame reads one length-prefixed JSON frame from r and decodes it into v.
func ReadFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	return json.Unmarshal(buf, v)
}
