package node

import (
	"errors"
	"fmt"
	"strconv"

	"agentmesh/internal/crypto"
	"agentmesh/internal/inbox"
	"agentmesh/internal/roomcrypto"
	"agentmesh/pkg/protocol"
)

// ErrRoomKeyUnknown is returned decrypting a message for a room this node
// never joined (or already left), whether the room is open or secure.
var ErrRoomKeyUnknown = errors.New("node: no key for room")

// envelopeSignedPayload is the canonical byte sequence a sender signs and a
// receiver verifies: every field except FromPublicKeyB64 and the signature
// itself, in a fixed order.
func envelopeSignedPayload(e protocol.Envelope) []byte {
	return []byte(e.MessageID + "|" + e.FromNodeID + "|" + e.ToNodeID + "|" +
		strconv.Itoa(int(e.MessageType)) + "|" + e.CiphertextB64 + "|" + e.NonceB64 + "|" +
		e.Topic + "|" + strconv.FormatInt(e.TimestampMs, 10))
}

// buildEnvelope assembles an envelope around the already-encrypted
// ciphertextB64/nonceB64 and signs it with this node's identity key.
func (s *State) buildEnvelope(messageID, toNodeID string, msgType protocol.EnvelopeType, topic string, timestampMs int64, ciphertextB64, nonceB64 string) (protocol.Envelope, error) {
	env := protocol.Envelope{
		MessageID:        messageID,
		FromNodeID:       s.identity.NodeID,
		ToNodeID:         toNodeID,
		FromPublicKeyB64: s.identity.PublicKeyB64,
		MessageType:      msgType,
		CiphertextB64:    ciphertextB64,
		NonceB64:         nonceB64,
		Topic:            topic,
		TimestampMs:      timestampMs,
	}
	sig, err := s.identity.Sign(envelopeSignedPayload(env))
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("node: sign envelope: %w", err)
	}
	env.SignatureB64 = sig
	return env, nil
}

// encryptPairwise seals body under the ECDH key shared with peerPublicKeyB64.
func (s *State) encryptPairwise(peerPublicKeyB64 string, body []byte) (ciphertextB64, nonceB64 string, err error) {
	peerPub, err := crypto.PublicKeyFromSEC1B64(peerPublicKeyB64)
	if err != nil {
		return "", "", fmt.Errorf("node: decode peer public key: %w", err)
	}
	key := s.identity.DeriveSharedKey(peerPub)
	return crypto.Encrypt(key, body)
}

// decryptEnvelope opens envelope's body according to msgType. RoomJoin
// carries no body; DM/feed use the ECDH pairwise key; room messages use the
// room's passphrase-derived key (or are already plaintext for open rooms).
func (s *State) decryptEnvelope(envelope protocol.Envelope, msgType inbox.MessageType) (string, error) {
	switch msgType {
	case inbox.RoomJoin:
		return "", nil
	case inbox.RoomMessage:
		return s.decryptRoomBody(envelope)
	default:
		peerPub, err := crypto.PublicKeyFromSEC1B64(envelope.FromPublicKeyB64)
		if err != nil {
			return "", fmt.Errorf("node: decode sender public key: %w", err)
		}
		key := s.identity.DeriveSharedKey(peerPub)
		plaintext, err := crypto.Decrypt(key, envelope.CiphertextB64, envelope.NonceB64)
		if err != nil {
			return "", err
		}
		return string(plaintext), nil
	}
}

func (s *State) decryptRoomBody(envelope protocol.Envelope) (string, error) {
	s.roomsMu.Lock()
	room, ok := s.rooms[envelope.Topic]
	s.roomsMu.Unlock()
	if !ok {
		return "", ErrRoomKeyUnknown
	}
	if !room.secure {
		return envelope.CiphertextB64, nil
	}
	plaintext, err := roomcrypto.Open(&room.key, envelope.CiphertextB64, envelope.NonceB64)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
