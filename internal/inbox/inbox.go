// Package inbox implements the node's append-only message inbox, persisted
// as JSONL with acknowledgements applied by rewriting the file.
package inbox

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const inboxFile = "inbox.jsonl"

// MessageType classifies an inbox entry.
type MessageType int

const (
	Unspecified MessageType = iota
	DmText
	FeedPost
	RoomMessage
	RoomJoin
)

func (t MessageType) String() string {
	switch t {
	case DmText:
		return "dm_text"
	case FeedPost:
		return "feed_post"
	case RoomMessage:
		return "room_message"
	case RoomJoin:
		return "room_join"
	default:
		return "unspecified"
	}
}

// MarshalJSON renders the type as its snake_case name; the wire envelope
// carries protocol.EnvelopeType as an integer instead.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts the snake_case name.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "dm_text":
		*t = DmText
	case "feed_post":
		*t = FeedPost
	case "room_message":
		*t = RoomMessage
	case "room_join":
		*t = RoomJoin
	default:
		*t = Unspecified
	}
	return nil
}

// Message is a single inbox record.
type Message struct {
	MessageID        string      `json:"message_id"`
	FromNodeID       string      `json:"from_node_id"`
	FromPublicKeyB64 string      `json:"from_public_key_b64"`
	Topic            string      `json:"topic,omitempty"`
	Body             string      `json:"body"`
	TimestampMs      int64       `json:"timestamp_ms"`
	Acked            bool        `json:"acked"`
	MessageType      MessageType `json:"message_type"`
}

// Inbox is an append-only, JSONL-backed node inbox.
type Inbox struct {
	mu       sync.Mutex
	path     string
	messages []Message
}

// Load reads existing messages from state_dir/inbox.jsonl, or starts empty.
func Load(stateDir string) (*Inbox, error) {
	path := filepath.Join(stateDir, inboxFile)
	ib := &Inbox{path: path}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ib, nil
		}
		return nil, fmt.Errorf("inbox: open: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return nil, fmt.Errorf("inbox: invalid entry: %w", err)
		}
		ib.messages = append(ib.messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("inbox: read: %w", err)
	}
	return ib, nil
}

// Push appends msg to the inbox, both in memory and on disk.
func (ib *Inbox) Push(msg Message) error {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(ib.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("inbox: open %s: %w", ib.path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("inbox: append: %w", err)
	}
	ib.messages = append(ib.messages, msg)
	return nil
}

// List returns a snapshot of messages, optionally unread-only and limited to
// the first n results.
func (ib *Inbox) List(unreadOnly bool, limit int) []Message {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	out := make([]Message, 0, len(ib.messages))
	for _, m := range ib.messages {
		if unreadOnly && m.Acked {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Ack marks messageID as acknowledged and rewrites the backing file.
// Reports whether a matching message was found.
func (ib *Inbox) Ack(messageID string) (bool, error) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	found := false
	for i := range ib.messages {
		if ib.messages[i].MessageID == messageID {
			ib.messages[i].Acked = true
			found = true
			break
		}
	}
	if !found {
		return false, nil
	}
	return true, ib.rewriteLocked()
}

func (ib *Inbox) rewriteLocked() error {
	f, err := os.Create(ib.path)
	if err != nil {
		return fmt.Errorf("inbox: rewrite %s: %w", ib.path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, msg := range ib.messages {
		line, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return w.Flush()
}

// UnreadCount returns the number of un-acked messages.
func (ib *Inbox) UnreadCount() int {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	n := 0
	for _, m := range ib.messages {
		if !m.Acked {
			n++
		}
	}
	return n
}
