// Package follow persists the node's follow graph: who it follows and who
// it has blocked, as two encrypted-at-rest JSON files under the node's state
// directory. The follow graph is social-graph metadata, so it is sealed the
// way the teacher seals its blocklist and privacy state.
package follow

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"agentmesh/internal/securestore"
)

const (
	followingFile = "following.json"
	blockedFile   = "blocked.json"
)

// ErrNotFollowing is returned by Unfollow when node_id is not followed.
var ErrNotFollowing = errors.New("follow: not following node")

// Record describes a node the local node follows.
type Record struct {
	NodeID       string   `json:"node_id"`
	PublicKeyB64 string   `json:"public_key_b64"`
	Username     string   `json:"username,omitempty"`
	RelayHints   []string `json:"relay_hints"`
	FollowedAtMs int64    `json:"followed_at_ms"`
}

// BlockRecord describes a node the local node has blocked.
type BlockRecord struct {
	NodeID      string `json:"node_id"`
	BlockedAtMs int64  `json:"blocked_at_ms"`
}

// Store is the persistent, disjoint following/blocked graph: a node id never
// appears in both lists at once.
type Store struct {
	mu sync.Mutex

	followingPath string
	blockedPath   string
	secret        string

	following []Record
	blocked   []BlockRecord

	now func() time.Time
}

// Load reads following.json and blocked.json from stateDir, decrypting each
// with secret and treating a missing file as an empty list.
func Load(stateDir, secret string) (*Store, error) {
	s := &Store{
		followingPath: filepath.Join(stateDir, followingFile),
		blockedPath:   filepath.Join(stateDir, blockedFile),
		secret:        secret,
		now:           time.Now,
	}
	if err := s.readEncrypted(s.followingPath, &s.following); err != nil {
		return nil, fmt.Errorf("follow: load following: %w", err)
	}
	if err := s.readEncrypted(s.blockedPath, &s.blocked); err != nil {
		return nil, fmt.Errorf("follow: load blocked: %w", err)
	}
	return s, nil
}

func (s *Store) readEncrypted(path string, dst any) error {
	plaintext, err := securestore.ReadDecryptedFile(path, s.secret)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return json.Unmarshal(plaintext, dst)
}

// Follow adds or updates a follow record, removing any matching block.
func (s *Store) Follow(record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocked = removeBlock(s.blocked, record.NodeID)

	found := false
	for i := range s.following {
		if s.following[i].NodeID == record.NodeID {
			s.following[i].PublicKeyB64 = record.PublicKeyB64
			if record.Username != "" {
				s.following[i].Username = record.Username
			}
			s.following[i].RelayHints = record.RelayHints
			found = true
			break
		}
	}
	if !found {
		if record.FollowedAtMs == 0 {
			record.FollowedAtMs = s.now().UnixMilli()
		}
		s.following = append(s.following, record)
	}
	if err := s.saveFollowing(); err != nil {
		return err
	}
	return s.saveBlocked()
}

// Unfollow removes nodeID from the following list.
func (s *Store) Unfollow(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.following)
	s.following = removeFollow(s.following, nodeID)
	if len(s.following) == before {
		return fmt.Errorf("%w: %s", ErrNotFollowing, nodeID)
	}
	return s.saveFollowing()
}

// Block removes nodeID from following and adds it to the blocked list.
func (s *Store) Block(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.following = removeFollow(s.following, nodeID)
	if !s.isBlockedLocked(nodeID) {
		s.blocked = append(s.blocked, BlockRecord{NodeID: nodeID, BlockedAtMs: s.now().UnixMilli()})
	}
	if err := s.saveFollowing(); err != nil {
		return err
	}
	return s.saveBlocked()
}

// Unblock removes nodeID from the blocked list.
func (s *Store) Unblock(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocked = removeBlock(s.blocked, nodeID)
	return s.saveBlocked()
}

// IsFollowing reports whether nodeID is followed.
func (s *Store) IsFollowing(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.following {
		if f.NodeID == nodeID {
			return true
		}
	}
	return false
}

// IsBlocked reports whether nodeID is blocked.
func (s *Store) IsBlocked(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isBlockedLocked(nodeID)
}

func (s *Store) isBlockedLocked(nodeID string) bool {
	for _, b := range s.blocked {
		if b.NodeID == nodeID {
			return true
		}
	}
	return false
}

// Get returns the follow record for nodeID, if any.
func (s *Store) Get(nodeID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.following {
		if f.NodeID == nodeID {
			return f, true
		}
	}
	return Record{}, false
}

// ListFollowing returns a snapshot of all followed nodes.
func (s *Store) ListFollowing() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.following))
	copy(out, s.following)
	return out
}

// ListBlocked returns a snapshot of all blocked nodes.
func (s *Store) ListBlocked() []BlockRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BlockRecord, len(s.blocked))
	copy(out, s.blocked)
	return out
}

func (s *Store) saveFollowing() error {
	return securestore.WriteEncryptedJSON(s.followingPath, s.secret, s.following)
}

func (s *Store) saveBlocked() error {
	return securestore.WriteEncryptedJSON(s.blockedPath, s.secret, s.blocked)
}

func removeFollow(list []Record, nodeID string) []Record {
	out := list[:0]
	for _, f := range list {
		if f.NodeID != nodeID {
			out = append(out, f)
		}
	}
	return out
}

func removeBlock(list []BlockRecord, nodeID string) []BlockRecord {
	out := list[:0]
	for _, b := range list {
		if b.NodeID != nodeID {
			out = append(out, b)
		}
	}
	return out
}
