package relay

import (
	"sync"

	"agentmesh/pkg/protocol"
)

// Router tracks connected nodes, forwards relay frames between them, fans
// room traffic out to subscribers, and fronts the persistent username
// directory.
type Router struct {
	mu                sync.RWMutex
	outbound          map[string]chan protocol.HostFrame
	observedEndpoints map[string][]string
	maxConnections    int

	// rooms maps a room name to the set of node ids subscribed to it.
	rooms map[string]map[string]struct{}

	// followers maps a followee node id to the set of node ids following it.
	followers map[string]map[string]struct{}

	directory *UsernameDirectory
}

// NewRouter builds a Router bounded at maxConnections concurrently
// registered nodes, backed by a username directory rooted at dataDir.
func NewRouter(maxConnections int, dataDir string) (*Router, error) {
	dir, err := OpenUsernameDirectory(dataDir)
	if err != nil {
		return nil, err
	}
	return &Router{
		outbound:          make(map[string]chan protocol.HostFrame),
		observedEndpoints: make(map[string][]string),
		maxConnections:    maxConnections,
		rooms:             make(map[string]map[string]struct{}),
		followers:         make(map[string]map[string]struct{}),
		directory:         dir,
	}, nil
}

// Close releases the router's username directory handle.
func (r *Router) Close() error {
	return r.directory.Close()
}

// Register associates nodeID with an outbound delivery channel. Returns
// false if the router is at capacity and nodeID is not already registered.
func (r *Router) Register(nodeID string, out chan protocol.HostFrame, observedAddr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.outbound[nodeID]; !exists && len(r.outbound) >= r.maxConnections {
		return false
	}
	r.outbound[nodeID] = out
	if observedAddr != "" {
		endpoints := r.observedEndpoints[nodeID]
		found := false
		for _, e := range endpoints {
			if e == observedAddr {
				found = true
				break
			}
		}
		if !found {
			r.observedEndpoints[nodeID] = append(endpoints, observedAddr)
		}
	}
	return true
}

// Unregister removes nodeID's outbound channel and any room subscriptions
// it owned, on disconnect.
func (r *Router) Unregister(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.outbound, nodeID)
	for room, members := range r.rooms {
		delete(members, nodeID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
}

// SubscribeRoom adds nodeID to room's membership and returns the node ids
// that were already members before this call (the ones that should be told
// a new member joined).
func (r *Router) SubscribeRoom(room, nodeID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	existing := make([]string, 0, len(members))
	for member := range members {
		existing = append(existing, member)
	}
	members[nodeID] = struct{}{}
	return existing
}

// UnsubscribeRoom removes nodeID from room's membership.
func (r *Router) UnsubscribeRoom(room, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, nodeID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// RoomMembers returns the node ids currently subscribed to room.
func (r *Router) RoomMembers(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]string, 0, len(members))
	for member := range members {
		out = append(out, member)
	}
	return out
}

// RecordFollow notes that followerNodeID follows followeeNodeID. Unlike room
// subscriptions this is a durable social fact, not a live connection, and
// survives the follower disconnecting.
func (r *Router) RecordFollow(followerNodeID, followeeNodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.followers[followeeNodeID]
	if !ok {
		set = make(map[string]struct{})
		r.followers[followeeNodeID] = set
	}
	set[followerNodeID] = struct{}{}
}

// FollowersOf returns the node ids following followeeNodeID.
func (r *Router) FollowersOf(followeeNodeID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.followers[followeeNodeID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Relay returns the outbound channel for toNodeID, or false if not connected.
func (r *Router) Relay(toNodeID string) (chan protocol.HostFrame, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.outbound[toNodeID]
	return ch, ok
}

// ConnectedCount reports the number of currently registered nodes.
func (r *Router) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outbound)
}

// LookupEndpoints returns observed remote addresses for nodeID.
func (r *Router) LookupEndpoints(nodeID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.observedEndpoints[nodeID]))
	copy(out, r.observedEndpoints[nodeID])
	return out
}

// RegisterUsername binds a username to nodeID via the persistent directory.
func (r *Router) RegisterUsername(name, nodeID, publicKeyB64 string) error {
	return r.directory.Register(name, nodeID, publicKeyB64)
}

// LookupUsername resolves a username to its bound node.
func (r *Router) LookupUsername(name string) (UsernameEntry, bool, error) {
	return r.directory.Lookup(name)
}

// LookupNodeID resolves a node id to its bound username.
func (r *Router) LookupNodeID(nodeID string) (string, bool, error) {
	return r.directory.LookupByNodeID(nodeID)
}
