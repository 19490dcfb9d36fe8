// Package ingress gatekeeps inbound mesh envelopes against signature,
// block/follow graph, and per-sender rate limits before they reach the inbox.
package ingress

import (
	"time"

	"agentmesh/internal/crypto"
	"agentmesh/internal/follow"
	"agentmesh/internal/inbox"
	"agentmesh/internal/ratelimit"
)

// Result is the outcome of an ingress check: either accepted, or rejected
// with a human-readable reason.
type Result struct {
	Accepted bool
	Reason   string
}

// Accept is the always-accepted result.
var Accept = Result{Accepted: true}

func reject(reason string) Result {
	return Result{Accepted: false, Reason: reason}
}

// Request describes one inbound envelope awaiting an ingress decision.
type Request struct {
	FromNodeID       string
	FromPublicKeyB64 string
	Payload          []byte
	SignatureB64     string
	MessageType      inbox.MessageType
}

// Policy validates inbound envelopes against the follow graph and rate limiter.
type Policy struct {
	follows *follow.Store
	limiter *ratelimit.Limiter
	now     func() time.Time
}

// New builds a Policy backed by follows and limiter.
func New(follows *follow.Store, limiter *ratelimit.Limiter) *Policy {
	return &Policy{follows: follows, limiter: limiter, now: time.Now}
}

// Check runs the 5-step gate: room-join short-circuit, signature, block
// list, follow-graph requirement by message type, then rate limit.
func (p *Policy) Check(req Request) Result {
	if req.MessageType == inbox.RoomJoin {
		if p.follows.IsBlocked(req.FromNodeID) {
			return reject("sender is blocked")
		}
		return Accept
	}

	if !crypto.Verify(req.FromPublicKeyB64, req.Payload, req.SignatureB64) {
		return reject("invalid signature")
	}

	if p.follows.IsBlocked(req.FromNodeID) {
		return reject("sender is blocked")
	}

	isFollowing := p.follows.IsFollowing(req.FromNodeID)
	switch req.MessageType {
	case inbox.DmText:
		if !isFollowing {
			return reject("DMs require mutual follow (you don't follow sender)")
		}
	case inbox.FeedPost:
		if !isFollowing {
			return reject("not following sender")
		}
	case inbox.RoomMessage, inbox.RoomJoin:
		// Room messages and join events skip the follow-graph check.
	case inbox.Unspecified:
	}

	switch p.limiter.Check(req.FromNodeID, p.now()).Verdict {
	case ratelimit.RateLimited, ratelimit.Banned:
		return reject("rate limited")
	}

	return Accept
}
