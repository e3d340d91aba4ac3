// ABOUTME: Redis-backed presence mirror so other nodes can see who is online here
// ABOUTME: One hash per user keyed by node ID, expired by TTL unless refreshed

package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPresenceTTL is how long a node's presence claim lives without a refresh.
const DefaultPresenceTTL = 2 * time.Minute

// RedisMirror records presence as huddle:presence:<user> -> {nodeID: unix-ts}.
// A user is online anywhere while the hash has at least one field.
type RedisMirror struct {
	client redis.UniversalClient
	nodeID string
	ttl    time.Duration
}

// NewRedisMirror creates a mirror writing claims for nodeID.
func NewRedisMirror(client redis.UniversalClient, nodeID string, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &RedisMirror{client: client, nodeID: nodeID, ttl: ttl}
}

func presenceKey(userID string) string { return "huddle:presence:" + userID }

// Online claims presence for userID on this node.
func (r *RedisMirror) Online(ctx context.Context, userID string) error {
	key := presenceKey(userID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, r.nodeID, time.Now().Unix())
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence online: %w", err)
	}
	return nil
}

// Offline withdraws this node's claim. Other nodes' claims are untouched.
func (r *RedisMirror) Offline(ctx context.Context, userID string) error {
	if err := r.client.HDel(ctx, presenceKey(userID), r.nodeID).Err(); err != nil {
		return fmt.Errorf("presence offline: %w", err)
	}
	return nil
}

// Refresh renews the TTL of the user's presence.
func (r *RedisMirror) Refresh(ctx context.Context, userID string) error {
	return r.Online(ctx, userID)
}

// IsOnline reports whether any node claims the user.
func (r *RedisMirror) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := r.client.HLen(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("presence lookup: %w", err)
	}
	return n > 0, nil
}

// Ensure RedisMirror implements Mirror
var _ Mirror = (*RedisMirror)(nil)
