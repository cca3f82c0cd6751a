package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Ramsey-B/trellis/pkg/redis"
)

// ApprovalCache mirrors the capability approval decisions recorded by
// ResolveApproval, keyed by plan and capability. It is a cache, not a source
// of truth: the state store's per-step Approvals map is authoritative. The
// engine writes every decision to it and does not read from it.
type ApprovalCache interface {
	Get(ctx context.Context, planID, capability string) (granted bool, found bool)
	Put(ctx context.Context, planID, capability string, granted bool)
}

// approvalTTL matches the event bus's retention window: an approval cached
// past the point its plan's events have been purged is no longer useful.
const approvalTTL = 5 * time.Minute

// RedisApprovalCache is the ApprovalCache backed by the platform's shared
// Redis client, adapted from pkg/redis.Client's Get/Set/Expire primitives.
type RedisApprovalCache struct {
	client *redis.Client
}

// NewRedisApprovalCache wraps an already-constructed Redis client.
func NewRedisApprovalCache(client *redis.Client) *RedisApprovalCache {
	return &RedisApprovalCache{client: client}
}

func approvalCacheKey(planID, capability string) string {
	return fmt.Sprintf("trellis:approval:%s:%s", planID, capability)
}

func (c *RedisApprovalCache) Get(ctx context.Context, planID, capability string) (bool, bool) {
	val, err := c.client.Get(ctx, approvalCacheKey(planID, capability))
	if err != nil || val == "" {
		return false, false
	}
	granted, err := strconv.ParseBool(val)
	if err != nil {
		return false, false
	}
	return granted, true
}

func (c *RedisApprovalCache) Put(ctx context.Context, planID, capability string, granted bool) {
	key := approvalCacheKey(planID, capability)
	_ = c.client.Set(ctx, key, strconv.FormatBool(granted), approvalTTL)
}
