package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acme/conversation-campaign/internal/domain"
)

// CampaignCache keeps campaign definitions in Redis. Stages and template never change after
// creation, so cached copies are only used for definition lookups, never for status.
type CampaignCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewCampaignCache creates a cache with the given TTL and key prefix.
func NewCampaignCache(client *redis.Client, ttl time.Duration, prefix string) *CampaignCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if prefix == "" {
		prefix = "campaign:def:"
	}
	return &CampaignCache{client: client, ttl: ttl, prefix: prefix}
}

// Get returns the cached campaign. A miss returns (nil, false, nil).
func (c *CampaignCache) Get(ctx context.Context, id string) (*domain.Campaign, bool, error) {
	val, err := c.client.Get(ctx, c.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("campaign cache: get: %w", err)
	}

	var campaign domain.Campaign
	if err := json.Unmarshal(val, &campaign); err != nil {
		return nil, false, fmt.Errorf("campaign cache: decode: %w", err)
	}
	return &campaign, true, nil
}

// Set stores a campaign with the cache TTL.
func (c *CampaignCache) Set(ctx context.Context, campaign *domain.Campaign) error {
	data, err := json.Marshal(campaign)
	if err != nil {
		return fmt.Errorf("campaign cache: encode: %w", err)
	}
	if err := c.client.Set(ctx, c.key(campaign.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("campaign cache: set: %w", err)
	}
	return nil
}

// Delete drops a cached campaign.
func (c *CampaignCache) Delete(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, c.key(id)).Err(); err != nil {
		return fmt.Errorf("campaign cache: delete: %w", err)
	}
	return nil
}

func (c *CampaignCache) key(id string) string {
	return c.prefix + id
}
