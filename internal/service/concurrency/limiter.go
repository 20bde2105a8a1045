package concurrency

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')
if current < limit then
  current = redis.call('INCR', key)
  if ttl > 0 then
    redis.call('PEXPIRE', key, ttl)
  end
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current <= 0 then
  redis.call('DEL', key)
  return 0
end
return redis.call('DECR', key)
`)

// Limiter caps in-flight conversations per campaign across every worker replica. It only spreads
// capacity between campaigns; exclusive ownership of a conversation comes from the store claim.
type Limiter struct {
	client       *redis.Client
	defaultLimit int
	ttl          time.Duration
	prefix       string
}

// NewLimiter constructs a concurrency limiter.
func NewLimiter(client *redis.Client, defaultLimit int, ttl time.Duration) *Limiter {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Limiter{client: client, defaultLimit: defaultLimit, ttl: ttl, prefix: "campaign:inflight:"}
}

// Acquire attempts to reserve a slot for the campaign.
func (l *Limiter) Acquire(ctx context.Context, campaignID string) (bool, error) {
	if campaignID == "" || l.defaultLimit <= 0 {
		return true, nil
	}
	res, err := acquireScript.Run(ctx, l.client, []string{l.key(campaignID)}, l.defaultLimit, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("concurrency acquire: %w", err)
	}
	return res == 1, nil
}

// Release frees a previously acquired slot.
func (l *Limiter) Release(ctx context.Context, campaignID string) error {
	if campaignID == "" || l.defaultLimit <= 0 {
		return nil
	}
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key(campaignID)}).Int(); err != nil {
		return fmt.Errorf("concurrency release: %w", err)
	}
	return nil
}

func (l *Limiter) key(campaignID string) string {
	return l.prefix + campaignID
}
