package refdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amr-import-engine/internal/domain"
)

// CachedService is a redis read-through decorator over any reference-data
// service. Reference tables change rarely (a standard publishes yearly), so
// entries live under a long TTL. Cache failures degrade to direct lookups.
type CachedService struct {
	inner domain.ReferenceDataService
	redis *redis.Client
	ttl   time.Duration
}

// NewCachedService connects to redis and wraps inner.
func NewCachedService(inner domain.ReferenceDataService, cfg domain.RedisConfig) (*CachedService, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &CachedService{inner: inner, redis: client, ttl: ttl}, nil
}

// LookupOrganism resolves an organism code through the cache.
func (c *CachedService) LookupOrganism(ctx context.Context, code string) (*domain.Organism, error) {
	key := "refdata:organism:" + strings.ToUpper(code)
	var out domain.Organism
	if c.getCached(ctx, key, &out) {
		return &out, nil
	}
	o, err := c.inner.LookupOrganism(ctx, code)
	if err != nil {
		return nil, err
	}
	c.setCached(ctx, key, o)
	return o, nil
}

// LookupAntibiotic resolves an antibiotic code through the cache.
func (c *CachedService) LookupAntibiotic(ctx context.Context, code string) (*domain.Antibiotic, error) {
	key := "refdata:antibiotic:" + strings.ToUpper(code)
	var out domain.Antibiotic
	if c.getCached(ctx, key, &out) {
		return &out, nil
	}
	a, err := c.inner.LookupAntibiotic(ctx, code)
	if err != nil {
		return nil, err
	}
	c.setCached(ctx, key, a)
	return a, nil
}

// LookupBreakpoints fetches a candidate rule set through the cache.
func (c *CachedService) LookupBreakpoints(ctx context.Context, q domain.BreakpointQuery) ([]domain.BreakpointRule, error) {
	key := "refdata:breakpoints:" + strings.ToUpper(q.Antibiotic) + ":" + strings.ToUpper(q.Standard) + ":" + q.Version
	var out []domain.BreakpointRule
	if c.getCached(ctx, key, &out) {
		return out, nil
	}
	rules, err := c.inner.LookupBreakpoints(ctx, q)
	if err != nil {
		return nil, err
	}
	c.setCached(ctx, key, rules)
	return rules, nil
}

func (c *CachedService) getCached(ctx context.Context, key string, out interface{}) bool {
	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		return false // miss or redis failure; fall through to the inner service
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		c.redis.Del(ctx, key) // corrupt entry
		return false
	}
	return true
}

func (c *CachedService) setCached(ctx context.Context, key string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.redis.Set(ctx, key, data, c.ttl)
}

// Close releases the redis connection.
func (c *CachedService) Close() error {
	return c.redis.Close()
}
