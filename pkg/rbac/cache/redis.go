package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisConfig configures a RedisCache
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
	KeyPrefix  string
}

// RedisCache is a decision cache shared by every process pointing at the same Redis
type RedisCache struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisCache connects to Redis and verifies the connection
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB > 0 {
		opts.DB = cfg.DB
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisCacheFromClient(client, cfg.KeyPrefix), nil
}

// NewRedisCacheFromClient wraps an existing client
func NewRedisCacheFromClient(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "warden:authz:"
	}
	return &RedisCache{client: client, prefix: prefix, now: time.Now}
}

func (c *RedisCache) Name() string { return "redis" }

// Client returns the underlying client for health checks
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) entryKey(key Key) string {
	return c.prefix + "d:" + key.String()
}

func (c *RedisCache) globalGenKey() string {
	return c.prefix + "gen:global"
}

func (c *RedisCache) userGenKey(userID string) string {
	return c.prefix + "gen:user:" + userID
}

func parseGeneration(v interface{}) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected generation value %T", v)
	}
	return strconv.ParseUint(s, 10, 64)
}

func (c *RedisCache) readStamp(vals []interface{}) (Stamp, error) {
	global, err := parseGeneration(vals[0])
	if err != nil {
		return Stamp{}, err
	}
	user, err := parseGeneration(vals[1])
	if err != nil {
		return Stamp{}, err
	}
	return Stamp{Global: global, User: user}, nil
}

// Get reads the entry and both generations in one MGET
func (c *RedisCache) Get(ctx context.Context, key Key) (Entry, bool, error) {
	vals, err := c.client.MGet(ctx, c.entryKey(key), c.globalGenKey(), c.userGenKey(key.UserID)).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis mget failed: %w", err)
	}
	if vals[0] == nil {
		return Entry{}, false, nil
	}

	raw, ok := vals[0].(string)
	if !ok {
		return Entry{}, false, fmt.Errorf("unexpected entry value %T", vals[0])
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.client.Del(ctx, c.entryKey(key))
		return Entry{}, false, fmt.Errorf("failed to unmarshal decision: %w", err)
	}

	current, err := c.readStamp(vals[1:])
	if err != nil {
		return Entry{}, false, err
	}
	if entry.Stamp != current || !c.now().Before(entry.ExpiresAt) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Put stores the entry with a Redis expiry
func (c *RedisCache) Put(ctx context.Context, key Key, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	entry = prepare(entry, ttl, c.now())
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	if err := c.client.Set(ctx, c.entryKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Stamp returns the current generations for userID
func (c *RedisCache) Stamp(ctx context.Context, userID string) (Stamp, error) {
	vals, err := c.client.MGet(ctx, c.globalGenKey(), c.userGenKey(userID)).Result()
	if err != nil {
		return Stamp{}, fmt.Errorf("redis mget failed: %w", err)
	}
	return c.readStamp(vals)
}

// Invalidate bumps the selected generation, then deletes matching entries to free memory.
// Correctness only depends on the INCR; the cleanup is best effort.
func (c *RedisCache) Invalidate(ctx context.Context, sel Selector) error {
	genKey := c.globalGenKey()
	pattern := c.prefix + "d:*"
	if !sel.IsAll() {
		genKey = c.userGenKey(sel.UserID)
		pattern = escapeGlob(c.prefix+"d:"+UserPrefix(sel.UserID)) + "*"
	}

	if err := c.client.Incr(ctx, genKey).Err(); err != nil {
		return fmt.Errorf("redis incr failed: %w", err)
	}

	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		c.client.Del(ctx, iter.Val())
	}
	return nil
}

// escapeGlob quotes the characters SCAN MATCH treats as pattern syntax
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
