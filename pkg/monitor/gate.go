package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Kakao-Scratcha/scratcha-backend/pkg/clock"
)

// Gate admits at most one emergency trigger per cool-down window.
type Gate interface {
	// TryAcquire reports whether a trigger may fire now. A true result starts
	// a new window of length cooldown.
	TryAcquire(ctx context.Context, cooldown time.Duration) (bool, error)
}

// MemoryGate is a process-local Gate driven by the injected clock.
type MemoryGate struct {
	mu    sync.Mutex
	clock clock.Clock
	until time.Time
}

func NewMemoryGate(clk clock.Clock) *MemoryGate {
	if clk == nil {
		clk = clock.Wall{}
	}
	return &MemoryGate{clock: clk}
}

func (g *MemoryGate) TryAcquire(_ context.Context, cooldown time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if now.Before(g.until) {
		return false, nil
	}
	g.until = now.Add(cooldown)
	return true, nil
}

// redisGateScript takes the cool-down lock atomically.
// KEYS[1] = gate key
// ARGV[1] = holder id
// ARGV[2] = cool-down in milliseconds
var redisGateScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
    return 1
end
return 0
`)

// RedisGate shares the cool-down between replicas of one deployment.
type RedisGate struct {
	client redis.UniversalClient
	key    string
	holder string
}

// NewRedisGate creates a gate stored under scratcha:replenish:<deployment>.
func NewRedisGate(client redis.UniversalClient, deployment, holder string) *RedisGate {
	return &RedisGate{
		client: client,
		key:    fmt.Sprintf("scratcha:replenish:%s", deployment),
		holder: holder,
	}
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (g *RedisGate) TryAcquire(ctx context.Context, cooldown time.Duration) (bool, error) {
	ms := cooldown.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	n, err := redisGateScript.Run(ctx, g.client, []string{g.key}, g.holder, ms).Int()
	if err != nil {
		return false, fmt.Errorf("redis gate: %w", err)
	}
	return n == 1, nil
}
