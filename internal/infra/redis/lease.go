package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	logger "log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLeaseTTL is used when no TTL is configured.
const DefaultLeaseTTL = 30 * time.Second

// refreshScript extends the lease only if this owner still holds it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only if this owner still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease makes one process at a time the active scanner for a service id.
// The holder refreshes it every cycle; if the holder dies the key expires
// after ttl and another process takes over.
type Lease struct {
	client *Client
	key    string
	owner  string
	ttl    time.Duration

	mu   sync.Mutex
	held bool
	log  logger.Logger
}

// NewLease creates a lease for serviceID with a random owner token.
func NewLease(client *Client, serviceID string, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Lease{
		client: client,
		key:    leaseKey(serviceID),
		owner:  uuid.NewString(),
		ttl:    ttl,
		log:    *logger.Default().With("service", serviceID, "lease", leaseKey(serviceID)),
	}
}

// Owner returns this process's owner token.
func (l *Lease) Owner() string { return l.owner }

// Acquire takes the lease if it is free, or refreshes it if this process
// already holds it. It reports whether the caller may run a cycle.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		n, err := refreshScript.Run(ctx, l.client.rdb, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
		if err != nil {
			return false, fmt.Errorf("refresh lease: %w", err)
		}
		if n == 1 {
			return true, nil
		}
		l.held = false
		l.log.Warn("Lease lost to another instance")
	}

	ok, err := l.client.rdb.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	if ok {
		l.held = true
		l.log.Info("Lease acquired", "ttl", l.ttl)
	}
	return ok, nil
}

// Release gives the lease up if this process holds it.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}
	l.held = false
	if err := releaseScript.Run(ctx, l.client.rdb, []string{l.key}, l.owner).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	l.log.Info("Lease released")
	return nil
}
