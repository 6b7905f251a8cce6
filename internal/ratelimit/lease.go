package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const keyDeliveryLease = "webhook:delivery:lease:%s"

// Drops the lease only while this holder still owns it. Returns 1 when it
// did, 0 when the lease had expired or passed to another process.
const leaseReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	errLeaseEventEmpty = errors.New("delivery lease needs an event id")
	errLeaseHold       = errors.New("delivery lease hold must be positive")

	// ErrLeaseLost reports that an attempt outlived its lease, so another
	// process may have attempted the same event concurrently.
	ErrLeaseLost = errors.New("delivery lease expired before release")
)

// leaseStore grants exclusive, expiring delivery leases on webhook events.
type leaseStore struct {
	client  redis.Cmdable
	release *redis.Script
}

func newLeaseStore(client redis.Cmdable) *leaseStore {
	if client == nil {
		return nil
	}
	return &leaseStore{client: client, release: redis.NewScript(leaseReleaseScript)}
}

// lease is one held delivery lease.
type lease struct {
	key    string
	holder string
}

// acquire leases eventID for hold. ok is false when another holder has it.
func (s *leaseStore) acquire(ctx context.Context, eventID string, hold time.Duration) (lease, bool, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return lease{}, false, errLeaseEventEmpty
	}
	if hold <= 0 {
		return lease{}, false, errLeaseHold
	}

	l := lease{key: fmt.Sprintf(keyDeliveryLease, eventID), holder: uuid.NewString()}
	ok, err := s.client.SetNX(ctx, l.key, l.holder, hold).Result()
	if err != nil {
		return lease{}, false, err
	}
	return l, ok, nil
}

func (s *leaseStore) drop(ctx context.Context, l lease) error {
	if l.key == "" {
		return nil
	}
	released, err := s.release.Run(ctx, s.client, []string{l.key}, l.holder).Int64()
	if err != nil {
		return err
	}
	if released == 0 {
		return ErrLeaseLost
	}
	return nil
}
