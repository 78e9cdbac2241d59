// Package ratelimit implements the per-(user, event-kind) rate-limit
// hookpoint between "event decoded" and "handler runs": join_group,
// send_message, and typing_start are each budgeted independently per minute,
// backed by the same Valkey instance as the Presence Cache.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// Kind identifies which budget an event is checked against.
type Kind string

const (
	KindJoin   Kind = "join"
	KindSend   Kind = "send"
	KindTyping Kind = "typing"
)

// ErrRateLimited is returned by Allow when the caller has exceeded its budget for the given Kind. Transport edges map
// this to the fixed error taxonomy's FORBIDDEN code.
var ErrRateLimited = errors.New("rate limit exceeded")

// Limiter enforces independent per-minute budgets for each Kind, keyed by user. A Valkey outage degrades to
// fail-open (Allow returns nil) rather than locking every user out of the gateway, mirroring the Presence Cache's
// graceful-degradation posture: the rate limit is a protective hookpoint, not a correctness guarantee.
type Limiter struct {
	limits map[Kind]*limiter.Limiter
}

// New constructs a Limiter with the given per-minute budgets backed by rdb.
func New(rdb *redis.Client, joinPerMinute, sendPerMinute, typingPerMinute int) (*Limiter, error) {
	store, err := sredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: "ratelimit"})
	if err != nil {
		return nil, fmt.Errorf("create rate limit store: %w", err)
	}

	budget := func(perMinute int) *limiter.Limiter {
		rate := limiter.Rate{Period: time.Minute, Limit: int64(perMinute)}
		return limiter.New(store, rate)
	}

	return &Limiter{limits: map[Kind]*limiter.Limiter{
		KindJoin:   budget(joinPerMinute),
		KindSend:   budget(sendPerMinute),
		KindTyping: budget(typingPerMinute),
	}}, nil
}

// Allow consumes one unit of userID's budget for kind and returns ErrRateLimited if that exceeds the configured
// per-minute rate. A Valkey error is not returned to the caller; it is treated as allowed.
func (l *Limiter) Allow(ctx context.Context, userID uuid.UUID, kind Kind) error {
	lim, ok := l.limits[kind]
	if !ok {
		return nil
	}

	result, err := lim.Get(ctx, fmt.Sprintf("%s:%s", kind, userID))
	if err != nil {
		return nil
	}
	if result.Reached {
		return ErrRateLimited
	}
	return nil
}
