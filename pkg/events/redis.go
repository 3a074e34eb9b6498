package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/friendsofgo/errors"
	"github.com/redis/go-redis/v9"

	"flowrunner/pkg/engine"
)

// DefaultTTL is how long a finished event stays readable under its session key.
const DefaultTTL = 24 * time.Hour

// ErrNotFound is returned by Get when no event is stored for the session.
var ErrNotFound = errors.New("event not found")

// RedisPublisher publishes finished events on a channel and keeps the last
// event of every session under flowrunner:session:<id> so callers that did
// not wait for the walk can poll for its outcome.
type RedisPublisher struct {
	client  redis.Cmdable
	channel string
	ttl     time.Duration
}

func NewRedisPublisher(client redis.Cmdable, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel, ttl: DefaultTTL}
}

// WithTTL overrides DefaultTTL. Zero keeps events forever.
func (p *RedisPublisher) WithTTL(ttl time.Duration) *RedisPublisher {
	p.ttl = ttl
	return p
}

func (p *RedisPublisher) makeKey(sessionID string) string {
	return fmt.Sprintf("flowrunner:session:%s", sessionID)
}

func (p *RedisPublisher) Publish(ctx context.Context, ev engine.FinishedEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrapf(err, "marshal event for session %s", ev.SessionID)
	}

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, p.makeKey(ev.SessionID), data, p.ttl)
	pipe.Publish(ctx, p.channel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "publish event for session %s", ev.SessionID)
	}
	return nil
}

// Get returns the stored event of sessionID.
func (p *RedisPublisher) Get(ctx context.Context, sessionID string) (*engine.FinishedEvent, error) {
	data, err := p.client.Get(ctx, p.makeKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.Wrapf(ErrNotFound, "session %s", sessionID)
		}
		return nil, errors.Wrapf(err, "get event for session %s", sessionID)
	}

	var ev engine.FinishedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, errors.Wrapf(err, "decode event for session %s", sessionID)
	}
	return &ev, nil
}
