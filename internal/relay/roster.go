package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Roster mirrors room membership outside the process.
type Roster interface {
	Add(ctx context.Context, roomID, socketID string) error
	Remove(ctx context.Context, roomID, socketID string) error
}

type nopRoster struct{}

func (nopRoster) Add(context.Context, string, string) error    { return nil }
func (nopRoster) Remove(context.Context, string, string) error { return nil }

const rosterTTL = 24 * time.Hour

// RedisRoster keeps each room's sockets in the set room:<id>:peers.
type RedisRoster struct {
	client *redis.Client
}

// NewRedisRoster connects to url and checks the connection.
func NewRedisRoster(ctx context.Context, url string) (*RedisRoster, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisRoster{client: client}, nil
}

func rosterKey(roomID string) string {
	return "room:" + roomID + ":peers"
}

// Add records socketID in roomID and refreshes the set's expiry.
func (r *RedisRoster) Add(ctx context.Context, roomID, socketID string) error {
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, rosterKey(roomID), socketID)
	pipe.Expire(ctx, rosterKey(roomID), rosterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("roster add: %w", err)
	}
	return nil
}

// Remove drops socketID from roomID.
func (r *RedisRoster) Remove(ctx context.Context, roomID, socketID string) error {
	if err := r.client.SRem(ctx, rosterKey(roomID), socketID).Err(); err != nil {
		return fmt.Errorf("roster remove: %w", err)
	}
	return nil
}

// Members lists the sockets recorded for roomID.
func (r *RedisRoster) Members(ctx context.Context, roomID string) ([]string, error) {
	return r.client.SMembers(ctx, rosterKey(roomID)).Result()
}

// Close closes the Redis connection.
func (r *RedisRoster) Close() error {
	return r.client.Close()
}
