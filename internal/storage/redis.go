// Package storage implements the occupancy store on Redis: TTL'd JSON
// records keyed per room, with every mutation additionally published on
// an updates channel for other instances and dashboards.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"

	"github.com/petalacloud/roomsense/internal/config"
	"github.com/petalacloud/roomsense/internal/occupancy"
)

// recordTTL bounds how long a room record outlives its last mutation.
// Occupancy is a heartbeat signal; stale records expire rather than
// lingering as ghosts.
const recordTTL = 24 * time.Hour

// connectTimeout bounds the initial PING retry loop.
const connectTimeout = 15 * time.Second

// updateEnvelope is the wire shape published on the updates channel.
type updateEnvelope struct {
	Type string          `json:"type"`
	Room *occupancy.Room `json:"room"`
}

// RedisStore implements occupancy.Store on a Redis instance. Writes go
// through a circuit breaker so a down store degrades to logged-and-
// swallowed failures instead of stalling event processing.
type RedisStore struct {
	client  *redis.Client
	cfg     config.RedisConfig
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	namespace string
	tenantID  string
	vertical  string
}

// NewRedis connects to Redis, retrying the initial PING with
// exponential backoff so a slow-starting store does not fail the whole
// process at boot.
func NewRedis(ctx context.Context, cfg config.RedisConfig, namespace, tenantID, vertical string, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = connectTimeout
	err := backoff.Retry(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "occupancy-store",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn("occupancy store breaker state change",
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	logger.Info("connected to occupancy store", "addr", cfg.Addr, "db", cfg.DB)

	return &RedisStore{
		client:    client,
		cfg:       cfg,
		breaker:   breaker,
		logger:    logger,
		namespace: namespace,
		tenantID:  tenantID,
		vertical:  vertical,
	}, nil
}

// keyPrefix returns the namespace prefix all room keys share.
func (s *RedisStore) keyPrefix() string {
	return strings.Join([]string{s.namespace, s.tenantID, s.vertical, "occupancy"}, ":") + ":"
}

// roomKey returns the storage key for a room record.
func (s *RedisStore) roomKey(roomID string) string {
	return s.keyPrefix() + roomID
}

// updatesChannel returns the pub/sub channel room mutations fan out on.
func (s *RedisStore) updatesChannel() string {
	return s.keyPrefix() + "updates"
}

// SaveRoom persists a room record with a bounded lifetime.
func (s *RedisStore) SaveRoom(ctx context.Context, room *occupancy.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("marshal room %s: %w", room.RoomID, err)
	}

	_, err = s.breaker.Execute(func() (any, error) {
		return nil, s.client.Set(ctx, s.roomKey(room.RoomID), data, recordTTL).Err()
	})
	if err != nil {
		return fmt.Errorf("save room %s: %w", room.RoomID, err)
	}
	return nil
}

// LoadRoom fetches a room record, or occupancy.ErrNotFound.
func (s *RedisStore) LoadRoom(ctx context.Context, roomID string) (*occupancy.Room, error) {
	data, err := s.client.Get(ctx, s.roomKey(roomID)).Bytes()
	if err == redis.Nil {
		return nil, occupancy.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}

	var room occupancy.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	return &room, nil
}

// RoomIDs enumerates every persisted room id in this store's namespace.
func (s *RedisStore) RoomIDs(ctx context.Context) ([]string, error) {
	prefix := s.keyPrefix()
	updates := s.updatesChannel()

	var ids []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if key == updates {
			continue
		}
		ids = append(ids, strings.TrimPrefix(key, prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan room keys: %w", err)
	}
	return ids, nil
}

// PublishUpdate broadcasts a room mutation on the updates channel.
func (s *RedisStore) PublishUpdate(ctx context.Context, room *occupancy.Room) error {
	data, err := json.Marshal(updateEnvelope{Type: "room_updated", Room: room})
	if err != nil {
		return fmt.Errorf("marshal update for %s: %w", room.RoomID, err)
	}

	_, err = s.breaker.Execute(func() (any, error) {
		return nil, s.client.Publish(ctx, s.updatesChannel(), data).Err()
	})
	if err != nil {
		return fmt.Errorf("publish update for %s: %w", room.RoomID, err)
	}
	return nil
}

// SubscribeUpdates opens a dedicated pub/sub connection (separate from
// the primary client connection) and invokes fn for every room update
// until stop is called or ctx ends.
func (s *RedisStore) SubscribeUpdates(ctx context.Context, fn func(occupancy.Room)) (stop func(), err error) {
	pubsub := s.client.Subscribe(ctx, s.updatesChannel())

	// Confirm the subscription before returning so callers cannot miss
	// updates published after SubscribeUpdates returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to occupancy updates: %w", err)
	}

	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			var env updateEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				s.logger.Warn("occupancy update unreadable", "error", err)
				continue
			}
			if env.Type != "room_updated" || env.Room == nil {
				continue
			}
			fn(*env.Room)
		}
	}()

	return func() { _ = pubsub.Close() }, nil
}

// Ping reports store reachability.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the primary connection. An open updates subscription
// keeps its own connection and is closed by its stop function.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
