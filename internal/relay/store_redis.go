package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/1ureka/joinix/internal/config"
)

// RedisStore keeps rooms in Redis under room:<id>, with a code:<code>
// index, both expiring after the room TTL.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and checks the connection.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return &RedisStore{client: client}, nil
}

func roomKey(id string) string   { return "room:" + id }
func codeKey(code string) string { return "code:" + code }

func (s *RedisStore) Create(ctx context.Context, room Room, ttl time.Duration) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, roomKey(room.ID), data, ttl)
		p.Set(ctx, codeKey(room.Code), room.ID, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing room %s: %w", room.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, idOrCode string) (Room, error) {
	id := idOrCode
	if len(idOrCode) == roomCodeLength {
		mapped, err := s.client.Get(ctx, codeKey(idOrCode)).Result()
		switch {
		case err == nil:
			id = mapped
		case !errors.Is(err, redis.Nil):
			return Room{}, fmt.Errorf("resolving room code: %w", err)
		}
	}

	data, err := s.client.Get(ctx, roomKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("loading room %s: %w", id, err)
	}

	var room Room
	if err := json.Unmarshal(data, &room); err != nil {
		return Room{}, fmt.Errorf("parsing room %s: %w", id, err)
	}
	return room, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	room, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, roomKey(room.ID), codeKey(room.Code)).Err(); err != nil {
		return fmt.Errorf("deleting room %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
