package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lodging/internal/config"
	"lodging/internal/models"

	"github.com/redis/go-redis/v9"
)

const pendingSetKey = "reservations:pending"

func reservationKey(id string) string {
	return fmt.Sprintf("reservation:%s", id)
}

// RedisReservationStore keeps tracked reservations as JSON values with a TTL
// and indexes pending ones in a set.
type RedisReservationStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient builds a redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisReservationStore(client *redis.Client, ttl time.Duration) *RedisReservationStore {
	return &RedisReservationStore{
		client: client,
		ttl:    ttl,
	}
}

func (r *RedisReservationStore) Get(ctx context.Context, id string) (*models.Reservation, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, reservationKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation from redis: %w", err)
	}

	var res models.Reservation
	if err := json.Unmarshal([]byte(val), &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reservation: %w", err)
	}
	return &res, nil
}

func (r *RedisReservationStore) Save(ctx context.Context, res *models.Reservation) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal reservation: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, reservationKey(res.ID), data, r.ttl)
		if res.Status == models.StatusPending {
			pipe.SAdd(ctx, pendingSetKey, res.ID)
		} else {
			pipe.SRem(ctx, pendingSetKey, res.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save reservation in redis: %w", err)
	}
	return nil
}

// ListPending returns every stored pending reservation. Ids whose value has
// expired are pruned from the pending set.
func (r *RedisReservationStore) ListPending(ctx context.Context) ([]*models.Reservation, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	ids, err := r.client.SMembers(ctx, pendingSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending reservations: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = reservationKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load pending reservations: %w", err)
	}

	out := make([]*models.Reservation, 0, len(vals))
	var gone []interface{}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			gone = append(gone, ids[i])
			continue
		}
		var res models.Reservation
		if err := json.Unmarshal([]byte(s), &res); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reservation %s: %w", ids[i], err)
		}
		if res.Status != models.StatusPending {
			gone = append(gone, ids[i])
			continue
		}
		out = append(out, &res)
	}
	if len(gone) > 0 {
		r.client.SRem(ctx, pendingSetKey, gone...)
	}
	return out, nil
}

func (r *RedisReservationStore) Delete(ctx context.Context, id string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, reservationKey(id))
		pipe.SRem(ctx, pendingSetKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete reservation from redis: %w", err)
	}
	return nil
}

// CheckRateLimit counts hits on key in a fixed window.
func (r *RedisReservationStore) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	rk := fmt.Sprintf("rate_limit:%s", key)
	count, err := r.client.Incr(ctx, rk).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	if count == 1 {
		r.client.Expire(ctx, rk, window)
	}

	return count <= int64(limit), nil
}

// Ping checks the redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
