package health

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const resultKeyPrefix = "health:"

// Repository mirrors the latest result per target for external readers.
type Repository interface {
	Get(ctx context.Context, name string) (*Result, error)
	Save(ctx context.Context, r *Result, ttl time.Duration) error
	Delete(ctx context.Context, name string) error
}

type RedisRepository struct {
	client *redis.Client
}

func NewRedisRepository(client *redis.Client) *RedisRepository {
	return &RedisRepository{
		client: client,
	}
}

func (r *RedisRepository) key(name string) string {
	return resultKeyPrefix + name
}

func (r *RedisRepository) Get(ctx context.Context, name string) (*Result, error) {
	if name == "" {
		return nil, fmt.Errorf("health: empty target name")
	}

	s, err := r.client.Get(ctx, r.key(name)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var res Result
	if err := json.Unmarshal([]byte(s), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *RedisRepository) Save(ctx context.Context, res *Result, ttl time.Duration) error {
	if res == nil {
		return fmt.Errorf("health: nil result")
	}
	if res.Name == "" {
		return fmt.Errorf("health: empty target name")
	}
	if res.LastCheck.IsZero() {
		res.LastCheck = time.Now()
	}

	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	return r.client.Set(ctx, r.key(res.Name), b, ttl).Err()
}

func (r *RedisRepository) Delete(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("health: empty target name")
	}
	return r.client.Del(ctx, r.key(name)).Err()
}
