package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"juyuso/backend/internal/domain"
)

type RedisStatCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStatCache(addr string, password string, db int, ttl time.Duration) *RedisStatCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &RedisStatCache{client: client, ttl: ttl}
}

func (c *RedisStatCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisStatCache) Close() error {
	return c.client.Close()
}

func dailyKey(tid, date string) string        { return "stat:daily:" + tid + ":" + date }
func monthlyKey(tid, yearMonth string) string { return "stat:monthly:" + tid + ":" + yearMonth }

func (c *RedisStatCache) GetDaily(ctx context.Context, tid string, date string) (*domain.DailyStat, bool, error) {
	val, err := c.client.Get(ctx, dailyKey(tid, date)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var stat domain.DailyStat
	if err := json.Unmarshal([]byte(val), &stat); err != nil {
		return nil, false, err
	}
	return &stat, true, nil
}

func (c *RedisStatCache) SetDaily(ctx context.Context, stat *domain.DailyStat) error {
	if stat == nil {
		return nil
	}
	payload, err := json.Marshal(stat)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, dailyKey(stat.TID, stat.SaleDate), payload, c.ttl).Err()
}

func (c *RedisStatCache) GetMonthly(ctx context.Context, tid string, yearMonth string) (*domain.MonthlyStat, bool, error) {
	val, err := c.client.Get(ctx, monthlyKey(tid, yearMonth)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var stat domain.MonthlyStat
	if err := json.Unmarshal([]byte(val), &stat); err != nil {
		return nil, false, err
	}
	return &stat, true, nil
}

func (c *RedisStatCache) SetMonthly(ctx context.Context, stat *domain.MonthlyStat) error {
	if stat == nil {
		return nil
	}
	payload, err := json.Marshal(stat)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, monthlyKey(stat.TID, stat.YearMonth), payload, c.ttl).Err()
}

func (c *RedisStatCache) InvalidateDay(ctx context.Context, tid string, date string) error {
	return c.client.Del(ctx, dailyKey(tid, date)).Err()
}

func (c *RedisStatCache) InvalidateMonth(ctx context.Context, tid string, yearMonth string) error {
	return c.client.Del(ctx, monthlyKey(tid, yearMonth)).Err()
}
