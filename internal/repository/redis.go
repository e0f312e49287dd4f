package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/langchou/busrelay/internal/models"
)

const redisKeyPrefix = "busrelay:location:"

// 比较观测时间后写入并重置过期时间，整个脚本在 redis 中原子执行
var replaceScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'observed_at')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'observed_at', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// RedisLocationRepository 每辆车一个 hash，过期交给 redis TTL
type RedisLocationRepository struct {
	client    *redis.Client
	retention time.Duration
	now       func() time.Time
}

// NewRedisLocationRepository 连接 redis 并检查可用性
func NewRedisLocationRepository(ctx context.Context, redisURL string, retention time.Duration) (*RedisLocationRepository, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisLocationRepositoryFromClient(client, retention), nil
}

// NewRedisLocationRepositoryFromClient 复用已有客户端
func NewRedisLocationRepositoryFromClient(client *redis.Client, retention time.Duration) *RedisLocationRepository {
	return &RedisLocationRepository{client: client, retention: retention, now: time.Now}
}

func (r *RedisLocationRepository) key(busID string) string {
	return redisKeyPrefix + busID
}

// Latest 获取车辆最新位置
func (r *RedisLocationRepository) Latest(ctx context.Context, busID string) (*models.BusLocation, error) {
	data, err := r.client.HGet(ctx, r.key(busID), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get latest location", err)
	}
	return decodeLocation(data)
}

// Replace 替换车辆位置
func (r *RedisLocationRepository) Replace(ctx context.Context, loc *models.BusLocation) (bool, error) {
	stored := *loc
	stored.CreatedAt = r.now()

	data, err := json.Marshal(&stored)
	if err != nil {
		return false, fmt.Errorf("marshal location: %w", err)
	}

	applied, err := replaceScript.Run(ctx, r.client,
		[]string{r.key(loc.BusID)},
		loc.Timestamp,
		data,
		r.retention.Milliseconds(),
	).Int()
	if err != nil {
		return false, unavailable("replace location", err)
	}
	if applied == 0 {
		return false, nil
	}

	loc.CreatedAt = stored.CreatedAt
	return true, nil
}

// AllLatest 扫描前缀下的所有车辆
func (r *RedisLocationRepository) AllLatest(ctx context.Context) ([]*models.BusLocation, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("scan locations", err)
	}

	locations := make([]*models.BusLocation, 0, len(keys))
	if len(keys) == 0 {
		return locations, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGet(ctx, k, "data")
	}
	// 扫描与读取之间 key 可能刚好过期，返回 redis.Nil
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("read locations", err)
	}

	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, unavailable("read location", err)
		}
		loc, err := decodeLocation(data)
		if err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}

	sort.Slice(locations, func(i, j int) bool { return locations[i].BusID < locations[j].BusID })
	return locations, nil
}

// Ping 检查连接
func (r *RedisLocationRepository) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping redis", err)
	}
	return nil
}

// Close 关闭客户端
func (r *RedisLocationRepository) Close() error {
	return r.client.Close()
}

func decodeLocation(data []byte) (*models.BusLocation, error) {
	loc := &models.BusLocation{}
	if err := json.Unmarshal(data, loc); err != nil {
		return nil, fmt.Errorf("unmarshal location: %w", err)
	}
	return loc, nil
}
