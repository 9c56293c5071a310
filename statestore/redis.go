package statestore

import (
	"context"
	"sort"
	"strconv"

	redis "github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// RedisContainer keeps a ref's version chain in a Redis hash keyed by the
// version tag. An alternative backend for deployments that already run
// Redis; the transaction protocol above it is unchanged.
type RedisContainer struct {
	client    *redis.Client
	key       string
	retention int
}

func NewRedisContainer(client *redis.Client, name string, retention int) *RedisContainer {
	return &RedisContainer{
		client:    client,
		key:       "stm:history:" + name,
		retention: retention,
	}
}

func (c *RedisContainer) Init() error {
	return errors.Wrap(c.client.Ping(context.Background()).Err(), "ping redis")
}

func (c *RedisContainer) sortedVersions(ctx context.Context) ([]uint64, error) {
	fields, err := c.client.HKeys(ctx, c.key).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list history fields")
	}
	versions := make([]uint64, 0, len(fields))
	for _, field := range fields {
		version, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, version)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

func (c *RedisContainer) GetState(version uint64) ([]byte, error) {
	ctx := context.Background()
	data, err := c.client.HGet(ctx, c.key, strconv.FormatUint(version, 10)).Bytes()
	if err == redis.Nil {
		versions, verr := c.sortedVersions(ctx)
		if verr != nil {
			return nil, verr
		}
		if len(versions) > 0 && version < versions[0] {
			return nil, ErrStaleRead
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read history entry")
	}
	return data, nil
}

func (c *RedisContainer) SetState(data []byte, version uint64) error {
	ctx := context.Background()
	field := strconv.FormatUint(version, 10)
	if err := c.client.HSetNX(ctx, c.key, field, data).Err(); err != nil {
		return errors.Wrap(err, "write history entry")
	}
	if c.retention <= 0 {
		return nil
	}
	versions, err := c.sortedVersions(ctx)
	if err != nil {
		return err
	}
	for len(versions) > c.retention {
		if err := c.client.HDel(ctx, c.key, strconv.FormatUint(versions[0], 10)).Err(); err != nil {
			return errors.Wrap(err, "prune history entry")
		}
		versions = versions[1:]
	}
	return nil
}

func (c *RedisContainer) Versions() ([]uint64, error) {
	return c.sortedVersions(context.Background())
}

func (c *RedisContainer) Destroy() error {
	return errors.Wrap(c.client.Del(context.Background(), c.key).Err(), "destroy history")
}
