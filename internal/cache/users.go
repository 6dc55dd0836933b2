// Package cache keeps read-mostly user profiles in redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"conversation-service/internal/config"
	"conversation-service/internal/models"
	"conversation-service/internal/repositories"
)

const userKeyPrefix = "conversation:user:"

// NewRedis connects to redis. The ping failure is returned so callers can run without a cache.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	r := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.Ping(pingCtx).Err(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// UserRepository serves GetUsers and GetUser from redis and falls through to
// the wrapped repository on misses. Redis failures degrade to direct reads.
type UserRepository struct {
	repositories.UserRepository
	cli    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewUserRepository wraps repo with a redis cache.
func NewUserRepository(repo repositories.UserRepository, cli *redis.Client, ttl time.Duration, logger *zap.Logger) *UserRepository {
	return &UserRepository{UserRepository: repo, cli: cli, ttl: ttl, logger: logger}
}

func userKey(id int64) string {
	return userKeyPrefix + strconv.FormatInt(id, 10)
}

func (c *UserRepository) GetUsers(ctx context.Context, userIDs []int64) ([]models.User, error) {
	if len(userIDs) == 0 {
		return []models.User{}, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = userKey(id)
	}
	vals, err := c.cli.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.Warn("user cache read failed", zap.Error(err))
		return c.UserRepository.GetUsers(ctx, userIDs)
	}

	users := make([]models.User, 0, len(userIDs))
	var missing []int64
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			missing = append(missing, userIDs[i])
			continue
		}
		var u models.User
		if err := json.Unmarshal([]byte(s), &u); err != nil {
			missing = append(missing, userIDs[i])
			continue
		}
		users = append(users, u)
	}
	if len(missing) == 0 {
		return users, nil
	}

	fetched, err := c.UserRepository.GetUsers(ctx, missing)
	if err != nil {
		return nil, err
	}
	c.store(ctx, fetched)
	return append(users, fetched...), nil
}

func (c *UserRepository) GetUser(ctx context.Context, userID int64) (models.User, error) {
	users, err := c.GetUsers(ctx, []int64{userID})
	if err != nil {
		return models.User{}, err
	}
	if len(users) == 0 {
		return models.User{}, repositories.ErrUserNotFound
	}
	return users[0], nil
}

func (c *UserRepository) store(ctx context.Context, users []models.User) {
	if len(users) == 0 {
		return
	}
	pipe := c.cli.Pipeline()
	for _, u := range users {
		data, err := json.Marshal(u)
		if err != nil {
			continue
		}
		pipe.Set(ctx, userKey(u.ID), data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Warn("user cache write failed", zap.Error(err))
	}
}
