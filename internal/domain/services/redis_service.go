package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"sangzi-care-service/internal/domain/escalation"
	"sangzi-care-service/internal/infrastructure/config"
)

const escalationSnapshotKeyPrefix = "escalation:snapshot:"

// InterfaceRedisService defines the Redis service interface
type InterfaceRedisService interface {
	Set(key string, value interface{}, expiration time.Duration) error
	Get(key string, dest interface{}) error
	Delete(key string) error
	Ping() error
	CacheEscalationSnapshot(userID uint, snapshot escalation.Snapshot, expiration time.Duration) error
	GetEscalationSnapshot(userID uint) (*escalation.Snapshot, error)
}

// RedisService handles Redis operations
type RedisService struct {
	Client *redis.Client
	Ctx    context.Context
}

// NewRedisService creates a new Redis service
func NewRedisService(cfg *config.Config) InterfaceRedisService {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisServiceWithClient(client)
}

// NewRedisServiceWithClient wraps an existing client
func NewRedisServiceWithClient(client *redis.Client) InterfaceRedisService {
	return &RedisService{
		Client: client,
		Ctx:    context.Background(),
	}
}

// 1 Set sets a key-value pair in Redis with expiration
func (s *RedisService) Set(key string, value interface{}, expiration time.Duration) error {
	jsonValue, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return s.Client.Set(s.Ctx, key, jsonValue, expiration).Err()
}

// 2 Get gets a value from Redis by key
func (s *RedisService) Get(key string, dest interface{}) error {
	val, err := s.Client.Get(s.Ctx, key).Result()
	if err != nil {
		return err
	}

	return json.Unmarshal([]byte(val), dest)
}

// 3 Delete deletes a key from Redis
func (s *RedisService) Delete(key string) error {
	return s.Client.Del(s.Ctx, key).Err()
}

// 4 Ping checks the connection
func (s *RedisService) Ping() error {
	ctx, cancel := context.WithTimeout(s.Ctx, 3*time.Second)
	defer cancel()
	return s.Client.Ping(ctx).Err()
}

// 5 CacheEscalationSnapshot 缓存用户的紧急呼叫状态，供其他实例上的家属读取
func (s *RedisService) CacheEscalationSnapshot(userID uint, snapshot escalation.Snapshot, expiration time.Duration) error {
	return s.Set(escalationSnapshotKey(userID), snapshot, expiration)
}

// 6 GetEscalationSnapshot 读取缓存的紧急呼叫状态，不存在时返回 (nil, nil)
func (s *RedisService) GetEscalationSnapshot(userID uint) (*escalation.Snapshot, error) {
	var snapshot escalation.Snapshot
	if err := s.Get(escalationSnapshotKey(userID), &snapshot); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return &snapshot, nil
}

func escalationSnapshotKey(userID uint) string {
	return fmt.Sprintf("%s%d", escalationSnapshotKeyPrefix, userID)
}
