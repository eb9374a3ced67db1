package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStateStore keeps OAuth state and device records in Redis so callbacks
// survive a process restart and multi-replica deployments. Keys expire with
// the record's TTL; Consume deletes atomically via GETDEL.
type RedisStateStore struct {
	rdb *redis.Client
}

const (
	stateKeyPrefix  = "oauth:state:"
	deviceKeyPrefix = "oauth:device:"
)

// NewRedisStateStore connects and pings; the caller falls back to the
// in-memory store on error.
func NewRedisStateStore(addr string, logger *slog.Logger) (*RedisStateStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	logger.Info("redis oauth state store connected", "addr", addr)
	return &RedisStateStore{rdb: rdb}, nil
}

// Close releases the client.
func (s *RedisStateStore) Close() error { return s.rdb.Close() }

func (s *RedisStateStore) PutState(ctx context.Context, state string, rec StateRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return ErrStateNotFound
	}
	return s.rdb.Set(ctx, stateKeyPrefix+state, raw, ttl).Err()
}

func (s *RedisStateStore) ConsumeState(ctx context.Context, state string) (*StateRecord, error) {
	raw, err := s.rdb.GetDel(ctx, stateKeyPrefix+state).Bytes()
	if err == redis.Nil {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec StateRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, ErrStateNotFound
	}
	if time.Now().After(rec.ExpiresAt) {
		return nil, ErrStateNotFound
	}
	return &rec, nil
}

func (s *RedisStateStore) PutDevice(ctx context.Context, code string, rec DeviceRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return ErrStateNotFound
	}
	return s.rdb.Set(ctx, deviceKeyPrefix+code, raw, ttl).Err()
}

func (s *RedisStateStore) GetDevice(ctx context.Context, code string) (*DeviceRecord, error) {
	raw, err := s.rdb.Get(ctx, deviceKeyPrefix+code).Bytes()
	if err == redis.Nil {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec DeviceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, ErrStateNotFound
	}
	return &rec, nil
}

func (s *RedisStateStore) DeleteDevice(ctx context.Context, code string) error {
	return s.rdb.Del(ctx, deviceKeyPrefix+code).Err()
}
