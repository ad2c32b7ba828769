package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zimads/adsentinel/pkg/model"
	"github.com/zimads/adsentinel/pkg/storage"
)

const keyPrefix = "adsentinel:session:"

// RedisStore keeps sessions in Redis hashes.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps a connected client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// DialRedis connects to Redis and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func (r *RedisStore) RecordInbound(ctx context.Context, phone, message string, at time.Time) (*model.NotificationSession, error) {
	key := keyPrefix + phone
	ts := at.UTC().Format(time.RFC3339Nano)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "first_contact", ts)
		pipe.HSetNX(ctx, key, "active", "1")
		pipe.HSet(ctx, key, "last_inbound", ts, "last_message", message)
		pipe.HIncrBy(ctx, key, "message_count", 1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record inbound: %w", err)
	}
	return r.GetSession(ctx, phone)
}

// SetSessionActive flips the opt-out flag of an existing session.
func (r *RedisStore) SetSessionActive(ctx context.Context, phone string, active bool) error {
	key := keyPrefix + phone
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("set session active: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %q: %w", phone, storage.ErrNotFound)
	}
	flag := "0"
	if active {
		flag = "1"
	}
	if err := r.client.HSet(ctx, key, "active", flag).Err(); err != nil {
		return fmt.Errorf("set session active: %w", err)
	}
	return nil
}

func (r *RedisStore) GetSession(ctx context.Context, phone string) (*model.NotificationSession, error) {
	fields, err := r.client.HGetAll(ctx, keyPrefix+phone).Result()
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("session %q: %w", phone, storage.ErrNotFound)
	}

	s := &model.NotificationSession{
		Phone:       phone,
		LastMessage: fields["last_message"],
		Active:      fields["active"] == "1",
	}
	if s.FirstContact, err = time.Parse(time.RFC3339Nano, fields["first_contact"]); err != nil {
		return nil, fmt.Errorf("parse first_contact: %w", err)
	}
	if s.LastInbound, err = time.Parse(time.RFC3339Nano, fields["last_inbound"]); err != nil {
		return nil, fmt.Errorf("parse last_inbound: %w", err)
	}
	if s.MessageCount, err = strconv.ParseInt(fields["message_count"], 10, 64); err != nil {
		return nil, fmt.Errorf("parse message_count: %w", err)
	}
	return s, nil
}
