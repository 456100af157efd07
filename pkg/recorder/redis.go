// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package recorder

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisOptions selects the Redis server and key namespace
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps one CBOR value per record plus recency sorted sets for
// all runs and per subject. New records are also published on a channel so
// dashboards can follow a production line live.
type RedisStore struct {
	client *redis.Client
	prefix string
	log    logrus.FieldLogger
}

// OpenRedis connects to Redis and verifies the connection
func OpenRedis(ctx context.Context, opts RedisOptions, log logrus.FieldLogger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	s := NewRedisStore(client, opts.KeyPrefix, log)
	s.log.WithField("addr", opts.Addr).Info("Connected to redis")
	return s, nil
}

// NewRedisStore wraps an existing client
func NewRedisStore(client *redis.Client, prefix string, log logrus.FieldLogger) *RedisStore {
	if prefix == "" {
		prefix = "jigstat"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		log:    log.WithField("component", "recorder"),
	}
}

func (s *RedisStore) recordKey(id string) string {
	return fmt.Sprintf("%s:run:%s", s.prefix, id)
}

func (s *RedisStore) indexKey(subject string) string {
	if subject == "" {
		return s.prefix + ":runs"
	}
	return fmt.Sprintf("%s:subject:%s:runs", s.prefix, subject)
}

// Channel is the pub/sub channel new records are announced on
func (s *RedisStore) Channel() string {
	return s.prefix + ":records"
}

func (s *RedisStore) Append(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := recEncMode.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.recordKey(rec.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
	}

	score := float64(rec.FinishedAt.UnixNano())
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.indexKey(""), redis.Z{Score: score, Member: rec.ID})
	if rec.Subject != "" {
		pipe.ZAdd(ctx, s.indexKey(rec.Subject), redis.Z{Score: score, Member: rec.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index record: %w", err)
	}

	if err := s.client.Publish(ctx, s.Channel(), data).Err(); err != nil {
		s.log.WithError(err).Warn("Failed to publish record")
	}
	return nil
}

func (s *RedisStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	stop := int64(-1)
	if f.Limit > 0 && f.Operation == 0 {
		stop = int64(f.Limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(f.Subject), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}

	out := make([]Record, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// Index entry outlived its record
			s.log.WithField("id", ids[i]).Debug("Skipping dangling index entry")
			continue
		}
		var rec Record
		if err := recDecMode.Unmarshal([]byte(str), &rec); err != nil {
			s.log.WithError(err).WithField("id", ids[i]).Warn("Skipping undecodable record")
			continue
		}
		if !f.matches(&rec) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read record: %w", err)
	}

	var rec Record
	if err := recDecMode.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.recordKey(id))
	pipe.ZRem(ctx, s.indexKey(""), id)
	if rec.Subject != "" {
		pipe.ZRem(ctx, s.indexKey(rec.Subject), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Recorder = (*RedisStore)(nil)
