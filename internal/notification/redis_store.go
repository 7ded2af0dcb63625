package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps every report in one hash, field = messageId, value = the
// report encoded as on the status queue.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "notifier"
	}
	return &RedisStore{client: client, key: prefix + ":status"}
}

func (s *RedisStore) Set(ctx context.Context, report StatusReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key, report.MessageID, data).Err()
}

func (s *RedisStore) Get(ctx context.Context, messageID string) (StatusReport, error) {
	val, err := s.client.HGet(ctx, s.key, messageID).Bytes()
	if errors.Is(err, redis.Nil) {
		return StatusReport{}, ErrStatusNotFound
	}
	if err != nil {
		return StatusReport{}, err
	}
	return DecodeStatusReport(val)
}

func (s *RedisStore) All(ctx context.Context) (map[string]Outcome, error) {
	reports, err := s.Records(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Outcome, len(reports))
	for _, r := range reports {
		out[r.MessageID] = r.Outcome
	}
	return out, nil
}

func (s *RedisStore) Records(ctx context.Context) ([]StatusReport, error) {
	vals, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	reports := make([]StatusReport, 0, len(vals))
	for id, raw := range vals {
		r, err := DecodeStatusReport([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("decode status %s: %w", id, err)
		}
		reports = append(reports, r)
	}
	sortReports(reports)
	return reports, nil
}

// Clear removes every stored report.
func (s *RedisStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}
