// Copyright 2025 TokenGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	usageQueueKey       = "usage_queue"
	requestPerfQueueKey = "request_perf_queue"

	// configChannel carries "config changed" notices to every replica
	configChannel = "middleware:config:updated"

	// counterTTL keeps monthly counters alive across the whole window
	counterTTL = 3456000 * time.Second // 40 days
)

// QuotaStore is the Redis-backed hot path: per-user usage counters,
// durable list queues for the drain workers, and the config bus.
type QuotaStore struct {
	client *redis.Client
}

// NewQuotaStore connects to Redis and verifies the connection
func NewQuotaStore(redisURL string) (*QuotaStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &QuotaStore{client: client}, nil
}

// NewQuotaStoreFromClient wraps an existing client (used by tests)
func NewQuotaStoreFromClient(client *redis.Client) *QuotaStore {
	return &QuotaStore{client: client}
}

// dailyUsageKey is usage:user:{id}:daily:{YYYY-MM-DD}
func dailyUsageKey(userID string, now time.Time) string {
	return fmt.Sprintf("usage:user:%s:daily:%s", userID, now.UTC().Format("2006-01-02"))
}

// monthlyUsageKey is usage:user:{id}:monthly:{YYYY-MM}
func monthlyUsageKey(userID string, now time.Time) string {
	return fmt.Sprintf("usage:user:%s:monthly:%s", userID, now.UTC().Format("2006-01"))
}

// Usage reads both counters for a user with a single multi-get.
// Absent counters read as zero.
func (q *QuotaStore) Usage(ctx context.Context, userID string) (daily, monthly int64, err error) {
	now := time.Now()
	vals, err := q.client.MGet(ctx, dailyUsageKey(userID, now), monthlyUsageKey(userID, now)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read usage counters for %s: %w", userID, err)
	}

	parse := func(v interface{}) int64 {
		s, ok := v.(string)
		if !ok {
			return 0
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return parse(vals[0]), parse(vals[1]), nil
}

// RecordUsage atomically bumps both counters by the event total,
// refreshes their TTL, and pushes the event onto the durable usage
// queue for the drain workers.
func (q *QuotaStore) RecordUsage(ctx context.Context, ev *UsageEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal usage event: %w", err)
	}

	now := time.Now()
	dailyKey := dailyUsageKey(ev.UserID, now)
	monthlyKey := monthlyUsageKey(ev.UserID, now)

	pipe := q.client.Pipeline()
	pipe.IncrBy(ctx, dailyKey, ev.TotalTokens)
	pipe.IncrBy(ctx, monthlyKey, ev.TotalTokens)
	pipe.Expire(ctx, dailyKey, counterTTL)
	pipe.Expire(ctx, monthlyKey, counterTTL)
	pipe.LPush(ctx, usageQueueKey, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record usage for %s: %w", ev.UserID, err)
	}
	return nil
}

// EnqueueUsageEvent pushes a usage event onto the durable queue without
// touching any counter (anonymous usage has no quota to charge).
func (q *QuotaStore) EnqueueUsageEvent(ctx context.Context, ev *UsageEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal usage event: %w", err)
	}
	if err := q.client.LPush(ctx, usageQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue usage event: %w", err)
	}
	return nil
}

// EnqueueRequestLog pushes a request log payload onto the perf queue
func (q *QuotaStore) EnqueueRequestLog(ctx context.Context, ev *RequestLogEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal request log: %w", err)
	}
	if err := q.client.LPush(ctx, requestPerfQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue request log: %w", err)
	}
	return nil
}

// PopUsageEvents right-pops up to max events (FIFO against LPush)
func (q *QuotaStore) PopUsageEvents(ctx context.Context, max int) ([]*UsageEvent, error) {
	var events []*UsageEvent
	for i := 0; i < max; i++ {
		raw, err := q.client.RPop(ctx, usageQueueKey).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return events, fmt.Errorf("failed to pop usage event: %w", err)
		}
		var ev UsageEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			// Malformed entries are dropped, not requeued
			continue
		}
		events = append(events, &ev)
	}
	return events, nil
}

// PopRequestLogs right-pops up to max request log payloads
func (q *QuotaStore) PopRequestLogs(ctx context.Context, max int) ([]*RequestLogEvent, error) {
	var events []*RequestLogEvent
	for i := 0; i < max; i++ {
		raw, err := q.client.RPop(ctx, requestPerfQueueKey).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return events, fmt.Errorf("failed to pop request log: %w", err)
		}
		var ev RequestLogEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		events = append(events, &ev)
	}
	return events, nil
}

// QueueDepths reports the backlog of both durable queues
func (q *QuotaStore) QueueDepths(ctx context.Context) (usage, perf int64, err error) {
	usage, err = q.client.LLen(ctx, usageQueueKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read usage queue depth: %w", err)
	}
	perf, err = q.client.LLen(ctx, requestPerfQueueKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read perf queue depth: %w", err)
	}
	return usage, perf, nil
}

// Ping verifies the Redis connection
func (q *QuotaStore) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// PublishConfigChanged broadcasts a config change notice on the bus
func (q *QuotaStore) PublishConfigChanged(ctx context.Context, payload []byte) error {
	if err := q.client.Publish(ctx, configChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish config change: %w", err)
	}
	return nil
}

// SubscribeConfig subscribes to the config bus
func (q *QuotaStore) SubscribeConfig(ctx context.Context) *redis.PubSub {
	return q.client.Subscribe(ctx, configChannel)
}

// Close releases the Redis connection
func (q *QuotaStore) Close() error {
	return q.client.Close()
}
