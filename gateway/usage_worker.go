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
	"time"

	"tokengate/middleware/shared/logger"
)

// UsageEvent is one completed inference, queued durably in Redis and
// drained into the audit store by background workers.
type UsageEvent struct {
	UserID           string    `json:"user_id"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	TotalCost        float64   `json:"total_cost"`
	TS               time.Time `json:"ts"`
}

// RequestLogEvent is one proxied request, queued on the perf queue
type RequestLogEvent struct {
	UserID      string    `json:"user_id"`
	Model       string    `json:"model"`
	Path        string    `json:"path"`
	Method      string    `json:"method"`
	Status      int       `json:"status"`
	IsStream    bool      `json:"is_stream"`
	LatencyMs   int64     `json:"latency_ms"`
	TotalCost   float64   `json:"total_cost"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

const (
	// drainBatchSize caps how many items one iteration pulls per queue
	drainBatchSize = 100

	// drainIdleSleep paces the loop when both queues are empty, and
	// doubles as the backoff after any error.
	drainIdleSleep = time.Second
)

// UsageDrain moves queued events from Redis into the audit store.
// The loop never dies: every error is logged and retried after backoff.
type UsageDrain struct {
	quota *QuotaStore
	store *Store
	log   *logger.Logger
}

// NewUsageDrain creates a drain worker
func NewUsageDrain(quota *QuotaStore, store *Store, log *logger.Logger) *UsageDrain {
	return &UsageDrain{quota: quota, store: store, log: log}
}

// Run executes the drain loop until the context is cancelled
func (d *UsageDrain) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := d.DrainOnce(ctx)
		if err != nil {
			d.log.ErrorErr("Usage drain iteration failed", err, nil)
			d.sleep(ctx, drainIdleSleep)
			continue
		}
		if n == 0 {
			d.sleep(ctx, drainIdleSleep)
		}
	}
}

// DrainOnce pulls up to one batch from each queue and writes the items
// as individual inserts. It returns the number of items persisted.
func (d *UsageDrain) DrainOnce(ctx context.Context) (int, error) {
	total := 0

	usageEvents, err := d.quota.PopUsageEvents(ctx, drainBatchSize)
	if err != nil {
		return total, err
	}
	for _, ev := range usageEvents {
		if err := d.store.InsertUsageLog(ctx, ev); err != nil {
			d.log.ErrorErr("Failed to persist usage event", err, map[string]interface{}{
				"user_id": ev.UserID,
				"model":   ev.Model,
			})
			continue
		}
		total++
	}

	requestLogs, err := d.quota.PopRequestLogs(ctx, drainBatchSize)
	if err != nil {
		return total, err
	}
	for _, ev := range requestLogs {
		if err := d.store.InsertRequestLog(ctx, ev); err != nil {
			d.log.ErrorErr("Failed to persist request log", err, map[string]interface{}{
				"user_id": ev.UserID,
				"path":    ev.Path,
			})
			continue
		}
		total++
	}

	return total, nil
}

// sleep waits without outliving the context
func (d *UsageDrain) sleep(ctx context.Context, dur time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(dur):
	}
}
