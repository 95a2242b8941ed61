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
	"fmt"
	"math"
	"sort"
	"time"
)

// ModelUsage aggregates tokens for one model
type ModelUsage struct {
	Model       string  `json:"model"`
	Requests    int64   `json:"requests"`
	TotalTokens int64   `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost"`
}

// UserUsage aggregates tokens for one user
type UserUsage struct {
	UserID      string  `json:"user_id"`
	Requests    int64   `json:"requests"`
	TotalTokens int64   `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost"`
}

// LatencySummary holds exact-rank percentiles over a window
type LatencySummary struct {
	Count int64   `json:"count"`
	AvgMs float64 `json:"avg_ms"`
	P50Ms int64   `json:"p50_ms"`
	P95Ms int64   `json:"p95_ms"`
	P99Ms int64   `json:"p99_ms"`
	MaxMs int64   `json:"max_ms"`
}

// StatsReport is the GET /admin/stats payload
type StatsReport struct {
	TotalRequests   int64          `json:"total_requests"`
	TotalTokens     int64          `json:"total_tokens"`
	TotalCost       float64        `json:"total_cost"`
	Last24hRequests int64          `json:"last_24h_requests"`
	Last24hTokens   int64          `json:"last_24h_tokens"`
	Last24hCost     float64        `json:"last_24h_cost"`
	Last24hLatency  LatencySummary `json:"last_24h_latency"`
	TopModels       []ModelUsage   `json:"top_models"`
	TopUsers        []UserUsage    `json:"top_users"`
}

// PerformanceReport is the GET /admin/performance payload
type PerformanceReport struct {
	Last24h LatencySummary  `json:"last_24h"`
	Recent  []RequestLogRow `json:"recent"`
}

// Stats computes aggregate totals, last-24h figures and top-5 lists
func (s *Store) Stats(ctx context.Context) (*StatsReport, error) {
	report := &StatsReport{}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(total_cost), 0) FROM usage_logs
	`).Scan(&report.TotalRequests, &report.TotalTokens, &report.TotalCost)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage totals: %w", err)
	}

	since := time.Now().Add(-24 * time.Hour)
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(total_cost), 0)
		FROM usage_logs WHERE ts >= $1
	`, since).Scan(&report.Last24hRequests, &report.Last24hTokens, &report.Last24hCost)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate last-24h usage: %w", err)
	}

	latencies, err := s.latenciesSince(ctx, since)
	if err != nil {
		return nil, err
	}
	report.Last24hLatency = summarizeLatencies(latencies)

	report.TopModels, err = s.topModels(ctx, 5)
	if err != nil {
		return nil, err
	}
	report.TopUsers, err = s.topUsers(ctx, 5)
	if err != nil {
		return nil, err
	}
	return report, nil
}

// Performance computes the last-24h latency summary plus recent rows
func (s *Store) Performance(ctx context.Context, recentLimit int) (*PerformanceReport, error) {
	since := time.Now().Add(-24 * time.Hour)
	latencies, err := s.latenciesSince(ctx, since)
	if err != nil {
		return nil, err
	}

	recent, err := s.RecentRequestLogs(ctx, recentLimit)
	if err != nil {
		return nil, err
	}
	return &PerformanceReport{
		Last24h: summarizeLatencies(latencies),
		Recent:  recent,
	}, nil
}

// latenciesSince pulls the latency window for percentile math
func (s *Store) latenciesSince(ctx context.Context, since time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT latency_ms FROM request_logs WHERE started_at >= $1
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latency window: %w", err)
	}
	defer rows.Close()

	var latencies []int64
	for rows.Next() {
		var l int64
		if err := rows.Scan(&l); err != nil {
			return nil, err
		}
		latencies = append(latencies, l)
	}
	return latencies, rows.Err()
}

func (s *Store) topModels(ctx context.Context, limit int) ([]ModelUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(total_cost), 0)
		FROM usage_logs GROUP BY model ORDER BY SUM(total_tokens) DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate top models: %w", err)
	}
	defer rows.Close()

	var out []ModelUsage
	for rows.Next() {
		var m ModelUsage
		if err := rows.Scan(&m.Model, &m.Requests, &m.TotalTokens, &m.TotalCost); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) topUsers(ctx context.Context, limit int) ([]UserUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(total_cost), 0)
		FROM usage_logs GROUP BY user_id ORDER BY SUM(total_tokens) DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate top users: %w", err)
	}
	defer rows.Close()

	var out []UserUsage
	for rows.Next() {
		var u UserUsage
		if err := rows.Scan(&u.UserID, &u.Requests, &u.TotalTokens, &u.TotalCost); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// summarizeLatencies computes avg, max and exact-rank percentiles
func summarizeLatencies(latencies []int64) LatencySummary {
	summary := LatencySummary{Count: int64(len(latencies))}
	if len(latencies) == 0 {
		return summary
	}

	sorted := make([]int64, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum int64
	for _, l := range sorted {
		sum += l
	}
	summary.AvgMs = float64(sum) / float64(len(sorted))
	summary.P50Ms = percentile(sorted, 0.50)
	summary.P95Ms = percentile(sorted, 0.95)
	summary.P99Ms = percentile(sorted, 0.99)
	summary.MaxMs = sorted[len(sorted)-1]
	return summary
}

// percentile picks the nearest-rank value from a sorted slice:
// rank ceil(p*n), returned as the zero-based index ceil(p*n)-1.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
