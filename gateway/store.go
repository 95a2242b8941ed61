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
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DefaultPolicyID is the policy every user starts on. The row is seeded
// at boot and can never be deleted.
const DefaultPolicyID = "default"

// ErrPolicyNotFound is returned when a policy does not exist.
var ErrPolicyNotFound = errors.New("policy not found")

// ErrUserNotFound is returned when a user does not exist.
var ErrUserNotFound = errors.New("user not found")

// ErrDefaultPolicyImmortal is returned when attempting to delete the default policy.
var ErrDefaultPolicyImmortal = errors.New("default policy cannot be deleted")

// Policy limits are signed; a negative value (convention: -1) means unlimited.
// AllowedModels is either "*" or a comma-separated list of model ids.
type Policy struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	DailyTokenLimit   int64     `json:"daily_token_limit"`
	MonthlyTokenLimit int64     `json:"monthly_token_limit"`
	AllowedModels     string    `json:"allowed_models"`
	CreatedAt         time.Time `json:"created_at"`
}

// User is a proxied end user, auto-provisioned on first sighting.
// IsActive is a boolean-valued integer (0 or 1).
type User struct {
	ID        string    `json:"id"`
	IsActive  int       `json:"is_active"`
	PolicyID  string    `json:"policy_id"`
	CreatedAt time.Time `json:"created_at"`
}

// GroupPolicy maps an external UI group to a policy. Higher priority wins.
type GroupPolicy struct {
	GroupName string    `json:"group_name"`
	PolicyID  string    `json:"policy_id"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// UsageLogRow is one completed inference as persisted by the drain workers
type UsageLogRow struct {
	ID               int64     `json:"id"`
	UserID           string    `json:"user_id"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	TotalCost        float64   `json:"total_cost"`
	TS               time.Time `json:"ts"`
}

// RequestLogRow is one proxied request as persisted by the drain workers
type RequestLogRow struct {
	ID          int64     `json:"id"`
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

// Store wraps the durable audit database (policies, users, group
// mappings, usage and request logs, system config).
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on an open database handle
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks
func (s *Store) DB() *sql.DB {
	return s.db
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		daily_token_limit BIGINT NOT NULL DEFAULT -1,
		monthly_token_limit BIGINT NOT NULL DEFAULT -1,
		allowed_models TEXT NOT NULL DEFAULT '*',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		is_active INT NOT NULL DEFAULT 1,
		policy_id TEXT NOT NULL REFERENCES policies(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS group_policies (
		group_name TEXT PRIMARY KEY,
		policy_id TEXT NOT NULL REFERENCES policies(id),
		priority INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS usage_logs (
		id SERIAL PRIMARY KEY,
		user_id TEXT,
		model TEXT,
		prompt_tokens INT NOT NULL DEFAULT 0,
		completion_tokens INT NOT NULL DEFAULT 0,
		total_tokens INT NOT NULL DEFAULT 0,
		total_cost NUMERIC(15,10) NOT NULL DEFAULT 0,
		ts TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS request_logs (
		id SERIAL PRIMARY KEY,
		user_id TEXT,
		model TEXT,
		path TEXT,
		method TEXT,
		status INT NOT NULL DEFAULT 0,
		is_stream BOOLEAN NOT NULL DEFAULT FALSE,
		latency_ms INT NOT NULL DEFAULT 0,
		total_cost NUMERIC(15,10) NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_started_at ON request_logs (started_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_completed_at ON request_logs (completed_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_user_started ON request_logs (user_id, started_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_model_started ON request_logs (model, started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS system_config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// EnsureSchema creates the audit tables if missing and seeds the
// immortal default policy (unlimited, all models).
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policies (id, name, daily_token_limit, monthly_token_limit, allowed_models)
		VALUES ($1, 'Default', -1, -1, '*')
		ON CONFLICT (id) DO NOTHING
	`, DefaultPolicyID)
	if err != nil {
		return fmt.Errorf("failed to seed default policy: %w", err)
	}
	return nil
}

// GetUser fetches a user by id
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, is_active, policy_id, created_at FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.IsActive, &u.PolicyID, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user %s: %w", id, err)
	}
	return &u, nil
}

// EnsureUser inserts the user on first sighting (active, default policy).
// Existing rows are left untouched.
func (s *Store) EnsureUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, is_active, policy_id)
		VALUES ($1, 1, $2)
		ON CONFLICT (id) DO NOTHING
	`, id, DefaultPolicyID)
	if err != nil {
		return fmt.Errorf("failed to ensure user %s: %w", id, err)
	}
	return nil
}

// UpdateUser updates is_active and/or policy_id. Nil fields are left as-is.
// When policy_id is set it must reference an existing policy.
func (s *Store) UpdateUser(ctx context.Context, id string, isActive *int, policyID *string) error {
	if policyID != nil {
		if _, err := s.GetPolicy(ctx, *policyID); err != nil {
			return err
		}
	}

	var active sql.NullInt64
	if isActive != nil {
		active = sql.NullInt64{Int64: int64(*isActive), Valid: true}
	}
	var policy sql.NullString
	if policyID != nil {
		policy = sql.NullString{String: *policyID, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_active = COALESCE($2, is_active),
		    policy_id = COALESCE($3, policy_id)
		WHERE id = $1
	`, id, active, policy)
	if err != nil {
		return fmt.Errorf("failed to update user %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ListUsers returns all users ordered by creation time
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, is_active, policy_id, created_at FROM users ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.IsActive, &u.PolicyID, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetPolicy fetches a policy by id
func (s *Store) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	var p Policy
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, daily_token_limit, monthly_token_limit, allowed_models, created_at
		FROM policies WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.DailyTokenLimit, &p.MonthlyTokenLimit, &p.AllowedModels, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch policy %s: %w", id, err)
	}
	return &p, nil
}

// ListPolicies returns all policies
func (s *Store) ListPolicies(ctx context.Context) ([]Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, daily_token_limit, monthly_token_limit, allowed_models, created_at
		FROM policies ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	var policies []Policy
	for rows.Next() {
		var p Policy
		if err := rows.Scan(&p.ID, &p.Name, &p.DailyTokenLimit, &p.MonthlyTokenLimit, &p.AllowedModels, &p.CreatedAt); err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// UpsertPolicy creates or replaces a policy by id
func (s *Store) UpsertPolicy(ctx context.Context, p *Policy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policies (id, name, daily_token_limit, monthly_token_limit, allowed_models)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			daily_token_limit = EXCLUDED.daily_token_limit,
			monthly_token_limit = EXCLUDED.monthly_token_limit,
			allowed_models = EXCLUDED.allowed_models
	`, p.ID, p.Name, p.DailyTokenLimit, p.MonthlyTokenLimit, p.AllowedModels)
	if err != nil {
		return fmt.Errorf("failed to upsert policy %s: %w", p.ID, err)
	}
	return nil
}

// DeletePolicy removes a policy. The default policy is immortal and
// users still referencing the deleted policy fall back to it.
func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	if id == DefaultPolicyID {
		return ErrDefaultPolicyImmortal
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete of policy %s: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET policy_id = $1 WHERE policy_id = $2
	`, DefaultPolicyID, id); err != nil {
		return fmt.Errorf("failed to reassign users of policy %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM group_policies WHERE policy_id = $1
	`, id); err != nil {
		return fmt.Errorf("failed to delete group mappings of policy %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete policy %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrPolicyNotFound
	}
	return tx.Commit()
}

// ListGroupPolicies returns all group-to-policy mappings ordered by
// priority (highest first), then group name for deterministic ties.
func (s *Store) ListGroupPolicies(ctx context.Context) ([]GroupPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_name, policy_id, priority, created_at
		FROM group_policies ORDER BY priority DESC, group_name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list group policies: %w", err)
	}
	defer rows.Close()

	var mappings []GroupPolicy
	for rows.Next() {
		var g GroupPolicy
		if err := rows.Scan(&g.GroupName, &g.PolicyID, &g.Priority, &g.CreatedAt); err != nil {
			return nil, err
		}
		mappings = append(mappings, g)
	}
	return mappings, rows.Err()
}

// UpsertGroupPolicy creates or replaces a group mapping. The referenced
// policy must exist.
func (s *Store) UpsertGroupPolicy(ctx context.Context, g *GroupPolicy) error {
	if _, err := s.GetPolicy(ctx, g.PolicyID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_policies (group_name, policy_id, priority)
		VALUES ($1, $2, $3)
		ON CONFLICT (group_name) DO UPDATE SET
			policy_id = EXCLUDED.policy_id,
			priority = EXCLUDED.priority
	`, g.GroupName, g.PolicyID, g.Priority)
	if err != nil {
		return fmt.Errorf("failed to upsert group policy %s: %w", g.GroupName, err)
	}
	return nil
}

// DeleteGroupPolicy removes a group mapping by name
func (s *Store) DeleteGroupPolicy(ctx context.Context, groupName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM group_policies WHERE group_name = $1`, groupName)
	if err != nil {
		return fmt.Errorf("failed to delete group policy %s: %w", groupName, err)
	}
	return nil
}

// InsertUsageLog writes one usage row (drain worker path)
func (s *Store) InsertUsageLog(ctx context.Context, ev *UsageEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_logs (user_id, model, prompt_tokens, completion_tokens, total_tokens, total_cost, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.UserID, ev.Model, ev.PromptTokens, ev.CompletionTokens, ev.TotalTokens, ev.TotalCost, ev.TS)
	if err != nil {
		return fmt.Errorf("failed to insert usage log: %w", err)
	}
	return nil
}

// InsertRequestLog writes one request row (drain worker path)
func (s *Store) InsertRequestLog(ctx context.Context, ev *RequestLogEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_logs (user_id, model, path, method, status, is_stream, latency_ms, total_cost, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, ev.UserID, ev.Model, ev.Path, ev.Method, ev.Status, ev.IsStream, ev.LatencyMs, ev.TotalCost, ev.StartedAt, ev.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to insert request log: %w", err)
	}
	return nil
}

// RecentUsageLogs returns the latest usage rows
func (s *Store) RecentUsageLogs(ctx context.Context, limit int) ([]UsageLogRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, model, prompt_tokens, completion_tokens, total_tokens, total_cost, ts
		FROM usage_logs ORDER BY ts DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage logs: %w", err)
	}
	defer rows.Close()

	var logs []UsageLogRow
	for rows.Next() {
		var l UsageLogRow
		if err := rows.Scan(&l.ID, &l.UserID, &l.Model, &l.PromptTokens, &l.CompletionTokens, &l.TotalTokens, &l.TotalCost, &l.TS); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// RecentRequestLogs returns the latest request rows
func (s *Store) RecentRequestLogs(ctx context.Context, limit int) ([]RequestLogRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, model, path, method, status, is_stream, latency_ms, total_cost, started_at, completed_at
		FROM request_logs ORDER BY started_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list request logs: %w", err)
	}
	defer rows.Close()

	var logs []RequestLogRow
	for rows.Next() {
		var l RequestLogRow
		if err := rows.Scan(&l.ID, &l.UserID, &l.Model, &l.Path, &l.Method, &l.Status, &l.IsStream, &l.LatencyMs, &l.TotalCost, &l.StartedAt, &l.CompletedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
