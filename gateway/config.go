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
	"sort"
	"strings"
	"sync"
	"time"

	"tokengate/middleware/shared/logger"
)

// Recognized configuration keys. Unknown keys on POST /admin/config are
// ignored; all recognized keys are required.
var recognizedConfigKeys = []string{
	"OPENROUTER_API_KEY",
	"ADMIN_API_KEY",
	"OPENROUTER_HTTP_REFERER",
	"OPENROUTER_X_TITLE",
	"LOG_MODE",
	"REDIS_URL",
	"DATABASE_URL",
	"WEBUI_DATABASE_URL",
}

// IsRecognizedConfigKey reports whether the key is part of the config plane
func IsRecognizedConfigKey(key string) bool {
	for _, k := range recognizedConfigKeys {
		if k == key {
			return true
		}
	}
	return false
}

// MissingConfigKeys returns the recognized keys absent or blank in values
func MissingConfigKeys(values map[string]string) []string {
	var missing []string
	for _, key := range recognizedConfigKeys {
		if strings.TrimSpace(values[key]) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// isSensitiveConfigKey marks keys whose values must be masked
func isSensitiveConfigKey(key string) bool {
	upper := strings.ToUpper(key)
	return strings.Contains(upper, "KEY") ||
		strings.Contains(upper, "PASSWORD") ||
		strings.Contains(upper, "SECRET")
}

// MaskConfigValue renders a sensitive value as first4 + 8 stars +
// last4, or all stars when it is too short to keep any plaintext.
func MaskConfigValue(value string) string {
	if len(value) <= 8 {
		return "********"
	}
	return value[:4] + "********" + value[len(value)-4:]
}

// RuntimeConfig is the mutex-guarded in-process view of the effective
// configuration. It is replaced atomically on every reload.
type RuntimeConfig struct {
	mu        sync.RWMutex
	values    map[string]string
	updatedAt time.Time
}

// NewRuntimeConfig creates an empty runtime config
func NewRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{values: make(map[string]string)}
}

// Get returns the current value of a key
func (c *RuntimeConfig) Get(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[key]
}

// Snapshot returns a copy of all values plus the last update time
func (c *RuntimeConfig) Snapshot() (map[string]string, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out, c.updatedAt
}

// replace installs a new value map atomically
func (c *RuntimeConfig) replace(values map[string]string, updatedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = values
	c.updatedAt = updatedAt
}

// configChangeNotice is the payload published on the config bus
type configChangeNotice struct {
	Changed []string `json:"changed"`
	TS      int64    `json:"ts"`
}

// ConfigService owns the SystemConfig rows, the in-process runtime view
// and the pub/sub fan-out to other replicas.
type ConfigService struct {
	store   *Store
	quota   *QuotaStore
	runtime *RuntimeConfig
	log     *logger.Logger
}

// NewConfigService wires the configuration plane
func NewConfigService(store *Store, quota *QuotaStore, log *logger.Logger) *ConfigService {
	return &ConfigService{
		store:   store,
		quota:   quota,
		runtime: NewRuntimeConfig(),
		log:     log,
	}
}

// Runtime exposes the live configuration view
func (s *ConfigService) Runtime() *RuntimeConfig {
	return s.runtime
}

// Bootstrap seeds SystemConfig rows from the environment (insert if
// absent), loads the merged map, validates it and installs it locally.
// Precedence: SystemConfig row > boot environment.
func (s *ConfigService) Bootstrap(ctx context.Context, env map[string]string) error {
	for _, key := range recognizedConfigKeys {
		value := strings.TrimSpace(env[key])
		if value == "" {
			// A blank seed would occupy the row and, with row > env
			// precedence, shadow any value the operator later exports.
			continue
		}
		_, err := s.store.db.ExecContext(ctx, `
			INSERT INTO system_config (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO NOTHING
		`, key, value)
		if err != nil {
			return fmt.Errorf("failed to seed config key %s: %w", key, err)
		}
	}

	values, updatedAt, err := s.loadAll(ctx)
	if err != nil {
		return err
	}
	if missing := MissingConfigKeys(values); len(missing) > 0 {
		return fmt.Errorf("Missing required config: %s", strings.Join(missing, ", "))
	}

	s.runtime.replace(values, updatedAt)
	s.log.Info("Configuration loaded", map[string]interface{}{"keys": len(values)})
	return nil
}

// loadAll reads every SystemConfig row and the newest update timestamp
func (s *ConfigService) loadAll(ctx context.Context) (map[string]string, time.Time, error) {
	rows, err := s.store.db.QueryContext(ctx, `SELECT key, value, updated_at FROM system_config`)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to load system config: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	var updatedAt time.Time
	for rows.Next() {
		var key, value string
		var ts time.Time
		if err := rows.Scan(&key, &value, &ts); err != nil {
			return nil, time.Time{}, err
		}
		values[key] = value
		if ts.After(updatedAt) {
			updatedAt = ts
		}
	}
	return values, updatedAt, rows.Err()
}

// Update merges recognized keys into the current map, validates the
// result, persists changed rows, reloads locally and publishes on the
// bus. It returns the changed key list, or the missing key list when
// validation fails (no partial persistence).
func (s *ConfigService) Update(ctx context.Context, incoming map[string]string) (changed []string, missing []string, err error) {
	current, _, err := s.loadAll(ctx)
	if err != nil {
		return nil, nil, err
	}

	merged := make(map[string]string, len(current))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range incoming {
		if !IsRecognizedConfigKey(k) {
			continue
		}
		if merged[k] != v {
			changed = append(changed, k)
		}
		merged[k] = v
	}
	sort.Strings(changed)

	if missing = MissingConfigKeys(merged); len(missing) > 0 {
		return nil, missing, nil
	}

	for _, key := range changed {
		_, err := s.store.db.ExecContext(ctx, `
			INSERT INTO system_config (key, value, updated_at) VALUES ($1, $2, NOW())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
		`, key, merged[key])
		if err != nil {
			return nil, nil, fmt.Errorf("failed to persist config key %s: %w", key, err)
		}
	}

	if err := s.Reload(ctx); err != nil {
		return nil, nil, err
	}
	s.publish(ctx, changed)
	return changed, nil, nil
}

// Reload re-reads the full map from SystemConfig into the runtime view
func (s *ConfigService) Reload(ctx context.Context) error {
	values, updatedAt, err := s.loadAll(ctx)
	if err != nil {
		return err
	}
	s.runtime.replace(values, updatedAt)
	return nil
}

// publish broadcasts the change notice; lost notifications self-heal
// via TTL-bounded caches, so failures only log.
func (s *ConfigService) publish(ctx context.Context, changed []string) {
	payload, err := json.Marshal(configChangeNotice{Changed: changed, TS: time.Now().Unix()})
	if err != nil {
		return
	}
	if err := s.quota.PublishConfigChanged(ctx, payload); err != nil {
		s.log.ErrorErr("Failed to publish config change", err, nil)
	}
}

// Subscribe listens on the config bus and reloads on every notice.
// Runs until the context is cancelled.
func (s *ConfigService) Subscribe(ctx context.Context) {
	sub := s.quota.SubscribeConfig(ctx)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var notice configChangeNotice
			_ = json.Unmarshal([]byte(msg.Payload), &notice)
			if err := s.Reload(ctx); err != nil {
				s.log.ErrorErr("Failed to reload config from pub/sub", err, nil)
				continue
			}
			s.log.Info("Config reloaded from pub/sub", map[string]interface{}{
				"changed": notice.Changed,
			})
		}
	}
}

// MaskedSnapshot returns the raw and masked config views plus the
// update timestamp
func (s *ConfigService) MaskedSnapshot() (raw, masked map[string]string, updatedAt time.Time) {
	raw, updatedAt = s.runtime.Snapshot()
	masked = make(map[string]string, len(raw))
	for k, v := range raw {
		if isSensitiveConfigKey(k) {
			masked[k] = MaskConfigValue(v)
		} else {
			masked[k] = v
		}
	}
	return raw, masked, updatedAt
}
