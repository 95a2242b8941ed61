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
	"fmt"
)

// WebUIStore reads group membership from the external chat UI datastore.
// The gateway never writes here.
type WebUIStore struct {
	db *sql.DB
}

// NewWebUIStore creates a WebUIStore on an open database handle
func NewWebUIStore(db *sql.DB) *WebUIStore {
	return &WebUIStore{db: db}
}

// UserGroups returns the group names the identifier belongs to. The
// identifier may be a UI user id or an email.
func (w *WebUIStore) UserGroups(ctx context.Context, identifier string) ([]string, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT g.name
		FROM "group" g
		JOIN group_member gm ON gm.group_id = g.id
		JOIN "user" u ON u.id = gm.user_id
		WHERE u.email = $1 OR u.id = $1
		ORDER BY g.name
	`, identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch groups for %s: %w", identifier, err)
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		groups = append(groups, name)
	}
	return groups, rows.Err()
}

// GroupNames returns all group names known to the UI datastore
func (w *WebUIStore) GroupNames(ctx context.Context) ([]string, error) {
	rows, err := w.db.QueryContext(ctx, `SELECT name FROM "group" ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list UI groups: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Ping verifies the datastore is reachable
func (w *WebUIStore) Ping(ctx context.Context) error {
	return w.db.PingContext(ctx)
}
