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
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebUIUserGroups(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"name"}).
		AddRow("engineering").
		AddRow("platform")
	mock.ExpectQuery(`SELECT g\.name`).
		WithArgs("alice@example.com").
		WillReturnRows(rows)

	groups, err := NewWebUIStore(db).UserGroups(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"engineering", "platform"}, groups)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWebUIUserGroupsEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT g\.name`).
		WithArgs("nobody@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	groups, err := NewWebUIStore(db).UserGroups(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestWebUIGroupNames(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT name FROM "group"`).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("engineering").AddRow("support"))

	names, err := NewWebUIStore(db).GroupNames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"engineering", "support"}, names)
}
