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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"

	"tokengate/middleware/shared/logger"
)

type adminFixture struct {
	router *mux.Router
	mock   sqlmock.Sqlmock
	ring   *SystemLog
	lg     *logger.Logger
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	quota, _ := newTestQuotaStore(t)
	caches := NewCaches()
	store := NewStore(db)
	webui := NewWebUIStore(db)
	lg := logger.New("test")
	ring := NewSystemLog()
	lg.Attach(ring)

	engine := NewPolicyEngine(store, webui, quota, caches, lg)
	configSvc := NewConfigService(store, quota, lg)
	configSvc.Runtime().replace(map[string]string{
		"ADMIN_API_KEY":      "admin-secret-key",
		"OPENROUTER_API_KEY": "sk-or-v1-0123456789abcdef",
		"LOG_MODE":           "on",
	}, time.Now())

	admin := NewAdminAPI(configSvc.Runtime(), store, webui, engine, quota, caches, configSvc, ring, lg)
	router := mux.NewRouter()
	admin.Register(router)

	return &adminFixture{router: router, mock: mock, ring: ring, lg: lg}
}

func (f *adminFixture) do(method, path, body, key string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, path, reader)
	if key != "" {
		r.Header.Set("x-admin-key", key)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	return w
}

func TestAdminAuth(t *testing.T) {
	f := newAdminFixture(t)

	tests := []struct {
		name string
		key  string
		want int
	}{
		{name: "missing key", key: "", want: http.StatusUnauthorized},
		{name: "wrong key", key: "nope", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do("GET", "/admin/system-logs", "", tt.key)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	if w := f.do("GET", "/admin/system-logs", "", "admin-secret-key"); w.Code != http.StatusOK {
		t.Errorf("valid key rejected: %d", w.Code)
	}
}

func TestAdminDeleteDefaultPolicyRefused(t *testing.T) {
	f := newAdminFixture(t)

	// The guard fires before any SQL runs
	w := f.do("DELETE", "/admin/policies/default", "", "admin-secret-key")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["success"] != false {
		t.Errorf("body = %v", body)
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected SQL: %v", err)
	}
}

func TestAdminDeletePolicyCascades(t *testing.T) {
	f := newAdminFixture(t)

	f.mock.ExpectBegin()
	f.mock.ExpectExec("UPDATE users SET policy_id").
		WithArgs(DefaultPolicyID, "old-policy").
		WillReturnResult(sqlmock.NewResult(0, 3))
	f.mock.ExpectExec("DELETE FROM group_policies").
		WithArgs("old-policy").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("DELETE FROM policies").
		WithArgs("old-policy").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	w := f.do("DELETE", "/admin/policies/old-policy", "", "admin-secret-key")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAdminGetConfigMasksSensitiveValues(t *testing.T) {
	f := newAdminFixture(t)

	w := f.do("GET", "/admin/config", "", "admin-secret-key")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var body struct {
		Config map[string]string `json:"config"`
		Masked map[string]string `json:"masked"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if got := body.Masked["OPENROUTER_API_KEY"]; got != "sk-o********cdef" {
		t.Errorf("masked key = %q", got)
	}
	if got := body.Masked["LOG_MODE"]; got != "on" {
		t.Errorf("non-sensitive value masked: %q", got)
	}
	if got := body.Config["OPENROUTER_API_KEY"]; got != "sk-or-v1-0123456789abcdef" {
		t.Errorf("raw key = %q", got)
	}
}

func TestAdminPostConfigRejectsIncompleteSet(t *testing.T) {
	f := newAdminFixture(t)

	// Stored config is empty, so blanking nothing still leaves keys missing
	rows := sqlmock.NewRows([]string{"key", "value", "updated_at"}).
		AddRow("OPENROUTER_API_KEY", "sk-1", time.Now()).
		AddRow("ADMIN_API_KEY", "", time.Now())
	f.mock.ExpectQuery("SELECT key, value, updated_at FROM system_config").WillReturnRows(rows)

	w := f.do("POST", "/admin/config", `{"config":{"LOG_MODE":"off"}}`, "admin-secret-key")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var body struct {
		Success bool     `json:"success"`
		Error   string   `json:"error"`
		Missing []string `json:"missing"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Success {
		t.Error("expected success=false")
	}
	if !strings.Contains(body.Error, "Missing required config") {
		t.Errorf("error = %q", body.Error)
	}
	if len(body.Missing) == 0 {
		t.Error("expected the offending keys listed")
	}
	for _, k := range body.Missing {
		if k == "LOG_MODE" {
			t.Error("LOG_MODE was supplied and must not be reported missing")
		}
	}
}

func TestAdminPatchUserValidation(t *testing.T) {
	f := newAdminFixture(t)

	w := f.do("PATCH", "/admin/users/alice@example.com", `{}`, "admin-secret-key")
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty patch status = %d, want 400", w.Code)
	}

	// Unknown target policy
	f.mock.ExpectQuery("SELECT id, name, daily_token_limit").
		WithArgs("ghost-policy").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "daily_token_limit", "monthly_token_limit", "allowed_models", "created_at"}))

	w = f.do("PATCH", "/admin/users/alice@example.com", `{"policy_id":"ghost-policy"}`, "admin-secret-key")
	if w.Code != http.StatusBadRequest {
		t.Errorf("ghost policy status = %d, want 400", w.Code)
	}
}

func TestAdminSystemLogs(t *testing.T) {
	f := newAdminFixture(t)
	f.lg.Info("gateway booted", nil)

	w := f.do("GET", "/admin/system-logs", "", "admin-secret-key")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var entries []SystemLogEntry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if len(entries) != 1 || entries[0].Message != "gateway booted" {
		t.Errorf("entries = %+v", entries)
	}
}
