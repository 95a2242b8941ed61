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
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"tokengate/middleware/shared/logger"
)

type proxyFixture struct {
	proxy  *ProxyHandler
	mock   sqlmock.Sqlmock
	caches *Caches
	quota  *QuotaStore
}

func newProxyFixture(t *testing.T, upstreamBase string) *proxyFixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	quota, _ := newTestQuotaStore(t)
	caches := NewCaches()
	store := NewStore(db)
	lg := logger.New("test")
	engine := NewPolicyEngine(store, NewWebUIStore(db), quota, caches, lg)

	cfg := NewRuntimeConfig()
	cfg.replace(map[string]string{
		"OPENROUTER_API_KEY":      "sk-or-upstream-key",
		"OPENROUTER_HTTP_REFERER": "https://tokengate.example",
		"OPENROUTER_X_TITLE":      "TokenGate",
	}, time.Now())

	return &proxyFixture{
		proxy:  NewProxyHandler(cfg, store, engine, quota, upstreamBase, lg),
		mock:   mock,
		caches: caches,
		quota:  quota,
	}
}

// seedIdentity primes the caches so admission never touches the DB
func (f *proxyFixture) seedIdentity(userID string, policy *Policy) {
	f.caches.Users.Set(userID, &User{ID: userID, IsActive: 1, PolicyID: policy.ID})
	f.caches.Groups.Set(userID, []string{})
	f.caches.Policies.Set(policy.ID, policy)
}

func TestProxyForwardsWithHeaderHygieneAndUserInjection(t *testing.T) {
	var upstreamReq *http.Request
	var upstreamBody map[string]interface{}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamReq = r.Clone(context.Background())
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &upstreamBody)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"gen-1","model":"openai/gpt-4o","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15,"cost":0.0012}}`))
	}))
	defer upstream.Close()

	f := newProxyFixture(t, upstream.URL)
	f.seedIdentity("alice@example.com", &Policy{ID: DefaultPolicyID, DailyTokenLimit: -1, MonthlyTokenLimit: -1})
	f.mock.ExpectExec("INSERT INTO users").WillReturnResult(sqlmock.NewResult(1, 1))

	r := httptest.NewRequest("POST", "/v1/chat/completions?stream=false", strings.NewReader(`{"model":"openai/gpt-4o","messages":[]}`))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("x-openwebui-user-email", "Alice@Example.com")
	r.Header.Set("Authorization", "Bearer client-side-token")
	r.Header.Set("Cookie", "session=abc")
	r.Header.Set("X-Forwarded-For", "10.0.0.1")
	w := httptest.NewRecorder()

	f.proxy.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	// Upstream saw the gateway's credentials, not the client's
	if got := upstreamReq.Header.Get("Authorization"); got != "Bearer sk-or-upstream-key" {
		t.Errorf("upstream Authorization = %q", got)
	}
	if upstreamReq.Header.Get("Cookie") != "" {
		t.Error("client cookie leaked upstream")
	}
	if upstreamReq.Header.Get("X-Forwarded-For") != "" {
		t.Error("x-forwarded-for leaked upstream")
	}
	if got := upstreamReq.Header.Get("HTTP-Referer"); got != "https://tokengate.example" {
		t.Errorf("HTTP-Referer = %q", got)
	}
	if got := upstreamReq.Header.Get("X-Title"); got != "TokenGate" {
		t.Errorf("X-Title = %q", got)
	}
	if got := upstreamReq.Header.Get("User-Agent"); got == "" {
		t.Error("User-Agent missing upstream")
	}
	if got := upstreamReq.URL.RawQuery; got != "stream=false" {
		t.Errorf("query = %q", got)
	}

	// The normalized identity was injected into the payload
	if got := upstreamBody["user"]; got != "alice@example.com" {
		t.Errorf("injected user = %v", got)
	}

	// Usage landed in the counters and the durable queue
	daily, monthly, err := f.quota.Usage(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("Usage() error: %v", err)
	}
	if daily != 15 || monthly != 15 {
		t.Errorf("counters = %d, %d; want 15, 15", daily, monthly)
	}
	usageDepth, perfDepth, err := f.quota.QueueDepths(context.Background())
	if err != nil {
		t.Fatalf("QueueDepths() error: %v", err)
	}
	if usageDepth != 1 || perfDepth != 1 {
		t.Errorf("queue depths = %d, %d; want 1, 1", usageDepth, perfDepth)
	}

	events, _ := f.quota.PopUsageEvents(context.Background(), 1)
	if len(events) != 1 {
		t.Fatal("expected queued usage event")
	}
	if events[0].TotalCost != 0.0012 || events[0].Model != "openai/gpt-4o" {
		t.Errorf("queued event = %+v", events[0])
	}
}

func TestProxyDeniesOverQuota(t *testing.T) {
	upstreamHit := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHit = true
	}))
	defer upstream.Close()

	f := newProxyFixture(t, upstream.URL)
	f.seedIdentity("bob@example.com", &Policy{ID: "limited", DailyTokenLimit: 100, MonthlyTokenLimit: 1000})
	f.mock.ExpectExec("INSERT INTO users").WillReturnResult(sqlmock.NewResult(1, 1))

	now := time.Now()
	f.quota.client.Set(context.Background(), dailyUsageKey("bob@example.com", now), 100, 0)

	r := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{"model":"openai/gpt-4o","messages":[]}`))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("x-openwebui-user-email", "bob@example.com")
	w := httptest.NewRecorder()

	f.proxy.ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["error"] != ReasonDailyExceeded {
		t.Errorf("error = %q, want %q", body["error"], ReasonDailyExceeded)
	}
	if upstreamHit {
		t.Error("denied request must not reach upstream")
	}
}

func TestProxyModelsFastPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("upstream path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"openai/gpt-4o"}]}`))
	}))
	defer upstream.Close()

	// No identity, no policy, no DB expectations: the catalog is public
	f := newProxyFixture(t, upstream.URL)

	r := httptest.NewRequest("GET", "/v1/models", nil)
	w := httptest.NewRecorder()
	f.proxy.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "openai/gpt-4o") {
		t.Errorf("body = %s", w.Body.String())
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("models fast path touched the database: %v", err)
	}
}

func TestProxyStreamRelay(t *testing.T) {
	sse := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n" +
		"data: {\"model\":\"openai/gpt-4o\",\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":3,\"total_tokens\":10}}\n\n" +
		"data: [DONE]\n\n"

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sse))
	}))
	defer upstream.Close()

	f := newProxyFixture(t, upstream.URL)
	f.seedIdentity("carol@example.com", &Policy{ID: DefaultPolicyID, DailyTokenLimit: -1, MonthlyTokenLimit: -1})
	f.mock.ExpectExec("INSERT INTO users").WillReturnResult(sqlmock.NewResult(1, 1))

	r := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{"model":"openai/gpt-4o","stream":true}`))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("x-openwebui-user-id", "carol@example.com")
	w := httptest.NewRecorder()

	f.proxy.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.String() != sse {
		t.Errorf("stream body altered:\n%s", w.Body.String())
	}

	daily, _, err := f.quota.Usage(context.Background(), "carol@example.com")
	if err != nil {
		t.Fatalf("Usage() error: %v", err)
	}
	if daily != 10 {
		t.Errorf("daily counter = %d, want 10", daily)
	}
}

func TestProxyUpstreamUnavailable(t *testing.T) {
	// Nothing listens here
	f := newProxyFixture(t, "http://127.0.0.1:1")

	r := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	f.proxy.ServeHTTP(w, r)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Upstream unavailable") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestProxyRequiresConfiguredKey(t *testing.T) {
	f := newProxyFixture(t, "http://unused.invalid")
	f.proxy.cfg.replace(map[string]string{}, time.Now())

	r := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	f.proxy.ServeHTTP(w, r)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}
