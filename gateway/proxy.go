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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tokengate/middleware/shared/logger"
)

const (
	// defaultUpstreamBase is the OpenRouter API root; the /v1/ suffix of
	// the inbound path is appended verbatim.
	defaultUpstreamBase = "https://openrouter.ai/api"

	defaultUserAgent = "OpenWebUI-Middleware/1.0"
)

// Hop-by-hop headers stripped in both directions
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Client-sensitive headers never forwarded upstream. Accept-Encoding is
// dropped to avoid zstd/br mismatches when the body is re-serialized.
var sensitiveRequestHeaders = []string{
	"Cookie",
	"Authorization",
	"X-Real-Ip",
	"Accept-Encoding",
	"Host",
	"Content-Length",
}

// ProxyHandler is the /v1/* request path: identity, admission, header
// hygiene, upstream dispatch and usage extraction.
type ProxyHandler struct {
	cfg          *RuntimeConfig
	store        *Store
	engine       *PolicyEngine
	quota        *QuotaStore
	upstreamBase string
	client       *http.Client
	log          *logger.Logger
}

// NewProxyHandler wires the proxy pipeline. upstreamBase overrides the
// OpenRouter default when non-empty (tests point it at a local server).
func NewProxyHandler(cfg *RuntimeConfig, store *Store, engine *PolicyEngine, quota *QuotaStore, upstreamBase string, log *logger.Logger) *ProxyHandler {
	if upstreamBase == "" {
		upstreamBase = defaultUpstreamBase
	}
	return &ProxyHandler{
		cfg:          cfg,
		store:        store,
		engine:       engine,
		quota:        quota,
		upstreamBase: upstreamBase,
		// No client timeout: streams stay open as long as the upstream
		// keeps producing.
		client: &http.Client{},
		log:    log,
	}
}

// ServeHTTP handles ANY /v1/*
func (p *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	rec := &RequestLogEvent{
		Model:     "unknown",
		Path:      r.URL.Path,
		Method:    r.Method,
		StartedAt: started,
	}

	logged := false
	record := func(status int, isStream bool) {
		if logged {
			return
		}
		logged = true
		rec.Status = status
		rec.IsStream = isStream
		rec.CompletedAt = time.Now()
		rec.LatencyMs = rec.CompletedAt.Sub(rec.StartedAt).Milliseconds()
		if rec.LatencyMs < 0 {
			rec.LatencyMs = 0
		}

		// Detached context: the client may already be gone
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.quota.EnqueueRequestLog(ctx, rec); err != nil {
			p.log.ErrorErr("Failed to enqueue request log", err, map[string]interface{}{
				"path": rec.Path,
			})
		}

		promProxyRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
		promProxyDuration.Observe(float64(rec.LatencyMs))

		// LOG_MODE=off silences per-request metadata lines only; audit
		// rows and metrics are unaffected.
		if p.cfg.Get("LOG_MODE") != "off" {
			p.log.Info("Request completed", map[string]interface{}{
				"user_id":    rec.UserID,
				"model":      rec.Model,
				"path":       rec.Path,
				"method":     rec.Method,
				"status":     rec.Status,
				"is_stream":  rec.IsStream,
				"latency_ms": rec.LatencyMs,
			})
		}
	}

	apiKey := p.cfg.Get("OPENROUTER_API_KEY")
	if apiKey == "" {
		sendError(w, "OPENROUTER_API_KEY not configured", http.StatusInternalServerError)
		record(http.StatusInternalServerError, false)
		return
	}

	// Fast path: upstream model catalog needs no identity, no policy
	// and no usage accounting.
	if r.Method == http.MethodGet && strings.TrimSuffix(r.URL.Path, "/") == "/v1/models" {
		p.forward(w, r, nil, apiKey, rec, record)
		return
	}

	userID := ResolveIdentity(r)
	if userID != "" {
		rec.UserID = userID
		if err := p.store.EnsureUser(r.Context(), userID); err != nil {
			p.log.ErrorErr("Failed to auto-provision user", err, map[string]interface{}{"user_id": userID})
		} else if _, err := p.engine.CachedUser(r.Context(), userID); err != nil {
			p.log.Warn("User cache warm failed", map[string]interface{}{"user_id": userID, "error": err.Error()})
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		sendError(w, "failed to read request body", http.StatusBadRequest)
		record(http.StatusBadRequest, false)
		return
	}

	if isWriteMethod(r.Method) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") && len(body) > 0 {
		var payload map[string]interface{}
		if jsonErr := json.Unmarshal(body, &payload); jsonErr == nil {
			if model, ok := payload["model"].(string); ok && model != "" {
				rec.Model = model
			}

			if userID != "" {
				result := p.engine.CheckAccess(r.Context(), userID)
				if !result.Allowed {
					promBlockedRequestsTotal.Inc()
					p.log.Warn("Request denied by policy", map[string]interface{}{
						"user_id": userID,
						"reason":  result.Reason,
						"model":   rec.Model,
					})
					sendError(w, result.Reason, http.StatusForbidden)
					record(http.StatusForbidden, false)
					return
				}

				// Inject the identity marker for upstream tracking
				payload["user"] = userID
				if reserialized, mErr := json.Marshal(payload); mErr == nil {
					body = reserialized
				}
			}
		}
	}

	p.forward(w, r, body, apiKey, rec, record)
}

// forward dispatches to the upstream and relays the response, sniffing
// usage from both streamed and buffered bodies.
func (p *ProxyHandler) forward(w http.ResponseWriter, r *http.Request, body []byte, apiKey string, rec *RequestLogEvent, record func(int, bool)) int {
	suffix := strings.TrimPrefix(r.URL.Path, "/v1/")
	upstreamURL := p.upstreamBase + "/v1/" + suffix

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else if r.Body != nil {
		reader = r.Body
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, reader)
	if err != nil {
		sendError(w, "failed to build upstream request", http.StatusInternalServerError)
		record(http.StatusInternalServerError, false)
		return http.StatusInternalServerError
	}
	req.URL.RawQuery = r.URL.RawQuery
	req.Header = p.forwardHeaders(r.Header, apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.ErrorErr("Upstream dispatch failed", err, map[string]interface{}{"path": r.URL.Path})
		sendError(w, "Upstream unavailable", http.StatusBadGateway)
		record(http.StatusBadGateway, false)
		return http.StatusBadGateway
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		p.log.Warn("Upstream returned error status", map[string]interface{}{
			"status": resp.StatusCode,
			"path":   r.URL.Path,
		})
	}

	copyResponseHeaders(w.Header(), resp.Header)

	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/event-stream") {
		p.relayStream(w, resp, rec)
		record(resp.StatusCode, true)
		return resp.StatusCode
	}

	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		p.log.ErrorErr("Failed to read upstream body", readErr, nil)
	}
	p.sniffBufferedUsage(resp.Header.Get("Content-Type"), respBody, rec)

	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(respBody); err != nil {
		p.log.Warn("Client write failed", map[string]interface{}{"error": err.Error()})
	}
	record(resp.StatusCode, false)
	return resp.StatusCode
}

// relayStream forwards SSE bytes to the client before inspecting them.
// A client disconnect releases the upstream reader; the request log is
// still recorded by the caller.
func (p *ProxyHandler) relayStream(w http.ResponseWriter, resp *http.Response, rec *RequestLogEvent) {
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	sniffer := newUsageSniffer(rec.Model, func(model string, usage map[string]interface{}) {
		if ev := p.processUsage(rec.UserID, model, usage); ev != nil {
			rec.Model = ev.Model
			rec.TotalCost = ev.TotalCost
		}
	})

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			sniffer.Feed(buf[:n])
		}
		if readErr != nil {
			return
		}
	}
}

// sniffBufferedUsage extracts usage from a non-streamed JSON body
func (p *ProxyHandler) sniffBufferedUsage(contentType string, body []byte, rec *RequestLogEvent) {
	if !strings.Contains(strings.ToLower(contentType), "application/json") || len(body) == 0 {
		return
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return
	}
	usage, ok := payload["usage"].(map[string]interface{})
	if !ok {
		return
	}
	model := rec.Model
	if m, ok := payload["model"].(string); ok && m != "" {
		model = m
	}
	if ev := p.processUsage(rec.UserID, model, usage); ev != nil {
		rec.Model = ev.Model
		rec.TotalCost = ev.TotalCost
	}
}

// processUsage normalizes a usage object and records it: counters plus
// durable queue for identified users, queue only for anonymous ones.
// Failures log and never surface to the client. The recorded event is
// returned so the request log can pick up the served model and cost.
func (p *ProxyHandler) processUsage(userID, model string, usage map[string]interface{}) *UsageEvent {
	prompt := usageNumber(usage, "prompt_tokens")
	completion := usageNumber(usage, "completion_tokens")
	total := usageNumber(usage, "total_tokens")
	if total == 0 {
		total = prompt + completion
	}

	// Upstream emits either "cost" or "total_cost"; prefer "cost"
	cost, ok := usageFloat(usage, "cost")
	if !ok {
		cost, _ = usageFloat(usage, "total_cost")
	}

	ev := &UsageEvent{
		UserID:           userID,
		Model:            model,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
		TotalCost:        cost,
		TS:               time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if userID != "" {
		err = p.quota.RecordUsage(ctx, ev)
	} else {
		err = p.quota.EnqueueUsageEvent(ctx, ev)
	}
	if err != nil {
		p.log.ErrorErr("Failed to record usage", err, map[string]interface{}{
			"user_id": userID,
			"model":   model,
		})
		return ev
	}

	promTokensTotal.WithLabelValues(model).Add(float64(total))
	return ev
}

// forwardHeaders builds the upstream header set: hygiene first, then
// the gateway's own credentials and attribution headers.
func (p *ProxyHandler) forwardHeaders(in http.Header, apiKey string) http.Header {
	out := in.Clone()
	for key := range in {
		if strings.HasPrefix(strings.ToLower(key), "x-forwarded-") {
			out.Del(key)
		}
	}
	for _, key := range sensitiveRequestHeaders {
		out.Del(key)
	}
	for _, key := range hopByHopHeaders {
		out.Del(key)
	}

	out.Set("Authorization", "Bearer "+apiKey)
	if referer := p.cfg.Get("OPENROUTER_HTTP_REFERER"); referer != "" {
		out.Set("HTTP-Referer", referer)
	}
	if title := p.cfg.Get("OPENROUTER_X_TITLE"); title != "" {
		out.Set("X-Title", title)
	}
	if out.Get("User-Agent") == "" {
		out.Set("User-Agent", defaultUserAgent)
	}
	out.Set("Accept", "application/json")
	return out
}

// copyResponseHeaders relays cleaned upstream headers to the client.
// Content-Length and Content-Encoding go because the body may be
// re-serialized by intermediate buffering.
func copyResponseHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
	for _, key := range hopByHopHeaders {
		dst.Del(key)
	}
	dst.Del("Content-Length")
	dst.Del("Content-Encoding")
}

func isWriteMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// usageNumber reads an integer-valued usage field (JSON numbers decode
// as float64)
func usageNumber(usage map[string]interface{}, key string) int64 {
	f, _ := usageFloat(usage, key)
	return int64(f)
}

// usageFloat reads a numeric usage field, reporting presence
func usageFloat(usage map[string]interface{}, key string) (float64, bool) {
	switch v := usage[key].(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
