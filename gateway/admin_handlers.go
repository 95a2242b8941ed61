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
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"tokengate/middleware/shared/logger"
)

// AdminAPI is the authenticated /admin surface: entity CRUD, analytics,
// health and the configuration plane.
type AdminAPI struct {
	cfg       *RuntimeConfig
	store     *Store
	webui     *WebUIStore
	engine    *PolicyEngine
	quota     *QuotaStore
	caches    *Caches
	configSvc *ConfigService
	syslog    *SystemLog
	log       *logger.Logger
}

// NewAdminAPI wires the admin surface
func NewAdminAPI(cfg *RuntimeConfig, store *Store, webui *WebUIStore, engine *PolicyEngine, quota *QuotaStore, caches *Caches, configSvc *ConfigService, syslog *SystemLog, log *logger.Logger) *AdminAPI {
	return &AdminAPI{
		cfg:       cfg,
		store:     store,
		webui:     webui,
		engine:    engine,
		quota:     quota,
		caches:    caches,
		configSvc: configSvc,
		syslog:    syslog,
		log:       log,
	}
}

// Register mounts all admin routes under /admin
func (a *AdminAPI) Register(r *mux.Router) {
	sub := r.PathPrefix("/admin").Subrouter()
	sub.Use(a.authMiddleware)

	sub.HandleFunc("/users", a.handleListUsers).Methods("GET")
	sub.HandleFunc("/users/{id}", a.handlePatchUser).Methods("PATCH")
	sub.HandleFunc("/policies", a.handleListPolicies).Methods("GET")
	sub.HandleFunc("/policies", a.handleUpsertPolicy).Methods("POST")
	sub.HandleFunc("/policies/{id}", a.handleDeletePolicy).Methods("DELETE")
	sub.HandleFunc("/group-policies", a.handleListGroupPolicies).Methods("GET")
	sub.HandleFunc("/group-policies", a.handleUpsertGroupPolicy).Methods("POST")
	sub.HandleFunc("/group-policies/{name}", a.handleDeleteGroupPolicy).Methods("DELETE")
	sub.HandleFunc("/openwebui-groups", a.handleListUIGroups).Methods("GET")
	sub.HandleFunc("/usage", a.handleUsage).Methods("GET")
	sub.HandleFunc("/stats", a.handleStats).Methods("GET")
	sub.HandleFunc("/performance", a.handlePerformance).Methods("GET")
	sub.HandleFunc("/health", a.handleHealth).Methods("GET")
	sub.HandleFunc("/config", a.handleGetConfig).Methods("GET")
	sub.HandleFunc("/config", a.handlePostConfig).Methods("POST")
	sub.HandleFunc("/system-logs", a.handleSystemLogs).Methods("GET")
}

// authMiddleware rejects requests without the configured admin key
func (a *AdminAPI) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := a.cfg.Get("ADMIN_API_KEY")
		if key == "" || r.Header.Get("x-admin-key") != key {
			sendError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AdminUser is a user row augmented with resolved groups and the
// effective policy id.
type AdminUser struct {
	User
	Groups            []string `json:"groups"`
	EffectivePolicyID string   `json:"effective_policy_id"`
}

func (a *AdminAPI) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.store.ListUsers(r.Context())
	if err != nil {
		sendError(w, "failed to list users", http.StatusInternalServerError)
		return
	}

	out := make([]AdminUser, 0, len(users))
	for _, u := range users {
		user := u
		groups := a.engine.UserGroups(r.Context(), user.ID)
		effective, err := a.engine.ResolveEffectivePolicy(r.Context(), &user, groups)
		if err != nil {
			effective = user.PolicyID
		}
		if groups == nil {
			groups = []string{}
		}
		out = append(out, AdminUser{User: user, Groups: groups, EffectivePolicyID: effective})
	}
	sendJSON(w, http.StatusOK, out)
}

func (a *AdminAPI) handlePatchUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		IsActive *int    `json:"is_active"`
		PolicyID *string `json:"policy_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		sendError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.IsActive == nil && body.PolicyID == nil {
		sendError(w, "nothing to update", http.StatusBadRequest)
		return
	}

	if err := a.store.UpdateUser(r.Context(), id, body.IsActive, body.PolicyID); err != nil {
		switch {
		case errors.Is(err, ErrUserNotFound):
			sendError(w, "user not found", http.StatusNotFound)
		case errors.Is(err, ErrPolicyNotFound):
			sendError(w, "policy not found", http.StatusBadRequest)
		default:
			sendError(w, "failed to update user", http.StatusInternalServerError)
		}
		return
	}

	a.caches.Users.Invalidate(id)
	sendJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (a *AdminAPI) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := a.store.ListPolicies(r.Context())
	if err != nil {
		sendError(w, "failed to list policies", http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, policies)
}

func (a *AdminAPI) handleUpsertPolicy(w http.ResponseWriter, r *http.Request) {
	var p Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		sendError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(p.ID) == "" {
		sendError(w, "policy id is required", http.StatusBadRequest)
		return
	}
	if p.AllowedModels == "" {
		p.AllowedModels = "*"
	}
	if p.Name == "" {
		p.Name = p.ID
	}

	if err := a.store.UpsertPolicy(r.Context(), &p); err != nil {
		sendError(w, "failed to save policy", http.StatusInternalServerError)
		return
	}

	a.caches.Policies.Invalidate(p.ID)
	sendJSON(w, http.StatusOK, map[string]interface{}{"success": true, "id": p.ID})
}

func (a *AdminAPI) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := a.store.DeletePolicy(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, ErrDefaultPolicyImmortal):
			sendJSON(w, http.StatusBadRequest, map[string]interface{}{
				"success": false,
				"error":   "default policy cannot be deleted",
			})
		case errors.Is(err, ErrPolicyNotFound):
			sendError(w, "policy not found", http.StatusNotFound)
		default:
			sendError(w, "failed to delete policy", http.StatusInternalServerError)
		}
		return
	}

	a.caches.Policies.Invalidate(id)
	sendJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (a *AdminAPI) handleListGroupPolicies(w http.ResponseWriter, r *http.Request) {
	mappings, err := a.store.ListGroupPolicies(r.Context())
	if err != nil {
		sendError(w, "failed to list group policies", http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, mappings)
}

func (a *AdminAPI) handleUpsertGroupPolicy(w http.ResponseWriter, r *http.Request) {
	var g GroupPolicy
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		sendError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(g.GroupName) == "" || strings.TrimSpace(g.PolicyID) == "" {
		sendError(w, "group_name and policy_id are required", http.StatusBadRequest)
		return
	}

	if err := a.store.UpsertGroupPolicy(r.Context(), &g); err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			sendError(w, "policy not found", http.StatusBadRequest)
			return
		}
		sendError(w, "failed to save group policy", http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (a *AdminAPI) handleDeleteGroupPolicy(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := a.store.DeleteGroupPolicy(r.Context(), name); err != nil {
		sendError(w, "failed to delete group policy", http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (a *AdminAPI) handleListUIGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := a.webui.GroupNames(r.Context())
	if err != nil {
		sendError(w, "failed to read UI groups", http.StatusInternalServerError)
		return
	}
	if groups == nil {
		groups = []string{}
	}
	sendJSON(w, http.StatusOK, groups)
}

func (a *AdminAPI) handleUsage(w http.ResponseWriter, r *http.Request) {
	logs, err := a.store.RecentUsageLogs(r.Context(), 100)
	if err != nil {
		sendError(w, "failed to list usage logs", http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []UsageLogRow{}
	}
	sendJSON(w, http.StatusOK, logs)
}

func (a *AdminAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	report, err := a.store.Stats(r.Context())
	if err != nil {
		sendError(w, "failed to compute stats", http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, report)
}

func (a *AdminAPI) handlePerformance(w http.ResponseWriter, r *http.Request) {
	report, err := a.store.Performance(r.Context(), 200)
	if err != nil {
		sendError(w, "failed to compute performance report", http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, report)
}

// healthCheck is one dependency probe result
type healthCheck struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

func (a *AdminAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]healthCheck{}
	degraded := false

	if err := a.store.DB().PingContext(ctx); err != nil {
		checks["database"] = healthCheck{OK: false, Detail: err.Error()}
		degraded = true
	} else {
		checks["database"] = healthCheck{OK: true}
	}

	if err := a.webui.Ping(ctx); err != nil {
		checks["webui_database"] = healthCheck{OK: false, Detail: err.Error()}
		degraded = true
	} else {
		checks["webui_database"] = healthCheck{OK: true}
	}

	if err := a.quota.Ping(ctx); err != nil {
		checks["redis"] = healthCheck{OK: false, Detail: err.Error()}
		degraded = true
	} else {
		usageDepth, perfDepth, err := a.quota.QueueDepths(ctx)
		if err != nil {
			checks["redis"] = healthCheck{OK: false, Detail: err.Error()}
			degraded = true
		} else {
			checks["redis"] = healthCheck{
				OK:     true,
				Detail: fmt.Sprintf("usage_queue=%d request_perf_queue=%d", usageDepth, perfDepth),
			}
		}
	}

	status := "ok"
	if degraded {
		status = "degraded"
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

func (a *AdminAPI) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	raw, masked, updatedAt := a.configSvc.MaskedSnapshot()
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"config":     raw,
		"masked":     masked,
		"updated_at": updatedAt,
	})
}

func (a *AdminAPI) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Config map[string]string `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Config == nil {
		sendError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	changed, missing, err := a.configSvc.Update(r.Context(), body.Config)
	if err != nil {
		sendError(w, "failed to update config", http.StatusInternalServerError)
		return
	}
	if len(missing) > 0 {
		sendJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "Missing required config: " + strings.Join(missing, ", "),
			"missing": missing,
		})
		return
	}

	if changed == nil {
		changed = []string{}
	}
	a.log.Info("Config updated via admin API", map[string]interface{}{"changed": changed})
	sendJSON(w, http.StatusOK, map[string]interface{}{"success": true, "changed": changed})
}

func (a *AdminAPI) handleSystemLogs(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, a.syslog.Snapshot())
}

// sendJSON writes a JSON response
func sendJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

// sendError writes a JSON error response
func sendError(w http.ResponseWriter, message string, statusCode int) {
	sendJSON(w, statusCode, map[string]interface{}{"error": message})
}
