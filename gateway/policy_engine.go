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
	"errors"

	"tokengate/middleware/shared/logger"
)

// Human-readable denial reasons surfaced to clients as 403 bodies
const (
	ReasonUserInactive    = "User not found or inactive"
	ReasonPolicyMissing   = "Policy not found"
	ReasonDailyExceeded   = "Daily token limit exceeded"
	ReasonMonthlyExceeded = "Monthly token limit exceeded"
)

// AccessResult is the outcome of an admission check
type AccessResult struct {
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason,omitempty"`
	PolicyID string `json:"policy_id,omitempty"`
}

// PolicyEngine resolves effective policies and evaluates quota.
// Admission is check-then-use without a lock; overshoot is bounded by
// one concurrent burst per user.
type PolicyEngine struct {
	store  *Store
	webui  *WebUIStore
	quota  *QuotaStore
	caches *Caches
	log    *logger.Logger
}

// NewPolicyEngine wires the admission path
func NewPolicyEngine(store *Store, webui *WebUIStore, quota *QuotaStore, caches *Caches, log *logger.Logger) *PolicyEngine {
	return &PolicyEngine{
		store:  store,
		webui:  webui,
		quota:  quota,
		caches: caches,
		log:    log,
	}
}

// ResolveEffectivePolicy returns the policy id used for admission.
// A direct (non-default) assignment always wins. Otherwise the
// highest-priority group mapping applies, ties broken by group name,
// and "default" when nothing matches.
func (e *PolicyEngine) ResolveEffectivePolicy(ctx context.Context, user *User, groups []string) (string, error) {
	if user.PolicyID != DefaultPolicyID {
		return user.PolicyID, nil
	}
	if len(groups) == 0 {
		return DefaultPolicyID, nil
	}

	mappings, err := e.store.ListGroupPolicies(ctx)
	if err != nil {
		return "", err
	}

	member := make(map[string]bool, len(groups))
	for _, g := range groups {
		member[g] = true
	}

	best := ""
	bestPriority := 0
	bestGroup := ""
	for _, m := range mappings {
		if !member[m.GroupName] {
			continue
		}
		if best == "" || m.Priority > bestPriority ||
			(m.Priority == bestPriority && m.GroupName < bestGroup) {
			best = m.PolicyID
			bestPriority = m.Priority
			bestGroup = m.GroupName
		}
	}
	if best == "" {
		return DefaultPolicyID, nil
	}
	return best, nil
}

// CheckAccess evaluates activation and quota for a user. Both counters
// are observed with a single multi-get before any decision is made.
func (e *PolicyEngine) CheckAccess(ctx context.Context, userID string) AccessResult {
	user, err := e.CachedUser(ctx, userID)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		// A store outage is not a policy decision. Fail open like the
		// counter path does rather than turning every request into a 403.
		e.log.ErrorErr("Failed to fetch user, failing open", err, map[string]interface{}{"user_id": userID})
		return AccessResult{Allowed: true}
	}
	if user == nil || user.IsActive == 0 {
		return AccessResult{Allowed: false, Reason: ReasonUserInactive}
	}

	groups := e.UserGroups(ctx, userID)

	policyID, err := e.ResolveEffectivePolicy(ctx, user, groups)
	if err != nil {
		e.log.ErrorErr("Failed to resolve effective policy", err, map[string]interface{}{"user_id": userID})
		return AccessResult{Allowed: false, Reason: ReasonPolicyMissing}
	}

	policy, err := e.CachedPolicy(ctx, policyID)
	if err != nil && !errors.Is(err, ErrPolicyNotFound) {
		e.log.ErrorErr("Failed to fetch policy, failing open", err, map[string]interface{}{"policy_id": policyID})
		return AccessResult{Allowed: true, PolicyID: policyID}
	}
	if policy == nil {
		return AccessResult{Allowed: false, Reason: ReasonPolicyMissing, PolicyID: policyID}
	}

	daily, monthly, err := e.quota.Usage(ctx, userID)
	if err != nil {
		// Fail open on counter errors: quota enforcement is best-effort
		// and must not take the proxy down with Redis.
		e.log.ErrorErr("Failed to read usage counters, failing open", err, map[string]interface{}{"user_id": userID})
		return AccessResult{Allowed: true, PolicyID: policyID}
	}

	if policy.DailyTokenLimit > 0 && daily >= policy.DailyTokenLimit {
		return AccessResult{Allowed: false, Reason: ReasonDailyExceeded, PolicyID: policyID}
	}
	if policy.MonthlyTokenLimit > 0 && monthly >= policy.MonthlyTokenLimit {
		return AccessResult{Allowed: false, Reason: ReasonMonthlyExceeded, PolicyID: policyID}
	}
	return AccessResult{Allowed: true, PolicyID: policyID}
}

// CachedUser reads a user through the cache layer
func (e *PolicyEngine) CachedUser(ctx context.Context, id string) (*User, error) {
	if user, ok := e.caches.Users.Get(id); ok {
		return user, nil
	}
	user, err := e.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	e.caches.Users.Set(id, user)
	return user, nil
}

// CachedPolicy reads a policy through the cache layer
func (e *PolicyEngine) CachedPolicy(ctx context.Context, id string) (*Policy, error) {
	if policy, ok := e.caches.Policies.Get(id); ok {
		return policy, nil
	}
	policy, err := e.store.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	e.caches.Policies.Set(id, policy)
	return policy, nil
}

// UserGroups reads group membership through the cache layer. Lookup
// failures are tolerated by treating the user as groupless.
func (e *PolicyEngine) UserGroups(ctx context.Context, id string) []string {
	if groups, ok := e.caches.Groups.Get(id); ok {
		return groups
	}
	groups, err := e.webui.UserGroups(ctx, id)
	if err != nil {
		e.log.Warn("Group lookup failed, treating as empty", map[string]interface{}{
			"user_id": id,
			"error":   err.Error(),
		})
		return nil
	}
	e.caches.Groups.Set(id, groups)
	return groups
}
