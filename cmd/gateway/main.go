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

// Package main is the entry point for the TokenGate gateway service.
//
// The gateway is a policy-enforcing reverse proxy that sits between a
// chat UI and an upstream LLM API:
// - Resolves the end user from headers or a bearer token
// - Enforces per-user daily/monthly token quotas
// - Forwards requests upstream, preserving streaming semantics
// - Extracts token usage from responses and records durable audit logs
// - Exposes an authenticated admin surface for policies, analytics and
//   runtime configuration
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	PORT                 - HTTP server port (default: 8080)
//	OPENROUTER_API_KEY   - Bearer token for the upstream API
//	ADMIN_API_KEY        - Credential for the /admin surface
//	REDIS_URL            - Quota counters, queues and config bus
//	DATABASE_URL         - PostgreSQL audit store
//	WEBUI_DATABASE_URL   - Read-only chat UI datastore (groups)
package main

import (
	"tokengate/middleware/gateway"
)

func main() {
	gateway.Run()
}
