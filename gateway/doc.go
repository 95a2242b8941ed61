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

/*
Package gateway implements the TokenGate proxy: a policy-enforcing
reverse proxy between a chat UI and an upstream LLM API.

# Request path

Every /v1/* request flows through ProxyHandler:

  - ResolveIdentity extracts the end user from trusted headers or an
    unverified bearer JWT; unknown users are auto-provisioned.
  - PolicyEngine resolves the effective policy (direct assignment, then
    highest-priority group mapping, then "default") and checks the
    Redis-backed daily and monthly token counters.
  - Allowed requests are forwarded with hop-by-hop and client-sensitive
    headers stripped and the gateway's own upstream credentials
    attached. Streaming responses are relayed byte-for-byte; a sniffer
    inspects the SSE stream for the usage object after each chunk is
    already on the wire.
  - Observed usage bumps the counters and lands on a durable Redis list
    queue; UsageDrain workers move it into PostgreSQL.

# Control plane

AdminAPI exposes users, policies, group mappings, usage analytics,
health and the runtime configuration under /admin, guarded by a shared
admin key. Configuration lives in the system_config table; changes are
broadcast over Redis pub/sub so every replica reloads within seconds.
*/
package gateway
