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
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ResolveIdentity extracts a normalized user identifier from the
// request, or "" for anonymous. Source order, first match wins:
//  1. x-openwebui-user-email
//  2. x-openwebui-user-id
//  3. authorization: Bearer <jwt> claims (email, then id, then sub)
//
// The JWT is decoded without signature verification: the chat UI signs
// it with a secret the gateway does not hold, and the claim is only an
// identity hint. Malformed tokens yield anonymous, never an error.
func ResolveIdentity(r *http.Request) string {
	if id := normalizeIdentity(r.Header.Get("x-openwebui-user-email")); id != "" {
		return id
	}
	if id := normalizeIdentity(r.Header.Get("x-openwebui-user-id")); id != "" {
		return id
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return normalizeIdentity(identityFromJWT(strings.TrimPrefix(auth, "Bearer ")))
}

// identityFromJWT decodes the claims segment of an unverified JWT.
// Only the middle segment matters: tokens whose header segment is
// opaque still carry a usable identity, so a strict parse failure
// falls back to decoding the claims segment directly.
func identityFromJWT(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		claims = claimsFromRawSegment(token)
	}

	for _, key := range []string{"email", "id", "sub"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// claimsFromRawSegment splits the token on "." and decodes the second
// segment as URL-safe base64 (padding restored modulo 4) JSON. Any
// failure yields no claims, never an error.
func claimsFromRawSegment(token string) jwt.MapClaims {
	parts := strings.Split(token, ".")
	if len(parts) < 2 || parts[1] == "" {
		return nil
	}

	payload := parts[1]
	if m := len(payload) % 4; m != 0 {
		payload += strings.Repeat("=", 4-m)
	}
	raw, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return nil
	}

	claims := jwt.MapClaims{}
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil
	}
	return claims
}

// normalizeIdentity lowercases and trims an identifier
func normalizeIdentity(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
