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
	"testing"
	"time"
)

func TestTTLCacheBasics(t *testing.T) {
	c := newTTLCache[string](time.Minute)

	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss on empty cache")
	}

	c.Set("k", "v")
	got, ok := c.Get("k")
	if !ok || got != "v" {
		t.Errorf("Get() = %q, %v; want v, true", got, ok)
	}

	c.Invalidate("k")
	if _, ok := c.Get("k"); ok {
		t.Error("expected miss after invalidation")
	}
}

func TestTTLCacheExpiry(t *testing.T) {
	c := newTTLCache[int](10 * time.Millisecond)
	c.Set("k", 7)

	if _, ok := c.Get("k"); !ok {
		t.Fatal("expected fresh entry to hit")
	}

	time.Sleep(25 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Error("expected expired entry to miss")
	}
}

func TestTTLCacheStoresNilPointers(t *testing.T) {
	c := newTTLCache[*User](time.Minute)
	c.Set("anon", nil)

	got, ok := c.Get("anon")
	if !ok {
		t.Fatal("expected hit for cached nil")
	}
	if got != nil {
		t.Errorf("expected nil value, got %+v", got)
	}
}
