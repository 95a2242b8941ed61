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

package logger

import (
	"bytes"
	"encoding/json"
	"log"
	"os"
	"strings"
	"testing"
)

// captureOutput captures stdlib log output during fn
func captureOutput(fn func()) string {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)
	fn()
	return buf.String()
}

func TestLogEmitsJSON(t *testing.T) {
	l := New("gateway")

	out := captureOutput(func() {
		l.Info("request proxied", map[string]interface{}{"status": 200})
	})

	start := strings.Index(out, "{")
	if start < 0 {
		t.Fatalf("expected JSON in output, got %q", out)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out[start:])), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry.Level != INFO {
		t.Errorf("level = %s, want INFO", entry.Level)
	}
	if entry.Component != "gateway" {
		t.Errorf("component = %s, want gateway", entry.Component)
	}
	if entry.Message != "request proxied" {
		t.Errorf("message = %s", entry.Message)
	}
	if entry.Fields["status"] != float64(200) {
		t.Errorf("fields[status] = %v", entry.Fields["status"])
	}
}

type recordingSink struct {
	entries []Entry
}

func (s *recordingSink) Write(e Entry) {
	s.entries = append(s.entries, e)
}

func TestSinkObservesEntries(t *testing.T) {
	l := New("gateway")
	sink := &recordingSink{}
	l.Attach(sink)

	captureOutput(func() {
		l.Warn("queue backlog", nil)
		l.ErrorErr("drain failed", os.ErrClosed, nil)
	})

	if len(sink.entries) != 2 {
		t.Fatalf("sink got %d entries, want 2", len(sink.entries))
	}
	if sink.entries[0].Level != WARN {
		t.Errorf("first entry level = %s, want WARN", sink.entries[0].Level)
	}
	if sink.entries[1].Fields["error"] == nil {
		t.Errorf("ErrorErr should attach error field")
	}
}

func TestLevels(t *testing.T) {
	l := New("test")
	sink := &recordingSink{}
	l.Attach(sink)

	captureOutput(func() {
		l.Debug("d", nil)
		l.Info("i", nil)
		l.Warn("w", nil)
		l.Error("e", nil)
	})

	want := []Level{DEBUG, INFO, WARN, ERROR}
	if len(sink.entries) != len(want) {
		t.Fatalf("got %d entries", len(sink.entries))
	}
	for i, lvl := range want {
		if sink.entries[i].Level != lvl {
			t.Errorf("entry %d level = %s, want %s", i, sink.entries[i].Level, lvl)
		}
	}
}
