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
	"sync"

	"github.com/google/uuid"

	"tokengate/middleware/shared/logger"
)

// maxSystemLogEntries bounds the in-process ring served by
// GET /admin/system-logs. A fresh replica boots to empty.
const maxSystemLogEntries = 500

// SystemLogEntry is one entry of the in-process system log
type SystemLogEntry struct {
	ID        string                 `json:"id"`
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// SystemLog is a bounded, mutex-guarded ring of recent log entries.
// It implements logger.Sink so every structured log line emitted by the
// gateway lands here as well as on stdout.
type SystemLog struct {
	mu      sync.Mutex
	entries []SystemLogEntry
	next    int
	full    bool
}

// NewSystemLog creates an empty system log ring
func NewSystemLog() *SystemLog {
	return &SystemLog{
		entries: make([]SystemLogEntry, maxSystemLogEntries),
	}
}

// Write implements logger.Sink
func (s *SystemLog) Write(e logger.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[s.next] = SystemLogEntry{
		ID:        uuid.New().String(),
		Timestamp: e.Timestamp,
		Level:     string(e.Level),
		Component: e.Component,
		Message:   e.Message,
		Fields:    e.Fields,
	}
	s.next = (s.next + 1) % len(s.entries)
	if s.next == 0 {
		s.full = true
	}
}

// Snapshot returns the stored entries, newest first
func (s *SystemLog) Snapshot() []SystemLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := s.next
	if s.full {
		size = len(s.entries)
	}

	out := make([]SystemLogEntry, 0, size)
	for i := 1; i <= size; i++ {
		idx := (s.next - i + len(s.entries)) % len(s.entries)
		out = append(out, s.entries[idx])
	}
	return out
}

// Len returns the number of stored entries
func (s *SystemLog) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return len(s.entries)
	}
	return s.next
}
