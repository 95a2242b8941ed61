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
	"encoding/json"
	"strings"
)

// usageSink receives token usage observed inside an SSE stream
type usageSink func(model string, usage map[string]interface{})

// usageSniffer inspects an SSE byte stream for a usage object without
// ever interfering with delivery: callers forward each chunk to the
// client first and Feed the same bytes afterwards. Parse failures are
// swallowed; observability must never abort a stream.
type usageSniffer struct {
	pending      string
	requestModel string
	sink         usageSink
}

// newUsageSniffer creates a sniffer. requestModel is the fallback when
// an event carries no model of its own.
func newUsageSniffer(requestModel string, sink usageSink) *usageSniffer {
	return &usageSniffer{requestModel: requestModel, sink: sink}
}

// Feed appends a chunk to the rolling buffer and consumes every
// complete event (terminated by the double-newline SSE separator).
func (s *usageSniffer) Feed(chunk []byte) {
	s.pending += string(chunk)
	for {
		idx := strings.Index(s.pending, "\n\n")
		if idx < 0 {
			return
		}
		event := s.pending[:idx]
		s.pending = s.pending[idx+2:]
		s.consume(event)
	}
}

// consume handles one SSE event
func (s *usageSniffer) consume(event string) {
	if !strings.HasPrefix(event, "data: ") {
		return
	}
	data := strings.TrimSpace(event[len("data: "):])
	if data == "" || data == "[DONE]" {
		return
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return
	}
	usage, ok := payload["usage"].(map[string]interface{})
	if !ok {
		return
	}

	model := s.requestModel
	if m, ok := payload["model"].(string); ok && m != "" {
		model = m
	}
	s.sink(model, usage)
}
