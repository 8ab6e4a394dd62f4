// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package composer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter measures text in model tokens using the cl100k_base encoding,
// a close approximation for the models the hub talks to. When the encoding
// tables are unavailable it falls back to a bytes/4 estimate so composition
// still works, just with coarser budgets.
type TokenCounter struct {
	encoder *tiktoken.Tiktoken
	mu      sync.Mutex
}

// NewTokenCounter builds a counter. Never fails; a missing encoding only
// degrades to the estimate.
func NewTokenCounter() *TokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &TokenCounter{}
	}
	return &TokenCounter{encoder: enc}
}

// Count returns the token count for text. Deterministic: the same text
// always yields the same count.
func (tc *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if tc.encoder == nil {
		return len(text) / 4
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.encoder.Encode(text, nil, nil))
}

// CountAll sums the token counts of several segments.
func (tc *TokenCounter) CountAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += tc.Count(t)
	}
	return total
}
