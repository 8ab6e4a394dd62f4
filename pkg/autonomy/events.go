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

package autonomy

import (
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/heddle/pkg/types"
)

// EventType names the transparency stream entries.
type EventType string

const (
	EventStateChange    EventType = "state_change"
	EventActionProposed EventType = "action_proposed"
	EventVerdict        EventType = "verdict"
	EventActionResult   EventType = "action_result"
	EventTaskDone       EventType = "task_done"
	EventTaskFailed     EventType = "task_failed"
)

// Event is one transparency stream entry. The stream is observational: a
// slow consumer loses events, never slows the loop.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id"`
	TaskID    string          `json:"task_id,omitempty"`
	State     types.LoopState `json:"state,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// emit publishes without blocking; a full buffer drops the event.
func (c *Controller) emit(event Event) {
	event.Timestamp = time.Now().UTC()
	select {
	case c.events <- event:
	default:
		c.logger.Debug("Event stream full, dropping event",
			zap.String("event_type", string(event.Type)),
			zap.String("session_id", event.SessionID))
	}
}
