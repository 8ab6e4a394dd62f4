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

package broker

import (
	"context"
	"sync"

	"github.com/teradata-labs/heddle/pkg/broker/protocol"
)

// DefaultQueueCapacity bounds each connection's notification queue when the
// config does not say otherwise.
const DefaultQueueCapacity = 256

// NotificationQueue is the bounded buffer between a connection's receive
// loop and its notification consumer. When full, the oldest non-critical
// entry is evicted to admit a new one. Critical entries are never evicted;
// if everything queued is critical, an incoming non-critical entry is the
// one dropped, and an incoming critical entry is admitted past the bound.
type NotificationQueue struct {
	mu       sync.Mutex
	items    []protocol.Notification
	capacity int
	dropped  uint64
	closed   bool

	signal chan struct{}
}

// NewNotificationQueue creates a queue holding up to capacity entries.
func NewNotificationQueue(capacity int) *NotificationQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &NotificationQueue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Push enqueues a notification, applying the eviction policy when full.
// It reports whether the notification was admitted.
func (q *NotificationQueue) Push(n protocol.Notification) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	if len(q.items) >= q.capacity {
		if idx := q.oldestNonCriticalLocked(); idx >= 0 {
			q.items = append(q.items[:idx], q.items[idx+1:]...)
			q.dropped++
		} else if !n.Critical() {
			q.dropped++
			q.mu.Unlock()
			return false
		}
	}

	q.items = append(q.items, n)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *NotificationQueue) oldestNonCriticalLocked() int {
	for i, it := range q.items {
		if !it.Critical() {
			return i
		}
	}
	return -1
}

// Next blocks for the next notification. It returns ok=false once the queue
// is closed and drained, or when ctx is done.
func (q *NotificationQueue) Next(ctx context.Context) (protocol.Notification, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			n := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return n, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return protocol.Notification{}, false
		}

		select {
		case <-ctx.Done():
			return protocol.Notification{}, false
		case <-q.signal:
		}
	}
}

// Close stops the queue. Queued entries remain readable until drained.
func (q *NotificationQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Len returns the number of queued notifications.
func (q *NotificationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many notifications the eviction policy has discarded.
func (q *NotificationQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
