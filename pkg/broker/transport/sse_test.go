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

package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newEventServer serves an SSE stream at /events that emits one numbered
// event per interval until count events have gone out or the client leaves.
func newEventServer(t *testing.T, count int, interval time.Duration) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok, "response writer must support flushing")

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for i := 0; i < count; i++ {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				fmt.Fprintf(w, "data: {\"tick\":%d}\n\n", i)
				flusher.Flush()
			}
		}
	})
	return httptest.NewServer(mux)
}

func TestSSETransport_ReceivesEvents(t *testing.T) {
	server := newEventServer(t, 3, 10*time.Millisecond)
	defer server.Close()

	tr, err := NewSSETransport(SSEConfig{Endpoint: server.URL})
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		data, err := tr.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf(`{"tick":%d}`, i), string(data))
	}
}

func TestSSETransport_StreamOutlivesConnectWindow(t *testing.T) {
	if testing.Short() {
		t.Skip("streams events for several seconds")
	}

	// Events arrive across a window well past any plausible connect
	// deadline. The stream must keep delivering for the transport's whole
	// lifetime, not die when connection establishment would have timed out.
	const ticks = 8
	server := newEventServer(t, ticks, 800*time.Millisecond)
	defer server.Close()

	tr, err := NewSSETransport(SSEConfig{Endpoint: server.URL})
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for i := 0; i < ticks; i++ {
		data, err := tr.Receive(ctx)
		require.NoError(t, err, "stream died after %d of %d ticks", i, ticks)
		assert.Equal(t, fmt.Sprintf(`{"tick":%d}`, i), string(data))
	}
}

func TestSSETransport_CloseWhileStreaming(t *testing.T) {
	// The server is still emitting when Close runs, so the subscribe
	// callback may be mid-send. Close must not panic it; later Receives
	// report EOF.
	server := newEventServer(t, 10_000, time.Millisecond)
	defer server.Close()

	tr, err := NewSSETransport(SSEConfig{Endpoint: server.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = tr.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close(), "close is idempotent")

	// Give the callbacks a beat to observe shutdown.
	time.Sleep(20 * time.Millisecond)

	_, err = tr.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)
}
