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

package model

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy bounds CompleteWithRetry. The backoff shape mirrors the
// broker's reconnection policy: exponential from Initial, capped at Max.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Multiplier  float64
	Max         time.Duration
}

// DefaultRetryPolicy returns the standard completion retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Initial:     time.Second,
		Multiplier:  2,
		Max:         30 * time.Second,
	}
}

// CompleteWithRetry calls the client, retrying failed completions under the
// policy. Context cancellation is never retried; the caller aborted.
func CompleteWithRetry(ctx context.Context, client Client, req *Request, policy RetryPolicy, logger *zap.Logger) (*Completion, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}

	backoff := policy.Initial
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		completion, err := client.Complete(ctx, req)
		if err == nil {
			return completion, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == policy.MaxAttempts {
			break
		}

		logger.Warn("Completion failed, retrying",
			zap.String("provider", client.Name()),
			zap.String("model", client.Model()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * policy.Multiplier)
		if backoff > policy.Max {
			backoff = policy.Max
		}
	}
	return nil, fmt.Errorf("completion failed after %d attempts: %w", policy.MaxAttempts, lastErr)
}
