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

package observability

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogTracer_ExportsSpanAsLogLine(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	tracer := NewLogTracer(zap.New(core))

	_, span := tracer.StartSpan(context.Background(), SpanMemoryRecall,
		WithAttribute(AttrSessionID, "s1"))
	tracer.EndSpan(span)

	entries := observed.FilterMessageSnippet(SpanMemoryRecall).All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 span log line, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["session.id"] != "s1" {
		t.Errorf("Expected session attribute in log fields, got %v", fields)
	}
	if fields["status"] != "unset" {
		t.Errorf("Expected unset status, got %v", fields["status"])
	}
}

func TestLogTracer_FailedSpanLogsWarning(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	tracer := NewLogTracer(zap.New(core))

	_, span := tracer.StartSpan(context.Background(), SpanBrokerConnect)
	span.RecordError(errors.New("dial refused"))
	tracer.EndSpan(span)

	warns := observed.FilterLevelExact(zapcore.WarnLevel).All()
	if len(warns) != 1 {
		t.Fatalf("Expected 1 warning, got %d", len(warns))
	}
	if warns[0].ContextMap()["status_message"] != "dial refused" {
		t.Errorf("Expected failure message, got %v", warns[0].ContextMap())
	}
}

func TestLogTracer_NilLoggerIsSafe(t *testing.T) {
	tracer := NewLogTracer(nil)
	_, span := tracer.StartSpan(context.Background(), SpanCouncilReview)
	tracer.EndSpan(span)
	tracer.RecordMetric(MetricCouncilReviews, 1, nil)
	if err := tracer.Flush(context.Background()); err != nil {
		t.Errorf("Flush returned error: %v", err)
	}
}
