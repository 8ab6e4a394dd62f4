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

// Standard span names. Use these constants instead of hardcoding strings.
const (
	// Broker spans
	SpanBrokerConnect   = "broker.connect"
	SpanBrokerHandshake = "broker.handshake"
	SpanBrokerInvoke    = "broker.invoke"
	SpanBrokerReconnect = "broker.reconnect"

	// Composer spans
	SpanComposerCompose = "composer.compose"
	SpanComposerCount   = "composer.count_tokens"

	// Memory spans
	SpanMemoryRemember = "memory.remember"
	SpanMemoryRecall   = "memory.recall"
	SpanMemoryForget   = "memory.forget"
	SpanSnapshotSave   = "memory.snapshot.save"
	SpanSnapshotLoad   = "memory.snapshot.load"

	// Council spans
	SpanCouncilReview = "council.review"
	SpanCouncilVote   = "council.vote"

	// Loop spans
	SpanLoopTask   = "loop.task"
	SpanLoopPlan   = "loop.plan"
	SpanLoopStep   = "loop.step"
	SpanLoopVerify = "loop.verify"

	// Model spans
	SpanModelComplete = "model.complete"

	// Sandbox spans
	SpanSandboxRun = "sandbox.run"
)

// Standard metric names.
const (
	// Broker metrics
	MetricBrokerInvocations       = "broker.invocations.total"
	MetricBrokerInvokeLatency     = "broker.invoke.latency"
	MetricBrokerReconnects        = "broker.reconnects.total"
	MetricBrokerNotificationsRecv = "broker.notifications.received"
	MetricBrokerNotificationsDrop = "broker.notifications.dropped"

	// Composer metrics
	MetricComposerTokens      = "composer.tokens.used"
	MetricComposerTruncations = "composer.truncations.total"

	// Memory metrics
	MetricMemoryItems     = "memory.items.total"
	MetricMemoryRecalls   = "memory.recalls.total"
	MetricMemorySnapshots = "memory.snapshots.total"

	// Council metrics
	MetricCouncilReviews     = "council.reviews.total"
	MetricCouncilVetoes      = "council.vetoes.total"
	MetricCouncilAbstentions = "council.abstentions.total"

	// Loop metrics
	MetricLoopTasks      = "loop.tasks.total"
	MetricLoopIterations = "loop.iterations.total"
	MetricLoopRetries    = "loop.retries.total"

	// Model metrics
	MetricModelCalls        = "model.calls.total"
	MetricModelTokensInput  = "model.tokens.input"  // #nosec G101 -- not a credential, just metric name
	MetricModelTokensOutput = "model.tokens.output" // #nosec G101 -- not a credential, just metric name
	MetricModelCost         = "model.cost"
)

// Standard attribute keys.
const (
	AttrSessionID    = "session.id"
	AttrTaskID       = "task.id"
	AttrServer       = "server.name"
	AttrTool         = "tool.name"
	AttrRequestID    = "request.id"
	AttrLayer        = "layer.name"
	AttrBudget       = "budget.tokens"
	AttrAutonomy     = "autonomy.level"
	AttrLoopState    = "loop.state"
	AttrVerdict      = "verdict"
	AttrModel        = "model.name"
	AttrProvider     = "model.provider"
	AttrSnapshotID   = "snapshot.id"
	AttrErrorMessage = "error.message"
)
