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

// Package hub assembles the orchestration hub from its parts and exposes the
// one surface the CLI and external collaborators talk to. The hub owns every
// component's lifecycle: it builds them in dependency order and closes them
// in reverse.
package hub

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/heddle/pkg/autonomy"
	"github.com/teradata-labs/heddle/pkg/broker"
	"github.com/teradata-labs/heddle/pkg/broker/protocol"
	"github.com/teradata-labs/heddle/pkg/composer"
	"github.com/teradata-labs/heddle/pkg/council"
	"github.com/teradata-labs/heddle/pkg/memory"
	"github.com/teradata-labs/heddle/pkg/model"
	"github.com/teradata-labs/heddle/pkg/observability"
	"github.com/teradata-labs/heddle/pkg/prompts"
	"github.com/teradata-labs/heddle/pkg/sandbox"
	"github.com/teradata-labs/heddle/pkg/types"
)

// ReviewerConfig declares one council member.
type ReviewerConfig struct {
	// ID names the reviewer in verdicts and logs.
	ID string `yaml:"id" json:"id" mapstructure:"id"`

	// Type is "model", "broker", or "static".
	Type string `yaml:"type" json:"type" mapstructure:"type"`

	// Server and Tool route a broker reviewer's proposals.
	Server string `yaml:"server" json:"server" mapstructure:"server"`
	Tool   string `yaml:"tool" json:"tool" mapstructure:"tool"`

	// Approve and Reason fix a static reviewer's vote.
	Approve bool   `yaml:"approve" json:"approve" mapstructure:"approve"`
	Reason  string `yaml:"reason" json:"reason" mapstructure:"reason"`
}

// CouncilConfig wires the review gate.
type CouncilConfig struct {
	Reviewers []ReviewerConfig `yaml:"reviewers" json:"reviewers" mapstructure:"reviewers"`
	Timeout   time.Duration    `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
}

// SandboxConfig selects the script runner.
type SandboxConfig struct {
	// Runner is "local" (default) or "docker".
	Runner       string            `yaml:"runner" json:"runner" mapstructure:"runner"`
	DockerHost   string            `yaml:"docker_host" json:"docker_host" mapstructure:"docker_host"`
	AllowNetwork bool              `yaml:"allow_network" json:"allow_network" mapstructure:"allow_network"`
	Images       map[string]string `yaml:"images" json:"images" mapstructure:"images"`
}

// PromptsConfig selects the prompt source.
type PromptsConfig struct {
	// Dir is a prompt directory for the file registry. Empty uses the
	// built-in prompts.
	Dir     string `yaml:"dir" json:"dir" mapstructure:"dir"`
	Variant string `yaml:"variant" json:"variant" mapstructure:"variant"`
}

// ComposerConfig tunes context assembly.
type ComposerConfig struct {
	// Summarizer is "rolling" (default) or "model". Rolling is a
	// deterministic condenser; the model summarizer trades the
	// byte-identical recompose guarantee for better summaries.
	Summarizer string `yaml:"summarizer" json:"summarizer" mapstructure:"summarizer"`
}

// Config assembles a Hub.
type Config struct {
	Prompts     PromptsConfig   `yaml:"prompts" json:"prompts" mapstructure:"prompts"`
	Model       model.Config    `yaml:"model" json:"model" mapstructure:"model"`
	Memory      memory.Config   `yaml:"memory" json:"memory" mapstructure:"memory"`
	ToolServers broker.Config   `yaml:"tool_servers" json:"tool_servers" mapstructure:"tool_servers"`
	Council     CouncilConfig   `yaml:"council" json:"council" mapstructure:"council"`
	Sandbox     SandboxConfig   `yaml:"sandbox" json:"sandbox" mapstructure:"sandbox"`
	Composer    ComposerConfig  `yaml:"composer" json:"composer" mapstructure:"composer"`
	Autonomy    autonomy.Config `yaml:"autonomy" json:"autonomy" mapstructure:"autonomy"`

	Logger *zap.Logger          `yaml:"-" json:"-" mapstructure:"-"`
	Tracer observability.Tracer `yaml:"-" json:"-" mapstructure:"-"`
}

// Hub is the façade over the whole orchestration stack.
type Hub struct {
	logger *zap.Logger
	tracer observability.Tracer

	registry   *broker.Registry
	prompts    prompts.Registry
	db         *memory.DB
	store      *memory.Store
	snapshots  *memory.SnapshotManager
	council    *council.Coordinator
	reviewers  *council.Registry
	client     model.Client
	runner     sandbox.Runner
	controller *autonomy.Controller
}

// New builds a hub from the config. Tool servers are registered but not yet
// connected; call Start to dial them.
func New(ctx context.Context, cfg Config) (*Hub, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	h := &Hub{logger: logger.With(zap.String("component", "hub")), tracer: tracer}

	if err := h.build(ctx, cfg); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

func (h *Hub) build(ctx context.Context, cfg Config) error {
	registry, err := broker.NewRegistry(cfg.ToolServers, h.logger, broker.WithTracer(h.tracer))
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	h.registry = registry

	if cfg.Prompts.Dir != "" {
		h.prompts = prompts.NewFileRegistry(cfg.Prompts.Dir, h.logger)
	} else {
		h.prompts = prompts.Defaults()
	}

	db, err := memory.Open(cfg.Memory)
	if err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	h.db = db
	h.store = memory.NewStore(db, h.logger, memory.WithStoreTracer(h.tracer))
	h.snapshots, err = memory.NewSnapshotManager(db, h.logger, memory.WithSnapshotTracer(h.tracer))
	if err != nil {
		return fmt.Errorf("snapshots: %w", err)
	}

	h.client, err = model.Factory(ctx, cfg.Model)
	if err != nil {
		return fmt.Errorf("model: %w", err)
	}

	h.reviewers = council.NewRegistry()
	for _, rc := range cfg.Council.Reviewers {
		reviewer, err := h.buildReviewer(rc)
		if err != nil {
			return fmt.Errorf("council: %w", err)
		}
		h.reviewers.Add(reviewer)
	}
	var councilOpts []council.CoordinatorOption
	if cfg.Council.Timeout > 0 {
		councilOpts = append(councilOpts, council.WithTimeout(cfg.Council.Timeout))
	}
	councilOpts = append(councilOpts, council.WithTracer(h.tracer))
	h.council = council.NewCoordinator(h.reviewers, h.logger, councilOpts...)

	h.runner, err = h.buildRunner(ctx, cfg.Sandbox)
	if err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}

	summarizer, err := h.buildSummarizer(cfg.Composer)
	if err != nil {
		return fmt.Errorf("composer: %w", err)
	}

	comp, err := composer.New(composer.Config{
		Prompts:       h.prompts,
		Recaller:      h.store,
		Summarizer:    summarizer,
		Logger:        h.logger,
		Tracer:        h.tracer,
		PromptVariant: cfg.Prompts.Variant,
	})
	if err != nil {
		return fmt.Errorf("composer: %w", err)
	}

	var gate autonomy.Gate
	if h.reviewers.Len() > 0 {
		gate = h.council
	}
	h.controller, err = autonomy.New(cfg.Autonomy, autonomy.Deps{
		Composer: comp,
		Broker:   h.registry,
		Gate:     gate,
		Memory:   h.store,
		Snapshot: &snapshotSaver{mgr: h.snapshots},
		Model:    h.client,
		Sandbox:  h.runner,
		Logger:   h.logger,
		Tracer:   h.tracer,
	})
	if err != nil {
		return fmt.Errorf("autonomy: %w", err)
	}
	return nil
}

func (h *Hub) buildReviewer(rc ReviewerConfig) (council.Reviewer, error) {
	if rc.ID == "" {
		return nil, fmt.Errorf("reviewer without an id")
	}
	switch rc.Type {
	case "model", "":
		return council.NewModelReviewer(rc.ID, h.client), nil
	case "broker":
		if rc.Server == "" || rc.Tool == "" {
			return nil, fmt.Errorf("broker reviewer %s needs server and tool", rc.ID)
		}
		return council.NewBrokerReviewer(rc.ID, h.registry, rc.Server, rc.Tool), nil
	case "static":
		return council.NewStaticReviewer(rc.ID, rc.Approve, rc.Reason), nil
	default:
		return nil, fmt.Errorf("unknown reviewer type %q", rc.Type)
	}
}

// buildSummarizer defaults to the rolling condenser so recomposing an
// unchanged session stays byte-identical; the model summarizer is opt-in.
func (h *Hub) buildSummarizer(cfg ComposerConfig) (composer.Summarizer, error) {
	switch cfg.Summarizer {
	case "rolling", "":
		return &composer.RollingSummarizer{}, nil
	case "model":
		return model.NewModelSummarizer(h.client, h.logger), nil
	default:
		return nil, fmt.Errorf("unknown summarizer %q", cfg.Summarizer)
	}
}

func (h *Hub) buildRunner(ctx context.Context, cfg SandboxConfig) (sandbox.Runner, error) {
	switch cfg.Runner {
	case "local", "":
		return sandbox.NewLocalRunner(h.logger), nil
	case "docker":
		return sandbox.NewDockerRunner(ctx, sandbox.DockerConfig{
			Host:         cfg.DockerHost,
			Images:       cfg.Images,
			AllowNetwork: cfg.AllowNetwork,
			Logger:       h.logger,
			Tracer:       h.tracer,
		})
	default:
		return nil, fmt.Errorf("unknown sandbox runner %q", cfg.Runner)
	}
}

// snapshotSaver narrows the SnapshotManager to the controller's terminal
// snapshot call.
type snapshotSaver struct {
	mgr *memory.SnapshotManager
}

func (s *snapshotSaver) SaveSnapshot(ctx context.Context, session *types.Session, snap *composer.Snapshot) error {
	_, err := s.mgr.Snapshot(ctx, session, snap)
	return err
}

// Start dials the configured tool servers. Partial failure is tolerated:
// servers that refuse to connect are logged and retried by their own
// reconnect loops.
func (h *Hub) Start(ctx context.Context) error {
	return h.registry.Start(ctx)
}

// StartTask begins driving a goal for the session.
func (h *Hub) StartTask(ctx context.Context, sessionID, goal string) error {
	return h.controller.StartTask(ctx, sessionID, goal)
}

// SetAutonomyLevel changes a session's autonomy level.
func (h *Hub) SetAutonomyLevel(sessionID string, level types.AutonomyLevel) error {
	return h.controller.SetAutonomyLevel(sessionID, level)
}

// Cancel flags a session's running task for abort at the next boundary.
func (h *Hub) Cancel(sessionID string) error {
	return h.controller.Cancel(sessionID)
}

// ContextSnapshot returns a session's last composed context.
func (h *Hub) ContextSnapshot(sessionID string) (*composer.Snapshot, error) {
	return h.controller.ContextSnapshot(sessionID)
}

// Events exposes the controller's transparency stream.
func (h *Hub) Events() <-chan autonomy.Event {
	return h.controller.Events()
}

// Session returns the session, creating it on first use.
func (h *Hub) Session(sessionID string) *types.Session {
	return h.controller.Session(sessionID)
}

// Sessions lists known session IDs.
func (h *Hub) Sessions() []string {
	return h.controller.Sessions()
}

// Remember stores one memory item.
func (h *Hub) Remember(ctx context.Context, content string, tags []string) (string, error) {
	return h.store.Remember(ctx, content, tags)
}

// Search queries the memory store.
func (h *Hub) Search(ctx context.Context, query string, tags []string, limit int) ([]memory.Item, error) {
	return h.store.Search(ctx, query, tags, limit)
}

// Forget tombstones one memory item.
func (h *Hub) Forget(ctx context.Context, id string) error {
	return h.store.Forget(ctx, id)
}

// Snapshot persists a session's last composed context on demand.
func (h *Hub) Snapshot(ctx context.Context, sessionID string) (*memory.Record, error) {
	snap, err := h.controller.ContextSnapshot(sessionID)
	if err != nil {
		return nil, err
	}
	return h.snapshots.Snapshot(ctx, h.controller.Session(sessionID), snap)
}

// Restore loads a saved snapshot. Version 0 means latest.
func (h *Hub) Restore(ctx context.Context, sessionID string, version int64) (*memory.Record, error) {
	return h.snapshots.Restore(ctx, sessionID, version)
}

// Versions lists a session's snapshot versions.
func (h *Hub) Versions(ctx context.Context, sessionID string) ([]memory.VersionInfo, error) {
	return h.snapshots.Versions(ctx, sessionID)
}

// Archive marks a session archived, releasing its snapshot references.
func (h *Hub) Archive(ctx context.Context, sessionID string) error {
	if err := h.snapshots.Archive(ctx, sessionID); err != nil {
		return err
	}
	h.controller.Session(sessionID).Archive()
	return nil
}

// Connections reports per-server health.
func (h *Hub) Connections(ctx context.Context) map[string]bool {
	return h.registry.HealthCheck(ctx)
}

// Catalog lists every connected server's tools.
func (h *Hub) Catalog() map[string][]protocol.Tool {
	return h.registry.Catalog()
}

// Close shuts the hub down in reverse dependency order: running tasks drain
// first, then the broker, sandbox, and storage.
func (h *Hub) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if h.controller != nil {
		for _, id := range h.controller.Sessions() {
			_ = h.controller.Cancel(id)
		}
		h.controller.Wait()
	}
	if h.registry != nil {
		record(h.registry.Stop())
	}
	if closer, ok := h.runner.(interface{ Close() error }); ok {
		record(closer.Close())
	}
	if h.db != nil {
		record(h.db.Close())
	}
	record(h.tracer.Flush(context.Background()))
	return firstErr
}
