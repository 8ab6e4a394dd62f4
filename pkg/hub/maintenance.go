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

package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// MaintenanceConfig schedules the hub's background chores. Both schedules
// use the standard 5-field cron format; an empty schedule disables that
// chore.
type MaintenanceConfig struct {
	// HealthCheckSchedule pings every connected tool server.
	// Default "*/1 * * * *".
	HealthCheckSchedule string `yaml:"health_check_schedule" json:"health_check_schedule" mapstructure:"health_check_schedule"`

	// SnapshotSchedule persists each active session's last composed
	// context. Default "*/15 * * * *".
	SnapshotSchedule string `yaml:"snapshot_schedule" json:"snapshot_schedule" mapstructure:"snapshot_schedule"`

	// CheckTimeout bounds one maintenance pass. Default 30s.
	CheckTimeout time.Duration `yaml:"check_timeout" json:"check_timeout" mapstructure:"check_timeout"`
}

// Maintenance runs the hub's periodic chores on a cron engine.
type Maintenance struct {
	hub    *Hub
	cfg    MaintenanceConfig
	engine *cron.Cron
	logger *zap.Logger
}

// NewMaintenance wires the chores onto a cron engine. Nothing runs until
// Start.
func NewMaintenance(h *Hub, cfg MaintenanceConfig, logger *zap.Logger) (*Maintenance, error) {
	if cfg.HealthCheckSchedule == "" {
		cfg.HealthCheckSchedule = "*/1 * * * *"
	}
	if cfg.SnapshotSchedule == "" {
		cfg.SnapshotSchedule = "*/15 * * * *"
	}
	if cfg.CheckTimeout == 0 {
		cfg.CheckTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Maintenance{
		hub:    h,
		cfg:    cfg,
		engine: cron.New(),
		logger: logger.With(zap.String("component", "maintenance")),
	}
	if _, err := m.engine.AddFunc(cfg.HealthCheckSchedule, m.healthCheck); err != nil {
		return nil, fmt.Errorf("health check schedule: %w", err)
	}
	if _, err := m.engine.AddFunc(cfg.SnapshotSchedule, m.snapshotSessions); err != nil {
		return nil, fmt.Errorf("snapshot schedule: %w", err)
	}
	return m, nil
}

// Start begins running the schedules.
func (m *Maintenance) Start() {
	m.engine.Start()
	m.logger.Info("Maintenance started",
		zap.String("health_check", m.cfg.HealthCheckSchedule),
		zap.String("snapshot", m.cfg.SnapshotSchedule))
}

// Stop stops scheduling and waits for an in-flight pass to finish, up to
// the context deadline.
func (m *Maintenance) Stop(ctx context.Context) {
	cronCtx := m.engine.Stop()
	select {
	case <-cronCtx.Done():
		m.logger.Info("Maintenance stopped")
	case <-ctx.Done():
		m.logger.Warn("Maintenance shutdown timed out, a pass may still be running")
	}
}

// healthCheck pings every connection and logs the degraded ones.
func (m *Maintenance) healthCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CheckTimeout)
	defer cancel()

	health := m.hub.Connections(ctx)
	degraded := 0
	for server, healthy := range health {
		if !healthy {
			degraded++
			m.logger.Warn("Server degraded", zap.String("server", server))
		}
	}
	m.logger.Debug("Health check pass complete",
		zap.Int("servers", len(health)),
		zap.Int("degraded", degraded))
}

// snapshotSessions persists the last composed context of every session that
// is neither archived nor without a composition yet.
func (m *Maintenance) snapshotSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CheckTimeout)
	defer cancel()

	saved := 0
	for _, id := range m.hub.Sessions() {
		if m.hub.Session(id).Archived() {
			continue
		}
		if _, err := m.hub.ContextSnapshot(id); err != nil {
			continue // nothing composed yet
		}
		if _, err := m.hub.Snapshot(ctx, id); err != nil {
			m.logger.Warn("Auto-snapshot failed",
				zap.String("session_id", id),
				zap.Error(err))
			continue
		}
		saved++
	}
	if saved > 0 {
		m.logger.Info("Auto-snapshot pass complete", zap.Int("sessions", saved))
	}
}
