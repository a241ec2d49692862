package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/t77yq/telemetry-hub/internal/broker"
)

// Pipeline alert severities
const (
	AlertSeverityWarning  = "warning"
	AlertSeverityCritical = "critical"
)

// AlertTypeDeadLetter is raised when messages are dead-lettered
const AlertTypeDeadLetter = "deadletter"

// PipelineAlert summarizes the dead letters of one stage over one window
type PipelineAlert struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Stage       string    `json:"stage"`
	Count       int       `json:"count"`
	TenantIDs   []string  `json:"tenant_ids"`
	LastError   string    `json:"last_error"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	CreatedAt   time.Time `json:"created_at"`
}

// AlertConfig holds alerting settings
type AlertConfig struct {
	// Window is how long dead letters are collected before one alert per stage is published
	Window time.Duration
	// CriticalAfter is the count within a window that makes an alert critical
	CriticalAfter int
}

// deadLetterEvent is the part of a dead letter the alerter reads
type deadLetterEvent struct {
	Stage    string    `json:"stage"`
	TenantID string    `json:"tenant_id"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

type stageWindow struct {
	count     int
	tenants   []string
	lastError string
	start     time.Time
}

// AlertManager turns dead letters into pipeline alerts
type AlertManager struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	config AlertConfig

	mu      sync.Mutex
	pending map[string]*stageWindow

	sub  *nats.Subscription
	stop chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

// NewAlertManager creates a new alert manager
func NewAlertManager(js nats.JetStreamContext, config AlertConfig, logger *zap.Logger) *AlertManager {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.CriticalAfter <= 0 {
		config.CriticalAfter = 10
	}
	return &AlertManager{
		logger:  logger.Named("alert-manager"),
		js:      js,
		config:  config,
		pending: make(map[string]*stageWindow),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
}

// Start subscribes to the dead-letter stream and starts the flush loop
func (m *AlertManager) Start(ctx context.Context) error {
	sub, err := m.js.Subscribe(broker.DeadLetterSubject, m.handleDeadLetter,
		nats.DeliverNew(),
		nats.ManualAck(),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to dead letters: %w", err)
	}
	m.sub = sub

	m.wg.Add(1)
	go m.flushLoop(ctx)

	m.logger.Info("Started alert manager", zap.Duration("window", m.config.Window))
	return nil
}

// Stop unsubscribes and publishes whatever is still pending
func (m *AlertManager) Stop() {
	close(m.stop)
	m.wg.Wait()

	if m.sub != nil {
		if err := m.sub.Unsubscribe(); err != nil {
			m.logger.Warn("Failed to unsubscribe from dead letters", zap.Error(err))
		}
	}
	if _, err := m.Flush(); err != nil {
		m.logger.Error("Failed to flush pipeline alerts", zap.Error(err))
	}
}

func (m *AlertManager) flushLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			if _, err := m.Flush(); err != nil {
				m.logger.Error("Failed to flush pipeline alerts", zap.Error(err))
			}
		}
	}
}

func (m *AlertManager) handleDeadLetter(msg *nats.Msg) {
	var event deadLetterEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		m.logger.Error("Failed to unmarshal dead letter", zap.Error(err))
		msg.Term()
		return
	}
	if event.Stage == "" {
		event.Stage = "unknown"
	}

	m.record(event)
	msg.Ack()
}

func (m *AlertManager) record(event deadLetterEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	window, ok := m.pending[event.Stage]
	if !ok {
		start := event.FailedAt
		if start.IsZero() {
			start = m.now()
		}
		window = &stageWindow{start: start.UTC()}
		m.pending[event.Stage] = window
	}
	window.count++
	window.lastError = event.Error
	if event.TenantID != "" {
		window.tenants = append(window.tenants, event.TenantID)
	}
}

// Flush publishes one alert per stage with pending dead letters and resets the window
func (m *AlertManager) Flush() ([]*PipelineAlert, error) {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[string]*stageWindow)
	m.mu.Unlock()

	if len(pending) == 0 {
		return nil, nil
	}

	now := m.now().UTC()
	stages := lo.Keys(pending)
	sort.Strings(stages)

	alerts := make([]*PipelineAlert, 0, len(stages))
	for _, stage := range stages {
		window := pending[stage]
		tenants := lo.Uniq(window.tenants)
		sort.Strings(tenants)

		alert := &PipelineAlert{
			ID:          uuid.New().String(),
			Type:        AlertTypeDeadLetter,
			Severity:    AlertSeverityWarning,
			Stage:       stage,
			Count:       window.count,
			TenantIDs:   tenants,
			LastError:   window.lastError,
			WindowStart: window.start,
			WindowEnd:   now,
			CreatedAt:   now,
		}
		if window.count >= m.config.CriticalAfter {
			alert.Severity = AlertSeverityCritical
		}

		if err := m.publishAlert(alert); err != nil {
			return alerts, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

func (m *AlertManager) publishAlert(alert *PipelineAlert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	if _, err := m.js.Publish(broker.PipelineAlertSubject, data, nats.MsgId(alert.ID)); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	m.logger.Warn("Pipeline alert",
		zap.String("id", alert.ID),
		zap.String("severity", alert.Severity),
		zap.String("stage", alert.Stage),
		zap.Int("count", alert.Count),
		zap.String("last_error", alert.LastError))
	return nil
}
