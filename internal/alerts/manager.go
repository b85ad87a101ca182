package alerts

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rawblock/fraud-engine/internal/observability"
	"github.com/rawblock/fraud-engine/pkg/models"
)

// Alert & Webhook System
//
// Structured alert emission for compliance and SOC operations. Alerts are:
//  1. Broadcast via WebSocket to connected dashboards
//  2. Pushed to registered webhook endpoints (Slack, Discord, SIEM)
//  3. Kept in memory for a recent-history endpoint
//
// Webhook payloads are plain JSON, compatible with Slack incoming
// webhooks, Discord webhooks, and generic SIEM collectors.

// Alert is one emitted fraud alert.
type Alert struct {
	ID              string                 `json:"id"`
	Timestamp       time.Time              `json:"timestamp"`
	Severity        models.RiskLevel       `json:"severity"`
	TransactionHash string                 `json:"transactionHash"`
	FromAddress     string                 `json:"fromAddress"`
	ToAddress       string                 `json:"toAddress"`
	ValueUSD        float64                `json:"valueUsd"`
	RiskScore       float64                `json:"riskScore"`
	TriggeredRules  []string               `json:"triggeredRules"`
	Title           string                 `json:"title"`
	Description     string                 `json:"description,omitempty"`
	Assessment      *models.RiskAssessment `json:"assessment,omitempty"`
}

// WebhookEndpoint is a registered webhook receiver.
type WebhookEndpoint struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Enabled     bool              `json:"enabled"`
	Headers     map[string]string `json:"headers,omitempty"`
	MinSeverity models.RiskLevel  `json:"minSeverity"`
}

// AlertSink persists emitted alerts, e.g. to Postgres. Failures are logged
// and never block emission.
type AlertSink interface {
	SaveAlert(alert Alert) error
}

// Manager handles alert emission, history, and webhook delivery.
type Manager struct {
	mu           sync.RWMutex
	webhooks     []WebhookEndpoint
	recent       []Alert
	maxHistory   int
	minSeverity  models.RiskLevel
	httpClient   *http.Client
	broadcast    func(Alert)
	sink         AlertSink
	metrics      *observability.Metrics
	log          *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithBroadcast sets the WebSocket fan-out callback.
func WithBroadcast(fn func(Alert)) Option {
	return func(m *Manager) { m.broadcast = fn }
}

// WithSink sets the persistence sink.
func WithSink(s AlertSink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithMinSeverity suppresses alerts below the given severity.
func WithMinSeverity(level models.RiskLevel) Option {
	return func(m *Manager) { m.minSeverity = level }
}

// WithHistoryLimit caps the in-memory history.
func WithHistoryLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxHistory = n
		}
	}
}

// NewManager creates an alert manager.
func NewManager(metrics *observability.Metrics, log *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		maxHistory:  1000,
		minSeverity: models.RiskMedium,
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		metrics:     metrics,
		log:         log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterWebhook adds a webhook endpoint.
func (m *Manager) RegisterWebhook(name, url string, minSeverity models.RiskLevel, headers map[string]string) {
	m.mu.Lock()
	m.webhooks = append(m.webhooks, WebhookEndpoint{
		Name:        name,
		URL:         url,
		Enabled:     true,
		Headers:     headers,
		MinSeverity: minSeverity,
	})
	m.mu.Unlock()

	if m.log != nil {
		m.log.Info("registered webhook",
			zap.String("name", name),
			zap.String("minSeverity", string(minSeverity)))
	}
}

// RemoveWebhook removes a webhook by name.
func (m *Manager) RemoveWebhook(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, wh := range m.webhooks {
		if wh.Name == name {
			m.webhooks = append(m.webhooks[:i], m.webhooks[i+1:]...)
			return
		}
	}
}

// EmitFromAssessment builds and emits an alert when the assessment clears
// the manager's severity floor. Non-triggering assessments never alert.
func (m *Manager) EmitFromAssessment(tx models.Transaction, a models.RiskAssessment) {
	if len(a.TriggeredRules) == 0 {
		return
	}
	if a.Level.Rank() < m.minSeverity.Rank() {
		return
	}

	title := "Risk level " + string(a.Level)
	for _, o := range a.Outcomes {
		if o.Triggered {
			title = o.Description
			break
		}
	}

	assessment := a
	m.Emit(Alert{
		Severity:        a.Level,
		TransactionHash: tx.Hash,
		FromAddress:     models.NormalizeAddress(tx.FromAddress),
		ToAddress:       models.NormalizeAddress(tx.ToAddress),
		ValueUSD:        tx.ValueUSD,
		RiskScore:       a.Score,
		TriggeredRules:  a.TriggeredRules,
		Title:           title,
		Assessment:      &assessment,
	})
}

// Emit processes and distributes one alert.
func (m *Manager) Emit(alert Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}

	m.mu.Lock()
	m.recent = append(m.recent, alert)
	if len(m.recent) > m.maxHistory {
		m.recent = m.recent[len(m.recent)-m.maxHistory:]
	}
	webhooks := make([]WebhookEndpoint, len(m.webhooks))
	copy(webhooks, m.webhooks)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.AlertsEmitted.WithLabelValues(string(alert.Severity)).Inc()
	}
	if m.log != nil {
		m.log.Warn("alert emitted",
			zap.String("id", alert.ID),
			zap.String("severity", string(alert.Severity)),
			zap.String("tx", alert.TransactionHash),
			zap.Float64("score", alert.RiskScore),
			zap.Strings("rules", alert.TriggeredRules))
	}

	if m.broadcast != nil {
		m.broadcast(alert)
	}
	if m.sink != nil {
		// Persistence runs off the emission path; a hung sink must never
		// stall the analysis pipeline behind it.
		go func() {
			if err := m.sink.SaveAlert(alert); err != nil && m.log != nil {
				m.log.Error("alert persistence failed", zap.String("id", alert.ID), zap.Error(err))
			}
		}()
	}

	for _, wh := range webhooks {
		if !wh.Enabled || alert.Severity.Rank() < wh.MinSeverity.Rank() {
			continue
		}
		go m.sendWebhook(wh, alert)
	}
}

// Recent returns the most recent alerts, newest first.
func (m *Manager) Recent(limit int) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.recent) {
		limit = len(m.recent)
	}
	out := make([]Alert, limit)
	for i := 0; i < limit; i++ {
		out[i] = m.recent[len(m.recent)-1-i]
	}
	return out
}

// BySeverity returns held alerts at or above the given severity, newest first.
func (m *Manager) BySeverity(min models.RiskLevel) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Alert
	for i := len(m.recent) - 1; i >= 0; i-- {
		if m.recent[i].Severity.Rank() >= min.Rank() {
			out = append(out, m.recent[i])
		}
	}
	return out
}

// Webhooks returns the registered endpoints.
func (m *Manager) Webhooks() []WebhookEndpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]WebhookEndpoint, len(m.webhooks))
	copy(out, m.webhooks)
	return out
}

// sendWebhook delivers one alert to one endpoint.
func (m *Manager) sendWebhook(wh WebhookEndpoint, alert Alert) {
	payload, err := json.Marshal(alert)
	if err != nil {
		if m.log != nil {
			m.log.Error("webhook marshal failed", zap.String("webhook", wh.Name), zap.Error(err))
		}
		return
	}

	req, err := http.NewRequest(http.MethodPost, wh.URL, bytes.NewReader(payload))
	if err != nil {
		if m.log != nil {
			m.log.Error("webhook request build failed", zap.String("webhook", wh.Name), zap.Error(err))
		}
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range wh.Headers {
		req.Header.Set(k, v)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		if m.log != nil {
			m.log.Warn("webhook delivery failed", zap.String("webhook", wh.Name), zap.Error(err))
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && m.log != nil {
		m.log.Warn("webhook rejected alert",
			zap.String("webhook", wh.Name),
			zap.Int("status", resp.StatusCode))
	}
}
