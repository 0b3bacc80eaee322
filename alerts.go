package trapguard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oarkflow/log"
)

// ErrUnknownAlert is returned for operator actions on an alert id that does
// not exist.
var ErrUnknownAlert = errors.New("unknown alert")

// AlertStatus is the operator-facing lifecycle state.
type AlertStatus string

const (
	AlertOpen   AlertStatus = "OPEN"
	AlertAck    AlertStatus = "ACK"
	AlertClosed AlertStatus = "CLOSED"
)

// Alert types raised by the engine besides the per-flag ones.
const AlertTypeRiskEscalation = "risk-escalation"

// Alert is a surfaced, human-actionable finding.
type Alert struct {
	ID        string      `json:"alert_id"`
	Timestamp time.Time   `json:"timestamp"`
	SessionID string      `json:"session_id,omitempty"`
	IP        string      `json:"ip,omitempty"`
	UserAgent string      `json:"user_agent,omitempty"`
	Severity  Severity    `json:"severity"`
	Type      string      `json:"type"`
	Reason    string      `json:"reason"`
	Risk      int         `json:"risk"`
	Status    AlertStatus `json:"status"`
}

// Flags that raise a dedicated alert the first time they appear in a session.
var flagAlertSeverity = map[Flag]Severity{
	FlagRCE:       SeverityCritical,
	FlagSQLi:      SeverityHigh,
	FlagTraversal: SeverityHigh,
}

// AlertEngine watches session mutations and owns the alert registry. A dedup
// key (session_id, type) admits at most one non-CLOSED alert at a time;
// re-raising updates that alert in place, recurrence after closure opens a
// fresh record.
type AlertEngine struct {
	mu      sync.Mutex
	alerts  []*Alert
	byID    map[string]*Alert
	active  map[string]*Alert // dedup key -> non-CLOSED alert
	sinks   *SinkRegistry
	metrics MetricsCollector
}

func NewAlertEngine(sinks *SinkRegistry, metrics MetricsCollector) *AlertEngine {
	return &AlertEngine{
		byID:    make(map[string]*Alert),
		active:  make(map[string]*Alert),
		sinks:   sinks,
		metrics: metrics,
	}
}

func dedupKey(sessionID, alertType string) string {
	return sessionID + "|" + alertType
}

// Evaluate applies the raising rules to a just-produced snapshot. Rules run
// in fixed priority order and all applicable rules fire. Ordering between
// concurrent calls for one session is inherited from the store's per-key
// serialization.
func (ae *AlertEngine) Evaluate(prev RiskLevel, snap SessionSnapshot, cls Classification) []Alert {
	var raised []Alert

	if snap.RiskLevel.rank() > prev.rank() && snap.RiskLevel.rank() >= RiskHigh.rank() {
		raised = append(raised, ae.raise(snap, AlertTypeRiskEscalation, Severity(snap.RiskLevel),
			fmt.Sprintf("session risk escalated to %s (risk %d)", snap.RiskLevel, snap.MaxRisk)))
	}

	for _, m := range cls.Matches {
		if sev, dedicated := flagAlertSeverity[m.Flag]; dedicated {
			raised = append(raised, ae.raise(snap, string(m.Flag), sev,
				fmt.Sprintf("%s detected on %s (evidence: %s)", m.Flag, snap.LastPath, m.Evidence)))
		}
	}

	if cls.HasFlag(FlagPathSweep) {
		raised = append(raised, ae.raise(snap, string(FlagPathSweep), SeverityMed,
			fmt.Sprintf("endpoint sweep from %s (%d requests)", snap.IP, snap.TotalRequests)))
	}

	return raised
}

func (ae *AlertEngine) raise(snap SessionSnapshot, alertType string, sev Severity, reason string) Alert {
	ae.mu.Lock()
	key := dedupKey(snap.SessionID, alertType)
	if existing, open := ae.active[key]; open {
		// max_risk is monotonic per session, so a lower-risk snapshot is a
		// stale out-of-order arrival and must not regress the open alert.
		if snap.MaxRisk >= existing.Risk {
			existing.Risk = snap.MaxRisk
			existing.Timestamp = snap.LastSeen
			existing.Severity = sev
			existing.Reason = reason
		}
		updated := *existing
		ae.mu.Unlock()
		return updated
	}

	alert := &Alert{
		ID:        uuid.NewString(),
		Timestamp: snap.LastSeen,
		SessionID: snap.SessionID,
		IP:        snap.IP,
		UserAgent: snap.UserAgent,
		Severity:  sev,
		Type:      alertType,
		Reason:    reason,
		Risk:      snap.MaxRisk,
		Status:    AlertOpen,
	}
	ae.alerts = append(ae.alerts, alert)
	ae.byID[alert.ID] = alert
	ae.active[key] = alert
	created := *alert
	ae.mu.Unlock()

	if ae.metrics != nil {
		ae.metrics.IncrementCounter("alerts_raised_total", map[string]string{
			"type":     alertType,
			"severity": string(sev),
		})
	}
	if ae.sinks != nil {
		ae.sinks.Dispatch(created)
	}
	return created
}

// Ack transitions an OPEN alert to ACK. Acknowledging an alert that is not
// OPEN is a no-op reporting the current state.
func (ae *AlertEngine) Ack(id string) (Alert, error) {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	alert, exists := ae.byID[id]
	if !exists {
		return Alert{}, fmt.Errorf("%w: %s", ErrUnknownAlert, id)
	}
	if alert.Status == AlertOpen {
		alert.Status = AlertAck
	}
	return *alert, nil
}

// Close transitions an alert to CLOSED and releases its dedup slot so the
// condition can raise a fresh record if it recurs. Closing an already-closed
// alert is a no-op reporting the current state.
func (ae *AlertEngine) Close(id string) (Alert, error) {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	alert, exists := ae.byID[id]
	if !exists {
		return Alert{}, fmt.Errorf("%w: %s", ErrUnknownAlert, id)
	}
	if alert.Status != AlertClosed {
		alert.Status = AlertClosed
		delete(ae.active, dedupKey(alert.SessionID, alert.Type))
	}
	return *alert, nil
}

// List returns alerts newest first, optionally filtered by status.
func (ae *AlertEngine) List(status AlertStatus, limit int) []Alert {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	var out []Alert
	for i := len(ae.alerts) - 1; i >= 0; i-- {
		alert := ae.alerts[i]
		if status != "" && alert.Status != status {
			continue
		}
		out = append(out, *alert)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// OpenCount returns the number of alerts currently OPEN.
func (ae *AlertEngine) OpenCount() int {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	count := 0
	for _, alert := range ae.alerts {
		if alert.Status == AlertOpen {
			count++
		}
	}
	return count
}

// HealthCheck satisfies the component health fan-out.
func (ae *AlertEngine) HealthCheck() error {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	if ae.byID == nil {
		return errors.New("alert engine not initialized")
	}
	return nil
}

// AlertSink receives raised alerts. Sinks run off the request path; a slow
// or failing sink never delays classification.
type AlertSink interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// SinkRegistry fans raised alerts out to the registered sinks
// asynchronously.
type SinkRegistry struct {
	mu    sync.RWMutex
	sinks map[string]AlertSink
}

func NewSinkRegistry() *SinkRegistry {
	return &SinkRegistry{sinks: make(map[string]AlertSink)}
}

func (sr *SinkRegistry) Register(sink AlertSink) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.sinks[sink.Name()] = sink
}

// Dispatch sends the alert to every sink in its own goroutine with a bounded
// timeout.
func (sr *SinkRegistry) Dispatch(alert Alert) {
	sr.mu.RLock()
	sinks := make([]AlertSink, 0, len(sr.sinks))
	for _, s := range sr.sinks {
		sinks = append(sinks, s)
	}
	sr.mu.RUnlock()

	for _, sink := range sinks {
		go func(s AlertSink) {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := s.Send(ctx, alert); err != nil {
				log.Warn().Str("sink", s.Name()).Err(err).Msg("alert sink delivery failed")
			}
		}(sink)
	}
}

// LogAlertSink writes alerts to the structured log.
type LogAlertSink struct{}

func (s *LogAlertSink) Name() string { return "log" }

func (s *LogAlertSink) Send(_ context.Context, alert Alert) error {
	log.Info().
		Str("alert_id", alert.ID).
		Str("type", alert.Type).
		Str("severity", string(alert.Severity)).
		Str("session_id", alert.SessionID).
		Str("ip", alert.IP).
		Int("risk", alert.Risk).
		Msg(alert.Reason)
	return nil
}

// FileAlertSink appends newline-delimited JSON alerts to a file, one record
// per raise.
type FileAlertSink struct {
	mu   sync.Mutex
	path string
}

func NewFileAlertSink(path string) *FileAlertSink {
	return &FileAlertSink{path: path}
}

func (s *FileAlertSink) Name() string { return "file" }

func (s *FileAlertSink) Send(_ context.Context, alert Alert) error {
	line, err := json.Marshal(struct {
		Alert
		EmittedAt time.Time `json:"emitted_at"`
	}{Alert: alert, EmittedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

// WebhookAlertSink POSTs each alert as JSON to a collector endpoint.
type WebhookAlertSink struct {
	client *http.Client
	url    string
}

func NewWebhookAlertSink(url string) *WebhookAlertSink {
	return &WebhookAlertSink{
		client: &http.Client{Timeout: 10 * time.Second},
		url:    url,
	}
}

func (s *WebhookAlertSink) Name() string { return "webhook" }

func (s *WebhookAlertSink) Send(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "trapguard-alert/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
