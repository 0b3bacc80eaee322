package trapguard

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/log"
)

// ProcessResult is everything one request produced: the verdict, the updated
// session snapshot, the alerts raised and the response to serve.
type ProcessResult struct {
	Classification Classification
	Snapshot       SessionSnapshot
	Alerts         []Alert
	Deception      DeceptionRecord
	Payload        ResponsePayload
}

// Options wires the engine. Zero-value fields fall back to in-memory
// defaults; Archive stays nil unless persistence is wanted.
type Options struct {
	Config     Config
	Signatures *SignatureSet
	Metrics    MetricsCollector
	Sinks      *SinkRegistry
	Archive    *Archive
	ConfigDir  string
}

// Engine runs the full pipeline for one request: classify against the
// session's recent window, fold the verdict into the session, evaluate alert
// rules, then synthesize the deception. Classification faults degrade to an
// empty verdict; the deception is always served.
type Engine struct {
	mu         sync.RWMutex
	classifier *Classifier
	cfg        Config
	signatures *SignatureSet

	store     *SessionStore
	alerts    *AlertEngine
	responder *Responder
	metrics   MetricsCollector
	archive   *Archive
	configDir string
}

func New(opts Options) *Engine {
	if opts.Metrics == nil {
		opts.Metrics = NewInMemoryMetricsCollector()
	}
	if opts.Sinks == nil {
		opts.Sinks = NewSinkRegistry()
		opts.Sinks.Register(&LogAlertSink{})
	}
	cfg := opts.Config
	if cfg.Thresholds.Critical == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		classifier: NewClassifier(opts.Signatures, cfg, opts.Metrics),
		cfg:        cfg,
		signatures: opts.Signatures,
		store:      NewSessionStore(cfg),
		alerts:     NewAlertEngine(opts.Sinks, opts.Metrics),
		responder:  NewResponder(),
		metrics:    opts.Metrics,
		archive:    opts.Archive,
		configDir:  opts.ConfigDir,
	}
}

// Process runs one event through the pipeline and returns the full result.
func (e *Engine) Process(ev *RequestEvent) ProcessResult {
	start := time.Now()

	e.mu.RLock()
	classifier := e.classifier
	e.mu.RUnlock()

	window := e.store.Window(ev.IP, ev.UserAgent)
	cls := classifier.Classify(ev, window)

	snap, prev := e.store.Record(ev, cls)
	raised := e.alerts.Evaluate(prev, snap, cls)

	rec, payload := e.responder.Build(ev, cls, snap)
	e.store.AppendDeception(snap.SessionID, rec)

	e.metrics.IncrementCounter("requests_total", map[string]string{
		"method": ev.Method,
		"level":  string(snap.RiskLevel),
	})
	for _, m := range cls.Matches {
		e.metrics.IncrementCounter("flags_total", map[string]string{"flag": string(m.Flag)})
	}
	e.metrics.ObserveHistogram("process_seconds", time.Since(start).Seconds(), nil)
	e.metrics.SetGauge("sessions_active", float64(e.store.Count()), nil)

	if e.archive != nil {
		for _, alert := range raised {
			e.archive.RecordAlert(alert)
		}
		e.archive.RecordDeception(snap.SessionID, rec)
		e.archive.RecordSession(snap)
	}

	if cls.Delta > 0 {
		log.Info().
			Str("session_id", snap.SessionID).
			Str("ip", ev.IP).
			Str("path", ev.Path).
			Int("delta", cls.Delta).
			Int("max_risk", snap.MaxRisk).
			Str("level", string(snap.RiskLevel)).
			Msg("request scored")
	}

	return ProcessResult{
		Classification: cls,
		Snapshot:       snap,
		Alerts:         raised,
		Deception:      rec,
		Payload:        payload,
	}
}

// ReloadConfig re-reads the config directory and swaps thresholds, weights
// and behavioral tunables in place. Session state is untouched; levels are
// re-derived from the new thresholds as sessions next mutate.
func (e *Engine) ReloadConfig() error {
	if e.configDir == "" {
		return errors.New("no config directory configured")
	}
	cfg, err := LoadConfigDir(e.configDir)
	if err != nil {
		return fmt.Errorf("config reload rejected: %w", err)
	}

	e.mu.Lock()
	e.cfg = cfg
	e.classifier = NewClassifier(e.signatures, cfg, e.metrics)
	e.mu.Unlock()
	e.store.UpdateConfig(cfg)

	log.Info().Str("dir", e.configDir).Msg("configuration reloaded")
	return nil
}

// Config returns the active configuration.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Store exposes the session store to the reporting facade.
func (e *Engine) Store() *SessionStore { return e.store }

// Alerts exposes the alert engine to the reporting facade and transport.
func (e *Engine) Alerts() *AlertEngine { return e.alerts }

// HealthCheck fans out to every component and returns the first failure.
func (e *Engine) HealthCheck() map[string]error {
	checks := map[string]error{
		"session_store": e.store.HealthCheck(),
		"alert_engine":  e.alerts.HealthCheck(),
		"metrics":       e.metrics.HealthCheck(),
	}
	if e.archive != nil {
		checks["archive"] = e.archive.HealthCheck()
	}
	return checks
}
