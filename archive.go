package trapguard

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oarkflow/log"
)

// Archive persists alerts, deceptions and session snapshots to SQLite for
// offline analysis. Writes go through a buffered channel drained by a single
// writer goroutine; when the buffer is full the record is dropped and counted,
// never blocking the request path.
type Archive struct {
	db      *sqlx.DB
	queue   chan archiveItem
	metrics MetricsCollector

	closeOnce sync.Once
	done      chan struct{}
}

type archiveItem struct {
	kind string
	data any
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS alerts (
	alert_id   TEXT PRIMARY KEY,
	session_id TEXT,
	ip         TEXT,
	severity   TEXT,
	type       TEXT,
	reason     TEXT,
	risk       INTEGER,
	status     TEXT,
	raised_at  TIMESTAMP
);
CREATE TABLE IF NOT EXISTS deceptions (
	deception_id TEXT PRIMARY KEY,
	session_id   TEXT,
	event_id     TEXT,
	path         TEXT,
	kind         TEXT,
	risk_score   INTEGER,
	intel        TEXT,
	served_at    TIMESTAMP
);
CREATE TABLE IF NOT EXISTS sessions (
	session_id     TEXT,
	ip             TEXT,
	user_agent     TEXT,
	total_requests INTEGER,
	max_risk       INTEGER,
	risk_level     TEXT,
	attack_guess   TEXT,
	flags          TEXT,
	first_seen     TIMESTAMP,
	last_seen      TIMESTAMP,
	archived_at    TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sessions_id ON sessions(session_id);
CREATE INDEX IF NOT EXISTS idx_alerts_session ON alerts(session_id);
`

// NewArchive opens (or creates) the SQLite database at path and starts the
// writer goroutine.
func NewArchive(path string, metrics MetricsCollector) (*Archive, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// SQLite tolerates exactly one writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, err
	}

	a := &Archive{
		db:      db,
		queue:   make(chan archiveItem, 1024),
		metrics: metrics,
		done:    make(chan struct{}),
	}
	go a.drain()
	return a, nil
}

// RecordAlert queues an alert for persistence.
func (a *Archive) RecordAlert(alert Alert) {
	a.enqueue(archiveItem{kind: "alert", data: alert})
}

// RecordDeception queues a deception record for persistence.
func (a *Archive) RecordDeception(sessionID string, rec DeceptionRecord) {
	a.enqueue(archiveItem{kind: "deception", data: struct {
		SessionID string
		Rec       DeceptionRecord
	}{sessionID, rec}})
}

// RecordSession queues a session snapshot; the table keeps one row per
// archival, so repeated snapshots form a timeline.
func (a *Archive) RecordSession(snap SessionSnapshot) {
	a.enqueue(archiveItem{kind: "session", data: snap})
}

func (a *Archive) enqueue(item archiveItem) {
	select {
	case a.queue <- item:
	default:
		if a.metrics != nil {
			a.metrics.IncrementCounter("archive_dropped_total", map[string]string{"kind": item.kind})
		}
	}
}

func (a *Archive) drain() {
	defer close(a.done)
	for item := range a.queue {
		if err := a.write(item); err != nil {
			log.Error().Str("kind", item.kind).Err(err).Msg("archive write failed")
			if a.metrics != nil {
				a.metrics.IncrementCounter("archive_errors_total", map[string]string{"kind": item.kind})
			}
		}
	}
}

func (a *Archive) write(item archiveItem) error {
	switch item.kind {
	case "alert":
		alert := item.data.(Alert)
		_, err := a.db.Exec(`INSERT OR REPLACE INTO alerts
			(alert_id, session_id, ip, severity, type, reason, risk, status, raised_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			alert.ID, alert.SessionID, alert.IP, string(alert.Severity),
			alert.Type, alert.Reason, alert.Risk, string(alert.Status), alert.Timestamp)
		return err
	case "deception":
		payload := item.data.(struct {
			SessionID string
			Rec       DeceptionRecord
		})
		intel, err := json.Marshal(payload.Rec)
		if err != nil {
			return err
		}
		_, err = a.db.Exec(`INSERT OR REPLACE INTO deceptions
			(deception_id, session_id, event_id, path, kind, risk_score, intel, served_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			payload.Rec.ID, payload.SessionID, payload.Rec.EventID, payload.Rec.Path,
			payload.Rec.Kind, payload.Rec.RiskScore, string(intel), payload.Rec.Timestamp)
		return err
	case "session":
		snap := item.data.(SessionSnapshot)
		flags, err := json.Marshal(snap.Flags)
		if err != nil {
			return err
		}
		_, err = a.db.Exec(`INSERT INTO sessions
			(session_id, ip, user_agent, total_requests, max_risk, risk_level, attack_guess, flags, first_seen, last_seen, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.SessionID, snap.IP, snap.UserAgent, snap.TotalRequests, snap.MaxRisk,
			string(snap.RiskLevel), snap.AttackGuess, string(flags),
			snap.FirstSeen, snap.LastSeen, time.Now().UTC())
		return err
	default:
		return errors.New("unknown archive item kind: " + item.kind)
	}
}

// Close stops accepting records, drains the queue and closes the database.
func (a *Archive) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.queue)
		<-a.done
		err = a.db.Close()
	})
	return err
}

// HealthCheck pings the underlying database.
func (a *Archive) HealthCheck() error {
	if a == nil || a.db == nil {
		return errors.New("archive not initialized")
	}
	return a.db.Ping()
}
