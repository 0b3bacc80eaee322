package trapguard

import (
	"path/filepath"
	"testing"
	"time"
)

func TestArchivePersistsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trapguard.db")
	archive, err := NewArchive(path, nil)
	if err != nil {
		t.Fatalf("failed to open archive: %v", err)
	}

	alert := Alert{
		ID: "a1", Timestamp: testBase, SessionID: "sess1", IP: "203.0.113.7",
		Severity: SeverityHigh, Type: string(FlagSQLi), Reason: "test", Risk: 55, Status: AlertOpen,
	}
	archive.RecordAlert(alert)
	archive.RecordDeception("sess1", DeceptionRecord{
		ID: "d1", Timestamp: testBase, EventID: "e1", Path: "/login", Kind: "login-failure", RiskScore: 35,
	})
	archive.RecordSession(SessionSnapshot{
		SessionID: "sess1", IP: "203.0.113.7", UserAgent: "curl/8.0",
		TotalRequests: 3, MaxRisk: 55, RiskLevel: RiskMed, AttackGuess: "sqli",
		FirstSeen: testBase, LastSeen: testBase.Add(time.Minute),
	})

	// Close drains the queue before the reads below.
	if err := archive.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewArchive(path, nil)
	if err != nil {
		t.Fatalf("failed to reopen archive: %v", err)
	}
	defer reopened.Close()

	var alertCount int
	if err := reopened.db.Get(&alertCount, "SELECT COUNT(*) FROM alerts WHERE session_id = ?", "sess1"); err != nil {
		t.Fatalf("alert query failed: %v", err)
	}
	if alertCount != 1 {
		t.Fatalf("expected 1 archived alert, got %d", alertCount)
	}

	var kind string
	if err := reopened.db.Get(&kind, "SELECT kind FROM deceptions WHERE deception_id = ?", "d1"); err != nil {
		t.Fatalf("deception query failed: %v", err)
	}
	if kind != "login-failure" {
		t.Fatalf("expected login-failure, got %s", kind)
	}

	var maxRisk int
	if err := reopened.db.Get(&maxRisk, "SELECT max_risk FROM sessions WHERE session_id = ?", "sess1"); err != nil {
		t.Fatalf("session query failed: %v", err)
	}
	if maxRisk != 55 {
		t.Fatalf("expected max_risk 55, got %d", maxRisk)
	}
}

func TestArchiveDropsWhenSaturated(t *testing.T) {
	metrics := NewInMemoryMetricsCollector()
	a := &Archive{
		queue:   make(chan archiveItem, 1),
		metrics: metrics,
	}
	// No drain goroutine: the second enqueue must drop, not block.
	a.RecordAlert(Alert{ID: "a1"})
	a.RecordAlert(Alert{ID: "a2"})

	if got := metrics.CounterValue("archive_dropped_total", map[string]string{"kind": "alert"}); got != 1 {
		t.Fatalf("expected 1 dropped record, got %d", got)
	}
}
