package trapguard

import (
	"errors"
	"testing"
	"time"
)

func TestDeriveSessionID(t *testing.T) {
	a := DeriveSessionID("203.0.113.7", "curl/8.0")
	b := DeriveSessionID("203.0.113.7", "curl/8.0")
	if a != b {
		t.Fatalf("session id must be deterministic: %s vs %s", a, b)
	}
	if len(a) != 24 {
		t.Fatalf("expected 24-char session id, got %d", len(a))
	}
	if DeriveSessionID("203.0.113.7", "wget/1.21") == a {
		t.Fatalf("different user agents must produce different sessions")
	}
	if DeriveSessionID("203.0.113.8", "curl/8.0") == a {
		t.Fatalf("different IPs must produce different sessions")
	}
}

func TestEnvProfileDeterministic(t *testing.T) {
	id := DeriveSessionID("203.0.113.7", "curl/8.0")
	p1 := envProfileFor(id)
	p2 := envProfileFor(id)
	if p1.Org != p2.Org || p1.Domain != p2.Domain || p1.Tenant != p2.Tenant ||
		p1.Region != p2.Region || p1.BuildID != p2.BuildID {
		t.Fatalf("env profile must be stable per session: %+v vs %+v", p1, p2)
	}
	if p1.Org == "" || p1.Domain == "" || len(p1.Stack) == 0 {
		t.Fatalf("env profile incomplete: %+v", p1)
	}
}

func recordScored(t *testing.T, store *SessionStore, ip, path string, flag Flag, points int, at time.Time) (SessionSnapshot, RiskLevel) {
	t.Helper()
	ev := makeEvent(ip, "GET", path)
	ev.Timestamp = at
	cls := Classification{
		Matches: []Match{{Flag: flag, Points: points, Severity: severityForTest(flag)}},
		Delta:   points,
	}
	return store.Record(ev, cls)
}

func severityForTest(flag Flag) Severity {
	return DefaultSignatures().severityFor(flag)
}

func TestCumulativeScoringEscalation(t *testing.T) {
	store := NewSessionStore(DefaultConfig())
	ip := "203.0.113.7"

	snap, prev := recordScored(t, store, ip, "/admin", FlagAdminProbe, 25, testBase)
	if prev != RiskLow {
		t.Fatalf("first event must start from LOW, got %s", prev)
	}
	if snap.MaxRisk != 25 || snap.RiskLevel != RiskLow {
		t.Fatalf("after /admin: expected risk 25 LOW, got %d %s", snap.MaxRisk, snap.RiskLevel)
	}

	snap, _ = recordScored(t, store, ip, "/config", FlagConfigProbe, 30, testBase.Add(time.Second))
	if snap.MaxRisk != 55 || snap.RiskLevel != RiskMed {
		t.Fatalf("after /config: expected risk 55 MED, got %d %s", snap.MaxRisk, snap.RiskLevel)
	}

	snap, prev = recordScored(t, store, ip, "/backup.sql", FlagBackupProbe, 30, testBase.Add(2*time.Second))
	if prev != RiskMed {
		t.Fatalf("expected previous level MED, got %s", prev)
	}
	if snap.MaxRisk != 85 || snap.RiskLevel != RiskCritical {
		t.Fatalf("after /backup.sql: expected risk 85 CRITICAL, got %d %s", snap.MaxRisk, snap.RiskLevel)
	}
	if snap.TotalRequests != 3 {
		t.Fatalf("expected 3 requests, got %d", snap.TotalRequests)
	}
}

func TestMaxRiskMonotonic(t *testing.T) {
	store := NewSessionStore(DefaultConfig())
	ip := "203.0.113.9"

	snap, _ := recordScored(t, store, ip, "/admin", FlagAdminProbe, 25, testBase)
	peak := snap.MaxRisk

	// A run of benign events must never lower max_risk or the level.
	for i := 0; i < 20; i++ {
		ev := makeEvent(ip, "GET", "/index.html")
		ev.Timestamp = testBase.Add(time.Duration(i+1) * time.Minute)
		snap, _ = store.Record(ev, Classification{})
		if snap.MaxRisk < peak {
			t.Fatalf("max_risk regressed from %d to %d", peak, snap.MaxRisk)
		}
		peak = snap.MaxRisk
	}
}

func TestFlagsAccumulateWithoutDuplicates(t *testing.T) {
	store := NewSessionStore(DefaultConfig())
	ip := "203.0.113.10"

	recordScored(t, store, ip, "/admin", FlagAdminProbe, 25, testBase)
	recordScored(t, store, ip, "/admin/users", FlagAdminProbe, 25, testBase.Add(time.Second))
	snap, _ := recordScored(t, store, ip, "/config", FlagConfigProbe, 30, testBase.Add(2*time.Second))

	if len(snap.Flags) != 2 {
		t.Fatalf("expected 2 distinct flags, got %v", snap.Flags)
	}
	if snap.Flags[0] != FlagAdminProbe || snap.Flags[1] != FlagConfigProbe {
		t.Fatalf("flags must preserve first-seen order, got %v", snap.Flags)
	}
	// Score accumulates per event even when the flag repeats.
	if snap.MaxRisk != 80 {
		t.Fatalf("expected risk 80, got %d", snap.MaxRisk)
	}
}

func TestWindowIsACopy(t *testing.T) {
	store := NewSessionStore(DefaultConfig())
	ev := makeEvent("203.0.113.11", "GET", "/a")
	store.Record(ev, Classification{})

	window := store.Window("203.0.113.11", "curl/8.0")
	if len(window) != 1 {
		t.Fatalf("expected 1 visit, got %d", len(window))
	}
	window[0].Path = "/mutated"

	again := store.Window("203.0.113.11", "curl/8.0")
	if again[0].Path != "/a" {
		t.Fatalf("window must be a copy, store saw mutation: %s", again[0].Path)
	}
}

func TestWindowForUnknownSessionIsNil(t *testing.T) {
	store := NewSessionStore(DefaultConfig())
	if w := store.Window("198.51.100.1", "nobody"); w != nil {
		t.Fatalf("unknown session must have nil window, got %v", w)
	}
	// A read must not have materialized the session.
	if store.Count() != 0 {
		t.Fatalf("Window must not create sessions, count=%d", store.Count())
	}
}

func TestUnknownSessionLookupFails(t *testing.T) {
	store := NewSessionStore(DefaultConfig())
	if _, err := store.Get("does-not-exist"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if _, _, err := store.History("does-not-exist", 10, 10); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession from History, got %v", err)
	}
}

func TestEventHistoryBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventHistory = 5
	store := NewSessionStore(cfg)
	ip := "203.0.113.12"

	for i := 0; i < 20; i++ {
		ev := makeEvent(ip, "GET", "/p")
		ev.Timestamp = testBase.Add(time.Duration(i) * time.Second)
		store.Record(ev, Classification{})
	}
	id := DeriveSessionID(ip, "curl/8.0")
	events, _, err := store.History(id, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected history capped at 5, got %d", len(events))
	}
	// Snapshot still reports every request ever seen.
	snap, err := store.Get(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.TotalRequests != 20 {
		t.Fatalf("expected total 20, got %d", snap.TotalRequests)
	}
}

func TestAppendDeceptionBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeceptionCap = 3
	store := NewSessionStore(cfg)
	ip := "203.0.113.13"
	store.Record(makeEvent(ip, "GET", "/"), Classification{})

	id := DeriveSessionID(ip, "curl/8.0")
	for i := 0; i < 10; i++ {
		store.AppendDeception(id, DeceptionRecord{ID: "dec", Timestamp: testBase, Kind: "decoy"})
	}
	_, decs, err := store.History(id, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decs) != 3 {
		t.Fatalf("expected deceptions capped at 3, got %d", len(decs))
	}
}

func TestPruneIdle(t *testing.T) {
	store := NewSessionStore(DefaultConfig())

	old := makeEvent("203.0.113.14", "GET", "/")
	old.Timestamp = time.Now().UTC().Add(-48 * time.Hour)
	store.Record(old, Classification{})

	fresh := makeEvent("203.0.113.15", "GET", "/")
	fresh.Timestamp = time.Now().UTC()
	store.Record(fresh, Classification{})

	if removed := store.PruneIdle(24 * time.Hour); removed != 1 {
		t.Fatalf("expected 1 pruned session, got %d", removed)
	}
	if store.Count() != 1 {
		t.Fatalf("expected 1 surviving session, got %d", store.Count())
	}
}

func TestConcurrentRecordsSameSession(t *testing.T) {
	store := NewSessionStore(DefaultConfig())
	ip := "203.0.113.16"
	const workers = 8
	const perWorker = 50

	done := make(chan struct{})
	for w := 0; w < workers; w++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < perWorker; i++ {
				ev := makeEvent(ip, "GET", "/admin")
				store.Record(ev, Classification{
					Matches: []Match{{Flag: FlagAdminProbe, Points: 1, Severity: SeverityMed}},
					Delta:   1,
				})
			}
		}()
	}
	for w := 0; w < workers; w++ {
		<-done
	}

	snap, err := store.Get(DeriveSessionID(ip, "curl/8.0"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.TotalRequests != workers*perWorker {
		t.Fatalf("lost updates: expected %d requests, got %d", workers*perWorker, snap.TotalRequests)
	}
	if snap.MaxRisk != workers*perWorker {
		t.Fatalf("lost score: expected %d, got %d", workers*perWorker, snap.MaxRisk)
	}
}
