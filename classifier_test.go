package trapguard

import (
	"testing"
	"time"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func makeEvent(ip, method, path string) *RequestEvent {
	return &RequestEvent{
		ID:        "evt_" + path,
		Timestamp: testBase,
		IP:        ip,
		UserAgent: "curl/8.0",
		Method:    method,
		Path:      path,
	}
}

func newTestClassifier() *Classifier {
	return NewClassifier(DefaultSignatures(), DefaultConfig(), nil)
}

func TestEndpointWeights(t *testing.T) {
	cl := newTestClassifier()

	cases := []struct {
		path   string
		flag   Flag
		points int
	}{
		{"/admin", FlagAdminProbe, 25},
		{"/admin/users", FlagAdminProbe, 25},
		{"/wp-admin/setup.php", FlagAdminProbe, 25},
		{"/config", FlagConfigProbe, 30},
		{"/.env", FlagConfigProbe, 30},
		{"/backup.sql", FlagBackupProbe, 30},
		{"/login", FlagLoginProbe, 10},
		{"/actuator/env", FlagDebugProbe, 15},
		{"/api/v1/users", FlagAPIProbe, 8},
	}
	for _, tc := range cases {
		cls := cl.Classify(makeEvent("10.0.0.1", "GET", tc.path), nil)
		if !cls.HasFlag(tc.flag) {
			t.Fatalf("path %s: expected flag %s, got %+v", tc.path, tc.flag, cls.Matches)
		}
		if cls.Delta != tc.points {
			t.Fatalf("path %s: expected delta %d, got %d", tc.path, tc.points, cls.Delta)
		}
	}
}

func TestEndpointFirstMatchWins(t *testing.T) {
	cl := newTestClassifier()
	// /admin also looks like an API-ish path prefix elsewhere; only one
	// endpoint signature may contribute.
	cls := cl.Classify(makeEvent("10.0.0.1", "GET", "/admin"), nil)
	endpointFlags := 0
	for _, m := range cls.Matches {
		switch m.Flag {
		case FlagAdminProbe, FlagConfigProbe, FlagBackupProbe, FlagLoginProbe,
			FlagAPIProbe, FlagDebugProbe, FlagSchemaProbe:
			endpointFlags++
		}
	}
	if endpointFlags != 1 {
		t.Fatalf("expected exactly one endpoint flag, got %d (%+v)", endpointFlags, cls.Matches)
	}
}

func TestPayloadSignatures(t *testing.T) {
	cl := newTestClassifier()

	ev := makeEvent("10.0.0.1", "POST", "/login")
	ev.Body = `{"username": "admin' OR 1=1 --", "password": "x"}`
	ev.BodyJSON = parseBodyJSON(ev.Body)
	cls := cl.Classify(ev, nil)
	if !cls.HasFlag(FlagSQLi) {
		t.Fatalf("expected sqli-attempt flag, got %+v", cls.Matches)
	}
	// login-probe 10 + sqli 25 + credential-probe 10 (username admin)
	if cls.Delta != 45 {
		t.Fatalf("expected delta 45, got %d", cls.Delta)
	}

	ev = makeEvent("10.0.0.1", "GET", "/download")
	ev.Query = map[string]string{"file": "../../../etc/passwd"}
	cls = cl.Classify(ev, nil)
	if !cls.HasFlag(FlagTraversal) {
		t.Fatalf("expected path-traversal flag, got %+v", cls.Matches)
	}

	ev = makeEvent("10.0.0.1", "GET", "/ping")
	ev.Query = map[string]string{"cmd": "whoami"}
	cls = cl.Classify(ev, nil)
	if !cls.HasFlag(FlagRCE) {
		t.Fatalf("expected rce-attempt flag, got %+v", cls.Matches)
	}

	ev = makeEvent("10.0.0.1", "GET", "/fetch")
	ev.Query = map[string]string{"url": "http://169.254.169.254/latest/meta-data/"}
	cls = cl.Classify(ev, nil)
	if !cls.HasFlag(FlagSSRF) {
		t.Fatalf("expected ssrf-attempt flag, got %+v", cls.Matches)
	}
}

func TestScannerUserAgent(t *testing.T) {
	cl := newTestClassifier()
	ev := makeEvent("10.0.0.1", "GET", "/index.html")
	ev.UserAgent = "sqlmap/1.7.2#stable (https://sqlmap.org)"
	cls := cl.Classify(ev, nil)
	if !cls.HasFlag(FlagScannerTool) {
		t.Fatalf("expected scanner-tool flag, got %+v", cls.Matches)
	}
	if cls.Delta < 20 {
		t.Fatalf("expected scanner to contribute at least 20, got %d", cls.Delta)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	cl := newTestClassifier()
	ev := makeEvent("10.0.0.1", "POST", "/login")
	ev.Body = `username=root&password=toor`
	window := []Visit{{At: testBase.Add(-2 * time.Second), Path: "/a"}}

	first := cl.Classify(ev, window)
	for i := 0; i < 10; i++ {
		again := cl.Classify(ev, window)
		if again.Delta != first.Delta || len(again.Matches) != len(first.Matches) {
			t.Fatalf("classification not deterministic: %+v vs %+v", first, again)
		}
		for j := range again.Matches {
			if again.Matches[j].Flag != first.Matches[j].Flag {
				t.Fatalf("match order changed on run %d", i)
			}
		}
	}
}

func TestPathSweepBurst(t *testing.T) {
	cl := newTestClassifier()

	// Five distinct prior paths within the window plus the current one
	// crosses the default threshold of six.
	var window []Visit
	for i, p := range []string{"/a", "/b", "/c", "/d", "/e"} {
		window = append(window, Visit{At: testBase.Add(-time.Duration(i) * 500 * time.Millisecond), Path: p})
	}
	cls := cl.Classify(makeEvent("10.0.0.1", "GET", "/f"), window)
	if !cls.HasFlag(FlagPathSweep) {
		t.Fatalf("expected path-sweep with 6 distinct paths, got %+v", cls.Matches)
	}
	sweepPoints := 0
	for _, m := range cls.Matches {
		if m.Flag == FlagPathSweep {
			sweepPoints += m.Points
		}
	}
	if sweepPoints != 15 {
		t.Fatalf("expected path-sweep to contribute exactly 15, got %d", sweepPoints)
	}
}

func TestPathSweepRepeatsDoNotCount(t *testing.T) {
	cl := newTestClassifier()

	// Ten hits on the same two paths are not a sweep.
	var window []Visit
	for i := 0; i < 10; i++ {
		p := "/a"
		if i%2 == 0 {
			p = "/b"
		}
		window = append(window, Visit{At: testBase.Add(-time.Duration(i) * 100 * time.Millisecond), Path: p})
	}
	cls := cl.Classify(makeEvent("10.0.0.1", "GET", "/a"), window)
	if cls.HasFlag(FlagPathSweep) {
		t.Fatalf("repeated paths must not trigger path-sweep: %+v", cls.Matches)
	}
}

func TestPathSweepWindowExpiry(t *testing.T) {
	cl := newTestClassifier()

	// Distinct paths older than the burst window are out of scope.
	var window []Visit
	for i, p := range []string{"/a", "/b", "/c", "/d", "/e"} {
		window = append(window, Visit{At: testBase.Add(-time.Duration(10+i) * time.Second), Path: p})
	}
	cls := cl.Classify(makeEvent("10.0.0.1", "GET", "/f"), window)
	if cls.HasFlag(FlagPathSweep) {
		t.Fatalf("stale visits must not trigger path-sweep: %+v", cls.Matches)
	}
}

func TestRateTiers(t *testing.T) {
	cl := newTestClassifier()

	window := make([]Visit, 16)
	for i := range window {
		window[i] = Visit{At: testBase.Add(-time.Duration(i) * time.Second), Path: "/x"}
	}
	cls := cl.Classify(makeEvent("10.0.0.1", "GET", "/x"), window)
	if !cls.HasFlag(FlagRateElevated) {
		t.Fatalf("expected rate-elevated at 17 req/min, got %+v", cls.Matches)
	}
	if cls.HasFlag(FlagRateSpike) {
		t.Fatalf("rate-spike must not fire at 17 req/min")
	}

	window = make([]Visit, 35)
	for i := range window {
		window[i] = Visit{At: testBase.Add(-time.Duration(i) * time.Second), Path: "/x"}
	}
	cls = cl.Classify(makeEvent("10.0.0.1", "GET", "/x"), window)
	if !cls.HasFlag(FlagRateSpike) {
		t.Fatalf("expected rate-spike at 36 req/min, got %+v", cls.Matches)
	}
	if cls.HasFlag(FlagRateElevated) {
		t.Fatalf("tiers are exclusive: elevated must not accompany spike")
	}
}

func TestBenignRequestScoresZero(t *testing.T) {
	cl := newTestClassifier()
	ev := makeEvent("10.0.0.1", "GET", "/index.html")
	ev.UserAgent = "Mozilla/5.0 (X11; Linux x86_64) Firefox/126.0"
	cls := cl.Classify(ev, nil)
	if cls.Delta != 0 || len(cls.Matches) != 0 {
		t.Fatalf("benign request must not score: %+v", cls)
	}
}

func TestGuessAttackTypePriority(t *testing.T) {
	cases := []struct {
		flags []Flag
		want  string
	}{
		{[]Flag{FlagSQLi, FlagRCE}, "rce"},
		{[]Flag{FlagAdminProbe, FlagSQLi}, "sqli"},
		{[]Flag{FlagTraversal}, "lfi"},
		{[]Flag{FlagLoginProbe, FlagRateSpike}, "credential-stuffing"},
		{[]Flag{FlagPathSweep}, "automated-scan"},
		{[]Flag{FlagConfigProbe}, "recon"},
		{nil, "unknown"},
	}
	for _, tc := range cases {
		if got := guessAttackType(tc.flags); got != tc.want {
			t.Fatalf("flags %v: expected %q, got %q", tc.flags, tc.want, got)
		}
	}
}

func TestSignaturePanicIsolation(t *testing.T) {
	set := DefaultSignatures()
	set.payload = append(set.payload, Signature{
		Flag:     Flag("broken"),
		Points:   10,
		Severity: SeverityLow,
		match:    func(ev *RequestEvent) (bool, string) { panic("boom") },
	})
	cl := NewClassifier(set, DefaultConfig(), NewInMemoryMetricsCollector())

	cls := cl.Classify(makeEvent("10.0.0.1", "GET", "/admin"), nil)
	if !cls.HasFlag(FlagAdminProbe) {
		t.Fatalf("a faulting signature must not abort classification: %+v", cls.Matches)
	}
	if cls.HasFlag(Flag("broken")) {
		t.Fatalf("faulting signature must not contribute a match")
	}
}
