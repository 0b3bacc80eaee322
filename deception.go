package trapguard

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// CredentialIntel captures attacker-submitted credentials, verbatim.
type CredentialIntel struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Pattern  string `json:"pattern"`
}

// AdminIntel captures probing of a fake admin surface.
type AdminIntel struct {
	Path        string `json:"path"`
	TargetGuess string `json:"target_guess"`
}

// DeceptionRecord is one synthesized response plus the intel harvested from
// the triggering request. Append-only, attached to its session.
type DeceptionRecord struct {
	ID        string    `json:"deception_id"`
	Timestamp time.Time `json:"timestamp"`
	EventID   string    `json:"event_id"`
	Path      string    `json:"path"`
	Kind      string    `json:"kind"`
	RiskScore int       `json:"risk_score"`
	Flags     []Flag    `json:"flags,omitempty"`

	Credential *CredentialIntel `json:"credential_intel,omitempty"`
	Admin      *AdminIntel      `json:"admin_intel,omitempty"`
	Command    string           `json:"command,omitempty"`
	Target     string           `json:"target,omitempty"`
	Lures      []string         `json:"lures,omitempty"`
}

// ResponsePayload is what the transport layer sends back to the attacker.
type ResponsePayload struct {
	Status      int
	ContentType string
	Body        []byte
}

func jsonPayload(status int, body any) ResponsePayload {
	data, err := json.Marshal(body)
	if err != nil {
		data = []byte(`{"error":"internal"}`)
	}
	return ResponsePayload{Status: status, ContentType: "application/json", Body: data}
}

func htmlPayload(status int, body string) ResponsePayload {
	return ResponsePayload{Status: status, ContentType: "text/html; charset=utf-8", Body: []byte(body)}
}

func textPayload(status int, body string) ResponsePayload {
	return ResponsePayload{Status: status, ContentType: "text/plain; charset=utf-8", Body: []byte(body)}
}

// Breadcrumbs seeded into login deceptions to lure further probing of
// instrumented fake surfaces.
var suggestedEndpoints = []string{"/admin", "/api/v1/audit", "/internal/health", "/debug/status"}

// Fake admin surface -> apparent target system.
var adminTargetGuesses = []struct {
	prefix string
	guess  string
}{
	{"/wp-admin", "wordpress"},
	{"/phpmyadmin", "mysql"},
	{"/actuator", "spring-boot"},
	{"/.git", "git"},
	{"/.env", "dotenv"},
	{"/admin", "generic-admin"},
}

// Responder synthesizes deceptive responses. It performs no privileged
// operation of any kind: every intel payload is attacker-supplied input
// echoed back in structured form, never executed or resolved against the
// real environment.
type Responder struct {
	now func() time.Time
}

func NewResponder() *Responder {
	return &Responder{now: func() time.Time { return time.Now().UTC() }}
}

// Build picks the deception policy for the event's dominant flag and returns
// the record plus the payload to serve. It always produces a decoy, even for
// an event nothing matched.
func (r *Responder) Build(ev *RequestEvent, cls Classification, snap SessionSnapshot) (DeceptionRecord, ResponsePayload) {
	rec := DeceptionRecord{
		ID:        "dec_" + uuid.NewString()[:12],
		Timestamp: r.now(),
		EventID:   ev.ID,
		Path:      ev.Path,
		RiskScore: cls.Delta,
	}
	for _, m := range cls.Matches {
		rec.Flags = append(rec.Flags, m.Flag)
	}

	var payload ResponsePayload
	switch {
	case cls.HasFlag(FlagRCE):
		rec.Kind = "command-output"
		payload = r.buildCommandOutput(ev, &rec)
	case cls.HasFlag(FlagTraversal):
		rec.Kind = "file-body"
		payload = r.buildFileBody(ev, snap, &rec)
	case ev.Path == "/login" || strings.HasPrefix(ev.Path, "/login/") || cls.HasFlag(FlagCredProbe):
		rec.Kind = "login-failure"
		payload = r.buildLoginFailure(ev, cls, snap, &rec)
	case cls.HasFlag(FlagAdminProbe):
		rec.Kind = "admin-panel"
		payload = r.buildAdminPanel(ev, snap, &rec)
	case cls.HasFlag(FlagConfigProbe):
		rec.Kind = "config-dump"
		payload = r.buildConfigDump(snap)
	case cls.HasFlag(FlagBackupProbe):
		rec.Kind = "backup-dump"
		payload = r.buildBackupDump(snap)
	default:
		rec.Kind = "decoy"
		payload = r.buildDefaultDecoy(ev)
	}
	return rec, payload
}

// classifyCredentialPattern labels a captured credential pair for the
// dashboard's credential_intel view.
func classifyCredentialPattern(username, password string) string {
	lower := strings.ToLower(username)
	if strings.ContainsAny(username, "'\"") || strings.Contains(lower, "union select") ||
		strings.Contains(lower, "or 1=1") || strings.Contains(lower, "--") {
		return "sql-injection-in-credential"
	}
	commonPasswords := map[string]bool{
		"": true, "admin": true, "password": true, "123456": true,
		"root": true, "letmein": true, "qwerty": true,
	}
	if suspiciousUsernames[lower] && commonPasswords[strings.ToLower(password)] {
		return "default-creds"
	}
	return "credential-probe"
}

func (r *Responder) buildLoginFailure(ev *RequestEvent, cls Classification, snap SessionSnapshot, rec *DeceptionRecord) ResponsePayload {
	username, password, ok := ev.credentials()
	if ok {
		rec.Credential = &CredentialIntel{
			Username: username,
			Password: password,
			Pattern:  classifyCredentialPattern(username, password),
		}
	}
	rec.Lures = suggestedEndpoints

	reqID := "req_" + uuid.NewString()[:10]
	body := map[string]any{
		"error": map[string]any{
			"code":        401,
			"message":     "Invalid credentials",
			"request_id":  reqID,
			"retry_after": 5,
		},
		"tenant": snap.Env.Tenant,
		"trace":  map[string]string{"correlation_id": "corr_" + uuid.NewString()[:8]},
	}
	return jsonPayload(401, body)
}

func (r *Responder) buildAdminPanel(ev *RequestEvent, snap SessionSnapshot, rec *DeceptionRecord) ResponsePayload {
	guess := "generic-admin"
	for _, entry := range adminTargetGuesses {
		if strings.HasPrefix(ev.Path, entry.prefix) {
			guess = entry.guess
			break
		}
	}
	rec.Admin = &AdminIntel{Path: ev.Path, TargetGuess: guess}

	page := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>%s Admin Console</title></head>
<body>
<h1>%s</h1>
<h2>403 &mdash; Access Denied</h2>
<p>Your account is not authorized for the administration console.</p>
<p>This access attempt has been recorded in the audit log (build %s, region %s).</p>
<p>Contact your identity provider administrator if you believe this is an error.</p>
</body>
</html>`, snap.Env.Org, snap.Env.Org, snap.Env.BuildID, snap.Env.Region)
	return htmlPayload(403, page)
}

// Canned outputs for commands attackers commonly probe with. Nothing is ever
// executed; unknown commands get a shell-shaped error.
var fakeCommandOutputs = map[string]string{
	"whoami":          "www-data",
	"id":              "uid=33(www-data) gid=33(www-data) groups=33(www-data)",
	"uname":           "Linux",
	"uname -a":        "Linux web-prod-01 5.4.0-121-generic #137-Ubuntu SMP x86_64 GNU/Linux",
	"pwd":      "/var/www/html",
	"hostname": "web-prod-01",
}

func (r *Responder) buildCommandOutput(ev *RequestEvent, rec *DeceptionRecord) ResponsePayload {
	command := extractCommand(ev)
	rec.Command = command

	normalized := strings.TrimSpace(command)
	if strings.Contains(normalized, "/etc/passwd") {
		return textPayload(200, fakePasswd())
	}
	if out, known := fakeCommandOutputs[normalized]; known {
		return textPayload(200, out+"\n")
	}
	fields := strings.Fields(normalized)
	name := normalized
	if len(fields) > 0 {
		name = fields[0]
	}
	return textPayload(200, fmt.Sprintf("sh: 1: %s: not found\n", name))
}

func extractCommand(ev *RequestEvent) string {
	for _, key := range []string{"cmd", "command", "exec", "c"} {
		if v, exists := ev.Query[key]; exists && v != "" {
			return v
		}
	}
	if ev.BodyJSON != nil {
		if v := stringField(ev.BodyJSON, "cmd", "command", "exec"); v != "" {
			return v
		}
	}
	if ev.Body != "" {
		return ev.Body
	}
	return ev.Path
}

func (r *Responder) buildFileBody(ev *RequestEvent, snap SessionSnapshot, rec *DeceptionRecord) ResponsePayload {
	hay := ev.haystack()
	switch {
	case strings.Contains(hay, "/etc/shadow"):
		rec.Target = "/etc/shadow"
		return textPayload(200, fakeShadow())
	case strings.Contains(hay, "/etc/passwd"):
		rec.Target = "/etc/passwd"
		return textPayload(200, fakePasswd())
	case strings.Contains(hay, "win.ini"):
		rec.Target = "win.ini"
		return textPayload(200, "; for 16-bit app support\n[fonts]\n[extensions]\n[mci extensions]\n[files]\n")
	default:
		rec.Target = ev.Path
		return textPayload(200, fmt.Sprintf("# %s\n# managed by %s ops\nenvironment=production\n", ev.Path, snap.Env.Domain))
	}
}

func fakePasswd() string {
	return `root:x:0:0:root:/root:/bin/bash
daemon:x:1:1:daemon:/usr/sbin:/usr/sbin/nologin
bin:x:2:2:bin:/bin:/usr/sbin/nologin
www-data:x:33:33:www-data:/var/www:/usr/sbin/nologin
backup:x:34:34:backup:/var/backups:/usr/sbin/nologin
postgres:x:112:117:PostgreSQL administrator:/var/lib/postgresql:/bin/bash
deploy:x:1001:1001:deploy:/home/deploy:/bin/bash
`
}

func fakeShadow() string {
	// A real-looking (but fabricated) hash makes the dump credible.
	hash := fakePasswordHash("Spring2024!")
	return fmt.Sprintf(`root:%s:19650:0:99999:7:::
daemon:*:19650:0:99999:7:::
www-data:*:19650:0:99999:7:::
deploy:%s:19650:0:99999:7:::
`, hash, hash)
}

// fakePasswordHash produces a bcrypt hash of a throwaway fake password so
// leaked "credentials" look authentic while corresponding to nothing real.
func fakePasswordHash(fake string) string {
	hash, err := bcrypt.GenerateFromPassword([]byte(fake), bcrypt.MinCost)
	if err != nil {
		return "$2a$04$invalid"
	}
	return string(hash)
}

func (r *Responder) buildConfigDump(snap SessionSnapshot) ResponsePayload {
	return jsonPayload(200, map[string]any{
		"DB_HOST":     "db01." + snap.Env.Domain,
		"DB_USER":     "admin",
		"DB_PASSWORD": "fake_password",
		"CACHE_URL":   snap.Env.Stack["cache"] + "://cache01." + snap.Env.Domain + ":6379",
		"REGION":      snap.Env.Region,
		"BUILD_ID":    snap.Env.BuildID,
	})
}

func (r *Responder) buildBackupDump(snap SessionSnapshot) ResponsePayload {
	dump := fmt.Sprintf(`-- %s database backup
-- host: db01.%s
CREATE TABLE users (id serial, username text, password_hash text);
INSERT INTO users VALUES (1, 'admin', '%s');
INSERT INTO users VALUES (2, 'svc_auth', '%s');
`, snap.Env.Org, snap.Env.Domain, fakePasswordHash("fake123"), fakePasswordHash("rotated"))
	return ResponsePayload{
		Status:      200,
		ContentType: "application/sql",
		Body:        []byte(dump),
	}
}

func (r *Responder) buildDefaultDecoy(ev *RequestEvent) ResponsePayload {
	switch {
	case ev.Path == "/" || ev.Path == "":
		return htmlPayload(200, "<h1>Welcome</h1><p>Service running.</p>")
	case strings.HasPrefix(ev.Path, "/api/"):
		return jsonPayload(200, map[string]string{
			"status": "api endpoint reached",
			"path":   strings.TrimPrefix(ev.Path, "/api/"),
		})
	case ev.Path == "/health":
		return jsonPayload(200, map[string]string{"status": "healthy"})
	default:
		return htmlPayload(404, "<html>\n<head><title>404 Not Found</title></head>\n<body>\n<center><h1>404 Not Found</h1></center>\n<hr><center>nginx</center>\n</body>\n</html>\n")
	}
}
