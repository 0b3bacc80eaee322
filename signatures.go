package trapguard

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// Flag is a named attack-pattern signal. The set is closed: scoring and
// deception policy key off these constants, never off free-form strings.
type Flag string

const (
	FlagAdminProbe   Flag = "admin-probe"
	FlagConfigProbe  Flag = "config-probe"
	FlagBackupProbe  Flag = "backup-probe"
	FlagLoginProbe   Flag = "login-probe"
	FlagAPIProbe     Flag = "api-probe"
	FlagDebugProbe   Flag = "debug-probe"
	FlagSchemaProbe  Flag = "schema-probe"
	FlagScannerTool  Flag = "scanner-tool"
	FlagSQLi         Flag = "sqli-attempt"
	FlagTraversal    Flag = "path-traversal"
	FlagRCE          Flag = "rce-attempt"
	FlagSSRF         Flag = "ssrf-attempt"
	FlagCredProbe    Flag = "credential-probe"
	FlagRateElevated Flag = "rate-elevated"
	FlagRateSpike    Flag = "rate-spike"
	FlagPathSweep    Flag = "path-sweep"
)

// Severity is the tier a signature contributes when it fires.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMed      Severity = "MED"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Signature is a single immutable detection rule.
type Signature struct {
	Flag     Flag
	Points   int
	Severity Severity
	match    func(ev *RequestEvent) (bool, string)
}

// SignatureSet is the full catalog evaluated per event. Endpoint signatures
// are ordered and first-match-wins; payload and credential signatures are all
// evaluated and summed.
type SignatureSet struct {
	endpoint   []Signature
	payload    []Signature
	credential []Signature
}

func pathSignature(flag Flag, points int, sev Severity, pattern string) Signature {
	re := regexp.MustCompile(pattern)
	return Signature{
		Flag:     flag,
		Points:   points,
		Severity: sev,
		match: func(ev *RequestEvent) (bool, string) {
			if re.MatchString(ev.Path) {
				return true, ev.Path
			}
			return false, ""
		},
	}
}

func payloadSignature(flag Flag, points int, sev Severity, pattern string) Signature {
	re := regexp.MustCompile(pattern)
	return Signature{
		Flag:     flag,
		Points:   points,
		Severity: sev,
		match: func(ev *RequestEvent) (bool, string) {
			if loc := re.FindString(ev.haystack()); loc != "" {
				return true, loc
			}
			return false, ""
		},
	}
}

// Usernames whose mere attempt is a behavioral signal, regardless of the
// password supplied.
var suspiciousUsernames = map[string]bool{
	"root": true, "admin": true, "sa": true,
	"administrator": true, "guest": true, "test": true,
}

func credentialSignature(points int) Signature {
	return Signature{
		Flag:     FlagCredProbe,
		Points:   points,
		Severity: SeverityMed,
		match: func(ev *RequestEvent) (bool, string) {
			username, _, ok := ev.credentials()
			if !ok || username == "" {
				return false, ""
			}
			bare := strings.ToLower(strings.TrimSpace(username))
			if idx := strings.IndexAny(bare, "'\" ;"); idx > 0 {
				bare = bare[:idx]
			}
			if suspiciousUsernames[bare] {
				return true, username
			}
			return false, ""
		},
	}
}

// DefaultSignatures builds the built-in catalog. Weights follow the scoring
// table the dashboard documents: admin probe +25, config/backup +30, SQLi
// +25, RCE +35, traversal +25, scanner tooling +20.
func DefaultSignatures() *SignatureSet {
	return &SignatureSet{
		endpoint: []Signature{
			pathSignature(FlagAdminProbe, 25, SeverityMed, `^/admin(/.*)?$`),
			pathSignature(FlagAdminProbe, 25, SeverityMed, `^/(wp-admin|phpmyadmin)(/.*)?$`),
			pathSignature(FlagConfigProbe, 30, SeverityHigh, `^/config/?$`),
			pathSignature(FlagConfigProbe, 30, SeverityHigh, `^/(\.env|\.git/config)$`),
			pathSignature(FlagBackupProbe, 30, SeverityHigh, `^/backup(\.(sql|zip|tar\.gz))?/?$`),
			pathSignature(FlagLoginProbe, 10, SeverityLow, `^/login/?$`),
			pathSignature(FlagDebugProbe, 15, SeverityLow, `^/(actuator|debug|trace|metrics)(/.*)?$`),
			pathSignature(FlagSchemaProbe, 15, SeverityLow, `^/(swagger\.json|graphql)$`),
			pathSignature(FlagAPIProbe, 8, SeverityLow, `^/api/.+`),
		},
		payload: []Signature{
			payloadSignature(FlagScannerTool, 20, SeverityMed,
				`\b(sqlmap|nikto|acunetix|nmap|masscan|zgrab|burp|dirbuster|gobuster|wfuzz)\b`),
			payloadSignature(FlagSQLi, 25, SeverityHigh,
				`(union\s+select|or\s+1\s*=\s*1|'\s*or\s*'|--\s|'\s*--|sleep\(|benchmark\(|;\s*drop\s+table)`),
			payloadSignature(FlagTraversal, 25, SeverityHigh,
				`(\.\./|\.\.\\|%2e%2e%2f|\.\.\.\./+|/etc/passwd|/etc/shadow|win\.ini|boot\.ini)`),
			payloadSignature(FlagRCE, 35, SeverityCritical,
				`(cmd=|powershell|bash\s+-c|sh\s+-c|\bwget\s|\bcurl\s|\bwhoami\b|cat\s+/etc/|\|\s*id\b|;\s*id\b|\$\([^)]*\))`),
			payloadSignature(FlagSSRF, 25, SeverityHigh,
				`(169\.254\.169\.254|metadata\.google\.internal)`),
		},
		credential: []Signature{
			credentialSignature(10),
		},
	}
}

// severityFor reports the tier of the first catalog entry carrying the flag.
func (s *SignatureSet) severityFor(flag Flag) Severity {
	for _, group := range [][]Signature{s.endpoint, s.payload, s.credential} {
		for _, sig := range group {
			if sig.Flag == flag {
				return sig.Severity
			}
		}
	}
	return SeverityMed
}

// applyWeights overrides per-flag point values from config.
func (s *SignatureSet) applyWeights(weights map[Flag]int) {
	if len(weights) == 0 {
		return
	}
	apply := func(group []Signature) {
		for i := range group {
			if w, ok := weights[group[i].Flag]; ok {
				group[i].Points = w
			}
		}
	}
	apply(s.endpoint)
	apply(s.payload)
	apply(s.credential)
}

// RiskLevel classifies a cumulative score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMed      RiskLevel = "MED"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

func (l RiskLevel) rank() int {
	switch l {
	case RiskCritical:
		return 3
	case RiskHigh:
		return 2
	case RiskMed:
		return 1
	default:
		return 0
	}
}

// RiskThresholds maps cumulative score to RiskLevel. Boundaries must be
// monotonic and non-overlapping.
type RiskThresholds struct {
	Med      int `json:"med"`
	High     int `json:"high"`
	Critical int `json:"critical"`
}

// Level is the pure score->level function; risk_level is never stored
// independently of it.
func (t RiskThresholds) Level(score int) RiskLevel {
	switch {
	case score >= t.Critical:
		return RiskCritical
	case score >= t.High:
		return RiskHigh
	case score >= t.Med:
		return RiskMed
	default:
		return RiskLow
	}
}

// BurstConfig governs the path-sweep matcher.
type BurstConfig struct {
	MinDistinctPaths int      `json:"minDistinctPaths"`
	Window           Duration `json:"window"`
	Points           int      `json:"points"`
}

// RateConfig governs the requests-per-minute tiers.
type RateConfig struct {
	ElevatedPerMinute int `json:"elevatedPerMinute"`
	ElevatedPoints    int `json:"elevatedPoints"`
	SpikePerMinute    int `json:"spikePerMinute"`
	SpikePoints       int `json:"spikePoints"`
}

// Duration unmarshals "5s"-style JSON strings.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config is the tunable surface of the engine. Everything has a default; a
// config directory only overrides.
type Config struct {
	Thresholds   RiskThresholds `json:"thresholds"`
	Burst        BurstConfig    `json:"burst"`
	Rate         RateConfig     `json:"rate"`
	Weights      map[Flag]int   `json:"weights"`
	EventHistory int            `json:"eventHistory"`
	DeceptionCap int            `json:"deceptionHistory"`
	WindowCap    int            `json:"windowCap"`
}

func DefaultConfig() Config {
	return Config{
		Thresholds: RiskThresholds{Med: 30, High: 60, Critical: 80},
		Burst: BurstConfig{
			MinDistinctPaths: 6,
			Window:           Duration(5 * time.Second),
			Points:           15,
		},
		Rate: RateConfig{
			ElevatedPerMinute: 15,
			ElevatedPoints:    10,
			SpikePerMinute:    30,
			SpikePoints:       20,
		},
		EventHistory: 50,
		DeceptionCap: 50,
		WindowCap:    128,
	}
}

const maxConfigFileSize = 1024 * 1024

// LoadConfigDir overlays JSON files from dir onto the defaults. A missing
// directory is not an error; the defaults stand.
func LoadConfigDir(dir string) (Config, error) {
	cfg := DefaultConfig()
	if dir == "" {
		return cfg, nil
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config directory: %w", err)
	}
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		if strings.Contains(file.Name(), "..") || strings.ContainsAny(file.Name(), `/\`) {
			return cfg, fmt.Errorf("invalid config file name: %s", file.Name())
		}
		data, err := os.ReadFile(dir + "/" + file.Name())
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", file.Name(), err)
		}
		if len(data) > maxConfigFileSize {
			return cfg, fmt.Errorf("config file %s is too large", file.Name())
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", file.Name(), err)
		}
	}
	if err := ValidateConfig(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ValidateConfig rejects threshold tables that are not monotonic and weights
// that cannot contribute to a score.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	t := cfg.Thresholds
	if t.Med <= 0 || t.High <= t.Med || t.Critical <= t.High {
		return fmt.Errorf("risk thresholds must be monotonic: med=%d high=%d critical=%d", t.Med, t.High, t.Critical)
	}
	if cfg.Burst.MinDistinctPaths < 2 {
		return fmt.Errorf("burst minDistinctPaths must be >= 2, got %d", cfg.Burst.MinDistinctPaths)
	}
	if time.Duration(cfg.Burst.Window) <= 0 {
		return fmt.Errorf("burst window must be positive")
	}
	if cfg.Rate.SpikePerMinute <= cfg.Rate.ElevatedPerMinute {
		return fmt.Errorf("rate spike threshold must exceed elevated threshold")
	}
	for flag, points := range cfg.Weights {
		if points < 0 {
			return fmt.Errorf("weight for %s is negative", flag)
		}
	}
	if cfg.EventHistory <= 0 {
		cfg.EventHistory = DefaultConfig().EventHistory
	}
	if cfg.DeceptionCap <= 0 {
		cfg.DeceptionCap = DefaultConfig().DeceptionCap
	}
	if cfg.WindowCap <= 0 {
		cfg.WindowCap = DefaultConfig().WindowCap
	}
	return nil
}
