package trapguard

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"regexp"
	"sync"
	"sync/atomic"
	"time"
)

// ErrUnknownSession is returned on read queries for a session that was never
// recorded. Lookups fail loudly instead of fabricating an empty session.
var ErrUnknownSession = errors.New("unknown session")

// Visit is one entry of the session's recent-path ring, read by the burst
// matcher.
type Visit struct {
	At   time.Time `json:"at"`
	Path string    `json:"path"`
}

// EventRecord is the bounded per-session history entry kept for detail views.
type EventRecord struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Delta     int       `json:"score_delta"`
	Total     int       `json:"score_total"`
	Flags     []Flag    `json:"flags,omitempty"`
}

// EnvProfile is the fabricated environment a session's deceptions draw from.
// Derived deterministically from the session id so an attacker always sees
// one consistent fake organization.
type EnvProfile struct {
	Org     string            `json:"org_name"`
	Domain  string            `json:"domain"`
	Stack   map[string]string `json:"stack"`
	Region  string            `json:"region"`
	Tenant  string            `json:"tenant"`
	BuildID string            `json:"build_id"`
}

var (
	profileOrgs = []string{
		"Northbridge Systems", "BluePeak Logistics", "HarborView Finance",
		"CedarStack Health", "Sunline Retail",
	}
	profileStacks = []map[string]string{
		{"gateway": "nginx", "backend": "flask", "db": "postgres", "cache": "redis", "idp": "oidc"},
		{"gateway": "apim", "backend": "fastapi", "db": "mysql", "cache": "redis", "idp": "saml"},
		{"gateway": "traefik", "backend": "node", "db": "postgres", "cache": "memcached", "idp": "oidc"},
	}
	profileRegions   = []string{"eastus", "westeurope", "centralus", "uksouth"}
	nonAlnumPattern  = regexp.MustCompile(`[^a-z0-9]+`)
	profileDomainLen = 14
)

func envProfileFor(sessionID string) EnvProfile {
	sum := sha256.Sum256([]byte(sessionID))
	seed := int64(uint64(sum[0])<<56 | uint64(sum[1])<<48 | uint64(sum[2])<<40 | uint64(sum[3])<<32 |
		uint64(sum[4])<<24 | uint64(sum[5])<<16 | uint64(sum[6])<<8 | uint64(sum[7]))
	rng := rand.New(rand.NewSource(seed))

	org := profileOrgs[rng.Intn(len(profileOrgs))]
	domain := nonAlnumPattern.ReplaceAllString(toLowerASCII(org), "")
	if len(domain) > profileDomainLen {
		domain = domain[:profileDomainLen]
	}
	return EnvProfile{
		Org:     org,
		Domain:  domain + ".internal",
		Stack:   profileStacks[rng.Intn(len(profileStacks))],
		Region:  profileRegions[rng.Intn(len(profileRegions))],
		Tenant:  fmt.Sprintf("tnt_%d", 1000+rng.Intn(9000)),
		BuildID: fmt.Sprintf("%d.%d.%d", 10+rng.Intn(90), rng.Intn(10), rng.Intn(100)),
	}
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

// DeriveSessionID produces the deterministic session identity for an
// (ip, user_agent) pair: the first 24 hex chars of sha256("ip|ua"). Coarse by
// design; two attackers behind one NAT with identical tooling collide, and
// that is an accepted approximation.
func DeriveSessionID(ip, userAgent string) string {
	sum := sha256.Sum256([]byte(ip + "|" + userAgent))
	return hex.EncodeToString(sum[:])[:24]
}

// Session is the aggregate state of one attacker identity. All fields are
// guarded by mu; external readers only ever see snapshots.
type Session struct {
	mu sync.Mutex

	id        string
	ip        string
	userAgent string
	env       EnvProfile

	totalRequests int
	score         int // cumulative, never reset
	maxRisk       int // running max of score, monotonically non-decreasing
	level         RiskLevel
	attackGuess   string

	flags    []Flag // insertion order preserved for display
	flagSeen map[Flag]bool
	flagHits map[Flag]int

	lastPath  string
	firstSeen time.Time
	lastSeen  time.Time

	visits     []Visit
	events     []EventRecord
	deceptions []DeceptionRecord
}

// SessionSnapshot is an immutable copy handed to the alert engine, the
// responder and the reporting facade.
type SessionSnapshot struct {
	SessionID     string     `json:"session_id"`
	IP            string     `json:"ip"`
	UserAgent     string     `json:"user_agent"`
	TotalRequests int        `json:"total_requests"`
	MaxRisk       int        `json:"max_risk"`
	RiskLevel     RiskLevel  `json:"risk_level"`
	AttackGuess   string     `json:"attack_guess"`
	Flags         []Flag     `json:"flags"`
	TopFlags      []Flag     `json:"top_flags,omitempty"`
	LastPath      string     `json:"last_path"`
	FirstSeen     time.Time  `json:"first_seen"`
	LastSeen      time.Time  `json:"last_seen"`
	Env           EnvProfile `json:"-"`
}

func (s *Session) snapshotLocked() SessionSnapshot {
	flags := make([]Flag, len(s.flags))
	copy(flags, s.flags)
	return SessionSnapshot{
		SessionID:     s.id,
		IP:            s.ip,
		UserAgent:     s.userAgent,
		TotalRequests: s.totalRequests,
		MaxRisk:       s.maxRisk,
		RiskLevel:     s.level,
		AttackGuess:   s.attackGuess,
		Flags:         flags,
		TopFlags:      s.topFlagsLocked(5),
		LastPath:      s.lastPath,
		FirstSeen:     s.firstSeen,
		LastSeen:      s.lastSeen,
		Env:           s.env,
	}
}

// topFlagsLocked returns up to n flags ordered by hit count, ties broken by
// insertion order.
func (s *Session) topFlagsLocked(n int) []Flag {
	ordered := make([]Flag, len(s.flags))
	copy(ordered, s.flags)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && s.flagHits[ordered[j]] > s.flagHits[ordered[j-1]]; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	if len(ordered) > n {
		ordered = ordered[:n]
	}
	return ordered
}

const sessionShards = 64

type sessionShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// SessionStore is the single authoritative map from session id to aggregate.
// Sharded with per-session mutexes: two events for the same key serialize,
// events for different keys proceed independently. There is deliberately no
// global lock.
type SessionStore struct {
	cfg    atomic.Pointer[Config]
	shards [sessionShards]*sessionShard
}

func NewSessionStore(cfg Config) *SessionStore {
	store := &SessionStore{}
	store.cfg.Store(&cfg)
	for i := range store.shards {
		store.shards[i] = &sessionShard{sessions: make(map[string]*Session)}
	}
	return store
}

func (st *SessionStore) config() Config {
	return *st.cfg.Load()
}

// UpdateConfig swaps the tunables; in-flight events finish under the config
// they started with.
func (st *SessionStore) UpdateConfig(cfg Config) {
	st.cfg.Store(&cfg)
}

func (st *SessionStore) shardFor(sessionID string) *sessionShard {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return st.shards[h.Sum32()%sessionShards]
}

func (st *SessionStore) resolve(ip, userAgent string, create bool) *Session {
	id := DeriveSessionID(ip, userAgent)
	shard := st.shardFor(id)

	shard.mu.RLock()
	sess := shard.sessions[id]
	shard.mu.RUnlock()
	if sess != nil || !create {
		return sess
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if sess = shard.sessions[id]; sess != nil {
		return sess
	}
	sess = &Session{
		id:        id,
		ip:        ip,
		userAgent: userAgent,
		env:       envProfileFor(id),
		level:     RiskLow,
		flagSeen:  make(map[Flag]bool),
		flagHits:  make(map[Flag]int),
	}
	shard.sessions[id] = sess
	return sess
}

// Window returns a point-in-time copy of the recent-visit ring for the
// session, or nil for a first contact. The copy is what the burst matcher
// reads; it never observes a mutable structure.
func (st *SessionStore) Window(ip, userAgent string) []Visit {
	sess := st.resolve(ip, userAgent, false)
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	window := make([]Visit, len(sess.visits))
	copy(window, sess.visits)
	return window
}

// Record applies one classified event to its session and returns the
// resulting immutable snapshot plus the risk level held before this event,
// for crossing detection. The whole read-modify-write runs under the
// session's mutex.
func (st *SessionStore) Record(ev *RequestEvent, cls Classification) (SessionSnapshot, RiskLevel) {
	cfg := st.config()
	sess := st.resolve(ev.IP, ev.UserAgent, true)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	prev := sess.level
	if sess.totalRequests == 0 {
		sess.firstSeen = ev.Timestamp
	}
	sess.totalRequests++
	sess.lastPath = ev.Path
	sess.lastSeen = ev.Timestamp

	sess.visits = append(sess.visits, Visit{At: ev.Timestamp, Path: ev.Path})
	if len(sess.visits) > cfg.WindowCap {
		sess.visits = sess.visits[len(sess.visits)-cfg.WindowCap:]
	}

	var eventFlags []Flag
	for _, m := range cls.Matches {
		eventFlags = append(eventFlags, m.Flag)
		sess.flagHits[m.Flag]++
		if !sess.flagSeen[m.Flag] {
			sess.flagSeen[m.Flag] = true
			sess.flags = append(sess.flags, m.Flag)
		}
	}

	sess.score += cls.Delta
	if sess.score > sess.maxRisk {
		sess.maxRisk = sess.score
	}
	sess.level = cfg.Thresholds.Level(sess.maxRisk)
	sess.attackGuess = guessAttackType(sess.flags)

	sess.events = append(sess.events, EventRecord{
		EventID:   ev.ID,
		Timestamp: ev.Timestamp,
		Method:    ev.Method,
		Path:      ev.Path,
		Delta:     cls.Delta,
		Total:     sess.score,
		Flags:     eventFlags,
	})
	if len(sess.events) > cfg.EventHistory {
		sess.events = sess.events[len(sess.events)-cfg.EventHistory:]
	}

	return sess.snapshotLocked(), prev
}

// AppendDeception attaches a deception record to its session's bounded
// history.
func (st *SessionStore) AppendDeception(sessionID string, rec DeceptionRecord) {
	shard := st.shardFor(sessionID)
	shard.mu.RLock()
	sess := shard.sessions[sessionID]
	shard.mu.RUnlock()
	if sess == nil {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.deceptions = append(sess.deceptions, rec)
	cfg := st.config()
	if len(sess.deceptions) > cfg.DeceptionCap {
		sess.deceptions = sess.deceptions[len(sess.deceptions)-cfg.DeceptionCap:]
	}
}

// Get returns the snapshot for a session id.
func (st *SessionStore) Get(sessionID string) (SessionSnapshot, error) {
	shard := st.shardFor(sessionID)
	shard.mu.RLock()
	sess := shard.sessions[sessionID]
	shard.mu.RUnlock()
	if sess == nil {
		return SessionSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.snapshotLocked(), nil
}

// History returns bounded copies of a session's event and deception
// histories, most recent last.
func (st *SessionStore) History(sessionID string, events, deceptions int) ([]EventRecord, []DeceptionRecord, error) {
	shard := st.shardFor(sessionID)
	shard.mu.RLock()
	sess := shard.sessions[sessionID]
	shard.mu.RUnlock()
	if sess == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	evs := sess.events
	if events > 0 && len(evs) > events {
		evs = evs[len(evs)-events:]
	}
	decs := sess.deceptions
	if deceptions > 0 && len(decs) > deceptions {
		decs = decs[len(decs)-deceptions:]
	}
	evCopy := make([]EventRecord, len(evs))
	copy(evCopy, evs)
	decCopy := make([]DeceptionRecord, len(decs))
	copy(decCopy, decs)
	return evCopy, decCopy, nil
}

// All returns a snapshot of every session. Each session is locked briefly;
// the result is consistent per session, possibly stale-by-one-event overall.
func (st *SessionStore) All() []SessionSnapshot {
	var snapshots []SessionSnapshot
	for _, shard := range st.shards {
		shard.mu.RLock()
		sessions := make([]*Session, 0, len(shard.sessions))
		for _, sess := range shard.sessions {
			sessions = append(sessions, sess)
		}
		shard.mu.RUnlock()
		for _, sess := range sessions {
			sess.mu.Lock()
			snapshots = append(snapshots, sess.snapshotLocked())
			sess.mu.Unlock()
		}
	}
	return snapshots
}

// Count returns the number of known sessions.
func (st *SessionStore) Count() int {
	total := 0
	for _, shard := range st.shards {
		shard.mu.RLock()
		total += len(shard.sessions)
		shard.mu.RUnlock()
	}
	return total
}

// PruneIdle evicts sessions idle longer than maxIdle and reports how many
// were removed. The scoring pipeline never calls this; retention is the
// operator layer's concern.
func (st *SessionStore) PruneIdle(maxIdle time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxIdle)
	removed := 0
	for _, shard := range st.shards {
		shard.mu.Lock()
		for id, sess := range shard.sessions {
			sess.mu.Lock()
			idle := !sess.lastSeen.IsZero() && sess.lastSeen.Before(cutoff)
			sess.mu.Unlock()
			if idle {
				delete(shard.sessions, id)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// HealthCheck satisfies the component health fan-out.
func (st *SessionStore) HealthCheck() error {
	for _, shard := range st.shards {
		if shard == nil || shard.sessions == nil {
			return errors.New("session store not initialized")
		}
	}
	return nil
}
