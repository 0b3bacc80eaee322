package trapguard

import (
	"sort"
)

// Reporter is the read-only facade the dashboard consumes. Every view is
// assembled from snapshots; nothing here mutates engine state.
type Reporter struct {
	store  *SessionStore
	alerts *AlertEngine
	health func() map[string]error
}

func NewReporter(engine *Engine) *Reporter {
	return &Reporter{
		store:  engine.Store(),
		alerts: engine.Alerts(),
		health: engine.HealthCheck,
	}
}

// Overview is the dashboard landing payload.
type Overview struct {
	OK            bool              `json:"ok"`
	TotalSessions int               `json:"total_sessions"`
	OpenAlerts    int               `json:"open_alerts"`
	ByLevel       map[RiskLevel]int `json:"by_level"`
	TopSessions   []SessionSnapshot `json:"top_sessions"`
}

// Overview aggregates current state: session counts by level, open alerts and
// the highest-risk sessions.
func (r *Reporter) Overview(topN int) Overview {
	snapshots := r.store.All()

	byLevel := map[RiskLevel]int{RiskLow: 0, RiskMed: 0, RiskHigh: 0, RiskCritical: 0}
	for _, snap := range snapshots {
		byLevel[snap.RiskLevel]++
	}

	sort.Slice(snapshots, func(i, j int) bool {
		if snapshots[i].MaxRisk != snapshots[j].MaxRisk {
			return snapshots[i].MaxRisk > snapshots[j].MaxRisk
		}
		return snapshots[i].LastSeen.After(snapshots[j].LastSeen)
	})
	if topN > 0 && len(snapshots) > topN {
		snapshots = snapshots[:topN]
	}

	ok := true
	for _, err := range r.health() {
		if err != nil {
			ok = false
			break
		}
	}

	return Overview{
		OK:            ok,
		TotalSessions: r.store.Count(),
		OpenAlerts:    r.alerts.OpenCount(),
		ByLevel:       byLevel,
		TopSessions:   snapshots,
	}
}

// Sessions lists sessions most recently active first.
func (r *Reporter) Sessions(limit int) []SessionSnapshot {
	snapshots := r.store.All()
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].LastSeen.After(snapshots[j].LastSeen)
	})
	if limit > 0 && len(snapshots) > limit {
		snapshots = snapshots[:limit]
	}
	return snapshots
}

// Alerts lists alerts newest first, optionally filtered by status.
func (r *Reporter) Alerts(status AlertStatus, limit int) []Alert {
	return r.alerts.List(status, limit)
}

// SessionDetail is the drill-down view for one session.
type SessionDetail struct {
	Session    SessionSnapshot   `json:"session"`
	Events     []EventRecord     `json:"events"`
	Deceptions []DeceptionRecord `json:"deceptions"`
}

// SessionDetail returns one session with bounded event and deception
// histories. Unknown ids fail with ErrUnknownSession.
func (r *Reporter) SessionDetail(sessionID string, events, deceptions int) (SessionDetail, error) {
	snap, err := r.store.Get(sessionID)
	if err != nil {
		return SessionDetail{}, err
	}
	evs, decs, err := r.store.History(sessionID, events, deceptions)
	if err != nil {
		return SessionDetail{}, err
	}
	return SessionDetail{Session: snap, Events: evs, Deceptions: decs}, nil
}
