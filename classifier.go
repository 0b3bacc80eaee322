package trapguard

import (
	"fmt"
	"time"

	"github.com/oarkflow/log"
)

// Match is one signature hit on one event.
type Match struct {
	Flag     Flag     `json:"flag"`
	Points   int      `json:"points"`
	Severity Severity `json:"severity"`
	Evidence string   `json:"evidence,omitempty"`
}

// Classification is the full verdict for one event. Delta is the summed
// points of all matches, floored at zero.
type Classification struct {
	Matches []Match `json:"matches"`
	Delta   int     `json:"delta"`
}

// HasFlag reports whether the classification produced the given flag.
func (c Classification) HasFlag(flag Flag) bool {
	for _, m := range c.Matches {
		if m.Flag == flag {
			return true
		}
	}
	return false
}

// Classifier evaluates events against the signature catalog. It owns no
// mutable state beyond its (swappable) catalog and is safe for concurrent
// use; the burst matcher's history is supplied by the caller as a read-only
// window.
type Classifier struct {
	set     *SignatureSet
	cfg     Config
	metrics MetricsCollector
}

func NewClassifier(set *SignatureSet, cfg Config, metrics MetricsCollector) *Classifier {
	if set == nil {
		set = DefaultSignatures()
	}
	set.applyWeights(cfg.Weights)
	return &Classifier{set: set, cfg: cfg, metrics: metrics}
}

// Classify evaluates every signature against the event. Matches are
// collected, never short-circuited: a single event may contribute several
// (flag, points) pairs. Deterministic given the same event and window.
func (cl *Classifier) Classify(ev *RequestEvent, window []Visit) Classification {
	var result Classification

	// Endpoint signatures: first match wins, mirroring the weight table.
	for i := range cl.set.endpoint {
		if m, ok := cl.evaluate(&cl.set.endpoint[i], ev); ok {
			result.Matches = append(result.Matches, m)
			break
		}
	}
	for i := range cl.set.payload {
		if m, ok := cl.evaluate(&cl.set.payload[i], ev); ok {
			result.Matches = append(result.Matches, m)
		}
	}
	for i := range cl.set.credential {
		if m, ok := cl.evaluate(&cl.set.credential[i], ev); ok {
			result.Matches = append(result.Matches, m)
		}
	}

	result.Matches = append(result.Matches, cl.behavioralMatches(ev, window)...)

	for _, m := range result.Matches {
		result.Delta += m.Points
	}
	if result.Delta < 0 {
		result.Delta = 0
	}
	return result
}

// evaluate runs one signature with fault isolation: a panicking matcher is
// logged and skipped, it never aborts classification of the event.
func (cl *Classifier) evaluate(sig *Signature, ev *RequestEvent) (match Match, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			log.Error().Str("flag", string(sig.Flag)).Str("path", ev.Path).
				Str("panic", fmt.Sprint(r)).Msg("signature evaluation fault, skipping")
			if cl.metrics != nil {
				cl.metrics.IncrementCounter("signature_faults_total", map[string]string{"flag": string(sig.Flag)})
			}
		}
	}()
	matched, evidence := sig.match(ev)
	if !matched {
		return Match{}, false
	}
	return Match{Flag: sig.Flag, Points: sig.Points, Severity: sig.Severity, Evidence: evidence}, true
}

// behavioralMatches derives rate and burst signals from the session's recent
// window. The window is a point-in-time copy that excludes the current event,
// so the event itself is counted explicitly.
func (cl *Classifier) behavioralMatches(ev *RequestEvent, window []Visit) []Match {
	var matches []Match

	oneMinuteAgo := ev.Timestamp.Add(-time.Minute)
	rpm := 1 // current event
	for _, v := range window {
		if !v.At.Before(oneMinuteAgo) {
			rpm++
		}
	}
	if rpm > cl.cfg.Rate.SpikePerMinute {
		matches = append(matches, Match{
			Flag:     FlagRateSpike,
			Points:   cl.cfg.Rate.SpikePoints,
			Severity: SeverityMed,
			Evidence: fmt.Sprintf("%d req/min", rpm),
		})
	} else if rpm > cl.cfg.Rate.ElevatedPerMinute {
		matches = append(matches, Match{
			Flag:     FlagRateElevated,
			Points:   cl.cfg.Rate.ElevatedPoints,
			Severity: SeverityLow,
			Evidence: fmt.Sprintf("%d req/min", rpm),
		})
	}

	cutoff := ev.Timestamp.Add(-time.Duration(cl.cfg.Burst.Window))
	distinct := map[string]struct{}{ev.Path: {}}
	for _, v := range window {
		if !v.At.Before(cutoff) {
			distinct[v.Path] = struct{}{}
		}
	}
	if len(distinct) >= cl.cfg.Burst.MinDistinctPaths {
		matches = append(matches, Match{
			Flag:     FlagPathSweep,
			Points:   cl.cfg.Burst.Points,
			Severity: SeverityMed,
			Evidence: fmt.Sprintf("%d distinct paths in %s", len(distinct), time.Duration(cl.cfg.Burst.Window)),
		})
	}
	return matches
}

// guessAttackType picks the dominant attack classification from the flags a
// session has accumulated. Priority runs from most to least meaningful.
func guessAttackType(flags []Flag) string {
	seen := make(map[Flag]bool, len(flags))
	for _, f := range flags {
		seen[f] = true
	}
	switch {
	case seen[FlagRCE]:
		return "rce"
	case seen[FlagSSRF]:
		return "ssrf"
	case seen[FlagTraversal]:
		return "lfi"
	case seen[FlagSQLi]:
		return "sqli"
	case seen[FlagLoginProbe] && (seen[FlagRateSpike] || seen[FlagRateElevated]):
		return "credential-stuffing"
	case seen[FlagPathSweep] || seen[FlagScannerTool]:
		return "automated-scan"
	case seen[FlagAdminProbe] || seen[FlagConfigProbe] || seen[FlagBackupProbe]:
		return "recon"
	default:
		return "unknown"
	}
}
