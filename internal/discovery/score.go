package discovery

import (
	"sort"
	"strings"
	"time"

	"smartbed-bridge/internal/prefs"
	"smartbed-bridge/internal/proxy"
)

// Candidate is one advertisement that matched a bed, with the link it was
// seen on.
type Candidate struct {
	Adv        *proxy.Advertisement
	Link       *proxy.Link
	MatchedIDs []string
}

// Key is the stable controller key used in the persisted stats: the 12-hex
// MAC of the advertisement.
func (c Candidate) Key() string {
	return nonHexRe.ReplaceAllString(strings.ToLower(c.Adv.MAC()), "")
}

// Scored is a candidate with its computed rank.
type Scored struct {
	Candidate
	Score int
}

const (
	recentSuccessBonus    = 60
	daySuccessBonus       = 25
	consecutivePenalty    = 30
	consecutivePenaltyCap = 90
	lossRecordPenalty     = 15
	hourlyPenalty         = 10
	hourlyPenaltyCap      = 40
)

// score ranks one candidate from RSSI and its persisted history.
func score(c Candidate, rec prefs.ControllerRecord, failuresLastHour int, now time.Time) int {
	s := int(c.Adv.RSSI)

	if rec.LastSuccessAt != nil {
		switch age := now.Sub(*rec.LastSuccessAt); {
		case age <= 6*time.Hour:
			s += recentSuccessBonus
		case age <= 24*time.Hour:
			s += daySuccessBonus
		}
	}

	p := consecutivePenalty * rec.ConsecutiveFailures
	if p > consecutivePenaltyCap {
		p = consecutivePenaltyCap
	}
	s -= p

	if rec.Failures-rec.Successes > 2 {
		s -= lossRecordPenalty
	}

	hp := hourlyPenalty * failuresLastHour
	if hp > hourlyPenaltyCap {
		hp = hourlyPenaltyCap
	}
	s -= hp

	return s
}

// Rank orders a bed's candidates for failover: best score first, then sticky
// selection moves a healthy pinned controller (consecutive failures < 2) to
// the front.
func Rank(bedKey string, cands []Candidate, stats *prefs.ControllerStats, now time.Time) []Scored {
	scored := make([]Scored, 0, len(cands))
	for _, c := range cands {
		rec := stats.Record(bedKey, c.Key())
		lastHour := stats.FailuresSince(bedKey, c.Key(), now.Add(-time.Hour))
		scored = append(scored, Scored{Candidate: c, Score: score(c, rec, lastHour, now)})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	if pinned := stats.Pinned(bedKey); pinned != "" {
		for i, s := range scored {
			if s.Key() != pinned {
				continue
			}
			if stats.Record(bedKey, pinned).ConsecutiveFailures < 2 {
				front := append([]Scored{s}, append(append([]Scored(nil), scored[:i]...), scored[i+1:]...)...)
				scored = front
			}
			break
		}
	}
	return scored
}
