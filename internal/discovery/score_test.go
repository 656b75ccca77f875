package discovery

import (
	"path/filepath"
	"testing"
	"time"

	"smartbed-bridge/internal/prefs"
	"smartbed-bridge/internal/proxy"
)

func newStats(t *testing.T) *prefs.ControllerStats {
	t.Helper()
	s, err := prefs.LoadControllerStats(filepath.Join(t.TempDir(), "stats.json"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func cand(mac uint64, rssi int8) Candidate {
	return Candidate{Adv: &proxy.Advertisement{Address: mac, RSSI: rssi}}
}

func TestRankFailingControllerNeverAboveCleanPeer(t *testing.T) {
	stats := newStats(t)
	a := cand(0xAAAAAAAAAAAA, -70)
	b := cand(0xBBBBBBBBBBBB, -70)

	_ = stats.RecordFailure("bed", a.Key(), "timeout")
	_ = stats.RecordFailure("bed", a.Key(), "timeout")

	ranked := Rank("bed", []Candidate{a, b}, stats, time.Now())
	if ranked[0].Key() != b.Key() {
		t.Errorf("ranked[0] = %s, want the clean controller", ranked[0].Key())
	}
}

func TestRankSuccessRecencyBonus(t *testing.T) {
	stats := newStats(t)
	a := cand(0xAAAAAAAAAAAA, -80)
	b := cand(0xBBBBBBBBBBBB, -70)

	// a is 10 dB weaker but succeeded recently; the 60-point bonus wins.
	_ = stats.RecordSuccess("bed", a.Key())

	ranked := Rank("bed", []Candidate{a, b}, stats, time.Now())
	if ranked[0].Key() != a.Key() {
		t.Errorf("ranked[0] = %s, want the recently successful controller", ranked[0].Key())
	}
}

func TestRankStickyPinnedFirst(t *testing.T) {
	stats := newStats(t)
	a := cand(0xAAAAAAAAAAAA, -90)
	b := cand(0xBBBBBBBBBBBB, -60)

	_ = stats.SetPinned("bed", a.Key())

	ranked := Rank("bed", []Candidate{a, b}, stats, time.Now())
	if ranked[0].Key() != a.Key() {
		t.Errorf("ranked[0] = %s, want the pinned controller despite weaker RSSI", ranked[0].Key())
	}
}

func TestRankPinnedDemotedWhenFailing(t *testing.T) {
	stats := newStats(t)
	a := cand(0xAAAAAAAAAAAA, -60)
	b := cand(0xBBBBBBBBBBBB, -60)

	_ = stats.SetPinned("bed", a.Key())
	_ = stats.RecordFailure("bed", a.Key(), "timeout")
	_ = stats.RecordFailure("bed", a.Key(), "timeout")

	ranked := Rank("bed", []Candidate{a, b}, stats, time.Now())
	if ranked[0].Key() != b.Key() {
		t.Errorf("ranked[0] = %s, want the healthy twin when pin has 2 consecutive failures", ranked[0].Key())
	}
}

func TestRankHourlyPenaltyCapped(t *testing.T) {
	stats := newStats(t)
	a := cand(0xAAAAAAAAAAAA, -60)

	for i := 0; i < 10; i++ {
		_ = stats.RecordFailure("bed", a.Key(), "timeout")
	}
	_ = stats.RecordSuccess("bed", a.Key())

	ranked := Rank("bed", []Candidate{a}, stats, time.Now())
	// rssi(-60) + recent success(60) - consec(0) - loss record(15 for 10F/1S) - hourly cap(40)
	want := -60 + 60 - 15 - 40
	if ranked[0].Score != want {
		t.Errorf("score = %d, want %d", ranked[0].Score, want)
	}
}
