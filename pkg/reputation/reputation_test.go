package reputation

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestRecordOutcomeDeltas(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		outcome Outcome
		want    float64
	}{
		{"connect success", ConnectSuccess, NeutralScore + connectDelta},
		{"connect failure", ConnectFailure, NeutralScore - connectDelta},
		{"delivery success", DeliverySuccess, NeutralScore + deliveryDelta},
		{"delivery failure", DeliveryFailure, NeutralScore - deliveryDelta},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(DefaultConfig())
			rec := m.RecordOutcome("peer", tt.outcome, now)
			if rec.TrustScore != tt.want {
				t.Errorf("score = %v, want %v", rec.TrustScore, tt.want)
			}
		})
	}
}

func TestDeliveryDeltaIsHalfConnectDelta(t *testing.T) {
	if deliveryDelta*2 != connectDelta {
		t.Fatalf("delivery delta %v is not half of connect delta %v", deliveryDelta, connectDelta)
	}
}

func TestCountersTrackOutcomes(t *testing.T) {
	m := NewManager(DefaultConfig())
	now := time.Now()
	m.RecordOutcome("p", ConnectSuccess, now)
	m.RecordOutcome("p", ConnectSuccess, now)
	m.RecordOutcome("p", ConnectFailure, now)
	m.RecordOutcome("p", DeliveryFailure, now)

	rec, ok := m.Get("p")
	if !ok {
		t.Fatal("expected record for p")
	}
	if rec.SuccessfulConnections != 2 || rec.FailedConnections != 1 || rec.FailedDeliveries != 1 {
		t.Errorf("unexpected counters %+v", rec)
	}
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		score float64
		want  Level
	}{
		{0, Untrusted},
		{29.9, Untrusted},
		{30, Low},
		{49.9, Low},
		{50, Neutral},
		{69.9, Neutral},
		{70, Trusted},
		{84.9, Trusted},
		{85, Verified},
		{100, Verified},
	}
	for _, tt := range tests {
		if got := LevelFor(tt.score); got != tt.want {
			t.Errorf("LevelFor(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestDecayMovesTowardNeutral(t *testing.T) {
	m := NewManager(Config{DecayStep: 2})
	now := time.Now()
	m.RecordOutcome("high", ConnectSuccess, now) // 60
	m.RecordOutcome("low", ConnectFailure, now)  // 40
	m.Touch("neutral", now)

	m.Decay(now)

	if got := m.Score("high"); got != 58 {
		t.Errorf("high after decay = %v, want 58", got)
	}
	if got := m.Score("low"); got != 42 {
		t.Errorf("low after decay = %v, want 42", got)
	}
	if got := m.Score("neutral"); got != NeutralScore {
		t.Errorf("neutral after decay = %v, want %v", got, NeutralScore)
	}
}

func TestDecayDoesNotOvershoot(t *testing.T) {
	m := NewManager(Config{DecayStep: 30})
	now := time.Now()
	m.RecordOutcome("p", ConnectSuccess, now)
	m.Decay(now)
	if got := m.Score("p"); got != NeutralScore {
		t.Errorf("score = %v, want %v", got, NeutralScore)
	}
}

func TestTopPeersOrdering(t *testing.T) {
	m := NewManager(DefaultConfig())
	now := time.Now()
	m.RecordOutcome("b", ConnectSuccess, now)
	m.RecordOutcome("a", ConnectSuccess, now)
	m.RecordOutcome("c", ConnectFailure, now)
	m.Touch("d", now)

	top := m.TopPeers(3)
	want := []string{"a", "b", "d"}
	if len(top) != len(want) {
		t.Fatalf("got %d peers, want %d", len(top), len(want))
	}
	for i, id := range want {
		if top[i].PeerID != id {
			t.Errorf("top[%d] = %s, want %s", i, top[i].PeerID, id)
		}
	}
}

func TestUnknownPeerIsNeutral(t *testing.T) {
	m := NewManager(DefaultConfig())
	if got := m.Score("nobody"); got != NeutralScore {
		t.Errorf("Score(nobody) = %v, want %v", got, NeutralScore)
	}
	if _, ok := m.Get("nobody"); ok {
		t.Error("Get should not create records")
	}
}

func TestRestoreClampsScores(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.Restore([]Reputation{{PeerID: "p", TrustScore: 250}, {PeerID: "", TrustScore: 10}})
	if got := m.Score("p"); got != MaxScore {
		t.Errorf("restored score = %v, want %v", got, MaxScore)
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}

func TestScoreBoundsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewManager(DefaultConfig())
		now := time.Unix(0, 0)
		ops := rapid.SliceOf(rapid.IntRange(0, 4)).Draw(t, "ops")
		for _, op := range ops {
			if op == 4 {
				m.Decay(now)
			} else {
				m.RecordOutcome("p", Outcome(op), now)
			}
			score := m.Score("p")
			if score < MinScore || score > MaxScore {
				t.Fatalf("score %v out of bounds", score)
			}
			if rec, ok := m.Get("p"); ok && rec.Level() != LevelFor(rec.TrustScore) {
				t.Fatalf("level drifted from score")
			}
		}
	})
}

func TestSustainedSuccessIncreasesToCeiling(t *testing.T) {
	m := NewManager(DefaultConfig())
	now := time.Now()
	prev := m.Score("p")
	for i := 0; i < 20; i++ {
		score := m.RecordOutcome("p", ConnectSuccess, now).TrustScore
		if prev < MaxScore && score <= prev {
			t.Fatalf("score did not increase: %v -> %v", prev, score)
		}
		if prev == MaxScore && score != MaxScore {
			t.Fatalf("score left ceiling: %v", score)
		}
		prev = score
	}
	if prev != MaxScore {
		t.Errorf("final score = %v, want %v", prev, MaxScore)
	}
}

func TestDecayStrictlyApproachesNeutralProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		start := rapid.Float64Range(MinScore, MaxScore).Draw(t, "start")
		m := NewManager(DefaultConfig())
		m.Restore([]Reputation{{PeerID: "p", TrustScore: start}})

		before := m.Score("p")
		m.Decay(time.Unix(0, 0))
		after := m.Score("p")

		distBefore := before - NeutralScore
		distAfter := after - NeutralScore
		if distBefore == 0 {
			if distAfter != 0 {
				t.Fatalf("neutral score moved to %v", after)
			}
			return
		}
		if abs(distAfter) >= abs(distBefore) {
			t.Fatalf("decay did not approach neutral: %v -> %v", before, after)
		}
		if distBefore*distAfter < 0 {
			t.Fatalf("decay crossed neutral: %v -> %v", before, after)
		}
	})
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
