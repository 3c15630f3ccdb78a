package registry

import (
	"reflect"
	"testing"
	"time"
)

func TestLifecycle(t *testing.T) {
	r := New(0)
	now := time.Unix(1000, 0)

	if !r.OnDiscovered("a", now) {
		t.Fatal("first discovery should report a new peer")
	}
	if r.OnDiscovered("a", now) {
		t.Fatal("second discovery should not report a new peer")
	}
	r.OnConnecting("a", now)
	if s, _ := r.State("a"); s != Connecting {
		t.Fatalf("state = %v, want Connecting", s)
	}
	if !r.OnConnected("a", now) {
		t.Fatal("OnConnected should report a change")
	}
	if r.OnConnected("a", now) {
		t.Fatal("repeat OnConnected should not report a change")
	}
	if !r.IsConnected("a") {
		t.Fatal("a should be connected")
	}

	// A radio sighting never downgrades a live connection.
	r.OnDiscovered("a", now)
	if !r.IsConnected("a") {
		t.Fatal("discovery downgraded a connected peer")
	}

	if !r.OnDisconnected("a", now) {
		t.Fatal("OnDisconnected should report the peer was connected")
	}
	if r.OnDisconnected("a", now) {
		t.Fatal("second OnDisconnected should report false")
	}
	if r.OnDisconnected("ghost", now) {
		t.Fatal("unknown peer reported as connected")
	}
}

func TestSnapshotPartitions(t *testing.T) {
	r := New(0)
	now := time.Unix(1000, 0)
	for _, id := range []string{"c", "a", "b", "d"} {
		r.OnDiscovered(id, now)
	}
	r.OnConnected("d", now)
	r.OnConnected("b", now)

	got := r.Snapshot()
	want := Snapshot{Connected: []string{"b", "d"}, Available: []string{"a", "c"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
}

func TestPurgeSkipsConnected(t *testing.T) {
	r := New(time.Minute)
	start := time.Unix(1000, 0)
	r.OnDiscovered("stale", start)
	r.OnDiscovered("fresh", start)
	r.OnConnected("linked", start)

	later := start.Add(2 * time.Minute)
	r.Touch("fresh", later)

	purged := r.Purge(later)
	if !reflect.DeepEqual(purged, []string{"stale"}) {
		t.Fatalf("Purge() = %v, want [stale]", purged)
	}
	if _, ok := r.State("linked"); !ok {
		t.Error("connected peer was purged")
	}
	if _, ok := r.State("fresh"); !ok {
		t.Error("recently touched peer was purged")
	}
}

func TestLastSeenAndRecords(t *testing.T) {
	r := New(0)
	t0 := time.Unix(1000, 0)
	t1 := t0.Add(time.Second)
	r.OnDiscovered("b", t0)
	r.OnDiscovered("a", t0)
	r.Touch("b", t1)

	seen, ok := r.LastSeen("b")
	if !ok || !seen.Equal(t1) {
		t.Errorf("LastSeen(b) = %v, %v; want %v", seen, ok, t1)
	}
	recs := r.Records()
	if len(recs) != 2 || recs[0].ID != "a" || recs[1].ID != "b" {
		t.Errorf("Records() = %+v", recs)
	}
	if !recs[1].FirstSeen.Equal(t0) {
		t.Errorf("FirstSeen = %v, want %v", recs[1].FirstSeen, t0)
	}
}

func TestDialAttemptsDoNotRefreshLastSeen(t *testing.T) {
	r := New(time.Minute)
	start := time.Unix(1000, 0)
	r.OnDiscovered("gone", start)

	for i := 1; i <= 5; i++ {
		at := start.Add(time.Duration(i) * 20 * time.Second)
		r.OnConnecting("gone", at)
		r.OnDialFailed("gone")
	}
	if s, _ := r.State("gone"); s != Disconnected {
		t.Fatalf("state = %v, want Disconnected", s)
	}
	if seen, _ := r.LastSeen("gone"); !seen.Equal(start) {
		t.Fatalf("LastSeen = %v, want %v", seen, start)
	}
	if purged := r.Purge(start.Add(2 * time.Minute)); !reflect.DeepEqual(purged, []string{"gone"}) {
		t.Fatalf("Purge() = %v, want [gone]", purged)
	}

	// A failed dial never downgrades a live connection.
	r.OnConnected("live", start)
	r.OnDialFailed("live")
	if !r.IsConnected("live") {
		t.Fatal("OnDialFailed downgraded a connected peer")
	}
	r.OnDialFailed("ghost")
	if _, ok := r.State("ghost"); ok {
		t.Fatal("OnDialFailed created a record")
	}
}
