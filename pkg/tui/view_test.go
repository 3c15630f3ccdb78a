package tui

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/salahayoub/tether/pkg/types"
)

func TestStatusPanel_Render(t *testing.T) {
	p := NewStatusPanel()
	if got := p.Render(nil); got != "No node state available" {
		t.Errorf("nil snapshot: %q", got)
	}

	snap := &NodeSnapshot{
		Status: types.StatusResponse{NodeID: "n1", Enabled: false, Role: "Candidate", Term: 7, Votes: 2},
		Network: types.NetworkState{
			ConnectedPeers: []string{"a"},
			BatteryLevel:   0.15,
		},
		Recommendations: []string{"Battery low (15%); reduce ranging sessions and discovery"},
	}
	got := p.Render(snap)
	for _, want := range []string{
		"Node: n1 [DISABLED]",
		"Role: Candidate  Term: 7  Leader: (none)",
		"Votes: 2",
		"Battery: 15%",
		"! Battery low (15%)",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("status panel missing %q:\n%s", want, got)
		}
	}
}

func TestPoolPanel_Render(t *testing.T) {
	snap := &NodeSnapshot{
		Status: types.StatusResponse{
			Pool:    types.PoolStatus{Capacity: 5, Occupied: 2, Reserved: 1, Available: 2, Evicting: 1},
			Ranging: types.PoolStatus{Capacity: 2, Available: 2},
		},
		Slots: types.SlotsResponse{
			Connection: []types.SlotStatus{
				{Index: 0, State: "Occupied", PeerID: "a", Priority: "Trusted", DurationMs: 65000},
				{Index: 1, State: "Available"},
			},
		},
	}
	got := NewPoolPanel(false).Render(snap)
	for _, want := range []string{
		"Connections  [######....] 3/5  evicting 1",
		"Ranging      [..........] 0/2",
		"#0 Occupied  a            Trusted    1m",
		"#1 Available",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("pool panel missing %q:\n%s", want, got)
		}
	}
}

func TestPeersPanel_SortsConnectedFirst(t *testing.T) {
	snap := &NodeSnapshot{Peers: []types.PeerStatus{
		{ID: "far", State: "Discovered", TrustScore: 95, TrustLevel: "Verified"},
		{ID: "low", State: "Connected", Connected: true, TrustScore: 40, TrustLevel: "Low", Slot: "Occupied"},
		{ID: "good", State: "Connected", Connected: true, TrustScore: 80, TrustLevel: "Trusted", Slot: "Occupied", Ranging: "Reserved", LatencyMs: 12},
	}}
	lines := strings.Split(NewPeersPanel().Render(snap), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines:\n%s", len(lines), strings.Join(lines, "\n"))
	}
	order := []string{"good", "low", "far"}
	for i, id := range order {
		if !strings.HasPrefix(lines[i+1], id+" ") {
			t.Errorf("row %d = %q, want peer %s", i+1, lines[i+1], id)
		}
	}
	if !strings.Contains(lines[1], "12ms") || !strings.Contains(lines[1], "Occupied +ranging") {
		t.Errorf("good row = %q", lines[1])
	}
	if got := NewPeersPanel().Render(&NodeSnapshot{}); got != "No peers discovered" {
		t.Errorf("empty peers: %q", got)
	}
}

func TestRoutesPanel_Render(t *testing.T) {
	snap := &NodeSnapshot{Routes: []types.RouteStatus{{
		Destination: "c",
		HopCount:    2,
		NextHops:    []types.NextHopStatus{{PeerID: "b", HopCount: 2}, {PeerID: "d", HopCount: 3}},
	}}}
	got := NewRoutesPanel().Render(snap)
	if !strings.Contains(got, "2 hops via b(2), d(3)") {
		t.Errorf("routes panel = %q", got)
	}
}

func TestRenderPanelWithBorder_AlignsWideRunes(t *testing.T) {
	out := RenderPanelWithBorder("ab\n[███]", "Slots", true)
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	width := utf8.RuneCountInString(lines[0])
	for i, l := range lines {
		if n := utf8.RuneCountInString(l); n != width {
			t.Errorf("line %d has %d runes, want %d: %q", i, n, width, l)
		}
	}
	if !strings.HasPrefix(lines[0], FocusedBorder.TopLeft) {
		t.Errorf("focused panel should use the double border: %q", lines[0])
	}
}

func TestHeaderBar_Render(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewMultiNodeModel([]string{"a", "b", "c"})
	m.ClusterLeaderID = "b"
	m.ClusterTerm = 4
	m.Health["a"] = &NodeHealth{Connected: true, LastResponse: now}
	m.Health["b"] = &NodeHealth{Connected: true, LastResponse: now}
	m.Health["c"] = &NodeHealth{Connected: false, LastResponse: now.Add(-12 * time.Second)}

	got := NewHeaderBar(false).Render(m, now)
	want := "Node 1/3 (a) | Leader: b | Term: 4 | 1:+ 2:* 3:-(12s)"
	if got != want {
		t.Errorf("header = %q, want %q", got, want)
	}

	single := NewMultiNodeModel([]string{"solo"})
	if got := NewHeaderBar(true).Render(single, now); got != "Node 1/1 (solo) | Leader: (none) | Term: 0" {
		t.Errorf("single-node header = %q", got)
	}
}

func TestFooterBar_Render(t *testing.T) {
	tests := []struct {
		width   int
		nodes   int
		command bool
		want    string
	}{
		{100, 3, false, "1-3: Switch Node | Tab: Next Panel | r: Refresh | q: Quit"},
		{100, 1, false, "Tab: Next Panel | r: Refresh | q: Quit"},
		{60, 3, false, "1-3:Node Tab:Panel r:Ref q:Quit"},
		{60, 3, true, "Enter:Exec Esc:Clear Tab:Panel"},
	}
	for _, tt := range tests {
		if got := NewFooterBar(tt.width).Render(tt.nodes, tt.command); got != tt.want {
			t.Errorf("Render(w=%d, n=%d, cmd=%v) = %q, want %q", tt.width, tt.nodes, tt.command, got, tt.want)
		}
	}
}

func TestProgressBar(t *testing.T) {
	bar := NewProgressBar(4, true)
	tests := []struct {
		used, capacity int
		want           string
	}{
		{0, 4, "[░░░░] 0/4"},
		{2, 4, "[██░░] 2/4"},
		{6, 4, "[████] 6/4"},
		{1, 0, "[░░░░] 1/0"},
	}
	for _, tt := range tests {
		if got := bar.Render(tt.used, tt.capacity); got != tt.want {
			t.Errorf("Render(%d, %d) = %q, want %q", tt.used, tt.capacity, got, tt.want)
		}
	}
	if bar.GetColor(0.4) != ColorGreen || bar.GetColor(0.8) != ColorYellow || bar.GetColor(1) != ColorRed {
		t.Error("unexpected load colors")
	}
}

func TestView_DrawFillsBuffer(t *testing.T) {
	f := newMockDataFetcher("n1", "n1")
	m := NewMultiNodeModel([]string{"n1"})
	m.Apply(map[string]FetchResult{"n1": {Snapshot: f.snapshot}}, time.Unix(0, 0))

	v := NewView(true)
	buf := v.Draw(m, 120, 60, time.Unix(0, 0))
	if got := buf.Row(0); !strings.HasPrefix(got, "Node 1/1 (n1) | Leader: n1") {
		t.Errorf("row 0 = %q", got)
	}

	text := v.Render(m, 120, time.Unix(0, 0))
	for _, title := range []string{" Status ", " Slots ", " Peers ", " Routes ", " Command "} {
		if !strings.Contains(text, title) {
			t.Errorf("dashboard missing panel %q", title)
		}
	}
	if strings.Contains(text, "DISCONNECTED") {
		t.Error("connected model rendered the disconnected banner")
	}

	m.Connected = false
	m.ReconnectAttempts = 2
	if !strings.Contains(v.Render(m, 120, time.Unix(0, 0)), "*** DISCONNECTED *** reconnection attempts: ..") {
		t.Error("missing disconnected banner")
	}
}

func TestContentStyle(t *testing.T) {
	snap := &NodeSnapshot{
		Status: types.StatusResponse{Role: "Leader", Pool: types.PoolStatus{Load: 1}},
		Peers:  []types.PeerStatus{{ID: "bad", TrustLevel: "Untrusted"}},
	}
	if contentStyle(PanelStatus, "│ Role: Leader", snap) != RoleStyle("Leader") {
		t.Error("role line should use the role style")
	}
	if contentStyle(PanelPool, "│ Connections [#] 5/5", snap) != CurrentStyles.Error {
		t.Error("saturated pool should render as error")
	}
	if contentStyle(PanelPeers, "│ bad   Connected", snap) != CurrentStyles.Error {
		t.Error("untrusted peer should render as error")
	}
	if contentStyle(PanelStatus, "│ ! No leader elected", snap) != CurrentStyles.Warning {
		t.Error("recommendation should render as warning")
	}
}
