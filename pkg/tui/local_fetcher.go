package tui

import (
	"errors"
	"sync"
	"time"

	"github.com/salahayoub/tether/pkg/mesh"
	"github.com/salahayoub/tether/pkg/types"
)

// LocalFetcher implements DataFetcher over an in-process mesh.
type LocalFetcher struct {
	mesh *mesh.Mesh

	mu      sync.RWMutex
	stopped bool
}

// NewLocalFetcher creates a fetcher that reads directly from m.
func NewLocalFetcher(m *mesh.Mesh) *LocalFetcher {
	return &LocalFetcher{mesh: m}
}

// NodeID returns the mesh's node id.
func (f *LocalFetcher) NodeID() string {
	return f.mesh.ID()
}

// FetchSnapshot reads every view of the mesh. Reads stay valid after the
// mesh stops; they describe its final state.
func (f *LocalFetcher) FetchSnapshot() (*NodeSnapshot, error) {
	m := f.mesh
	return &NodeSnapshot{
		Status: types.NewStatusResponse(m.Status()),
		Slots: types.SlotsResponse{
			Connection: types.NewSlotStatuses(m.PoolSlots()),
			Ranging:    types.NewSlotStatuses(m.RangingSlots()),
		},
		Peers:           types.NewPeerStatuses(m.Peers()),
		Routes:          types.NewRouteStatuses(m.Routes()),
		Network:         types.NewNetworkState(m.NetworkState()),
		Recommendations: m.Recommendations(),
		FetchedAt:       time.Now(),
	}, nil
}

// ForceElection starts an election on the mesh.
func (f *LocalFetcher) ForceElection() error {
	return f.track(f.mesh.ForceElection())
}

// Optimize runs one optimization pass.
func (f *LocalFetcher) Optimize() (*types.OptimizeResponse, error) {
	swaps, err := f.mesh.OptimizeConnections()
	if err := f.track(err); err != nil {
		return nil, err
	}
	resp := types.NewOptimizeResponse(swaps)
	return &resp, nil
}

// SetEnabled toggles coordination.
func (f *LocalFetcher) SetEnabled(enabled bool) error {
	return f.track(f.mesh.SetEnabled(enabled))
}

// SetBattery reports the battery level.
func (f *LocalFetcher) SetBattery(level float64) error {
	return f.track(f.mesh.SetBatteryLevel(level))
}

// IsConnected is false once the mesh has been seen stopped.
func (f *LocalFetcher) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return !f.stopped
}

// Reconnect cannot revive a stopped mesh.
func (f *LocalFetcher) Reconnect() error {
	if !f.IsConnected() {
		return mesh.ErrStopped
	}
	return nil
}

func (f *LocalFetcher) track(err error) error {
	if errors.Is(err, mesh.ErrStopped) {
		f.mu.Lock()
		f.stopped = true
		f.mu.Unlock()
	}
	return err
}
