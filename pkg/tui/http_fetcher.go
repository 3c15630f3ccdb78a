package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/salahayoub/tether/pkg/types"
)

// HTTPDataFetcher implements DataFetcher against a node's HTTP API.
type HTTPDataFetcher struct {
	baseURL string
	nodeID  string
	client  *http.Client

	mu        sync.RWMutex
	connected bool
	last      *NodeSnapshot
}

// NewHTTPDataFetcher creates a new HTTP-based data fetcher.
// baseURL should be the HTTP endpoint of the node (e.g., "http://localhost:9001").
func NewHTTPDataFetcher(baseURL string, nodeID string) *HTTPDataFetcher {
	return &HTTPDataFetcher{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		nodeID:  nodeID,
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
		connected: true,
	}
}

// NodeID returns the configured node id, or the id the node reported once
// a snapshot has been fetched.
func (f *HTTPDataFetcher) NodeID() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.last != nil && f.last.Status.NodeID != "" {
		return f.last.Status.NodeID
	}
	return f.nodeID
}

// FetchSnapshot pulls every dashboard view from the node. On failure the
// previous snapshot is returned alongside the error so the screen keeps
// showing the last known state.
func (f *HTTPDataFetcher) FetchSnapshot() (*NodeSnapshot, error) {
	snap := &NodeSnapshot{}
	steps := []struct {
		path string
		into any
	}{
		{"/status", &snap.Status},
		{"/pool/slots", &snap.Slots},
		{"/peers", &snap.Peers},
		{"/routes", &snap.Routes},
		{"/network", &snap.Network},
		{"/recommendations", &snap.Recommendations},
	}
	for _, s := range steps {
		if err := f.getJSON(s.path, s.into); err != nil {
			f.mu.Lock()
			f.connected = false
			last := f.last
			f.mu.Unlock()
			return last, err
		}
	}
	snap.FetchedAt = time.Now()

	f.mu.Lock()
	f.connected = true
	f.last = snap
	f.mu.Unlock()
	return snap, nil
}

// ForceElection posts to /elect.
func (f *HTTPDataFetcher) ForceElection() error {
	return f.post("/elect", nil, nil)
}

// Optimize posts to /optimize.
func (f *HTTPDataFetcher) Optimize() (*types.OptimizeResponse, error) {
	var resp types.OptimizeResponse
	if err := f.post("/optimize", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetEnabled posts to /enabled.
func (f *HTTPDataFetcher) SetEnabled(enabled bool) error {
	return f.post("/enabled", types.EnabledRequest{Enabled: enabled}, nil)
}

// SetBattery posts to /battery.
func (f *HTTPDataFetcher) SetBattery(level float64) error {
	return f.post("/battery", types.BatteryRequest{Level: level}, nil)
}

// IsConnected returns whether the last request reached the node.
func (f *HTTPDataFetcher) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// Reconnect checks /health.
func (f *HTTPDataFetcher) Reconnect() error {
	resp, err := f.client.Get(f.baseURL + "/health")
	if err != nil {
		f.setConnected(false)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		f.setConnected(false)
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	f.setConnected(true)
	return nil
}

func (f *HTTPDataFetcher) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *HTTPDataFetcher) getJSON(path string, into any) error {
	resp, err := f.client.Get(f.baseURL + path)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(path, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func (f *HTTPDataFetcher) post(path string, body, into any) error {
	var r io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	resp, err := f.client.Post(f.baseURL+path, "application/json", r)
	if err != nil {
		f.setConnected(false)
		return fmt.Errorf("failed to post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(path, resp)
	}
	if into == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// responseError prefers the API's error message over the bare status.
func responseError(path string, resp *http.Response) error {
	var e types.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
		return fmt.Errorf("%s: %s", path, e.Error)
	}
	return fmt.Errorf("%s returned %d", path, resp.StatusCode)
}
