package tui

import (
	"sync"
	"time"
)

// FetchResult is the outcome of one node's refresh.
type FetchResult struct {
	Snapshot     *NodeSnapshot
	Err          error
	ResponseTime time.Duration
}

// FetcherPool manages DataFetcher instances for multiple nodes, kept in the
// order they were added so node numbers on screen stay stable.
type FetcherPool struct {
	mu       sync.RWMutex
	ids      []string
	fetchers map[string]DataFetcher
}

// NewFetcherPool creates a new empty FetcherPool.
func NewFetcherPool() *FetcherPool {
	return &FetcherPool{
		fetchers: make(map[string]DataFetcher),
	}
}

// AddFetcher registers f under its node id. Adding the same id again
// replaces the fetcher and keeps the original position.
func (fp *FetcherPool) AddFetcher(f DataFetcher) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	id := f.NodeID()
	if _, ok := fp.fetchers[id]; !ok {
		fp.ids = append(fp.ids, id)
	}
	fp.fetchers[id] = f
}

// GetFetcher returns the fetcher for a node, or nil.
func (fp *FetcherPool) GetFetcher(nodeID string) DataFetcher {
	fp.mu.RLock()
	defer fp.mu.RUnlock()
	return fp.fetchers[nodeID]
}

// NodeIDs returns the node ids in insertion order.
func (fp *FetcherPool) NodeIDs() []string {
	fp.mu.RLock()
	defer fp.mu.RUnlock()
	return append([]string(nil), fp.ids...)
}

// NodeCount returns the number of nodes in the pool.
func (fp *FetcherPool) NodeCount() int {
	fp.mu.RLock()
	defer fp.mu.RUnlock()
	return len(fp.ids)
}

// FetchAll refreshes every node concurrently.
func (fp *FetcherPool) FetchAll() map[string]FetchResult {
	ids := fp.NodeIDs()
	results := make(map[string]FetchResult, len(ids))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range ids {
		f := fp.GetFetcher(id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := timeNow()
			snap, err := f.FetchSnapshot()
			res := FetchResult{Snapshot: snap, Err: err, ResponseTime: timeNow().Sub(start)}

			resultsMu.Lock()
			results[id] = res
			resultsMu.Unlock()
		}()
	}

	wg.Wait()
	return results
}

// LeaderID returns the leader most nodes agree on in results, ties broken
// by the smaller id. Empty when no node reports a leader.
func LeaderID(results map[string]FetchResult) (string, uint64) {
	votes := make(map[string]int)
	terms := make(map[string]uint64)
	for _, r := range results {
		if r.Err != nil || r.Snapshot == nil || r.Snapshot.Status.LeaderID == "" {
			continue
		}
		l := r.Snapshot.Status.LeaderID
		votes[l]++
		if r.Snapshot.Status.Term > terms[l] {
			terms[l] = r.Snapshot.Status.Term
		}
	}
	best := ""
	for l, n := range votes {
		if best == "" || n > votes[best] || (n == votes[best] && l < best) {
			best = l
		}
	}
	return best, terms[best]
}

// timeNow is a variable for testing purposes.
var timeNow = time.Now
