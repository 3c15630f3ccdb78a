package tui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/salahayoub/tether/pkg/types"
)

// Error variables for CommandRouter operations.
var (
	// ErrNoActiveNode is returned when no active node is set.
	ErrNoActiveNode = errors.New("no active node set")
	// ErrFetcherNotFound is returned when no fetcher exists for a node.
	ErrFetcherNotFound = errors.New("fetcher not found for node")
)

// CommandResult represents the result of a command execution.
type CommandResult struct {
	Value  string // Success message shown in the command panel
	NodeID string // Node the command ran on
	Error  error
}

// CommandRouter runs commands against the active node. Every mesh command
// is node-local: each node owns its own pools and election view.
type CommandRouter struct {
	fetcherPool *FetcherPool
	model       *MultiNodeModel
}

// NewCommandRouter creates a router with the given fetcher pool and model.
func NewCommandRouter(pool *FetcherPool, model *MultiNodeModel) *CommandRouter {
	return &CommandRouter{
		fetcherPool: pool,
		model:       model,
	}
}

// Execute parses and runs one command line.
func (r *CommandRouter) Execute(input string) *CommandResult {
	cmd, err := ParseCommand(input)
	if err != nil {
		return &CommandResult{Error: err}
	}

	if cmd.Type == CommandNode {
		if !r.model.SetActiveNodeByNumber(cmd.Node) {
			return &CommandResult{Error: fmt.Errorf("%w: %d of %d", ErrInvalidNode, cmd.Node, r.model.TotalNodes())}
		}
		return &CommandResult{Value: "viewing " + r.model.ActiveNodeID, NodeID: r.model.ActiveNodeID}
	}

	return r.Run(r.model.ActiveNodeID, cmd)
}

// Run executes a parsed node command against nodeID. It does not touch the
// model, so callers may run it without holding the model's lock.
func (r *CommandRouter) Run(id string, cmd *Command) *CommandResult {
	if id == "" {
		return &CommandResult{Error: ErrNoActiveNode}
	}
	f := r.fetcherPool.GetFetcher(id)
	if f == nil {
		return &CommandResult{Error: fmt.Errorf("%w: %s", ErrFetcherNotFound, id)}
	}

	res := &CommandResult{NodeID: id}
	switch cmd.Type {
	case CommandElect:
		res.Error = f.ForceElection()
		res.Value = "election started"
	case CommandOptimize:
		resp, err := f.Optimize()
		if err != nil {
			res.Error = err
			break
		}
		res.Value = formatSwaps(resp.Swaps)
	case CommandEnable:
		res.Error = f.SetEnabled(true)
		res.Value = "coordination enabled"
	case CommandDisable:
		res.Error = f.SetEnabled(false)
		res.Value = "coordination disabled"
	case CommandBattery:
		res.Error = f.SetBattery(cmd.Battery)
		res.Value = fmt.Sprintf("battery set to %.0f%%", cmd.Battery*100)
	default:
		res.Error = ErrUnknownCommand
	}
	if res.Error != nil {
		res.Value = ""
	}
	return res
}

func formatSwaps(swaps []types.SwapStatus) string {
	if len(swaps) == 0 {
		return "no swaps"
	}
	parts := make([]string, 0, len(swaps))
	for _, s := range swaps {
		parts = append(parts, fmt.Sprintf("%s->%s", s.Evicted, s.Admitted))
	}
	return strings.Join(parts, ", ")
}
