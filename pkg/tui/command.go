package tui

import (
	"errors"
	"strconv"
	"strings"
)

// CommandType represents the type of command.
type CommandType int

const (
	CommandElect CommandType = iota
	CommandOptimize
	CommandEnable
	CommandDisable
	CommandBattery
	CommandNode
)

// String returns a human-readable representation of the CommandType.
func (c CommandType) String() string {
	switch c {
	case CommandElect:
		return "ELECT"
	case CommandOptimize:
		return "OPTIMIZE"
	case CommandEnable:
		return "ENABLE"
	case CommandDisable:
		return "DISABLE"
	case CommandBattery:
		return "BATTERY"
	case CommandNode:
		return "NODE"
	default:
		return "UNKNOWN"
	}
}

// Command is a parsed dashboard command.
type Command struct {
	Type CommandType
	// Battery is the level in [0, 1] for BATTERY.
	Battery float64
	// Node is the 1-based node number for NODE.
	Node int
}

// Common parsing errors.
var (
	ErrEmptyCommand   = errors.New("empty command")
	ErrUnknownCommand = errors.New("unknown command: expected ELECT, OPTIMIZE, ENABLE, DISABLE, BATTERY or NODE")
	ErrMissingArg     = errors.New("missing argument")
	ErrInvalidBattery = errors.New("battery must be a percentage between 0 and 100")
	ErrInvalidNode    = errors.New("node must be a positive number")
)

// ParseCommand parses a command string. Supported syntax (case-insensitive):
//
//	elect
//	optimize
//	enable
//	disable
//	battery <percent>
//	node <n>
func ParseCommand(input string) (*Command, error) {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil, ErrEmptyCommand
	}

	switch strings.ToUpper(parts[0]) {
	case "ELECT":
		return &Command{Type: CommandElect}, nil
	case "OPTIMIZE":
		return &Command{Type: CommandOptimize}, nil
	case "ENABLE":
		return &Command{Type: CommandEnable}, nil
	case "DISABLE":
		return &Command{Type: CommandDisable}, nil

	case "BATTERY":
		if len(parts) < 2 {
			return nil, ErrMissingArg
		}
		pct, err := strconv.ParseFloat(strings.TrimSuffix(parts[1], "%"), 64)
		if err != nil || pct < 0 || pct > 100 {
			return nil, ErrInvalidBattery
		}
		return &Command{Type: CommandBattery, Battery: pct / 100}, nil

	case "NODE":
		if len(parts) < 2 {
			return nil, ErrMissingArg
		}
		n, err := strconv.Atoi(parts[1])
		if err != nil || n < 1 {
			return nil, ErrInvalidNode
		}
		return &Command{Type: CommandNode, Node: n}, nil

	default:
		return nil, ErrUnknownCommand
	}
}
