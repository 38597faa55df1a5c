package engine

import (
	"strings"
)

// ReputationCommand is a parsed "+1" or "-1", optionally aimed at a handle.
type ReputationCommand struct {
	Delta  int64
	Handle string
}

// ParseReputation recognises "+1", "-1" and "+1 @handle". The sign token
// has to stand alone; "+100" or "-1st" are ordinary text.
func ParseReputation(text string) (ReputationCommand, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ReputationCommand{}, false
	}
	var cmd ReputationCommand
	switch fields[0] {
	case "+1", "➕":
		cmd.Delta = 1
	case "-1", "−1", "➖":
		cmd.Delta = -1
	default:
		return ReputationCommand{}, false
	}
	if len(fields) > 1 && strings.HasPrefix(fields[1], "@") && len(fields[1]) > 1 {
		cmd.Handle = fields[1]
	}
	return cmd, true
}
