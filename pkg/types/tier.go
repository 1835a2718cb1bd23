package types

import "fmt"

// consistency tier of a lock or key-value
type Tier int

const (
	// node-local, never replicated, lost on failure
	TierEphemeral Tier = iota
	// replicated through consensus before it is acknowledged
	TierLinearizable
)

func (t Tier) Valid() bool {
	return t == TierEphemeral || t == TierLinearizable
}

func (t Tier) String() string {
	switch t {
	case TierEphemeral:
		return "ephemeral"
	case TierLinearizable:
		return "linearizable"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// parses "ephemeral", "linearizable" or "consistent"
func ParseTier(s string) (Tier, error) {
	switch s {
	case "ephemeral":
		return TierEphemeral, nil
	case "linearizable", "consistent":
		return TierLinearizable, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", s)
	}
}
