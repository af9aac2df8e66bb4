package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Mode indicates how a policy behaves when it cannot produce a decision.
type Mode string

const (
	// ModeFailClosed fails the token when the policy errors.
	ModeFailClosed Mode = "fail-closed"
	// ModeFailOpen defers to the fallback disposition when the policy errors.
	ModeFailOpen Mode = "fail-open"
)

// ParseMode converts a textual representation into a Mode constant. An empty
// value selects ModeFailClosed.
func ParseMode(value string) (Mode, error) {
	mode := Mode(strings.TrimSpace(strings.ToLower(value)))
	if mode == "" {
		return ModeFailClosed, nil
	}
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid failure posture %q", value)
	}
	return mode, nil
}

// IsValid reports whether the mode is recognised.
func (m Mode) IsValid() bool {
	switch m {
	case ModeFailClosed, ModeFailOpen:
		return true
	default:
		return false
	}
}

// ErrPolicyEvaluation wraps failures to obtain a disposition from Rego.
var ErrPolicyEvaluation = errors.New("error policy evaluation failed")
