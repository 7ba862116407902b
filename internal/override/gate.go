// Package override implements the human override protocol: a principal
// holding a valid token and a fresh one-time code supersedes a blocked
// ledger entry with a new chained entry.
package override

import (
	"strings"

	"github.com/ppiankov/guardian/internal/model"
)

// Decision is the target outcome a human requests.
type Decision string

const (
	GreenOverrideSupervised  Decision = "GREEN_OVERRIDE_SUPERVISED"
	YellowOverrideSupervised Decision = "YELLOW_OVERRIDE_SUPERVISED"
	BlackEscalation          Decision = "BLACK_ESCALATION"
)

// ParseDecision accepts only the enumerated targets.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.TrimSpace(s)); d {
	case GreenOverrideSupervised, YellowOverrideSupervised, BlackEscalation:
		return d, nil
	}
	return "", model.ErrInvalidDecision.With("unknown target decision %q", s)
}

// RiskState is the risk tier of the entry an override produces.
func (d Decision) RiskState() model.RiskState {
	switch d {
	case GreenOverrideSupervised:
		return model.Green
	case YellowOverrideSupervised:
		return model.Yellow
	default:
		return model.Black
	}
}

// Mode is the operating mode of the entry an override produces.
func (d Decision) Mode() model.OperatingMode {
	if d == BlackEscalation {
		return model.ModeCustodial
	}
	return model.ModeSupervised
}

// Capability is a permission a role may hold.
type Capability string

const (
	CapOverrideYellow Capability = "override-yellow"
	CapOverrideRed    Capability = "override-red"
	CapEscalate       Capability = "escalate"
)

var capabilities = map[model.Role][]Capability{
	model.RoleArchitect:  {CapOverrideYellow, CapOverrideRed, CapEscalate},
	model.RoleSupervisor: {CapOverrideYellow, CapOverrideRed},
	model.RoleCustodian:  {CapOverrideYellow, CapEscalate},
}

// Capabilities returns the capabilities of role.
func Capabilities(role model.Role) []Capability {
	return append([]Capability(nil), capabilities[role]...)
}

// HasCapability reports whether role holds c.
func HasCapability(role model.Role, c Capability) bool {
	for _, have := range capabilities[role] {
		if have == c {
			return true
		}
	}
	return false
}

// Gate checks that role may move an entry in state to target.
// Unknown states gate as BLACK.
func Gate(role model.Role, state model.RiskState, target Decision) error {
	switch {
	case state == model.Green:
		return model.ErrIllegalStateTransition.With("GREEN decisions need no override")
	case state.Rank() >= model.Black.Rank():
		if target != BlackEscalation {
			return model.ErrIllegalStateTransition.With("BLACK decisions can only be escalated")
		}
		return require(role, CapEscalate, state, target)
	case target == BlackEscalation:
		return require(role, CapEscalate, state, target)
	case state == model.Red:
		return require(role, CapOverrideRed, state, target)
	default:
		return require(role, CapOverrideYellow, state, target)
	}
}

func require(role model.Role, c Capability, state model.RiskState, target Decision) error {
	if HasCapability(role, c) {
		return nil
	}
	return model.ErrIllegalStateTransition.With("%s lacks %s for %s -> %s", role, c, state, target)
}
