package override

import (
	"errors"
	"testing"

	"github.com/ppiankov/guardian/internal/model"
)

func TestParseDecision(t *testing.T) {
	for _, s := range []string{"GREEN_OVERRIDE_SUPERVISED", " YELLOW_OVERRIDE_SUPERVISED ", "BLACK_ESCALATION"} {
		if _, err := ParseDecision(s); err != nil {
			t.Errorf("%q: %v", s, err)
		}
	}
	for _, s := range []string{"", "green_override_supervised", "GREEN", "RED_OVERRIDE_SUPERVISED"} {
		if _, err := ParseDecision(s); !errors.Is(err, model.ErrInvalidDecision) {
			t.Errorf("%q: expected InvalidDecision, got %v", s, err)
		}
	}
}

func TestDecisionOutcome(t *testing.T) {
	cases := []struct {
		d     Decision
		state model.RiskState
		mode  model.OperatingMode
	}{
		{GreenOverrideSupervised, model.Green, model.ModeSupervised},
		{YellowOverrideSupervised, model.Yellow, model.ModeSupervised},
		{BlackEscalation, model.Black, model.ModeCustodial},
	}
	for _, tc := range cases {
		if tc.d.RiskState() != tc.state || tc.d.Mode() != tc.mode {
			t.Errorf("%s: got %s/%s", tc.d, tc.d.RiskState(), tc.d.Mode())
		}
	}
}

func TestGate(t *testing.T) {
	const (
		arch = model.RoleArchitect
		sup  = model.RoleSupervisor
		cust = model.RoleCustodian
	)
	cases := []struct {
		role   model.Role
		state  model.RiskState
		target Decision
		ok     bool
	}{
		{arch, model.Green, GreenOverrideSupervised, false},
		{arch, model.Green, BlackEscalation, false},

		{arch, model.Yellow, GreenOverrideSupervised, true},
		{sup, model.Yellow, YellowOverrideSupervised, true},
		{cust, model.Yellow, GreenOverrideSupervised, true},
		{cust, model.Yellow, BlackEscalation, true},
		{sup, model.Yellow, BlackEscalation, false},

		{arch, model.Red, GreenOverrideSupervised, true},
		{sup, model.Red, YellowOverrideSupervised, true},
		{cust, model.Red, GreenOverrideSupervised, false},
		{cust, model.Red, BlackEscalation, true},
		{sup, model.Red, BlackEscalation, false},

		{arch, model.Black, GreenOverrideSupervised, false},
		{arch, model.Black, YellowOverrideSupervised, false},
		{sup, model.Black, GreenOverrideSupervised, false},
		{sup, model.Black, BlackEscalation, false},
		{arch, model.Black, BlackEscalation, true},
		{cust, model.Black, BlackEscalation, true},

		{arch, model.RiskState("PURPLE"), GreenOverrideSupervised, false},
		{cust, model.RiskState("PURPLE"), BlackEscalation, true},

		{model.Role("INTERN"), model.Yellow, GreenOverrideSupervised, false},
	}
	for _, tc := range cases {
		err := Gate(tc.role, tc.state, tc.target)
		if tc.ok && err != nil {
			t.Errorf("%s %s -> %s: unexpected %v", tc.role, tc.state, tc.target, err)
		}
		if !tc.ok && !errors.Is(err, model.ErrIllegalStateTransition) {
			t.Errorf("%s %s -> %s: expected IllegalStateTransition, got %v", tc.role, tc.state, tc.target, err)
		}
	}
}

func TestCapabilitiesReturnsCopy(t *testing.T) {
	caps := Capabilities(model.RoleSupervisor)
	caps[0] = CapEscalate
	if HasCapability(model.RoleSupervisor, CapEscalate) {
		t.Fatal("mutating the returned slice must not grant capabilities")
	}
}
