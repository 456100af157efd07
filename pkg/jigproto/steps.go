// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package jigproto

import "fmt"

// Step is one measurement the fixture takes during a run
type Step struct {
	Index    int // 0-based position in the run
	Contact  int // 1-based contact number
	Role     Role
	State    ContactState
	Expected ExpectedClass
}

func (s Step) String() string {
	if s.Role == RoleNone {
		return fmt.Sprintf("contact %d %s", s.Contact, s.State)
	}
	return fmt.Sprintf("contact %d (%s) %s, expect %s", s.Contact, s.Role, s.State, s.Expected)
}

// PlanSteps returns the measurement plan for a relay with n contacts.
//
// Each contact is measured twice, de-energized then energized. Contacts
// alternate NF, NA, NF, ... starting from the first. A single contact has no
// partner to classify against and yields a measure-only plan.
func PlanSteps(n int) ([]Step, error) {
	if n < 1 || n > MaxTerminals {
		return nil, fmt.Errorf("terminal count %d out of range 1-%d", n, MaxTerminals)
	}
	if n == 1 {
		return MeasurementOnly(1), nil
	}

	steps := make([]Step, 0, 2*n)
	for c := 0; c < n; c++ {
		role := RoleNF
		if c%2 == 1 {
			role = RoleNA
		}
		for _, state := range []ContactState{StateRepouso, StateAcionado} {
			steps = append(steps, Step{
				Index:    len(steps),
				Contact:  c + 1,
				Role:     role,
				State:    state,
				Expected: ExpectedFor(role, state),
			})
		}
	}
	return steps, nil
}

// MeasurementOnly returns a plan that records readings without classifying them
func MeasurementOnly(n int) []Step {
	steps := make([]Step, 0, 2*n)
	for c := 0; c < n; c++ {
		for _, state := range []ContactState{StateRepouso, StateAcionado} {
			steps = append(steps, Step{
				Index:    len(steps),
				Contact:  c + 1,
				Role:     RoleNone,
				State:    state,
				Expected: ExpectAny,
			})
		}
	}
	return steps
}

// ExpectedFor returns the class a contact of the given role reads in a coil state
func ExpectedFor(role Role, state ContactState) ExpectedClass {
	switch {
	case role == RoleNF && state == StateRepouso, role == RoleNA && state == StateAcionado:
		return ExpectClosed
	case role == RoleNF && state == StateAcionado, role == RoleNA && state == StateRepouso:
		return ExpectOpen
	}
	return ExpectAny
}
