// Package stage defines the fixed delivery-stage sequence and the state
// machine that is the single authority on legal stage transitions.
package stage

// Stage is one of the seven fixed phases a project moves through.
type Stage string

const (
	Sales            Stage = "SALES"
	Onboarding       Stage = "ONBOARDING"
	Assignment       Stage = "ASSIGNMENT"
	Build            Stage = "BUILD"
	Test             Stage = "TEST"
	DefectValidation Stage = "DEFECT_VALIDATION"
	Complete         Stage = "COMPLETE"
)

// Order is the fixed success-path sequence.
var Order = []Stage{Sales, Onboarding, Assignment, Build, Test, DefectValidation, Complete}

// stageKeys maps stages to their canonical string keys. Keys 7_reserved
// through 12_reserved are held for forward compatibility and are accepted
// by ParseKey but never produced.
var stageKeys = map[Stage]string{
	Sales:            "0_sales",
	Onboarding:       "1_onboarding",
	Assignment:       "2_assignment",
	Build:            "3_build",
	Test:             "4_test",
	DefectValidation: "5_defect_validation",
	Complete:         "6_complete",
}

var keyStages = func() map[string]Stage {
	m := make(map[string]Stage, len(stageKeys))
	for s, k := range stageKeys {
		m[k] = s
	}
	return m
}()

// validNext is the transition map. All transitions outside it are rejected.
var validNext = map[Stage][]Stage{
	Sales:            {Onboarding},
	Onboarding:       {Assignment},
	Assignment:       {Build},
	Build:            {Test},
	Test:             {DefectValidation, Build},
	DefectValidation: {Complete, Build},
	Complete:         {},
}

// Key returns the canonical stage key, e.g. "3_build".
func (s Stage) Key() string {
	return stageKeys[s]
}

// Valid reports whether s is one of the seven stages.
func (s Stage) Valid() bool {
	_, ok := stageKeys[s]
	return ok
}

// Index returns the position of s in the fixed order, or -1.
func (s Stage) Index() int {
	for i, st := range Order {
		if st == s {
			return i
		}
	}
	return -1
}

// ParseKey resolves a stage key back to its stage. Reserved keys
// (7_reserved..12_reserved) and unknown keys return ok=false.
func ParseKey(key string) (Stage, bool) {
	s, ok := keyStages[key]
	return s, ok
}

// Keys returns the seven canonical stage keys in order.
func Keys() []string {
	keys := make([]string, len(Order))
	for i, s := range Order {
		keys[i] = s.Key()
	}
	return keys
}

// Next returns the stage that follows from on the given path, or "" when
// there is none. The success path follows the fixed order; rework from
// TEST or DEFECT_VALIDATION returns BUILD.
func Next(from Stage, success, rework bool) Stage {
	if rework && (from == Test || from == DefectValidation) {
		return Build
	}
	if !success {
		return ""
	}
	i := from.Index()
	if i < 0 || i+1 >= len(Order) {
		return ""
	}
	return Order[i+1]
}

// CanTransition reports whether from -> to is in the valid-next map.
func CanTransition(from, to Stage) bool {
	for _, n := range validNext[from] {
		if n == to {
			return true
		}
	}
	return false
}

// IsRework reports whether from -> to is a rework transition. Only
// DEFECT_VALIDATION -> BUILD increments the defect-cycle counter.
func IsRework(from, to Stage) bool {
	return to == Build && (from == Test || from == DefectValidation)
}
