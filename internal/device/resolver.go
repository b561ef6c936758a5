package device

import (
	"fmt"
	"math"
)

// Match is the outcome of driver resolution for one node.
type Match struct {
	Name       string
	Driver     Driver
	Confidence float64
	Fixed      bool // bound by module name, not by score
}

// ProbeDiagnostic records a candidate that could not be scored.
type ProbeDiagnostic struct {
	Driver string
	Score  float64
	Err    error
}

// BusKind returns the bus kind a node's drivers are drawn from: the
// parent's device/bus attribute, or the node's own for a root.
func BusKind(node *Node) string {
	src := node
	if node.parent != nil {
		src = node.parent
	}
	kind, _ := src.AttrString(AttrBus)
	return kind
}

// FindBestDriver selects the driver for node.
//
// A module name that is itself registered binds that driver directly.
// Otherwise every candidate for the node's bus kind is scored in
// declaration order; the strictly highest positive score wins, so equal
// scores keep the earlier candidate. Candidates returning negative, NaN
// or out-of-range scores are skipped and reported as diagnostics.
//
// FindBestDriver never claims resources and never changes node state.
func (r *Registry) FindBestDriver(node *Node) (Match, []ProbeDiagnostic, error) {
	if node.module != "" {
		if e, ok := r.Lookup(node.module); ok {
			return Match{Name: e.Name, Driver: e.Driver, Confidence: 1.0, Fixed: true}, nil, nil
		}
	}

	kind := BusKind(node)
	var (
		best  Match
		found bool
		diags []ProbeDiagnostic
	)
	for _, c := range r.Candidates(kind) {
		score, err := callSupports(c.Driver, node)
		if err == nil && (math.IsNaN(score) || score < 0 || score > 1) {
			err = fmt.Errorf("%w: %v", ErrInvalidScore, score)
		}
		if err != nil {
			diags = append(diags, ProbeDiagnostic{Driver: c.Name, Score: score, Err: err})
			continue
		}
		if score <= 0 {
			continue
		}
		if !found || score > best.Confidence {
			best = Match{Name: c.Name, Driver: c.Driver, Confidence: score}
			found = true
		}
	}

	if !found {
		return Match{}, diags, fmt.Errorf("%w: bus %q node %s", ErrNoMatch, kind, node.handle)
	}
	return best, diags, nil
}
