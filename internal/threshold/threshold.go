// Package threshold implements the convergence policy for a negotiation
// round. It is pure arithmetic plus a four-way branch, deliberately free of
// transport and event side effects: it is the most reused and most
// safety-critical logic in the engine, since it is what prevents premature or
// stalled convergence.
package threshold

import "github.com/parleyhq/parley/api/schemas"

// Policy holds the two convergence thresholds. The requirement that High
// exceed Low by a minimum margin is a startup invariant enforced by
// config.Validate, not re-checked here.
type Policy struct {
	High float64
	Low  float64
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{High: 0.80, Low: 0.50}
}

// Tally is one round's accumulated feedback. Participants who never
// responded are excluded: they contribute to no counter.
type Tally struct {
	Accepts    int
	Rejects    int
	Negotiates int
	Withdraws  int
}

// Total is the number of participants who responded this round.
func (t Tally) Total() int {
	return t.Accepts + t.Rejects + t.Negotiates + t.Withdraws
}

// AcceptRate is accepts over total; zero when nobody responded.
func (t Tally) AcceptRate() float64 {
	total := t.Total()
	if total == 0 {
		return 0
	}
	return float64(t.Accepts) / float64(total)
}

// RejectRate counts rejects and withdraws together, over total; zero when
// nobody responded.
func (t Tally) RejectRate() float64 {
	total := t.Total()
	if total == 0 {
		return 0
	}
	return float64(t.Rejects+t.Withdraws) / float64(total)
}

// Evaluate applies the four-branch convergence policy, in order:
//
//  1. accept rate >= High    -> finalize (wins even on the last round)
//  2. reject rate >= Low     -> fail (even at round 1)
//  3. round < maxRounds      -> continue
//  4. round budget exhausted -> force-finalize
//
// An empty tally can meet neither threshold and falls through to branch 3/4.
func Evaluate(t Tally, round, maxRounds int, p Policy) schemas.Decision {
	switch {
	case t.Total() > 0 && t.AcceptRate() >= p.High:
		return schemas.DecisionFinalize
	case t.Total() > 0 && t.RejectRate() >= p.Low:
		return schemas.DecisionFail
	case round < maxRounds:
		return schemas.DecisionContinue
	default:
		return schemas.DecisionForceFinalize
	}
}
