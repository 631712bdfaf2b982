package fsync

import "context"

// Outcome is the result of resolving a conflict pair.
type Outcome int

const (
	// OutcomeSkip leaves both sides untouched.
	OutcomeSkip Outcome = iota
	// OutcomeLocal re-pushes local to remote (or deletes remote if local
	// is absent).
	OutcomeLocal
	// OutcomeRemote symmetrically pulls remote to local (or deletes local
	// if remote is absent).
	OutcomeRemote
)

func (o Outcome) String() string {
	switch o {
	case OutcomeLocal:
		return "local"
	case OutcomeRemote:
		return "remote"
	default:
		return "skip"
	}
}

// Strategy is the non-interactive conflict-resolution policy selected by
// --resolve.
type Strategy string

const (
	StrategyLocal  Strategy = "local"
	StrategyRemote Strategy = "remote"
	StrategyOlder  Strategy = "old"
	StrategyNewer  Strategy = "new"
	StrategyAsk    Strategy = "ask"
	StrategySkip   Strategy = "skip"
)

// Resolver decides the Outcome for a conflict pair. The interactive
// resolver lives behind this interface (outside the fsync package) so the
// engine has no direct terminal dependency and can be driven headlessly in
// tests.
type Resolver interface {
	Resolve(ctx context.Context, pair *Pair) (Outcome, error)
}

// StrategyResolver implements Resolver for the five non-interactive
// strategies. Ask must be handled by a different Resolver implementation
// (e.g. an interactive prompt); StrategyResolver treats Ask as Skip so it
// is always safe to use headlessly.
type StrategyResolver struct {
	Strategy Strategy
	Eps      float64
}

// Resolve implements Resolver.
func (s StrategyResolver) Resolve(_ context.Context, pair *Pair) (Outcome, error) {
	switch s.Strategy {
	case StrategyLocal:
		return OutcomeLocal, nil
	case StrategyRemote:
		return OutcomeRemote, nil
	case StrategyOlder, StrategyNewer:
		return resolveByTime(pair, s.Strategy, s.Eps), nil
	default:
		return OutcomeSkip, nil
	}
}

// resolveByTime implements "old"/"new": pick the side with the
// older/newer mtime. When one side is absent the remaining side's presence
// or absence is what determines restore-vs-delete (see §4.7). When mtimes
// are within eps of each other the outcome degenerates to skip.
func resolveByTime(pair *Pair, strategy Strategy, eps float64) Outcome {
	if pair.Local == nil && pair.Remote != nil {
		// Local deleted, remote modified: "new" keeps the newer side,
		// which is whichever one still exists.
		if strategy == StrategyNewer {
			return OutcomeRemote
		}
		return OutcomeLocal // "old": prefer restoring the deletion
	}
	if pair.Remote == nil && pair.Local != nil {
		if strategy == StrategyNewer {
			return OutcomeLocal
		}
		return OutcomeRemote
	}
	if pair.Local == nil || pair.Remote == nil {
		return OutcomeSkip
	}
	d := pair.Local.MTime - pair.Remote.MTime
	if d > -eps && d < eps {
		return OutcomeSkip
	}
	localNewer := d > 0
	if strategy == StrategyNewer {
		if localNewer {
			return OutcomeLocal
		}
		return OutcomeRemote
	}
	// StrategyOlder
	if localNewer {
		return OutcomeRemote
	}
	return OutcomeLocal
}

// StickyResolver wraps another Resolver and remembers an "apply to all
// remaining" choice once one has been made, so a single interactive answer
// can be sticky for the rest of the run.
type StickyResolver struct {
	Inner Resolver
	sticky *Outcome
}

// Resolve implements Resolver.
func (s *StickyResolver) Resolve(ctx context.Context, pair *Pair) (Outcome, error) {
	if s.sticky != nil {
		return *s.sticky, nil
	}
	return s.Inner.Resolve(ctx, pair)
}

// SetSticky records an outcome to reuse for every subsequent conflict in
// this run (the interactive resolver's "apply to all remaining").
func (s *StickyResolver) SetSticky(o Outcome) {
	s.sticky = &o
}
