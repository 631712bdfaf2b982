package main

import (
	"context"
	"fmt"
	"io"

	"github.com/AlecAivazis/survey/v2"

	"github.com/go-ftpsync/ftpsync/fsync"
)

// askResolver implements fsync.Resolver interactively via
// github.com/AlecAivazis/survey/v2, kept out of the fsync package per
// Design Notes so the engine has no terminal dependency and can be driven
// headlessly in tests with a fake resolver.
type askResolver struct {
	out    io.Writer
	sticky *fsync.StickyResolver
}

// choice is one of the options offered at a conflict prompt; label is what
// survey displays, outcome (and sticky) is what gets applied.
type choice struct {
	label   string
	outcome fsync.Outcome
	sticky  bool
}

func (a *askResolver) Resolve(_ context.Context, pair *fsync.Pair) (fsync.Outcome, error) {
	fmt.Fprintf(a.out, "conflict: %s (local=%s, remote=%s)\n", pair.Name, describeSide(pair.Local), describeSide(pair.Remote))

	choices := []choice{
		{label: "keep local (push to remote)", outcome: fsync.OutcomeLocal},
		{label: "keep remote (pull to local)", outcome: fsync.OutcomeRemote},
		{label: "skip this one", outcome: fsync.OutcomeSkip},
		{label: "keep local for all remaining conflicts", outcome: fsync.OutcomeLocal, sticky: true},
		{label: "keep remote for all remaining conflicts", outcome: fsync.OutcomeRemote, sticky: true},
		{label: "skip all remaining conflicts", outcome: fsync.OutcomeSkip, sticky: true},
	}
	labels := make([]string, len(choices))
	for i, c := range choices {
		labels[i] = c.label
	}

	var picked string
	prompt := &survey.Select{
		Message: "resolve how?",
		Options: labels,
		Default: choices[2].label,
	}
	if err := survey.AskOne(prompt, &picked); err != nil {
		return fsync.OutcomeSkip, fmt.Errorf("prompting for conflict resolution: %w", err)
	}

	for _, c := range choices {
		if c.label != picked {
			continue
		}
		if c.sticky && a.sticky != nil {
			a.sticky.SetSticky(c.outcome)
		}
		return c.outcome, nil
	}
	return fsync.OutcomeSkip, nil
}

func describeSide(e *fsync.Entry) string {
	if e == nil {
		return "absent"
	}
	return fmt.Sprintf("%s, %d bytes", e.Kind, e.Size)
}
