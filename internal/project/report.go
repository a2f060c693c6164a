package project

import (
	"errors"
	"fmt"

	"github.com/moltbunker/locker/pkg/types"
)

// Result is the outcome of one operation on one container.
type Result struct {
	Container string
	Outcome   types.Outcome
	Err       error
}

// Failed reports whether the operation returned an error.
func (r Result) Failed() bool { return r.Err != nil }

// Report aggregates the per-container results of a project operation.
type Report struct {
	Operation string
	Results   []Result
}

func (r *Report) add(name string, outcome types.Outcome, err error) {
	r.Results = append(r.Results, Result{Container: name, Outcome: outcome, Err: err})
}

func (r *Report) names(match func(Result) bool) []string {
	var out []string
	for _, res := range r.Results {
		if match(res) {
			out = append(out, res.Container)
		}
	}
	return out
}

// Performed returns the containers the operation changed.
func (r *Report) Performed() []string {
	return r.names(func(res Result) bool { return !res.Failed() && res.Outcome == types.Performed })
}

// Skipped returns the containers that needed no change.
func (r *Report) Skipped() []string {
	return r.names(func(res Result) bool { return !res.Failed() && res.Outcome == types.Skipped })
}

// Failed returns the containers the operation failed on.
func (r *Report) Failed() []string {
	return r.names(Result.Failed)
}

// AllFailed reports whether the operation was attempted and failed on
// every container.
func (r *Report) AllFailed() bool {
	return len(r.Results) > 0 && len(r.Failed()) == len(r.Results)
}

// Err joins the errors of all failed containers, nil if none failed.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

func (r *Report) String() string {
	return fmt.Sprintf("%s: %d performed, %d skipped, %d failed",
		r.Operation, len(r.Performed()), len(r.Skipped()), len(r.Failed()))
}
