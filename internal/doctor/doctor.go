// Package doctor checks that the host provides what locker needs: a
// container backend, packet forwarding, privileges and a valid
// configuration.
package doctor

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sort"
)

// Doctor runs a set of checkers and reports their results.
type Doctor struct {
	checkers []Checker
	output   *Output
	writer   io.Writer
	options  Options
}

// New creates a Doctor writing to w. Colors are used only when useColors is
// set and JSON output is off.
func New(opts Options, w io.Writer, useColors bool, checkers ...Checker) *Doctor {
	if w == nil {
		w = os.Stdout
	}
	return &Doctor{
		checkers: checkers,
		output:   NewOutput(w, useColors && !opts.JSON),
		writer:   w,
		options:  opts,
	}
}

// AddChecker adds a custom checker
func (d *Doctor) AddChecker(c Checker) {
	d.checkers = append(d.checkers, c)
}

// Run executes all checks and returns a report
func (d *Doctor) Run(ctx context.Context) (*Report, error) {
	checkers := d.filterCheckers()
	report := &Report{
		Checks: make([]CheckResult, 0, len(checkers)),
	}

	if d.options.JSON {
		for _, checker := range checkers {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			result := checker.Check(ctx)
			report.Checks = append(report.Checks, result)
			updateSummary(&report.Summary, result)
		}
		return report, d.outputJSON(report)
	}

	d.output.Header(len(checkers))
	for _, checker := range checkers {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		result := checker.Check(ctx)
		if result.Category == "" {
			result.Category = checker.Category()
		}
		d.output.CheckResult(result)
		report.Checks = append(report.Checks, result)
		updateSummary(&report.Summary, result)
	}
	d.output.Summary(report)

	return report, nil
}

// filterCheckers returns the checkers of the selected category, grouped by
// category in report order.
func (d *Doctor) filterCheckers() []Checker {
	filtered := make([]Checker, 0, len(d.checkers))
	for _, c := range d.checkers {
		if d.options.Category == "" || c.Category() == d.options.Category {
			filtered = append(filtered, c)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return categoryRank(filtered[i].Category()) < categoryRank(filtered[j].Category())
	})
	return filtered
}

func updateSummary(summary *Summary, result CheckResult) {
	summary.Total++
	switch result.Status {
	case StatusOK:
		summary.Passed++
	case StatusError:
		summary.Failed++
	case StatusWarning:
		summary.Warned++
	case StatusSkipped:
		summary.Skipped++
	}
}

func (d *Doctor) outputJSON(report *Report) error {
	enc := json.NewEncoder(d.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
