package project

import (
	"context"
	"errors"

	"github.com/moltbunker/locker/internal/container"
	"github.com/moltbunker/locker/internal/logging"
	"github.com/moltbunker/locker/pkg/types"
)

// Create creates the selected containers.
func (p *Project) Create(ctx context.Context) (*Report, error) {
	return p.each(ctx, "create", p.selected, method((*container.Container).Create))
}

// Start brings up the bridge, then starts the selected containers and
// applies their cgroup settings and port forwards. Links of every project
// container are refreshed afterwards.
func (p *Project) Start(ctx context.Context) (*Report, error) {
	if err := p.bridge.Start(); err != nil {
		return &Report{Operation: "start"}, err
	}
	report, err := p.each(ctx, "start", p.selected, p.startOne)
	if err != nil {
		return report, err
	}
	return report, p.afterStateChange(ctx)
}

func (p *Project) startOne(ctx context.Context, c *container.Container) (types.Outcome, error) {
	outcome, err := c.Start(ctx)
	if err != nil {
		return outcome, err
	}
	if _, err := c.Cgroup(ctx); err != nil {
		c.Logger().Warn("could not apply cgroup settings", logging.Err(err))
	}
	if p.opts.NoPorts {
		return outcome, nil
	}
	if _, err := c.Ports(ctx, true); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// Stop stops the selected containers and removes their port forwards in
// one rule batch. Links of every project container are refreshed
// afterwards.
func (p *Project) Stop(ctx context.Context) (*Report, error) {
	var (
		report *Report
		opErr  error
	)
	err := p.fw.Batch(func() error {
		report, opErr = p.each(ctx, "stop", p.selected, p.stopOne)
		return nil
	})
	if opErr != nil {
		return report, opErr
	}
	if err != nil {
		return report, err
	}
	return report, p.afterStateChange(ctx)
}

func (p *Project) stopOne(ctx context.Context, c *container.Container) (types.Outcome, error) {
	outcome, err := c.Stop(ctx)
	if err != nil || p.opts.NoPorts {
		return outcome, err
	}
	if _, err := c.RmPorts(ctx); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// afterStateChange refreshes links and the host hosts file once the set of
// running containers changed.
func (p *Project) afterStateChange(ctx context.Context) error {
	if !p.opts.NoLinks {
		if err := p.refreshLinks(ctx); err != nil {
			return err
		}
	}
	if p.opts.AddHosts {
		p.logHostsResult(p.ExposeHosts(ctx))
	}
	return nil
}

// refreshLinks updates the links of every project container. Stopped peers
// are expected here and dropped quietly.
func (p *Project) refreshLinks(ctx context.Context) error {
	_, err := p.each(ctx, "links", p.all, func(ctx context.Context, c *container.Container) (types.Outcome, error) {
		return c.Links(ctx, true)
	})
	return err
}

// Remove removes the selected containers together with their firewall
// rules.
func (p *Project) Remove(ctx context.Context) (*Report, error) {
	var (
		report *Report
		opErr  error
	)
	err := p.fw.Batch(func() error {
		report, opErr = p.each(ctx, "remove", p.selected, p.removeOne)
		return nil
	})
	if opErr != nil {
		return report, opErr
	}
	return report, err
}

func (p *Project) removeOne(ctx context.Context, c *container.Container) (types.Outcome, error) {
	outcome, err := c.Remove(ctx)
	if err != nil || outcome == types.Skipped {
		return outcome, err
	}
	if err := p.dropRules(c); err != nil {
		c.Logger().Warn("could not remove firewall rules", logging.Err(err))
	}
	return outcome, nil
}

func (p *Project) dropRules(c *container.Container) error {
	if err := p.fw.EnsureEntryChain(); err != nil {
		return err
	}
	_, portErr := p.fw.RemoveByTag(c.Name())
	_, linkErr := p.fw.RemoveLinkRules(c.Name())
	return errors.Join(portErr, linkErr)
}

// Ports installs the port forwards of the selected containers.
func (p *Project) Ports(ctx context.Context) (*Report, error) {
	return p.each(ctx, "ports", p.selected, func(ctx context.Context, c *container.Container) (types.Outcome, error) {
		return c.Ports(ctx, false)
	})
}

// RmPorts removes the port forwards of the selected containers in one rule
// batch.
func (p *Project) RmPorts(ctx context.Context) (*Report, error) {
	var (
		report *Report
		opErr  error
	)
	err := p.fw.Batch(func() error {
		report, opErr = p.each(ctx, "rmports", p.selected, method((*container.Container).RmPorts))
		return nil
	})
	if opErr != nil {
		return report, opErr
	}
	return report, err
}

// Links updates the links of the selected containers.
func (p *Project) Links(ctx context.Context) (*Report, error) {
	return p.each(ctx, "links", p.selected, func(ctx context.Context, c *container.Container) (types.Outcome, error) {
		return c.Links(ctx, false)
	})
}

// RmLinks removes the links of the selected containers.
func (p *Project) RmLinks(ctx context.Context) (*Report, error) {
	return p.each(ctx, "rmlinks", p.selected, method((*container.Container).RmLinks))
}

// Cgroup applies the cgroup settings of the selected containers.
func (p *Project) Cgroup(ctx context.Context) (*Report, error) {
	return p.each(ctx, "cgroup", p.selected, method((*container.Container).Cgroup))
}

// Refresh re-applies links and host name exposure for every container,
// without starting or stopping anything.
func (p *Project) Refresh(ctx context.Context) error {
	return p.afterStateChange(ctx)
}

// Cleanup stops every container of the project. Only when all of them are
// stopped are the project's firewall rules and bridge removed.
func (p *Project) Cleanup(ctx context.Context) (*Report, error) {
	var (
		report *Report
		opErr  error
	)
	err := p.fw.Batch(func() error {
		report, opErr = p.each(ctx, "stop", p.all, p.stopOne)
		return nil
	})
	if opErr != nil {
		return report, opErr
	}
	if err != nil {
		return report, err
	}

	var running []string
	for _, c := range p.all {
		ok, err := c.IsRunning(ctx)
		if err != nil || ok {
			running = append(running, c.ShortName())
		}
	}
	if len(running) > 0 {
		p.log.Error("containers still running, leaving bridge in place", "containers", running)
		return report, ErrCleanupIncomplete
	}

	err = p.fw.Batch(func() error {
		var errs []error
		for _, c := range p.all {
			errs = append(errs, p.dropRules(c))
		}
		return errors.Join(errs...)
	})
	if err != nil {
		return report, err
	}
	if p.opts.AddHosts {
		p.logHostsResult(p.hideHosts())
	}
	if err := p.bridge.Stop(); err != nil {
		return report, err
	}
	return report, nil
}

// method adapts a Container method expression to a containerOp.
func method(fn func(*container.Container, context.Context) (types.Outcome, error)) containerOp {
	return func(ctx context.Context, c *container.Container) (types.Outcome, error) {
		return fn(c, ctx)
	}
}
