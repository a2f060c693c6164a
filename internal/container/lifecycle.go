package container

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/moltbunker/locker/internal/logging"
	"github.com/moltbunker/locker/internal/runtime"
	"github.com/moltbunker/locker/pkg/types"
)

// Create defines the container from its declared source. Existing
// containers are left alone.
func (c *Container) Create(ctx context.Context) (types.Outcome, error) {
	defined, err := c.IsDefined(ctx)
	if err != nil {
		return types.Skipped, c.fail("create", err)
	}
	if defined {
		c.log.Debug("container is defined")
		return types.Skipped, nil
	}

	src, err := c.spec.Source()
	if err != nil {
		c.log.Error("invalid source", logging.Err(err))
		return types.Skipped, c.fail("create", fmt.Errorf("%w: %v", ErrInvalidSpec, err))
	}

	switch src.Kind {
	case types.SourceClone:
		origin, err := c.cloneSource(ctx, src.Clone)
		if err != nil {
			c.log.Error("cannot clone", "source", src.Clone, logging.Err(err))
			return types.Skipped, c.fail("create", err)
		}
		src.Clone = origin
		c.log.Info("cloning container", "source", origin)
	case types.SourceDownload:
		c.log.Info("downloading base image", "dist", src.Args["dist"], "release", src.Args["release"], "arch", src.Args["arch"])
	default:
		c.log.Info("creating container from template", "template", src.Template)
	}

	if err := c.backend().Create(ctx, c.name, src); err != nil {
		c.log.Error("creation failed", logging.Err(err))
		return types.Skipped, c.fail("create", fmt.Errorf("%w: %v", ErrCreationFailed, err))
	}
	if defined, err := c.IsDefined(ctx); err != nil || !defined {
		c.log.Error("container not defined after creation", logging.Err(err))
		return types.Performed, c.fail("create", ErrCreationFailed)
	}

	if c.env.Options.NoCopyOnCreate {
		c.log.Debug("skipping moving of directories to the host")
		return types.Performed, nil
	}
	if err := c.migrateVolumes(ctx); err != nil {
		c.log.Warn("could not move volumes to the host", logging.Err(err))
	}
	return types.Performed, nil
}

// cloneSource resolves the container to clone from. The name is tried as
// given first, then as a container of the same project.
func (c *Container) cloneSource(ctx context.Context, clone string) (string, error) {
	for _, candidate := range []string{clone, types.QualifiedName(c.env.Project, clone)} {
		defined, err := c.backend().IsDefined(ctx, candidate)
		if err != nil {
			return "", err
		}
		if defined {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: clone source %s does not exist", ErrInvalidSpec, clone)
}

// Start prepares mounts, hostname, network and DNS and starts the
// container. A running container is only restarted with Options.Restart.
func (c *Container) Start(ctx context.Context) (types.Outcome, error) {
	defined, err := c.IsDefined(ctx)
	if err != nil {
		return types.Skipped, c.fail("start", err)
	}
	if !defined {
		c.log.Debug("container is not yet defined")
		return types.Skipped, nil
	}
	running, err := c.IsRunning(ctx)
	if err != nil {
		return types.Skipped, c.fail("start", err)
	}
	if running {
		if !c.env.Options.Restart {
			c.log.Debug("container is already running")
			return types.Skipped, nil
		}
		c.log.Info("restarting container")
		if _, err := c.Stop(ctx); err != nil {
			return types.Skipped, err
		}
	}

	if err := c.writeMountTable(ctx); err != nil {
		return types.Skipped, c.fail("start", err)
	}
	c.logResults(c.setHostname(ctx))

	lease, err := c.configureNetwork(ctx)
	if err != nil {
		return types.Skipped, c.fail("start", err)
	}
	c.logResults(c.writeResolvConf(ctx, c.resolveDNS()))

	c.log.Info("starting container", "address", lease.String())
	if err := c.backend().Start(ctx, c.name); err != nil {
		c.env.Network.Release(lease.Addr())
		c.log.Error("could not start container", logging.Err(err))
		return types.Skipped, c.fail("start", fmt.Errorf("%w: %v", ErrStartFailed, err))
	}
	if running, err := c.IsRunning(ctx); err != nil || !running {
		c.env.Network.Release(lease.Addr())
		c.log.Error("container is not running after start", logging.Err(err))
		return types.Performed, c.fail("start", ErrStartFailed)
	}
	return types.Performed, nil
}

// configureNetwork leases an address and attaches the container to the
// project bridge in its config.
func (c *Container) configureNetwork(ctx context.Context) (netip.Prefix, error) {
	if prev, err := c.backend().ConfigItem(ctx, c.name, runtime.KeyNetIPv4Address); err == nil {
		if p, err := netip.ParsePrefix(prev); err == nil {
			c.env.Network.Release(p.Addr())
		}
	}
	lease, err := c.env.Network.Lease(ctx)
	if err != nil {
		return netip.Prefix{}, err
	}
	gateway, err := c.env.Network.Gateway()
	if err != nil {
		c.env.Network.Release(lease.Addr())
		return netip.Prefix{}, err
	}

	items := []struct{ key, value string }{
		{runtime.KeyNetLink, c.env.Network.InterfaceName()},
		{runtime.KeyNetVethPair, vethName(c.name)},
		{runtime.KeyNetIPv4Address, lease.String()},
		{runtime.KeyNetIPv4Gateway, gateway.String()},
	}
	for _, item := range items {
		if err := c.backend().SetConfigItem(ctx, c.name, item.key, item.value); err != nil {
			c.env.Network.Release(lease.Addr())
			return netip.Prefix{}, fmt.Errorf("set %s: %w", item.key, err)
		}
	}
	if err := c.backend().SaveConfig(ctx, c.name); err != nil {
		c.env.Network.Release(lease.Addr())
		return netip.Prefix{}, fmt.Errorf("save config: %w", err)
	}
	c.log.Debug("network configured", "address", lease.String(), "gateway", gateway.String())
	return lease, nil
}

// Stop removes the container's links and shuts it down, killing it when a
// graceful shutdown does not succeed.
func (c *Container) Stop(ctx context.Context) (types.Outcome, error) {
	running, err := c.IsRunning(ctx)
	if err != nil {
		return types.Skipped, c.fail("stop", err)
	}
	if !running {
		c.log.Debug("container is stopped")
		return types.Skipped, nil
	}

	c.log.Info("stopping container")
	if _, err := c.RmLinks(ctx); err != nil {
		c.log.Warn("could not remove links", logging.Err(err))
	}

	err = c.backend().Stop(ctx, c.name, c.env.Options.StopTimeout)
	if err == nil {
		running, err = c.IsRunning(ctx)
	}
	if err != nil || running {
		c.log.Warn("could not shut down, forcing stop", logging.Err(err))
		if err := c.backend().ForceStop(ctx, c.name); err != nil {
			c.log.Error("forced stop failed", logging.Err(err))
		}
	}

	if running, err := c.IsRunning(ctx); err != nil || running {
		c.log.Error("could not stop container", logging.Err(err))
		return types.Performed, c.fail("stop", ErrStopFailed)
	}
	return types.Performed, nil
}

// Remove stops and destroys the container after confirmation, unless
// Options.DontAsk is set. A declined confirmation is not an error.
func (c *Container) Remove(ctx context.Context) (types.Outcome, error) {
	defined, err := c.IsDefined(ctx)
	if err != nil {
		return types.Skipped, c.fail("remove", err)
	}
	if !defined {
		c.log.Debug("container is not yet defined")
		return types.Skipped, nil
	}

	if !c.env.Options.DontAsk {
		ok, err := c.confirm(fmt.Sprintf("Delete %s?", c.short))
		if err != nil {
			c.log.Warn("no confirmation, skipping deletion", logging.Err(err))
			return types.Skipped, nil
		}
		if !ok {
			c.log.Info("skipping deletion")
			return types.Skipped, nil
		}
	}

	c.log.Info("removing container")
	if _, err := c.Stop(ctx); err != nil {
		return types.Skipped, err
	}
	if err := c.backend().Destroy(ctx, c.name); err != nil {
		c.log.Error("container was not deleted", logging.Err(err))
		return types.Skipped, c.fail("remove", fmt.Errorf("%w: %v", ErrRemovalFailed, err))
	}
	if defined, err := c.IsDefined(ctx); err != nil || defined {
		c.log.Error("container still defined after removal", logging.Err(err))
		return types.Performed, c.fail("remove", ErrRemovalFailed)
	}
	return types.Performed, nil
}

func (c *Container) confirm(question string) (bool, error) {
	if c.env.Confirm == nil {
		return false, fmt.Errorf("no way to confirm %q", question)
	}
	return c.env.Confirm.Confirm(question)
}
