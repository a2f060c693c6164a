package container

import (
	"context"
	"net/netip"

	"golang.org/x/time/rate"

	"github.com/moltbunker/locker/internal/firewall"
	"github.com/moltbunker/locker/internal/logging"
	"github.com/moltbunker/locker/internal/runtime"
	"github.com/moltbunker/locker/pkg/types"
)

// Ports installs the declared port forwards of a running container. With
// indirect set, existing rules are skipped silently.
func (c *Container) Ports(ctx context.Context, indirect bool) (types.Outcome, error) {
	if len(c.spec.Ports) == 0 {
		c.log.Debug("no port forwarding rules found")
		return types.Skipped, nil
	}
	running, err := c.IsRunning(ctx)
	if err != nil {
		return types.Skipped, c.fail("ports", err)
	}
	if !running {
		c.log.Debug("container is not running")
		return types.Skipped, nil
	}

	c.log.Info("adding port forwarding rules")
	if err := c.env.Firewall.EnsureEntryChain(); err != nil {
		return types.Skipped, err
	}
	found, err := c.env.Firewall.HasTagged(c.name)
	if err != nil {
		return types.Skipped, c.fail("ports", err)
	}
	if found {
		if !indirect {
			c.log.Warn("existing firewall rules found, remove them first")
		}
		return types.Skipped, nil
	}

	var forwards []types.PortForward
	for _, raw := range c.spec.Ports {
		pf, err := types.ParsePortForward(raw)
		if err != nil {
			c.log.Warn("skipping port directive", logging.Err(err))
			continue
		}
		forwards = append(forwards, pf)
	}
	if len(forwards) == 0 {
		return types.Skipped, nil
	}

	addrs, err := c.waitForAddresses(ctx)
	if err != nil {
		return types.Skipped, c.fail("ports", err)
	}
	if len(addrs) == 0 {
		c.log.Warn("container has no address, no ports forwarded")
		return types.Skipped, nil
	}

	var targets []firewall.PortTarget
	for _, pf := range forwards {
		for _, addr := range addrs {
			if !addr.Is4() {
				c.log.Warn("port forwarding to IPv6 addresses is not supported", "address", addr.String(), "port", pf.String())
				continue
			}
			targets = append(targets, firewall.PortTarget{ContainerIP: addr, Forward: pf})
		}
	}
	outcome, err := c.env.Firewall.InstallPortForwards(c.name, c.env.Network.InterfaceName(), targets)
	if err != nil {
		return outcome, c.fail("ports", err)
	}
	return outcome, nil
}

// RmPorts removes every rule tagged with the container name.
func (c *Container) RmPorts(ctx context.Context) (types.Outcome, error) {
	c.log.Info("removing firewall rules")
	if running, _ := c.IsRunning(ctx); running {
		c.log.Warn("container is still running, services will be unavailable")
	}
	if err := c.env.Firewall.EnsureEntryChain(); err != nil {
		return types.Skipped, err
	}
	n, err := c.env.Firewall.RemoveByTag(c.name)
	if err != nil {
		return types.Skipped, c.fail("rmports", err)
	}
	if n == 0 {
		return types.Skipped, nil
	}
	c.log.Debug("removed firewall rules", "count", n)
	return types.Performed, nil
}

// waitForAddresses polls the backend until the running container reports
// an address, the retry budget is spent or it stops running.
func (c *Container) waitForAddresses(ctx context.Context) ([]netip.Addr, error) {
	opts := c.env.Options
	limit := rate.Inf
	if opts.AddressRetryInterval > 0 {
		limit = rate.Every(opts.AddressRetryInterval)
	}
	limiter := rate.NewLimiter(limit, 1)
	limiter.Allow()

	for attempt := 0; ; attempt++ {
		addrs, err := c.backend().AssignedAddresses(ctx, c.name, runtime.FamilyAll)
		if err != nil {
			return nil, err
		}
		if len(addrs) > 0 || attempt >= opts.AddressRetries {
			return addrs, nil
		}
		if running, err := c.IsRunning(ctx); err != nil || !running {
			return nil, err
		}
		c.log.Debug("waiting to acquire an IP address", "attempt", attempt+1)
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
}
