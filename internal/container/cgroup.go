package container

import (
	"context"
	"fmt"

	"github.com/moltbunker/locker/internal/logging"
	"github.com/moltbunker/locker/internal/runtime"
	"github.com/moltbunker/locker/pkg/types"
)

// Cgroup applies the merged default and container cgroup settings. Running
// containers are updated live; the config always receives the values.
func (c *Container) Cgroup(ctx context.Context) (types.Outcome, error) {
	defined, err := c.IsDefined(ctx)
	if err != nil {
		return types.Skipped, c.fail("cgroup", err)
	}
	if !defined {
		c.log.Debug("container is not yet defined")
		return types.Skipped, nil
	}

	settings, errs := types.MergeCgroup(c.env.Defaults.Cgroup, c.spec.Cgroup)
	for _, err := range errs {
		c.log.Warn("malformed cgroup setting", logging.Err(err))
	}
	if len(settings) == 0 {
		return types.Skipped, nil
	}

	c.log.Info("setting cgroup configuration")
	running, err := c.IsRunning(ctx)
	if err != nil {
		return types.Skipped, c.fail("cgroup", err)
	}
	for _, s := range settings {
		if running {
			if err := c.backend().SetCgroupItem(ctx, c.name, s.Key, s.Value); err != nil {
				c.log.Warn("was not able to set while running", "key", s.Key, "value", s.Value, logging.Err(err))
			}
		}
		if err := c.backend().SetConfigItem(ctx, c.name, runtime.CgroupKeyPrefix+s.Key, s.Value); err != nil {
			c.log.Warn("was not able to set in config", "key", s.Key, "value", s.Value, logging.Err(err))
		}
	}
	if err := c.backend().SaveConfig(ctx, c.name); err != nil {
		return types.Performed, c.fail("cgroup", fmt.Errorf("save config: %w", err))
	}
	return types.Performed, nil
}

// CgroupItem returns the live value of a cgroup item, falling back to the
// configured value when the container is not running.
func (c *Container) CgroupItem(ctx context.Context, key string) (string, error) {
	if value, err := c.backend().CgroupItem(ctx, c.name, key); err == nil {
		return value, nil
	}
	return c.backend().ConfigItem(ctx, c.name, runtime.CgroupKeyPrefix+key)
}
