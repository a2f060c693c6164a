package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/moltbunker/locker/internal/logging"
	"github.com/moltbunker/locker/pkg/types"
)

// LXCBackend drives LXC through its userspace tools.
type LXCBackend struct {
	lxcPath string
	runner  CommandRunner
	log     *slog.Logger

	mu      sync.Mutex
	configs map[string]*ConfigFile
}

// NewLXCBackend creates a backend for containers stored under lxcPath.
func NewLXCBackend(lxcPath string, runner CommandRunner) *LXCBackend {
	if lxcPath == "" {
		lxcPath = "/var/lib/lxc"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &LXCBackend{
		lxcPath: lxcPath,
		runner:  runner,
		log:     logging.With(logging.Component("lxc")),
		configs: make(map[string]*ConfigFile),
	}
}

func (b *LXCBackend) run(ctx context.Context, tool, name string, args ...string) ([]byte, error) {
	full := append([]string{"-n", name, "-P", b.lxcPath}, args...)
	b.log.Debug("running", "tool", tool, "args", strings.Join(full, " "))
	return b.runner.Run(ctx, tool, full...)
}

func (b *LXCBackend) configPath(name string) string {
	return filepath.Join(b.lxcPath, name, "config")
}

func (b *LXCBackend) config(name string) (*ConfigFile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cf, ok := b.configs[name]; ok {
		return cf, nil
	}
	cf, err := LoadConfig(b.configPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotDefined, name)
		}
		return nil, err
	}
	b.configs[name] = cf
	return cf, nil
}

func (b *LXCBackend) forget(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.configs, name)
}

func (b *LXCBackend) IsDefined(ctx context.Context, name string) (bool, error) {
	_, err := os.Stat(b.configPath(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (b *LXCBackend) State(ctx context.Context, name string) (State, error) {
	defined, err := b.IsDefined(ctx, name)
	if err != nil {
		return StateUndefined, err
	}
	if !defined {
		return StateUndefined, fmt.Errorf("%w: %s", ErrNotDefined, name)
	}
	out, err := b.run(ctx, "lxc-info", name, "-s", "-H")
	if err != nil {
		return StateUndefined, err
	}
	return State(strings.TrimSpace(string(out))), nil
}

func (b *LXCBackend) IsRunning(ctx context.Context, name string) (bool, error) {
	return isRunning(ctx, b, name)
}

// templateFlags renders template arguments as sorted "--key value" pairs.
func templateFlags(args map[string]string) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	flags := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		flags = append(flags, "--"+k, args[k])
	}
	return flags
}

func (b *LXCBackend) Create(ctx context.Context, name string, src types.Source) error {
	if src.Kind == types.SourceClone {
		return b.CloneFrom(ctx, src.Clone, name)
	}
	if src.Template == "" {
		return fmt.Errorf("no template given for %s", name)
	}
	args := []string{"-t", src.Template}
	if len(src.Args) > 0 {
		args = append(args, "--")
		args = append(args, templateFlags(src.Args)...)
	}
	b.forget(name)
	if _, err := b.run(ctx, "lxc-create", name, args...); err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	return nil
}

func (b *LXCBackend) CloneFrom(ctx context.Context, source, name string) error {
	b.forget(name)
	if _, err := b.run(ctx, "lxc-copy", source, "-N", name); err != nil {
		return fmt.Errorf("failed to clone %s: %w", source, err)
	}
	return nil
}

func (b *LXCBackend) Destroy(ctx context.Context, name string) error {
	defer b.forget(name)
	if _, err := b.run(ctx, "lxc-destroy", name); err != nil {
		return fmt.Errorf("failed to destroy container: %w", err)
	}
	return nil
}

func (b *LXCBackend) Start(ctx context.Context, name string) error {
	if _, err := b.run(ctx, "lxc-start", name, "-d"); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

func (b *LXCBackend) Stop(ctx context.Context, name string, timeout time.Duration) error {
	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	if _, err := b.run(ctx, "lxc-stop", name, "-t", strconv.Itoa(secs)); err != nil {
		return fmt.Errorf("failed to shut down container: %w", err)
	}
	return nil
}

func (b *LXCBackend) ForceStop(ctx context.Context, name string) error {
	if _, err := b.run(ctx, "lxc-stop", name, "-k"); err != nil {
		return fmt.Errorf("failed to kill container: %w", err)
	}
	return nil
}

func (b *LXCBackend) AssignedAddresses(ctx context.Context, name string, family Family) ([]netip.Addr, error) {
	out, err := b.run(ctx, "lxc-info", name, "-i", "-H")
	if err != nil {
		return nil, err
	}
	return parseAddresses(string(out), family), nil
}

// parseAddresses reads one address per line, skipping anything that does
// not parse.
func parseAddresses(out string, family Family) []netip.Addr {
	var addrs []netip.Addr
	for _, field := range strings.Fields(out) {
		addr, err := netip.ParseAddr(field)
		if err != nil || !family.Matches(addr) {
			continue
		}
		addrs = append(addrs, addr.Unmap())
	}
	return addrs
}

func (b *LXCBackend) ConfigItem(ctx context.Context, name, key string) (string, error) {
	cf, err := b.config(name)
	if err != nil {
		return "", err
	}
	value, _ := cf.Get(key)
	return value, nil
}

func (b *LXCBackend) SetConfigItem(ctx context.Context, name, key, value string) error {
	cf, err := b.config(name)
	if err != nil {
		return err
	}
	cf.Set(key, value)
	return nil
}

func (b *LXCBackend) SaveConfig(ctx context.Context, name string) error {
	cf, err := b.config(name)
	if err != nil {
		return err
	}
	return cf.Save()
}

func (b *LXCBackend) CgroupItem(ctx context.Context, name, key string) (string, error) {
	out, err := b.run(ctx, "lxc-cgroup", name, key)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (b *LXCBackend) SetCgroupItem(ctx context.Context, name, key, value string) error {
	if _, err := b.run(ctx, "lxc-cgroup", name, key, value); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (b *LXCBackend) RootfsPath(ctx context.Context, name string) (string, error) {
	cf, err := b.config(name)
	if err != nil {
		return "", err
	}
	value, ok := cf.Get(KeyRootfs)
	if !ok {
		value, ok = cf.Get(legacyKeyRootfs)
	}
	if !ok || value == "" {
		return filepath.Join(b.lxcPath, name, "rootfs"), nil
	}
	// Storage backends prefix the path, e.g. "dir:/var/lib/lxc/x/rootfs".
	if i := strings.Index(value, ":/"); i >= 0 {
		value = value[i+1:]
	}
	return value, nil
}

// MountTablePath returns the fstab file LXC reads bind mounts from. When
// the config names none, the default location is registered in the config.
func (b *LXCBackend) MountTablePath(ctx context.Context, name string) (string, error) {
	cf, err := b.config(name)
	if err != nil {
		return "", err
	}
	for _, key := range []string{KeyMountFstab, legacyKeyMountFile} {
		if value, ok := cf.Get(key); ok && value != "" {
			return value, nil
		}
	}
	path := filepath.Join(b.lxcPath, name, "fstab")
	cf.Set(KeyMountFstab, path)
	return path, nil
}

func (b *LXCBackend) List(ctx context.Context) ([]string, error) {
	out, err := b.runner.Run(ctx, "lxc-ls", "-P", b.lxcPath, "-1")
	if err != nil {
		return nil, err
	}
	names := strings.Fields(string(out))
	sort.Strings(names)
	return names, nil
}

func (b *LXCBackend) Close() error {
	return nil
}

var _ Backend = (*LXCBackend)(nil)
