package runtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/mount"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/moltbunker/locker/internal/logging"
	"github.com/moltbunker/locker/pkg/types"
)

const (
	cgroupMount = "/sys/fs/cgroup"
	labelImage  = "locker.image"
)

// ContainerdBackend runs containers as containerd tasks. Config items are
// stored as container labels and bind mounts are read from a per-container
// fstab under the state directory.
type ContainerdBackend struct {
	client    *containerd.Client
	namespace string
	stateDir  string
	cgroups   *CgroupManager
	log       *slog.Logger

	mu      sync.Mutex
	pending map[string]map[string]string
}

// NewContainerdBackend connects to the containerd socket.
func NewContainerdBackend(socketPath, namespace, stateDir string, cgroups *CgroupManager) (*ContainerdBackend, error) {
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	if namespace == "" {
		namespace = "locker"
	}
	if stateDir == "" {
		stateDir = "/var/lib/locker"
	}
	if cgroups == nil {
		cgroups = NewCgroupManager("")
	}

	return &ContainerdBackend{
		client:    client,
		namespace: namespace,
		stateDir:  stateDir,
		cgroups:   cgroups,
		log:       logging.With(logging.Component("containerd")),
		pending:   make(map[string]map[string]string),
	}, nil
}

// WithNamespace returns a context with namespace
func (cb *ContainerdBackend) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, cb.namespace)
}

func (cb *ContainerdBackend) load(ctx context.Context, name string) (containerd.Container, error) {
	c, err := cb.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotDefined, name)
		}
		return nil, err
	}
	return c, nil
}

func (cb *ContainerdBackend) task(ctx context.Context, c containerd.Container) (containerd.Task, error) {
	task, err := c.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return task, nil
}

func (cb *ContainerdBackend) IsDefined(ctx context.Context, name string) (bool, error) {
	_, err := cb.load(cb.WithNamespace(ctx), name)
	if errors.Is(err, ErrNotDefined) {
		return false, nil
	}
	return err == nil, err
}

func (cb *ContainerdBackend) State(ctx context.Context, name string) (State, error) {
	ctx = cb.WithNamespace(ctx)
	c, err := cb.load(ctx, name)
	if err != nil {
		return StateUndefined, err
	}
	task, err := cb.task(ctx, c)
	if err != nil {
		return StateUndefined, err
	}
	if task == nil {
		return StateStopped, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return StateUndefined, err
	}
	switch status.Status {
	case containerd.Running:
		return StateRunning, nil
	case containerd.Created:
		return StateStarting, nil
	case containerd.Paused, containerd.Pausing:
		return StateFrozen, nil
	default:
		return StateStopped, nil
	}
}

func (cb *ContainerdBackend) IsRunning(ctx context.Context, name string) (bool, error) {
	return isRunning(ctx, cb, name)
}

// imageRef maps a template or download source to an image reference.
// Template sources may name the image explicitly with an "image" argument.
func imageRef(src types.Source) (ref, platform string) {
	if ref := src.Args["image"]; ref != "" {
		return ref, src.Args["arch"]
	}
	name, tag := src.Template, src.Args["release"]
	if src.Kind == types.SourceDownload {
		name = src.Args["dist"]
	}
	if tag == "" {
		tag = "latest"
	}
	if !strings.Contains(name, "/") {
		name = "docker.io/library/" + name
	}
	return name + ":" + tag, src.Args["arch"]
}

func (cb *ContainerdBackend) image(ctx context.Context, ref, platform string) (containerd.Image, error) {
	image, err := cb.client.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}
	opts := []containerd.RemoteOpt{containerd.WithPullUnpack}
	if platform != "" {
		opts = append(opts, containerd.WithPlatform(platform))
	}
	cb.log.Info("pulling image", "image", ref)
	image, err = cb.client.Pull(ctx, ref, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return image, nil
}

func (cb *ContainerdBackend) Create(ctx context.Context, name string, src types.Source) error {
	if src.Kind == types.SourceClone {
		return cb.CloneFrom(ctx, src.Clone, name)
	}
	ctx = cb.WithNamespace(ctx)

	ref, platform := imageRef(src)
	image, err := cb.image(ctx, ref, platform)
	if err != nil {
		return err
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithHostname(name),
		oci.WithCgroup(cb.cgroups.RelativePath(cgroupMount, name)),
	}
	if cmd := strings.Fields(src.Args["command"]); len(cmd) > 0 {
		opts = append(opts, oci.WithProcessArgs(cmd...))
	}

	_, err = cb.client.NewContainer(
		ctx,
		name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(map[string]string{labelImage: ref}),
	)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	return nil
}

// CloneFrom creates name from the image, spec and labels of source.
// Filesystem changes made inside source are not carried over.
func (cb *ContainerdBackend) CloneFrom(ctx context.Context, source, name string) error {
	ctx = cb.WithNamespace(ctx)
	origin, err := cb.load(ctx, source)
	if err != nil {
		return err
	}
	image, err := origin.Image(ctx)
	if err != nil {
		return fmt.Errorf("failed to get image of %s: %w", source, err)
	}
	spec, err := origin.Spec(ctx)
	if err != nil {
		return fmt.Errorf("failed to get spec of %s: %w", source, err)
	}
	labels, err := origin.Labels(ctx)
	if err != nil {
		return fmt.Errorf("failed to get labels of %s: %w", source, err)
	}

	_, err = cb.client.NewContainer(
		ctx,
		name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(name+"-snapshot", image),
		containerd.WithSpec(spec, oci.WithHostname(name), oci.WithCgroup(cb.cgroups.RelativePath(cgroupMount, name))),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return fmt.Errorf("failed to clone %s: %w", source, err)
	}
	return nil
}

func (cb *ContainerdBackend) Destroy(ctx context.Context, name string) error {
	ctx = cb.WithNamespace(ctx)
	c, err := cb.load(ctx, name)
	if err != nil {
		return err
	}
	if task, _ := cb.task(ctx, c); task != nil {
		task.Kill(ctx, syscall.SIGKILL)
		task.Delete(ctx, containerd.WithProcessKill)
	}
	if err := c.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	cb.mu.Lock()
	delete(cb.pending, name)
	cb.mu.Unlock()
	os.RemoveAll(filepath.Join(cb.stateDir, name))
	return nil
}

// readMountTable parses "source target type options dump pass" lines.
// Targets are relative to the container root.
func readMountTable(path string) ([]specs.Mount, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var mounts []specs.Mount
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		options := strings.Split(fields[3], ",")
		if !containsString(options, "rbind") {
			options = append(options, "rbind")
		}
		mounts = append(mounts, specs.Mount{
			Source:      fields[0],
			Destination: "/" + strings.TrimPrefix(filepath.Clean("/"+fields[1]), "/"),
			Type:        "bind",
			Options:     options,
		})
	}
	return mounts, scanner.Err()
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// syncMounts replaces the bind mounts of the container spec with those of
// its mount table.
func (cb *ContainerdBackend) syncMounts(ctx context.Context, c containerd.Container, name string) error {
	table, err := cb.MountTablePath(ctx, name)
	if err != nil {
		return err
	}
	binds, err := readMountTable(table)
	if err != nil {
		return fmt.Errorf("failed to read mount table: %w", err)
	}
	spec, err := c.Spec(ctx)
	if err != nil {
		return fmt.Errorf("failed to get container spec: %w", err)
	}
	kept := spec.Mounts[:0]
	for _, m := range spec.Mounts {
		if m.Type != "bind" {
			kept = append(kept, m)
		}
	}
	spec.Mounts = append(kept, binds...)
	return c.Update(ctx, containerd.UpdateContainerOpts(containerd.WithSpec(spec)))
}

func (cb *ContainerdBackend) Start(ctx context.Context, name string) error {
	ctx = cb.WithNamespace(ctx)
	c, err := cb.load(ctx, name)
	if err != nil {
		return err
	}
	if err := cb.syncMounts(ctx, c, name); err != nil {
		return err
	}
	labels, err := c.Labels(ctx)
	if err != nil {
		return fmt.Errorf("failed to get labels: %w", err)
	}

	if stale, _ := cb.task(ctx, c); stale != nil {
		stale.Delete(ctx, containerd.WithProcessKill)
	}
	task, err := c.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	for key, value := range labels {
		if !strings.HasPrefix(key, CgroupKeyPrefix) {
			continue
		}
		ckey := strings.TrimPrefix(key, CgroupKeyPrefix)
		if err := cb.cgroups.Set(name, ckey, value); err != nil {
			cb.log.Warn("could not apply cgroup setting", logging.Container(name), "key", ckey, logging.Err(err))
		}
	}

	if bridge := labels[KeyNetLink]; bridge != "" {
		cfg, err := vethConfigFrom(labels, name)
		if err == nil {
			err = attachVeth(int(task.Pid()), cfg)
		}
		if err != nil {
			task.Delete(ctx, containerd.WithProcessKill)
			return fmt.Errorf("failed to wire network: %w", err)
		}
	}

	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		return fmt.Errorf("failed to start task: %w", err)
	}
	return nil
}

// vethConfig describes the interface pair connecting a task to a bridge.
type vethConfig struct {
	Bridge   string
	HostName string
	Address  netip.Prefix
	Gateway  netip.Addr
}

func vethConfigFrom(labels map[string]string, name string) (vethConfig, error) {
	cfg := vethConfig{Bridge: labels[KeyNetLink], HostName: labels[KeyNetVethPair]}
	if cfg.HostName == "" {
		cfg.HostName = name
	}
	var err error
	if cfg.Address, err = netip.ParsePrefix(labels[KeyNetIPv4Address]); err != nil {
		return cfg, fmt.Errorf("bad %s: %w", KeyNetIPv4Address, err)
	}
	if gw := labels[KeyNetIPv4Gateway]; gw != "" {
		if cfg.Gateway, err = netip.ParseAddr(gw); err != nil {
			return cfg, fmt.Errorf("bad %s: %w", KeyNetIPv4Gateway, err)
		}
	}
	return cfg, nil
}

func (cb *ContainerdBackend) stopTask(ctx context.Context, name string, sig syscall.Signal, timeout time.Duration) error {
	ctx = cb.WithNamespace(ctx)
	c, err := cb.load(ctx, name)
	if err != nil {
		return err
	}
	task, err := cb.task(ctx, c)
	if err != nil || task == nil {
		return err
	}

	exitCh, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}
	if err := task.Kill(ctx, sig); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to send %s: %w", sig, err)
	}

	select {
	case <-exitCh:
	case <-time.After(timeout):
		return fmt.Errorf("task did not exit within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

func (cb *ContainerdBackend) Stop(ctx context.Context, name string, timeout time.Duration) error {
	return cb.stopTask(ctx, name, syscall.SIGTERM, timeout)
}

func (cb *ContainerdBackend) ForceStop(ctx context.Context, name string) error {
	return cb.stopTask(ctx, name, syscall.SIGKILL, 10*time.Second)
}

func (cb *ContainerdBackend) AssignedAddresses(ctx context.Context, name string, family Family) ([]netip.Addr, error) {
	ctx = cb.WithNamespace(ctx)
	c, err := cb.load(ctx, name)
	if err != nil {
		return nil, err
	}
	task, err := cb.task(ctx, c)
	if err != nil || task == nil {
		return nil, err
	}
	return netnsAddresses(int(task.Pid()), family)
}

func (cb *ContainerdBackend) ConfigItem(ctx context.Context, name, key string) (string, error) {
	cb.mu.Lock()
	if v, ok := cb.pending[name][key]; ok {
		cb.mu.Unlock()
		return v, nil
	}
	cb.mu.Unlock()

	ctx = cb.WithNamespace(ctx)
	c, err := cb.load(ctx, name)
	if err != nil {
		return "", err
	}
	labels, err := c.Labels(ctx)
	if err != nil {
		return "", err
	}
	return labels[key], nil
}

func (cb *ContainerdBackend) SetConfigItem(ctx context.Context, name, key, value string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.pending[name] == nil {
		cb.pending[name] = make(map[string]string)
	}
	cb.pending[name][key] = value
	return nil
}

func (cb *ContainerdBackend) SaveConfig(ctx context.Context, name string) error {
	cb.mu.Lock()
	labels := cb.pending[name]
	delete(cb.pending, name)
	cb.mu.Unlock()
	if len(labels) == 0 {
		return nil
	}

	ctx = cb.WithNamespace(ctx)
	c, err := cb.load(ctx, name)
	if err != nil {
		return err
	}
	if _, err := c.SetLabels(ctx, labels); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

func (cb *ContainerdBackend) CgroupItem(ctx context.Context, name, key string) (string, error) {
	return cb.cgroups.Get(name, key)
}

func (cb *ContainerdBackend) SetCgroupItem(ctx context.Context, name, key, value string) error {
	return cb.cgroups.Set(name, key, value)
}

// rootfsFromMounts returns the writable directory of a snapshot.
func rootfsFromMounts(mounts []mount.Mount) (string, error) {
	for _, m := range mounts {
		switch m.Type {
		case "overlay":
			for _, opt := range m.Options {
				if dir, ok := strings.CutPrefix(opt, "upperdir="); ok {
					return dir, nil
				}
			}
		case "bind":
			return m.Source, nil
		}
	}
	return "", errors.New("snapshot has no writable directory")
}

func (cb *ContainerdBackend) RootfsPath(ctx context.Context, name string) (string, error) {
	ctx = cb.WithNamespace(ctx)
	c, err := cb.load(ctx, name)
	if err != nil {
		return "", err
	}
	info, err := c.Info(ctx)
	if err != nil {
		return "", err
	}
	mounts, err := cb.client.SnapshotService(info.Snapshotter).Mounts(ctx, info.SnapshotKey)
	if err != nil {
		return "", fmt.Errorf("failed to get snapshot mounts: %w", err)
	}
	return rootfsFromMounts(mounts)
}

func (cb *ContainerdBackend) MountTablePath(ctx context.Context, name string) (string, error) {
	dir := filepath.Join(cb.stateDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	return filepath.Join(dir, "fstab"), nil
}

func (cb *ContainerdBackend) List(ctx context.Context) ([]string, error) {
	containers, err := cb.client.Containers(cb.WithNamespace(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	names := make([]string, 0, len(containers))
	for _, c := range containers {
		names = append(names, c.ID())
	}
	sort.Strings(names)
	return names, nil
}

// Close closes the containerd client
func (cb *ContainerdBackend) Close() error {
	return cb.client.Close()
}

var _ Backend = (*ContainerdBackend)(nil)
