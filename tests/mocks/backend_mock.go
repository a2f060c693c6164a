package mocks

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/moltbunker/locker/internal/runtime"
	"github.com/moltbunker/locker/pkg/types"
)

// MockContainer is the state of one container held by MockBackend
type MockContainer struct {
	Name      string
	State     runtime.State
	Source    types.Source
	Config    map[string]string
	Cgroups   map[string]string
	Addresses []netip.Addr

	// Behavior customization
	IgnoreStart     bool // Start succeeds but the container stays stopped
	IgnoreStop      bool // Stop succeeds but the container keeps running
	IgnoreForceStop bool
	IgnoreDestroy   bool
	AddressDelay    int // AssignedAddresses calls that return nothing after Start

	pending map[string]string
	polls   int
}

// MockBackend is an in-memory implementation of runtime.Backend. Root file
// systems and mount tables live under a caller supplied directory.
type MockBackend struct {
	recorder

	mu         sync.Mutex
	root       string
	containers map[string]*MockContainer

	// Error injection, keyed by method name
	errs map[string]error
}

// NewMockBackend creates a backend storing container files under root
func NewMockBackend(root string) *MockBackend {
	return &MockBackend{
		root:       root,
		containers: make(map[string]*MockContainer),
		errs:       make(map[string]error),
	}
}

// SetError makes method fail with err. A nil err clears the injection.
func (m *MockBackend) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, method)
		return
	}
	m.errs[method] = err
}

// Define registers a stopped container as if it had been created earlier
func (m *MockBackend) Define(name string) *MockContainer {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.define(name, types.Source{Kind: types.SourceTemplate, Template: "busybox"})
	if err != nil {
		panic(err)
	}
	return c
}

// Container returns the state of name, or nil when undefined
func (m *MockBackend) Container(name string) *MockContainer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.containers[name]
}

// SetAddresses overrides the addresses reported for a running container
func (m *MockBackend) SetAddresses(name string, addrs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.containers[name]
	c.Addresses = nil
	for _, a := range addrs {
		c.Addresses = append(c.Addresses, netip.MustParseAddr(a))
	}
}

// Root returns the directory holding container files
func (m *MockBackend) Root() string {
	return m.root
}

func (m *MockBackend) err(method string) error {
	return m.errs[method]
}

func (m *MockBackend) define(name string, src types.Source) (*MockContainer, error) {
	etc := filepath.Join(m.root, name, "rootfs", "etc")
	if err := os.MkdirAll(etc, 0755); err != nil {
		return nil, err
	}
	hosts := filepath.Join(etc, "hosts")
	if err := os.WriteFile(hosts, []byte("127.0.0.1\tlocalhost\n"), 0644); err != nil {
		return nil, err
	}
	c := &MockContainer{
		Name:    name,
		State:   runtime.StateStopped,
		Source:  src,
		Config:  make(map[string]string),
		Cgroups: make(map[string]string),
		pending: make(map[string]string),
	}
	m.containers[name] = c
	return c, nil
}

func (m *MockBackend) get(name string) (*MockContainer, error) {
	c, ok := m.containers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", runtime.ErrNotDefined, name)
	}
	return c, nil
}

func (m *MockBackend) IsDefined(ctx context.Context, name string) (bool, error) {
	m.recordCall("IsDefined", name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("IsDefined"); err != nil {
		return false, err
	}
	_, ok := m.containers[name]
	return ok, nil
}

func (m *MockBackend) IsRunning(ctx context.Context, name string) (bool, error) {
	state, err := m.State(ctx, name)
	if err != nil {
		return false, nil
	}
	return state == runtime.StateRunning, nil
}

func (m *MockBackend) State(ctx context.Context, name string) (runtime.State, error) {
	m.recordCall("State", name)
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(name)
	if err != nil {
		return runtime.StateUndefined, err
	}
	return c.State, nil
}

func (m *MockBackend) Create(ctx context.Context, name string, src types.Source) error {
	m.recordCall("Create", name, src)
	if src.Kind == types.SourceClone {
		return m.CloneFrom(ctx, src.Clone, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("Create"); err != nil {
		return err
	}
	if _, ok := m.containers[name]; ok {
		return fmt.Errorf("container %s already exists", name)
	}
	_, err := m.define(name, src)
	return err
}

func (m *MockBackend) CloneFrom(ctx context.Context, source, name string) error {
	m.recordCall("CloneFrom", source, name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("CloneFrom"); err != nil {
		return err
	}
	origin, err := m.get(source)
	if err != nil {
		return err
	}
	c, err := m.define(name, types.Source{Kind: types.SourceClone, Clone: source})
	if err != nil {
		return err
	}
	for k, v := range origin.Config {
		c.Config[k] = v
	}
	return nil
}

func (m *MockBackend) Destroy(ctx context.Context, name string) error {
	m.recordCall("Destroy", name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("Destroy"); err != nil {
		return err
	}
	c, err := m.get(name)
	if err != nil {
		return err
	}
	if c.IgnoreDestroy {
		return nil
	}
	if c.State == runtime.StateRunning {
		return fmt.Errorf("container %s is running", name)
	}
	delete(m.containers, name)
	return os.RemoveAll(filepath.Join(m.root, name))
}

func (m *MockBackend) Start(ctx context.Context, name string) error {
	m.recordCall("Start", name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("Start"); err != nil {
		return err
	}
	c, err := m.get(name)
	if err != nil {
		return err
	}
	if c.IgnoreStart {
		return nil
	}
	c.State = runtime.StateRunning
	c.polls = 0
	if prefix, err := netip.ParsePrefix(c.Config[runtime.KeyNetIPv4Address]); err == nil {
		c.Addresses = []netip.Addr{prefix.Addr()}
	}
	return nil
}

func (m *MockBackend) stop(name string, ignore func(*MockContainer) bool) error {
	c, err := m.get(name)
	if err != nil {
		return err
	}
	if ignore(c) {
		return nil
	}
	c.State = runtime.StateStopped
	c.Addresses = nil
	return nil
}

func (m *MockBackend) Stop(ctx context.Context, name string, timeout time.Duration) error {
	m.recordCall("Stop", name, timeout)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("Stop"); err != nil {
		return err
	}
	return m.stop(name, func(c *MockContainer) bool { return c.IgnoreStop })
}

func (m *MockBackend) ForceStop(ctx context.Context, name string) error {
	m.recordCall("ForceStop", name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("ForceStop"); err != nil {
		return err
	}
	return m.stop(name, func(c *MockContainer) bool { return c.IgnoreForceStop })
}

func (m *MockBackend) AssignedAddresses(ctx context.Context, name string, family runtime.Family) ([]netip.Addr, error) {
	m.recordCall("AssignedAddresses", name, family)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("AssignedAddresses"); err != nil {
		return nil, err
	}
	c, err := m.get(name)
	if err != nil {
		return nil, err
	}
	if c.State != runtime.StateRunning {
		return nil, nil
	}
	c.polls++
	if c.polls <= c.AddressDelay {
		return nil, nil
	}
	var out []netip.Addr
	for _, a := range c.Addresses {
		if family.Matches(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MockBackend) ConfigItem(ctx context.Context, name, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(name)
	if err != nil {
		return "", err
	}
	if v, ok := c.pending[key]; ok {
		return v, nil
	}
	return c.Config[key], nil
}

func (m *MockBackend) SetConfigItem(ctx context.Context, name, key, value string) error {
	m.recordCall("SetConfigItem", name, key, value)
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(name)
	if err != nil {
		return err
	}
	c.pending[key] = value
	return nil
}

func (m *MockBackend) SaveConfig(ctx context.Context, name string) error {
	m.recordCall("SaveConfig", name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("SaveConfig"); err != nil {
		return err
	}
	c, err := m.get(name)
	if err != nil {
		return err
	}
	for k, v := range c.pending {
		c.Config[k] = v
	}
	c.pending = make(map[string]string)
	return nil
}

func (m *MockBackend) CgroupItem(ctx context.Context, name, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(name)
	if err != nil {
		return "", err
	}
	if c.State != runtime.StateRunning {
		return "", fmt.Errorf("container %s is not running", name)
	}
	v, ok := c.Cgroups[key]
	if !ok {
		return "", fmt.Errorf("no cgroup item %s", key)
	}
	return v, nil
}

func (m *MockBackend) SetCgroupItem(ctx context.Context, name, key, value string) error {
	m.recordCall("SetCgroupItem", name, key, value)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("SetCgroupItem"); err != nil {
		return err
	}
	c, err := m.get(name)
	if err != nil {
		return err
	}
	if c.State != runtime.StateRunning {
		return fmt.Errorf("container %s is not running", name)
	}
	c.Cgroups[key] = value
	return nil
}

func (m *MockBackend) RootfsPath(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.get(name); err != nil {
		return "", err
	}
	return filepath.Join(m.root, name, "rootfs"), nil
}

func (m *MockBackend) MountTablePath(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.get(name); err != nil {
		return "", err
	}
	return filepath.Join(m.root, name, "fstab"), nil
}

func (m *MockBackend) List(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.containers))
	for name := range m.containers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MockBackend) Close() error {
	return nil
}

var _ runtime.Backend = (*MockBackend)(nil)
