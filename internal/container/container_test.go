package container_test

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/moltbunker/locker/internal/container"
	"github.com/moltbunker/locker/internal/firewall"
	"github.com/moltbunker/locker/internal/networking"
	"github.com/moltbunker/locker/internal/runtime"
	"github.com/moltbunker/locker/pkg/types"
	"github.com/moltbunker/locker/tests/mocks"
)

type fixture struct {
	t          *testing.T
	ctx        context.Context
	backend    *mocks.MockBackend
	table      *firewall.MemoryTable
	fw         *firewall.Reconciler
	bridge     *networking.Bridge
	confirm    *mocks.MockConfirmer
	env        *container.Env
	containers map[string]*container.Container
}

func newFixture(t *testing.T, specs map[string]types.ContainerSpec) *fixture {
	t.Helper()
	f := &fixture{
		t:          t,
		ctx:        context.Background(),
		backend:    mocks.NewMockBackend(t.TempDir()),
		table:      firewall.NewMemoryTable(),
		confirm:    mocks.NewMockConfirmer(true),
		containers: make(map[string]*container.Container),
	}
	f.fw = firewall.NewReconciler(f.table)

	bridge, err := networking.NewBridge("demo", mocks.NewMockHostNetwork(), f.fw, networking.BridgeOptions{
		InUse: f.inUse,
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := bridge.Start(); err != nil {
		t.Fatalf("bridge.Start() error = %v", err)
	}
	f.bridge = bridge

	f.env = &container.Env{
		Project:  "demo",
		Backend:  f.backend,
		Network:  bridge,
		Firewall: f.fw,
		Confirm:  f.confirm,
		Options: container.Options{
			StopTimeout:    time.Second,
			AddressRetries: 3,
		},
		Peer: func(name string) *container.Container { return f.containers[name] },
	}
	for name, spec := range specs {
		c, err := container.New(name, spec, f.env, "")
		if err != nil {
			t.Fatalf("New(%s) error = %v", name, err)
		}
		f.containers[name] = c
	}
	return f
}

func (f *fixture) inUse(ctx context.Context) ([]netip.Addr, error) {
	names, err := f.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []netip.Addr
	for _, name := range names {
		addrs, err := f.backend.AssignedAddresses(ctx, name, runtime.FamilyIPv4)
		if err != nil {
			return nil, err
		}
		out = append(out, addrs...)
	}
	return out, nil
}

func (f *fixture) get(name string) *container.Container {
	c, ok := f.containers[name]
	if !ok {
		f.t.Fatalf("no container %s", name)
	}
	return c
}

// mustRun runs op and fails the test on error or an unexpected outcome.
func (f *fixture) mustRun(op string, want types.Outcome, fn func(context.Context) (types.Outcome, error)) {
	f.t.Helper()
	got, err := fn(f.ctx)
	if err != nil {
		f.t.Fatalf("%s error = %v", op, err)
	}
	if got != want {
		f.t.Fatalf("%s outcome = %v, want %v", op, got, want)
	}
}

func (f *fixture) rootfs(name, rel string) string {
	return filepath.Join(f.backend.Root(), "demo_"+name, "rootfs", rel)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func template(name string) map[string]string {
	return map[string]string{"name": name}
}

func TestNewRejectsInvalidName(t *testing.T) {
	f := newFixture(t, nil)
	for _, name := range []string{"", "1web", "web_1", "web-1"} {
		if _, err := container.New(name, types.ContainerSpec{}, f.env, ""); !errors.Is(err, container.ErrInvalidSpec) {
			t.Errorf("New(%q) error = %v, want ErrInvalidSpec", name, err)
		}
	}
}

func TestCreateThenRemove(t *testing.T) {
	f := newFixture(t, map[string]types.ContainerSpec{
		"web": {Template: template("alpine")},
		"db":  {Download: map[string]string{"dist": "debian", "release": "bookworm", "arch": "amd64"}},
	})

	for _, name := range []string{"web", "db"} {
		c := f.get(name)
		f.mustRun("Create", types.Performed, c.Create)
		f.mustRun("Create again", types.Skipped, c.Create)
		if state, _ := c.State(f.ctx); state != runtime.StateStopped {
			t.Errorf("%s state = %q after create", name, state)
		}
	}
	if src := f.backend.Container("demo_db").Source; src.Kind != types.SourceDownload || src.Args["dist"] != "debian" {
		t.Errorf("download source = %+v", src)
	}

	for _, name := range []string{"web", "db"} {
		c := f.get(name)
		f.mustRun("Remove", types.Performed, c.Remove)
		f.mustRun("Remove again", types.Skipped, c.Remove)
		if state, _ := c.State(f.ctx); state != runtime.StateUndefined {
			t.Errorf("%s state = %q after remove", name, state)
		}
	}
	if got := f.confirm.Questions(); len(got) != 2 || got[0] != "Delete web?" {
		t.Errorf("questions = %v", got)
	}
}

func TestCreateInvalidSource(t *testing.T) {
	tests := []struct {
		name string
		spec types.ContainerSpec
	}{
		{name: "none", spec: types.ContainerSpec{}},
		{name: "two sources", spec: types.ContainerSpec{Template: template("alpine"), Clone: "base"}},
		{name: "template without name", spec: types.ContainerSpec{Template: map[string]string{"release": "3"}}},
		{name: "incomplete download", spec: types.ContainerSpec{Download: map[string]string{"dist": "debian"}}},
		{name: "missing clone source", spec: types.ContainerSpec{Clone: "nowhere"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, map[string]types.ContainerSpec{"web": tt.spec})
			_, err := f.get("web").Create(f.ctx)
			if !errors.Is(err, container.ErrInvalidSpec) {
				t.Fatalf("Create() error = %v, want ErrInvalidSpec", err)
			}
			var opErr *container.OpError
			if !errors.As(err, &opErr) || opErr.Op != "create" || opErr.Container != "demo_web" {
				t.Errorf("error = %#v", err)
			}
			if f.backend.CallCount("Create") != 0 {
				t.Error("backend Create called for invalid spec")
			}
		})
	}
}

func TestCreateClone(t *testing.T) {
	tests := []struct {
		name       string
		clone      string
		define     string
		wantSource string
	}{
		{name: "verbatim", clone: "golden", define: "golden", wantSource: "golden"},
		{name: "project container", clone: "base", define: "demo_base", wantSource: "demo_base"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, map[string]types.ContainerSpec{"web": {Clone: tt.clone}})
			origin := f.backend.Define(tt.define)
			origin.Config["lxc.arch"] = "linux64"

			f.mustRun("Create", types.Performed, f.get("web").Create)
			calls := f.backend.GetCalls()
			var cloned bool
			for _, call := range calls {
				if call.Method == "CloneFrom" && call.Args[0] == tt.wantSource && call.Args[1] == "demo_web" {
					cloned = true
				}
			}
			if !cloned {
				t.Errorf("no CloneFrom(%s, demo_web) in %v", tt.wantSource, calls)
			}
			if got := f.backend.Container("demo_web").Config["lxc.arch"]; got != "linux64" {
				t.Errorf("cloned config lxc.arch = %q", got)
			}
		})
	}
}

func TestCreateFailure(t *testing.T) {
	f := newFixture(t, map[string]types.ContainerSpec{"web": {Template: template("alpine")}})
	f.backend.SetError("Create", errors.New("template failed"))

	outcome, err := f.get("web").Create(f.ctx)
	if !errors.Is(err, container.ErrCreationFailed) {
		t.Fatalf("Create() error = %v, want ErrCreationFailed", err)
	}
	if outcome != types.Skipped {
		t.Errorf("outcome = %v", outcome)
	}
}

func TestStartWebScenario(t *testing.T) {
	f := newFixture(t, map[string]types.ContainerSpec{
		"web": {Template: template("alpine"), Ports: []string{"8080:80"}, FQDN: "web.example.net"},
	})
	web := f.get("web")
	f.mustRun("Create", types.Performed, web.Create)
	f.mustRun("Start", types.Performed, web.Start)
	f.mustRun("Ports", types.Performed, func(ctx context.Context) (types.Outcome, error) { return web.Ports(ctx, true) })

	if state, _ := web.State(f.ctx); state != runtime.StateRunning {
		t.Fatalf("state = %q, want RUNNING", state)
	}

	subnet, _ := f.bridge.Subnet()
	addrs, err := web.Addresses(f.ctx)
	if err != nil || len(addrs) != 1 || !subnet.Contains(addrs[0]) {
		t.Fatalf("Addresses() = %v, %v; want one address in %s", addrs, err, subnet)
	}
	lease := addrs[0]

	cfg := f.backend.Container("demo_web").Config
	want := map[string]string{
		runtime.KeyNetLink:        "locker_demo",
		runtime.KeyNetVethPair:    "demo_web",
		runtime.KeyNetIPv4Address: lease.String() + "/24",
		runtime.KeyNetIPv4Gateway: "10.1.1.1",
	}
	for key, value := range want {
		if cfg[key] != value {
			t.Errorf("config %s = %q, want %q", key, cfg[key], value)
		}
	}

	dnat := f.table.Committed(firewall.ChainLockerPrerouting)
	if len(dnat) != 1 {
		t.Fatalf("got %d DNAT rules, want 1", len(dnat))
	}
	if r := dnat[0]; r.Comment != "demo_web" || r.Action != firewall.ActionDNAT || r.Protocol != "tcp" ||
		r.DestPort != 8080 || r.ToAddr != lease || r.ToPort != 80 {
		t.Errorf("DNAT rule = %+v", r)
	}
	forward := f.table.Committed(firewall.ChainLockerForward)
	if len(forward) != 1 || forward[0].Comment != "demo_web" || forward[0].Action != firewall.ActionAccept {
		t.Errorf("FORWARD rules = %+v", forward)
	}

	if got := readFile(t, f.rootfs("web", "etc/hostname")); got != "web\n" {
		t.Errorf("hostname = %q", got)
	}
	if got := readFile(t, f.rootfs("web", "etc/hosts")); !strings.Contains(got, "127.0.1.1\tweb.example.net web\n") {
		t.Errorf("hosts = %q", got)
	}

	// Retried port installation leaves exactly one pair.
	f.mustRun("Ports again", types.Skipped, func(ctx context.Context) (types.Outcome, error) { return web.Ports(ctx, false) })
	if n := len(f.table.Committed(firewall.ChainLockerPrerouting)); n != 1 {
		t.Errorf("got %d DNAT rules after retry", n)
	}

	f.mustRun("RmPorts", types.Performed, web.RmPorts)
	if found, _ := f.fw.HasTagged("demo_web"); found {
		t.Error("rules still tagged after RmPorts")
	}
	f.mustRun("RmPorts again", types.Skipped, web.RmPorts)
}

func TestStartGuards(t *testing.T) {
	f := newFixture(t, map[string]types.ContainerSpec{"web": {Template: template("alpine")}})
	web := f.get("web")

	f.mustRun("Start undefined", types.Skipped, web.Start)
	f.mustRun("Create", types.Performed, web.Create)
	f.mustRun("Start", types.Performed, web.Start)
	f.mustRun("Start running", types.Skipped, web.Start)
	if n := f.backend.CallCount("Stop"); n != 0 {
		t.Errorf("Stop called %d times without restart", n)
	}

	f.env.Options.Restart = true
	f.mustRun("Restart", types.Performed, web.Start)
	if n := f.backend.CallCount("Stop"); n != 1 {
		t.Errorf("Stop called %d times on restart, want 1", n)
	}
	addrs, _ := web.Addresses(f.ctx)
	if len(addrs) != 1 || addrs[0] != netip.MustParseAddr("10.1.1.2") {
		t.Errorf("address after restart = %v, want the previous lease", addrs)
	}
}

func TestStartFailed(t *testing.T) {
	f := newFixture(t, map[string]types.ContainerSpec{"web": {Template: template("alpine")}})
	web := f.get("web")
	f.mustRun("Create", types.Performed, web.Create)
	f.backend.Container("demo_web").IgnoreStart = true

	_, err := web.Start(f.ctx)
	if !errors.Is(err, container.ErrStartFailed) {
		t.Fatalf("Start() error = %v, want ErrStartFailed", err)
	}
}

func TestStartWritesMountTableAndResolvers(t *testing.T) {
	hostDir := t.TempDir()
	f := newFixture(t, map[string]types.ContainerSpec{
		"web": {
			Template: template("alpine"),
			Volumes:  []string{hostDir + "/$project/www:/var/www/", "broken", hostDir + "/logs:/var/log/$name"},
			DNS:      []string{"$bridge", "8.8.8.8", "$copy", "bogus", "8.8.8.8"},
		},
	})
	f.env.Defaults.DNS = []string{"1.1.1.1", "$bridge"}
	f.env.Options.NoCopyOnCreate = true
	f.env.HostNameservers = func() ([]netip.Addr, error) {
		return []netip.Addr{netip.MustParseAddr("9.9.9.9"), netip.MustParseAddr("8.8.8.8")}, nil
	}

	web := f.get("web")
	f.mustRun("Create", types.Performed, web.Create)
	if err := os.WriteFile(f.rootfs("web", "etc/resolv.conf"), []byte("nameserver 127.0.0.53\n"), 0644); err != nil {
		t.Fatal(err)
	}
	f.mustRun("Start", types.Performed, web.Start)

	wantTable := fmt.Sprintf("%s/demo/www var/www none bind 0 0\n%s/logs var/log/demo_web none bind 0 0\n", hostDir, hostDir)
	if got := readFile(t, filepath.Join(f.backend.Root(), "demo_web", "fstab")); got != wantTable {
		t.Errorf("mount table = %q, want %q", got, wantTable)
	}

	wantResolv := "nameserver 10.1.1.1\nnameserver 8.8.8.8\nnameserver 9.9.9.9\nnameserver 1.1.1.1\n\n"
	if got := readFile(t, f.rootfs("web", "etc/resolv.conf")); got != wantResolv {
		t.Errorf("resolv.conf = %q, want %q", got, wantResolv)
	}
	if _, err := os.Stat(f.rootfs("web", "etc/resolvconf/resolv.conf.d/base")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("resolvconf base was created: %v", err)
	}
	if _, err := os.Stat(f.rootfs("web", "etc/hostname")); !errors.Is(err, os.ErrNotExist) {
		t.Error("hostname written without fqdn")
	}
}

func TestStopForcesWhenShutdownFails(t *testing.T) {
	f := newFixture(t, map[string]types.ContainerSpec{"web": {Template: template("alpine")}})
	web := f.get("web")
	f.mustRun("Stop undefined", types.Skipped, web.Stop)
	f.mustRun("Create", types.Performed, web.Create)
	f.mustRun("Stop stopped", types.Skipped, web.Stop)
	f.mustRun("Start", types.Performed, web.Start)

	mc := f.backend.Container("demo_web")
	mc.IgnoreStop = true
	f.mustRun("Stop", types.Performed, web.Stop)
	if f.backend.CallCount("ForceStop") != 1 {
		t.Errorf("ForceStop called %d times, want 1", f.backend.CallCount("ForceStop"))
	}

	f.mustRun("Start", types.Performed, web.Start)
	mc.IgnoreForceStop = true
	if _, err := web.Stop(f.ctx); !errors.Is(err, container.ErrStopFailed) {
		t.Errorf("Stop() error = %v, want ErrStopFailed", err)
	}
}

func TestRemove(t *testing.T) {
	t.Run("declined", func(t *testing.T) {
		f := newFixture(t, map[string]types.ContainerSpec{"web": {Template: template("alpine")}})
		f.confirm = mocks.NewMockConfirmer(false)
		f.env.Confirm = f.confirm
		web := f.get("web")
		f.mustRun("Create", types.Performed, web.Create)
		f.mustRun("Remove", types.Skipped, web.Remove)
		if defined, _ := web.IsDefined(f.ctx); !defined {
			t.Error("declined removal destroyed the container")
		}
	})

	t.Run("without asking", func(t *testing.T) {
		f := newFixture(t, map[string]types.ContainerSpec{"web": {Template: template("alpine")}})
		f.env.Options.DontAsk = true
		web := f.get("web")
		f.mustRun("Create", types.Performed, web.Create)
		f.mustRun("Start", types.Performed, web.Start)
		f.mustRun("Remove", types.Performed, web.Remove)
		if len(f.confirm.Questions()) != 0 {
			t.Errorf("asked %v", f.confirm.Questions())
		}
		if f.backend.CallCount("Stop") != 1 {
			t.Error("running container not stopped before removal")
		}
	})

	t.Run("destroy fails", func(t *testing.T) {
		f := newFixture(t, map[string]types.ContainerSpec{"web": {Template: template("alpine")}})
		web := f.get("web")
		f.mustRun("Create", types.Performed, web.Create)
		f.backend.Container("demo_web").IgnoreDestroy = true
		if _, err := web.Remove(f.ctx); !errors.Is(err, container.ErrRemovalFailed) {
			t.Errorf("Remove() error = %v, want ErrRemovalFailed", err)
		}
	})
}

func TestPortDirectives(t *testing.T) {
	f := newFixture(t, map[string]types.ContainerSpec{
		"web": {
			Template: template("alpine"),
			Ports:    []string{"8000:8000", "8001:8001/udp", "192.168.2.1:8002:8002/tcp", "invalid"},
		},
	})
	web := f.get("web")
	f.mustRun("Create", types.Performed, web.Create)
	f.mustRun("Ports stopped", types.Skipped, func(ctx context.Context) (types.Outcome, error) { return web.Ports(ctx, false) })
	f.mustRun("Start", types.Performed, web.Start)
	f.backend.SetAddresses("demo_web", "10.1.1.2", "fd00::2")
	f.mustRun("Ports", types.Performed, func(ctx context.Context) (types.Outcome, error) { return web.Ports(ctx, false) })

	forwards, err := web.PortForwards()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"0.0.0.0:8000->8000/tcp",
		"0.0.0.0:8001->8001/udp",
		"192.168.2.1:8002->8002/tcp",
	}
	if len(forwards) != len(want) {
		t.Fatalf("PortForwards() = %v, want %v", forwards, want)
	}
	for i, pf := range forwards {
		if pf.String() != want[i] {
			t.Errorf("forward %d = %s, want %s", i, pf, want[i])
		}
		if pf.ContainerIP != netip.MustParseAddr("10.1.1.2") {
			t.Errorf("forward %d targets %s", i, pf.ContainerIP)
		}
	}
}

func TestPortsWaitsForAddress(t *testing.T) {
	tests := []struct {
		name    string
		delay   int
		retries int
		want    types.Outcome
	}{
		{name: "address appears", delay: 2, retries: 3, want: types.Performed},
		{name: "retries exhausted", delay: 5, retries: 1, want: types.Skipped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, map[string]types.ContainerSpec{"web": {Template: template("alpine"), Ports: []string{"80:80"}}})
			f.env.Options.AddressRetries = tt.retries
			web := f.get("web")
			f.mustRun("Create", types.Performed, web.Create)
			f.mustRun("Start", types.Performed, web.Start)
			f.backend.Container("demo_web").AddressDelay = tt.delay
			f.mustRun("Ports", tt.want, func(ctx context.Context) (types.Outcome, error) { return web.Ports(ctx, true) })
		})
	}
}

func TestPortsChainSetupFailure(t *testing.T) {
	f := newFixture(t, map[string]types.ContainerSpec{"web": {Template: template("alpine"), Ports: []string{"80:80"}}})
	web := f.get("web")
	f.mustRun("Create", types.Performed, web.Create)
	f.mustRun("Start", types.Performed, web.Start)

	f.env.Firewall = firewall.NewReconciler(failingTable{f.table})
	if _, err := web.Ports(f.ctx, true); !errors.Is(err, firewall.ErrChainSetup) {
		t.Errorf("Ports() error = %v, want ErrChainSetup", err)
	}
}

type failingTable struct{ *firewall.MemoryTable }

func (failingTable) EnsureChain(firewall.ChainRef) error { return errors.New("permission denied") }

func TestCgroup(t *testing.T) {
	f := newFixture(t, map[string]types.ContainerSpec{
		"web": {Template: template("alpine"), Cgroup: []string{"memory.limit_in_bytes=512M", "bad"}},
	})
	f.env.Defaults.Cgroup = []string{"memory.limit_in_bytes=1G", "cpu.shares=256"}
	web := f.get("web")

	f.mustRun("Cgroup undefined", types.Skipped, web.Cgroup)
	f.mustRun("Create", types.Performed, web.Create)
	f.mustRun("Cgroup stopped", types.Performed, web.Cgroup)

	mc := f.backend.Container("demo_web")
	if mc.Config["lxc.cgroup.memory.limit_in_bytes"] != "512M" || mc.Config["lxc.cgroup.cpu.shares"] != "256" {
		t.Errorf("config = %v", mc.Config)
	}
	if len(mc.Cgroups) != 0 {
		t.Errorf("live cgroups set on stopped container: %v", mc.Cgroups)
	}
	if v, err := web.CgroupItem(f.ctx, "memory.limit_in_bytes"); err != nil || v != "512M" {
		t.Errorf("CgroupItem() stopped = %q, %v", v, err)
	}

	f.mustRun("Start", types.Performed, web.Start)
	f.mustRun("Cgroup running", types.Performed, web.Cgroup)
	if mc.Cgroups["memory.limit_in_bytes"] != "512M" {
		t.Errorf("live cgroups = %v", mc.Cgroups)
	}
	mc.Cgroups["memory.limit_in_bytes"] = "536870912"
	if v, err := web.CgroupItem(f.ctx, "memory.limit_in_bytes"); err != nil || v != "536870912" {
		t.Errorf("CgroupItem() running = %q, %v", v, err)
	}
}
