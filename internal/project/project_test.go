package project

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/moltbunker/locker/internal/container"
	"github.com/moltbunker/locker/internal/firewall"
	"github.com/moltbunker/locker/internal/metrics"
	"github.com/moltbunker/locker/internal/networking"
	"github.com/moltbunker/locker/internal/runtime"
	"github.com/moltbunker/locker/pkg/types"
	"github.com/moltbunker/locker/tests/mocks"
)

type fixture struct {
	ctx       context.Context
	backend   *mocks.MockBackend
	host      *mocks.MockHostNetwork
	table     *firewall.MemoryTable
	fw        *firewall.Reconciler
	metrics   *metrics.Collector
	hostsFile string
	project   *Project
}

func descriptor() *types.Descriptor {
	return &types.Descriptor{
		Containers: map[string]types.ContainerSpec{
			"web": {
				Template: map[string]string{"name": "alpine"},
				FQDN:     "web.example.net",
				Ports:    []string{"8080:80"},
				Links:    []string{"db"},
			},
			"db": {
				Template: map[string]string{"name": "alpine"},
				Cgroup:   []string{"memory.limit_in_bytes=256M"},
			},
		},
	}
}

func newFixture(t *testing.T, desc *types.Descriptor, selection ...string) *fixture {
	t.Helper()
	f := &fixture{
		ctx:       context.Background(),
		backend:   mocks.NewMockBackend(t.TempDir()),
		host:      mocks.NewMockHostNetwork(),
		table:     firewall.NewMemoryTable(),
		metrics:   metrics.NewCollector(),
		hostsFile: filepath.Join(t.TempDir(), "hosts"),
	}
	f.fw = firewall.NewReconciler(f.table)
	f.fw.SetObserver(f.metrics)
	if err := os.WriteFile(f.hostsFile, []byte("127.0.0.1\tlocalhost\n"), 0644); err != nil {
		t.Fatal(err)
	}
	p, err := New(Config{
		Name:       "demo",
		Descriptor: desc,
		Selection:  selection,
		Backend:    f.backend,
		Host:       f.host,
		Firewall:   f.fw,
		Confirm:    mocks.NewMockConfirmer(true),
		Recorder:   f.metrics,
		Options: Options{
			Options: container.Options{
				DontAsk:        true,
				StopTimeout:    time.Second,
				AddressRetries: 3,
			},
			AddHosts:  true,
			HostsFile: f.hostsFile,
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.project = p
	return f
}

func (f *fixture) run(t *testing.T, op func(context.Context) (*Report, error)) *Report {
	t.Helper()
	report, err := op(f.ctx)
	if err != nil {
		t.Fatalf("operation error = %v", err)
	}
	if failed := report.Failed(); len(failed) > 0 {
		t.Fatalf("%s failed for %v: %v", report.Operation, failed, report.Err())
	}
	return report
}

func (f *fixture) state(t *testing.T, name string) runtime.State {
	t.Helper()
	st, err := f.project.Container(name).State(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func (f *fixture) tagged(t *testing.T, tag string) bool {
	t.Helper()
	found, err := f.fw.HasTagged(tag)
	if err != nil {
		t.Fatal(err)
	}
	return found
}

// masquerading reports whether the bridge NAT rule is installed.
func (f *fixture) masquerading() bool {
	for _, r := range f.table.Committed(firewall.ChainPostrouting) {
		if r.Comment == "locker_demo" {
			return true
		}
	}
	return false
}

func TestNewSortsAndColors(t *testing.T) {
	f := newFixture(t, descriptor())
	var names, colors []string
	for _, c := range f.project.Containers() {
		names = append(names, c.ShortName())
		colors = append(colors, c.Color())
	}
	if !reflect.DeepEqual(names, []string{"db", "web"}) {
		t.Errorf("containers = %v", names)
	}
	if !reflect.DeepEqual(colors, palette[:2]) {
		t.Errorf("colors = %v", colors)
	}
	if f.project.Bridge().Exists() {
		t.Error("bridge created before start")
	}
}

func TestNewSelection(t *testing.T) {
	f := newFixture(t, descriptor(), "web")
	if sel := f.project.Selected(); len(sel) != 1 || sel[0].ShortName() != "web" {
		t.Errorf("Selected() = %v", sel)
	}

	_, err := New(Config{
		Name:       "demo",
		Descriptor: descriptor(),
		Selection:  []string{"nope"},
		Host:       mocks.NewMockHostNetwork(),
		Firewall:   firewall.NewReconciler(firewall.NewMemoryTable()),
	})
	if !errors.Is(err, ErrUnknownContainer) {
		t.Errorf("New(unknown selection) error = %v, want ErrUnknownContainer", err)
	}

	bad := &types.Descriptor{Containers: map[string]types.ContainerSpec{"web_1": {}}}
	_, err = New(Config{Name: "demo", Descriptor: bad, Host: mocks.NewMockHostNetwork(), Firewall: f.fw})
	if !errors.Is(err, container.ErrInvalidSpec) {
		t.Errorf("New(invalid name) error = %v, want ErrInvalidSpec", err)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, descriptor())

	report := f.run(t, f.project.Create)
	if !reflect.DeepEqual(report.Performed(), []string{"db", "web"}) {
		t.Errorf("create performed = %v", report.Performed())
	}

	report = f.run(t, f.project.Start)
	if !reflect.DeepEqual(report.Performed(), []string{"db", "web"}) {
		t.Errorf("start performed = %v", report.Performed())
	}
	if !f.host.HasLink("locker_demo") {
		t.Error("bridge not created")
	}
	for _, name := range []string{"db", "web"} {
		if st := f.state(t, name); st != runtime.StateRunning {
			t.Errorf("%s state = %s", name, st)
		}
	}
	if !f.tagged(t, "demo_web") || f.tagged(t, "demo_db") {
		t.Error("port rules not installed for web only")
	}
	if !f.tagged(t, firewall.LinkTag("demo_web")) {
		t.Error("link rules not installed for web")
	}
	if v, _ := f.backend.ConfigItem(f.ctx, "demo_db", runtime.CgroupKeyPrefix+"memory.limit_in_bytes"); v != "256M" {
		t.Errorf("db cgroup config = %q", v)
	}

	webHosts, err := os.ReadFile(filepath.Join(f.backend.Root(), "demo_web", "rootfs", "etc", "hosts"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(webHosts), "10.1.1.2\tdb\t# demo_db\n") {
		t.Errorf("web hosts = %q", webHosts)
	}
	hostHosts, _ := os.ReadFile(f.hostsFile)
	for _, row := range []string{"10.1.1.2\tdemo_db\t# demo_db\n", "10.1.1.3\tweb.example.net demo_web\t# demo_web\n"} {
		if !strings.Contains(string(hostHosts), row) {
			t.Errorf("host hosts = %q, want row %q", hostHosts, row)
		}
	}

	// Starting again changes nothing.
	report = f.run(t, f.project.Start)
	if !reflect.DeepEqual(report.Skipped(), []string{"db", "web"}) {
		t.Errorf("second start skipped = %v", report.Skipped())
	}

	f.run(t, f.project.Stop)
	for _, name := range []string{"db", "web"} {
		if st := f.state(t, name); st != runtime.StateStopped {
			t.Errorf("%s state = %s after stop", name, st)
		}
	}
	if f.tagged(t, "demo_web") || f.tagged(t, firewall.LinkTag("demo_web")) {
		t.Error("rules left after stop")
	}
	hostHosts, _ = os.ReadFile(f.hostsFile)
	if string(hostHosts) != "127.0.0.1\tlocalhost\n" {
		t.Errorf("host hosts after stop = %q", hostHosts)
	}

	snap, err := f.metrics.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if got := snap[`locker_operations_total{operation="start",outcome="performed"}`]; got != 2 {
		t.Errorf("start performed metric = %v", got)
	}
	if got := snap["locker_leases_total"]; got != 2 {
		t.Errorf("leases metric = %v", got)
	}
	if got := snap[`locker_firewall_rules_total{action="insert"}`]; got == 0 {
		t.Error("no inserted rules counted")
	}
}

func TestStartIsolatesFailures(t *testing.T) {
	f := newFixture(t, descriptor())
	f.run(t, f.project.Create)
	f.backend.Container("demo_db").IgnoreStart = true

	report, err := f.project.Start(f.ctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !reflect.DeepEqual(report.Failed(), []string{"db"}) || !reflect.DeepEqual(report.Performed(), []string{"web"}) {
		t.Errorf("report = %s", report)
	}
	if !errors.Is(report.Err(), container.ErrStartFailed) {
		t.Errorf("Err() = %v, want ErrStartFailed", report.Err())
	}
	if report.AllFailed() {
		t.Error("AllFailed() with one success")
	}
}

func TestFatalErrorAbortsBatch(t *testing.T) {
	f := newFixture(t, descriptor())
	f.run(t, f.project.Create)

	// Without a bridge no address can be leased.
	report, err := f.project.each(f.ctx, "start", f.project.Containers(), f.project.startOne)
	if !errors.Is(err, networking.ErrBridgeUnavailable) {
		t.Fatalf("each() error = %v, want ErrBridgeUnavailable", err)
	}
	if len(report.Results) != 1 || report.Results[0].Container != "db" {
		t.Errorf("results = %+v, want only db attempted", report.Results)
	}
	if st := f.state(t, "web"); st != runtime.StateStopped {
		t.Errorf("web state = %s", st)
	}
}

func TestRemoveDropsRules(t *testing.T) {
	f := newFixture(t, descriptor())
	f.run(t, f.project.Create)
	f.run(t, f.project.Start)

	report := f.run(t, f.project.Remove)
	if !reflect.DeepEqual(report.Performed(), []string{"db", "web"}) {
		t.Errorf("remove performed = %v", report.Performed())
	}
	for _, name := range []string{"demo_db", "demo_web"} {
		if f.backend.Container(name) != nil {
			t.Errorf("%s still defined", name)
		}
	}
	if f.tagged(t, "demo_web") || f.tagged(t, firewall.LinkTag("demo_web")) {
		t.Error("rules left after remove")
	}
	// The bridge outlives its containers.
	if !f.masquerading() {
		t.Error("bridge rules removed")
	}
}

func TestPortsAndLinksCommands(t *testing.T) {
	desc := descriptor()
	desc.Containers["web"] = types.ContainerSpec{
		Template: map[string]string{"name": "alpine"},
		Ports:    []string{"8080:80"},
		Links:    []string{"db"},
	}
	f := newFixture(t, desc)
	f.project.opts.NoPorts = true
	f.project.opts.NoLinks = true
	f.run(t, f.project.Create)
	f.run(t, f.project.Start)
	if f.tagged(t, "demo_web") || f.tagged(t, firewall.LinkTag("demo_web")) {
		t.Fatal("rules installed despite --no-ports and --no-links")
	}

	report := f.run(t, f.project.Ports)
	if !reflect.DeepEqual(report.Performed(), []string{"web"}) {
		t.Errorf("ports performed = %v", report.Performed())
	}
	report = f.run(t, f.project.Links)
	if !reflect.DeepEqual(report.Performed(), []string{"web"}) {
		t.Errorf("links performed = %v", report.Performed())
	}
	if !f.tagged(t, "demo_web") || !f.tagged(t, firewall.LinkTag("demo_web")) {
		t.Error("rules missing after ports and links")
	}

	f.run(t, f.project.RmPorts)
	f.run(t, f.project.RmLinks)
	if f.tagged(t, "demo_web") || f.tagged(t, firewall.LinkTag("demo_web")) {
		t.Error("rules left after rmports and rmlinks")
	}

	report = f.run(t, f.project.Cgroup)
	if !reflect.DeepEqual(report.Performed(), []string{"db"}) {
		t.Errorf("cgroup performed = %v", report.Performed())
	}
	if v, _ := f.backend.CgroupItem(f.ctx, "demo_db", "memory.limit_in_bytes"); v != "256M" {
		t.Errorf("live cgroup value = %q", v)
	}
}

func TestStatus(t *testing.T) {
	desc := descriptor()
	desc.Containers["cache"] = types.ContainerSpec{Template: map[string]string{"name": "alpine"}}
	f := newFixture(t, desc, "db", "web", "cache")
	if _, err := f.project.each(f.ctx, "create", f.project.all[1:], method((*container.Container).Create)); err != nil {
		t.Fatal(err)
	}
	f.project.selected = f.project.all[1:]
	f.run(t, f.project.Start)
	f.project.selected = f.project.all

	statuses, err := f.project.Status(f.ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(statuses) != 3 {
		t.Fatalf("got %d statuses", len(statuses))
	}
	cache, db, web := statuses[0], statuses[1], statuses[2]
	if cache.Name != "cache" || cache.Defined {
		t.Errorf("cache = %+v", cache)
	}
	if !db.Defined || db.State != runtime.StateRunning || len(db.Ports) != 0 || len(db.Links) != 0 {
		t.Errorf("db = %+v", db)
	}
	if web.Qualified != "demo_web" || web.FQDN != "web.example.net" || web.State != runtime.StateRunning {
		t.Errorf("web = %+v", web)
	}
	if len(web.Addresses) != 1 || web.Addresses[0].String() != "10.1.1.3" {
		t.Errorf("web addresses = %v", web.Addresses)
	}
	if len(web.Ports) != 1 || web.Ports[0].HostPort != 8080 || web.Ports[0].ContainerPort != 80 {
		t.Errorf("web ports = %+v", web.Ports)
	}
	if !reflect.DeepEqual(web.Links, []string{"db"}) {
		t.Errorf("web links = %v", web.Links)
	}
}

func TestCleanup(t *testing.T) {
	f := newFixture(t, descriptor())
	f.run(t, f.project.Create)
	f.run(t, f.project.Start)

	web := f.backend.Container("demo_web")
	web.IgnoreStop, web.IgnoreForceStop = true, true
	if _, err := f.project.Cleanup(f.ctx); !errors.Is(err, ErrCleanupIncomplete) {
		t.Fatalf("Cleanup() error = %v, want ErrCleanupIncomplete", err)
	}
	if !f.host.HasLink("locker_demo") || !f.project.Bridge().Exists() {
		t.Error("bridge removed although a container still runs")
	}

	web.IgnoreStop, web.IgnoreForceStop = false, false
	if _, err := f.project.Cleanup(f.ctx); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if f.host.HasLink("locker_demo") {
		t.Error("bridge left after cleanup")
	}
	for _, tag := range []string{"demo_web", "demo_db", firewall.LinkTag("demo_web")} {
		if f.tagged(t, tag) {
			t.Errorf("rules tagged %s left after cleanup", tag)
		}
	}
	if f.masquerading() {
		t.Error("bridge NAT rule left after cleanup")
	}
}
