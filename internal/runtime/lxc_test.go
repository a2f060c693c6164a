package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/moltbunker/locker/pkg/types"
)

// scriptedRunner records commands and answers from a table keyed by tool.
type scriptedRunner struct {
	mu      sync.Mutex
	calls   []string
	outputs map[string]string
	errs    map[string]error
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{outputs: make(map[string]string), errs: make(map[string]error)}
}

func (r *scriptedRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name+" "+strings.Join(args, " "))
	return []byte(r.outputs[name]), r.errs[name]
}

func (r *scriptedRunner) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return ""
	}
	return r.calls[len(r.calls)-1]
}

func newTestLXC(t *testing.T) (*LXCBackend, *scriptedRunner, string) {
	t.Helper()
	dir := t.TempDir()
	runner := newScriptedRunner()
	return NewLXCBackend(dir, runner), runner, dir
}

func defineContainer(t *testing.T, lxcPath, name, config string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(lxcPath, name), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(lxcPath, name, "config"), []byte(config), 0640); err != nil {
		t.Fatal(err)
	}
}

func TestLXCIsDefinedAndState(t *testing.T) {
	b, runner, dir := newTestLXC(t)
	ctx := context.Background()

	defined, err := b.IsDefined(ctx, "demo_web")
	if err != nil || defined {
		t.Fatalf("IsDefined() = %v, %v before creation", defined, err)
	}
	if _, err := b.State(ctx, "demo_web"); !errors.Is(err, ErrNotDefined) {
		t.Errorf("State() error = %v, want ErrNotDefined", err)
	}
	if running, err := b.IsRunning(ctx, "demo_web"); running || err != nil {
		t.Errorf("IsRunning() = %v, %v for undefined container", running, err)
	}

	defineContainer(t, dir, "demo_web", "lxc.uts.name = demo_web\n")
	runner.outputs["lxc-info"] = "RUNNING\n"
	state, err := b.State(ctx, "demo_web")
	if err != nil || state != StateRunning {
		t.Errorf("State() = %q, %v", state, err)
	}
	want := "lxc-info -n demo_web -P " + dir + " -s -H"
	if runner.last() != want {
		t.Errorf("ran %q, want %q", runner.last(), want)
	}
}

func TestLXCCreateCommands(t *testing.T) {
	tests := []struct {
		name string
		src  types.Source
		want string
	}{
		{
			name: "template",
			src:  types.Source{Kind: types.SourceTemplate, Template: "ubuntu", Args: map[string]string{"release": "jammy", "arch": "amd64"}},
			want: "lxc-create -n demo_web -P {dir} -t ubuntu -- --arch amd64 --release jammy",
		},
		{
			name: "template without args",
			src:  types.Source{Kind: types.SourceTemplate, Template: "busybox"},
			want: "lxc-create -n demo_web -P {dir} -t busybox",
		},
		{
			name: "download",
			src:  types.Source{Kind: types.SourceDownload, Template: "download", Args: map[string]string{"dist": "alpine", "release": "3.19", "arch": "amd64"}},
			want: "lxc-create -n demo_web -P {dir} -t download -- --arch amd64 --dist alpine --release 3.19",
		},
		{
			name: "clone",
			src:  types.Source{Kind: types.SourceClone, Clone: "demo_base"},
			want: "lxc-copy -n demo_base -P {dir} -N demo_web",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, runner, dir := newTestLXC(t)
			if err := b.Create(context.Background(), "demo_web", tt.src); err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			want := strings.ReplaceAll(tt.want, "{dir}", dir)
			if runner.last() != want {
				t.Errorf("ran %q, want %q", runner.last(), want)
			}
		})
	}
}

func TestLXCCommandErrors(t *testing.T) {
	b, runner, _ := newTestLXC(t)
	runner.errs["lxc-start"] = errors.New("exit status 1")
	if err := b.Start(context.Background(), "demo_web"); err == nil {
		t.Error("Start() succeeded despite tool failure")
	}
}

func TestLXCStopTimeout(t *testing.T) {
	b, runner, dir := newTestLXC(t)
	ctx := context.Background()
	if err := b.Stop(ctx, "demo_web", 30*time.Second); err != nil {
		t.Fatal(err)
	}
	if want := "lxc-stop -n demo_web -P " + dir + " -t 30"; runner.last() != want {
		t.Errorf("ran %q, want %q", runner.last(), want)
	}
	if err := b.ForceStop(ctx, "demo_web"); err != nil {
		t.Fatal(err)
	}
	if want := "lxc-stop -n demo_web -P " + dir + " -k"; runner.last() != want {
		t.Errorf("ran %q, want %q", runner.last(), want)
	}
}

func TestLXCAssignedAddresses(t *testing.T) {
	b, runner, _ := newTestLXC(t)
	runner.outputs["lxc-info"] = "10.1.0.2\nfd00::2\nnonsense\n10.1.0.9\n"

	v4, err := b.AssignedAddresses(context.Background(), "demo_web", FamilyIPv4)
	if err != nil {
		t.Fatal(err)
	}
	if len(v4) != 2 || v4[0].String() != "10.1.0.2" || v4[1].String() != "10.1.0.9" {
		t.Errorf("IPv4 addresses = %v", v4)
	}
	all, _ := b.AssignedAddresses(context.Background(), "demo_web", FamilyAll)
	if len(all) != 3 {
		t.Errorf("all addresses = %v", all)
	}
}

func TestLXCConfigItems(t *testing.T) {
	b, _, dir := newTestLXC(t)
	ctx := context.Background()
	defineContainer(t, dir, "demo_web", "lxc.rootfs.path = dir:/srv/lxc/demo_web/rootfs\nlxc.net.0.type = veth\n")

	if _, err := b.ConfigItem(ctx, "demo_other", KeyNetLink); !errors.Is(err, ErrNotDefined) {
		t.Errorf("ConfigItem() on undefined error = %v", err)
	}

	rootfs, err := b.RootfsPath(ctx, "demo_web")
	if err != nil || rootfs != "/srv/lxc/demo_web/rootfs" {
		t.Errorf("RootfsPath() = %q, %v", rootfs, err)
	}

	fstab, err := b.MountTablePath(ctx, "demo_web")
	if err != nil || fstab != filepath.Join(dir, "demo_web", "fstab") {
		t.Errorf("MountTablePath() = %q, %v", fstab, err)
	}

	if err := b.SetConfigItem(ctx, "demo_web", KeyNetLink, "locker_demo"); err != nil {
		t.Fatal(err)
	}
	if v, _ := b.ConfigItem(ctx, "demo_web", KeyNetLink); v != "locker_demo" {
		t.Errorf("ConfigItem() = %q before save", v)
	}
	if err := b.SaveConfig(ctx, "demo_web"); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(filepath.Join(dir, "demo_web", "config"))
	for _, line := range []string{"lxc.net.0.link = locker_demo", "lxc.mount.fstab = " + fstab, "lxc.net.0.type = veth"} {
		if !strings.Contains(string(data), line) {
			t.Errorf("saved config missing %q:\n%s", line, data)
		}
	}
}

func TestLXCRootfsDefault(t *testing.T) {
	b, _, dir := newTestLXC(t)
	defineContainer(t, dir, "demo_db", "lxc.uts.name = demo_db\n")
	rootfs, err := b.RootfsPath(context.Background(), "demo_db")
	if err != nil || rootfs != filepath.Join(dir, "demo_db", "rootfs") {
		t.Errorf("RootfsPath() = %q, %v", rootfs, err)
	}
}

func TestLXCCgroupItems(t *testing.T) {
	b, runner, dir := newTestLXC(t)
	ctx := context.Background()
	runner.outputs["lxc-cgroup"] = "536870912\n"

	v, err := b.CgroupItem(ctx, "demo_web", "memory.limit_in_bytes")
	if err != nil || v != "536870912" {
		t.Errorf("CgroupItem() = %q, %v", v, err)
	}
	if err := b.SetCgroupItem(ctx, "demo_web", "memory.limit_in_bytes", "1G"); err != nil {
		t.Fatal(err)
	}
	if want := "lxc-cgroup -n demo_web -P " + dir + " memory.limit_in_bytes 1G"; runner.last() != want {
		t.Errorf("ran %q, want %q", runner.last(), want)
	}
}

func TestLXCList(t *testing.T) {
	b, runner, _ := newTestLXC(t)
	runner.outputs["lxc-ls"] = "demo_web\ndemo_db\nother\n"
	names, err := b.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(names, ",") != "demo_db,demo_web,other" {
		t.Errorf("List() = %v", names)
	}
}
