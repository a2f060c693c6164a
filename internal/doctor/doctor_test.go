package doctor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/moltbunker/locker/internal/config"
)

type staticChecker struct {
	name     string
	category Category
	status   Status
}

func (c staticChecker) Name() string       { return c.name }
func (c staticChecker) Category() Category { return c.category }
func (c staticChecker) Check(ctx context.Context) CheckResult {
	return CheckResult{Name: c.name, Category: c.category, Status: c.status, Message: c.name}
}

func sampleCheckers() []Checker {
	return []Checker{
		staticChecker{"tools", CategoryRuntime, StatusOK},
		staticChecker{"socket", CategoryRuntime, StatusSkipped},
		staticChecker{"forwarding", CategorySystem, StatusError},
		staticChecker{"limits", CategorySystem, StatusWarning},
	}
}

func TestDoctorReport(t *testing.T) {
	var buf bytes.Buffer
	d := New(Options{}, &buf, false, sampleCheckers()...)

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Doctor.Run() failed: %v", err)
	}

	want := Summary{Total: 4, Passed: 1, Failed: 1, Warned: 1, Skipped: 1}
	if report.Summary != want {
		t.Errorf("Summary = %+v, want %+v", report.Summary, want)
	}
	if report.Summary.IsHealthy() {
		t.Error("report with a failure reported healthy")
	}
	out := buf.String()
	for _, s := range []string{"locker doctor (4 checks)", "Summary: 1 passed, 1 failed, 1 warnings, 1 skipped",
		"Failing: forwarding\n", "Review:  limits\n"} {
		if !strings.Contains(out, s) {
			t.Errorf("output lacks %q:\n%s", s, out)
		}
	}
}

func TestDoctorWithCategoryFilter(t *testing.T) {
	var buf bytes.Buffer
	d := New(Options{Category: CategoryRuntime}, &buf, false, sampleCheckers()...)

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Doctor.Run() failed: %v", err)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("got %d checks, want 2", len(report.Checks))
	}
	for _, check := range report.Checks {
		if check.Category != CategoryRuntime {
			t.Errorf("Expected category %s, got %s for check %s", CategoryRuntime, check.Category, check.Name)
		}
	}
}

func TestDoctorJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	d := New(Options{JSON: true}, &buf, true, sampleCheckers()...)

	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Doctor.Run() failed: %v", err)
	}
	var decoded Report
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if decoded.Summary.Total != 4 || decoded.Checks[2].Status != StatusError {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestDoctorCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := New(Options{}, &bytes.Buffer{}, false, sampleCheckers()...)
	if _, err := d.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestParseCategory(t *testing.T) {
	for _, name := range []string{"", "runtime", "system", "config", "permissions"} {
		if _, err := ParseCategory(name); err != nil {
			t.Errorf("ParseCategory(%q) error = %v", name, err)
		}
	}
	var invalid *InvalidCategoryError
	if _, err := ParseCategory("services"); !errors.As(err, &invalid) {
		t.Errorf("ParseCategory(services) error = %v", err)
	}
}

func TestSummaryIsHealthy(t *testing.T) {
	tests := []struct {
		name    string
		summary Summary
		want    bool
	}{
		{
			name:    "all passed",
			summary: Summary{Total: 5, Passed: 5, Failed: 0},
			want:    true,
		},
		{
			name:    "has failures",
			summary: Summary{Total: 5, Passed: 3, Failed: 2},
			want:    false,
		},
		{
			name:    "only warnings",
			summary: Summary{Total: 5, Passed: 3, Warned: 2},
			want:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.summary.IsHealthy(); got != tt.want {
				t.Errorf("Summary.IsHealthy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPrivilegeChecker(t *testing.T) {
	c := NewPrivilegeChecker()
	c.geteuid = func() int { return 1000 }
	if r := c.Check(context.Background()); r.Status != StatusError || r.Hint == "" {
		t.Errorf("non-root result = %+v", r)
	}
	c.geteuid = func() int { return 0 }
	if r := c.Check(context.Background()); r.Status != StatusOK {
		t.Errorf("root result = %+v", r)
	}
}

func TestLXCToolsChecker(t *testing.T) {
	missing := func(tool string) (string, error) {
		if tool == "lxc-copy" {
			return "", errors.New("not found")
		}
		return "/usr/bin/" + tool, nil
	}
	tests := []struct {
		backend  string
		lookPath func(string) (string, error)
		want     Status
	}{
		{config.BackendLXC, func(tool string) (string, error) { return "/usr/bin/" + tool, nil }, StatusOK},
		{config.BackendLXC, missing, StatusError},
		{config.BackendAuto, missing, StatusWarning},
		{config.BackendContainerd, missing, StatusSkipped},
	}
	for _, tt := range tests {
		t.Run(tt.backend+"/"+string(tt.want), func(t *testing.T) {
			c := NewLXCToolsChecker(tt.backend)
			c.lookPath = tt.lookPath
			r := c.Check(context.Background())
			if r.Status != tt.want {
				t.Errorf("Status = %s, want %s (%s)", r.Status, tt.want, r.Message)
			}
			if tt.want == StatusError && !strings.Contains(r.Message, "lxc-copy") {
				t.Errorf("Message = %q does not name the missing tool", r.Message)
			}
		})
	}
}

func TestContainerdSocketChecker(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "plain")
	if err := os.WriteFile(plain, nil, 0644); err != nil {
		t.Fatal(err)
	}
	sock := filepath.Join(dir, "c.sock")
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fd)
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: sock}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name, backend, socket string
		want                  Status
	}{
		{"socket", config.BackendContainerd, sock, StatusOK},
		{"regular file", config.BackendContainerd, plain, StatusError},
		{"missing explicit", config.BackendContainerd, filepath.Join(dir, "none"), StatusError},
		{"missing auto", config.BackendAuto, filepath.Join(dir, "none"), StatusWarning},
		{"lxc backend", config.BackendLXC, sock, StatusSkipped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewContainerdSocketChecker(tt.backend, tt.socket).Check(context.Background())
			if r.Status != tt.want {
				t.Errorf("Status = %s, want %s (%s)", r.Status, tt.want, r.Message)
			}
		})
	}
}

func TestForwardingChecker(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content *string
		want    Status
	}{
		{"enabled", ptr("1\n"), StatusOK},
		{"disabled", ptr("0\n"), StatusError},
		{"unreadable", nil, StatusWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name)
			if tt.content != nil {
				if err := os.WriteFile(path, []byte(*tt.content), 0644); err != nil {
					t.Fatal(err)
				}
			}
			if r := NewForwardingChecker(path).Check(context.Background()); r.Status != tt.want {
				t.Errorf("Status = %s, want %s", r.Status, tt.want)
			}
		})
	}
}

func ptr(s string) *string { return &s }

func TestFileDescriptorChecker(t *testing.T) {
	tests := []struct {
		name string
		cur  uint64
		err  error
		want Status
	}{
		{"plenty", 65536, nil, StatusOK},
		{"low", 1024, nil, StatusWarning},
		{"error", 0, errors.New("boom"), StatusWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewFileDescriptorChecker()
			c.getrlimit = func(resource int, rlim *unix.Rlimit) error {
				rlim.Cur = tt.cur
				return tt.err
			}
			if r := c.Check(context.Background()); r.Status != tt.want {
				t.Errorf("Status = %s, want %s (%s)", r.Status, tt.want, r.Message)
			}
		})
	}
}

func TestHostsFileChecker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	if r := NewHostsFileChecker(path).Check(context.Background()); r.Status != StatusError {
		t.Errorf("missing file status = %s", r.Status)
	}
	if err := os.WriteFile(path, []byte("127.0.0.1\tlocalhost\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if r := NewHostsFileChecker(path).Check(context.Background()); r.Status != StatusOK {
		t.Errorf("writable file status = %s (%s)", r.Status, r.Details)
	}
}

func TestDescriptorChecker(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yml")
	bad := filepath.Join(dir, "bad.yml")
	if err := os.WriteFile(good, []byte("containers:\n  web:\n    clone: base\n  db:\n    clone: base\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte("containers:\n  web:\n    image: nginx\n"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path string
		want Status
	}{
		{good, StatusOK},
		{bad, StatusError},
		{filepath.Join(dir, "missing.yml"), StatusSkipped},
	}
	for _, tt := range tests {
		t.Run(filepath.Base(tt.path), func(t *testing.T) {
			r := NewDescriptorChecker(tt.path).Check(context.Background())
			if r.Status != tt.want {
				t.Errorf("Status = %s, want %s (%s)", r.Status, tt.want, r.Details)
			}
		})
	}
	if r := NewDescriptorChecker(good).Check(context.Background()); !strings.Contains(r.Message, "2 containers") {
		t.Errorf("Message = %q", r.Message)
	}
}

func TestDefaultCheckers(t *testing.T) {
	cfg := config.DefaultConfig()
	if got := len(DefaultCheckers(cfg, "")); got != 5 {
		t.Errorf("DefaultCheckers() = %d checkers, want 5", got)
	}
	cfg.Hosts.ExposeOnHost = true
	if got := len(DefaultCheckers(cfg, "locker.yml")); got != 7 {
		t.Errorf("DefaultCheckers(hosts, descriptor) = %d checkers, want 7", got)
	}
}

func TestDoctorGroupsByCategory(t *testing.T) {
	var buf bytes.Buffer
	d := New(Options{}, &buf, false,
		staticChecker{"forwarding", CategorySystem, StatusOK},
		staticChecker{"descriptor", CategoryConfig, StatusOK},
		staticChecker{"tools", CategoryRuntime, StatusOK},
		staticChecker{"limits", CategorySystem, StatusOK},
		staticChecker{"privileges", CategoryPermissions, StatusOK},
	)

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Doctor.Run() failed: %v", err)
	}
	var names []string
	for _, c := range report.Checks {
		names = append(names, c.Name)
	}
	if got := strings.Join(names, ","); got != "privileges,tools,forwarding,limits,descriptor" {
		t.Errorf("check order = %s", got)
	}

	out := buf.String()
	if n := strings.Count(out, "Host system\n"); n != 1 {
		t.Errorf("system section printed %d times:\n%s", n, out)
	}
	last := -1
	for _, title := range []string{"Permissions", "Container backend", "Host system", "Configuration"} {
		i := strings.Index(out, "\n"+title+"\n")
		if i <= last {
			t.Fatalf("section %q out of order:\n%s", title, out)
		}
		last = i
	}
	if strings.Contains(out, "Failing:") {
		t.Errorf("healthy report lists failures:\n%s", out)
	}
}

func TestOutput(t *testing.T) {
	var buf bytes.Buffer
	out := NewOutput(&buf, false)

	out.CheckResult(CheckResult{Name: "forwarding", Category: CategorySystem, Status: StatusOK, Message: "enabled", Hint: "ignored"})
	got := buf.String()
	if !strings.HasPrefix(got, "\nHost system\n") || !strings.Contains(got, "✓ forwarding") || strings.Contains(got, "hint") {
		t.Errorf("CheckResult(ok) = %q", got)
	}

	buf.Reset()
	out.CheckResult(CheckResult{Name: "limits", Category: CategorySystem, Status: StatusError, Message: "too low", Hint: "ulimit -n 65536"})
	got = buf.String()
	if strings.Contains(got, "Host system") {
		t.Errorf("section repeated: %q", got)
	}
	if !strings.Contains(got, "✗ limits") || !strings.Contains(got, "hint: ulimit -n 65536") {
		t.Errorf("CheckResult(error) = %q", got)
	}

	buf.Reset()
	out.CheckResult(CheckResult{Name: "custom", Category: "network", Status: StatusSkipped})
	if !strings.HasPrefix(buf.String(), "\nnetwork\n") {
		t.Errorf("unknown category section = %q", buf.String())
	}
}
