package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/moltbunker/locker/internal/config"
	"github.com/moltbunker/locker/pkg/types"
)

// RecommendedFileDescriptors is the soft limit below which many parallel
// runtime calls start to fail.
const RecommendedFileDescriptors uint64 = 4096

// LXCTools are the userspace tools the LXC backend runs.
var LXCTools = []string{
	"lxc-create", "lxc-copy", "lxc-destroy", "lxc-start", "lxc-stop",
	"lxc-info", "lxc-cgroup", "lxc-ls",
}

// DefaultCheckers returns the checks for a host configured by cfg. The
// descriptor check is added when descriptor is set.
func DefaultCheckers(cfg *config.Config, descriptor string) []Checker {
	checkers := []Checker{
		NewPrivilegeChecker(),
		NewLXCToolsChecker(cfg.Runtime.Backend),
		NewContainerdSocketChecker(cfg.Runtime.Backend, cfg.Runtime.ContainerdSocket),
		NewForwardingChecker(""),
		NewFileDescriptorChecker(),
	}
	if cfg.Hosts.ExposeOnHost {
		checkers = append(checkers, NewHostsFileChecker(cfg.Hosts.HostsFile))
	}
	if descriptor != "" {
		checkers = append(checkers, NewDescriptorChecker(descriptor))
	}
	return checkers
}

func result(c Checker) CheckResult {
	return CheckResult{Name: c.Name(), Category: c.Category()}
}

// PrivilegeChecker checks that locker runs with root privileges, which
// the bridge, firewall and container backends need.
type PrivilegeChecker struct {
	geteuid func() int
}

func NewPrivilegeChecker() *PrivilegeChecker {
	return &PrivilegeChecker{geteuid: unix.Geteuid}
}

func (c *PrivilegeChecker) Name() string       { return "Privileges" }
func (c *PrivilegeChecker) Category() Category { return CategoryPermissions }

func (c *PrivilegeChecker) Check(ctx context.Context) CheckResult {
	r := result(c)
	if uid := c.geteuid(); uid != 0 {
		r.Status = StatusError
		r.Message = fmt.Sprintf("Privileges: running as uid %d", uid)
		r.Hint = "run locker as root"
		return r
	}
	r.Status = StatusOK
	r.Message = "Privileges: root"
	return r
}

// LXCToolsChecker checks that the LXC userspace tools are installed.
type LXCToolsChecker struct {
	backend  string
	lookPath func(string) (string, error)
}

func NewLXCToolsChecker(backend string) *LXCToolsChecker {
	return &LXCToolsChecker{backend: backend, lookPath: exec.LookPath}
}

func (c *LXCToolsChecker) Name() string       { return "LXC tools" }
func (c *LXCToolsChecker) Category() Category { return CategoryRuntime }

func (c *LXCToolsChecker) Check(ctx context.Context) CheckResult {
	r := result(c)
	if c.backend == config.BackendContainerd {
		r.Status = StatusSkipped
		r.Message = "LXC tools: not used by the containerd backend"
		return r
	}
	var missing []string
	for _, tool := range LXCTools {
		if _, err := c.lookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	switch {
	case len(missing) == 0:
		r.Status = StatusOK
		r.Message = "LXC tools: installed"
	case c.backend == config.BackendLXC:
		r.Status = StatusError
		r.Message = "LXC tools: missing " + strings.Join(missing, ", ")
		r.Hint = "install the lxc package"
	default:
		r.Status = StatusWarning
		r.Message = "LXC tools: missing " + strings.Join(missing, ", ")
		r.Details = "the containerd backend will be used if its socket is present"
	}
	return r
}

// ContainerdSocketChecker checks that the containerd socket exists.
type ContainerdSocketChecker struct {
	backend string
	socket  string
}

func NewContainerdSocketChecker(backend, socket string) *ContainerdSocketChecker {
	return &ContainerdSocketChecker{backend: backend, socket: socket}
}

func (c *ContainerdSocketChecker) Name() string       { return "containerd socket" }
func (c *ContainerdSocketChecker) Category() Category { return CategoryRuntime }

func (c *ContainerdSocketChecker) Check(ctx context.Context) CheckResult {
	r := result(c)
	if c.backend == config.BackendLXC {
		r.Status = StatusSkipped
		r.Message = "containerd socket: not used by the LXC backend"
		return r
	}
	info, err := os.Stat(c.socket)
	switch {
	case err == nil && info.Mode()&os.ModeSocket != 0:
		r.Status = StatusOK
		r.Message = "containerd socket: " + c.socket
	case err == nil:
		r.Status = StatusError
		r.Message = "containerd socket: " + c.socket + " is not a socket"
	case c.backend == config.BackendContainerd:
		r.Status = StatusError
		r.Message = "containerd socket: " + c.socket + " not found"
		r.Hint = "start containerd or set runtime.containerd_socket"
	default:
		r.Status = StatusWarning
		r.Message = "containerd socket: " + c.socket + " not found"
	}
	return r
}

// ForwardingChecker checks that the kernel forwards IPv4 packets, without
// which containers cannot reach the outside or be reached through port
// forwards.
type ForwardingChecker struct {
	path string
}

// NewForwardingChecker reads the sysctl at path, or the procfs default.
func NewForwardingChecker(path string) *ForwardingChecker {
	if path == "" {
		path = "/proc/sys/net/ipv4/ip_forward"
	}
	return &ForwardingChecker{path: path}
}

func (c *ForwardingChecker) Name() string       { return "IPv4 forwarding" }
func (c *ForwardingChecker) Category() Category { return CategorySystem }

func (c *ForwardingChecker) Check(ctx context.Context) CheckResult {
	r := result(c)
	data, err := os.ReadFile(c.path)
	if err != nil {
		r.Status = StatusWarning
		r.Message = "IPv4 forwarding: unable to check"
		r.Details = err.Error()
		return r
	}
	if strings.TrimSpace(string(data)) != "1" {
		r.Status = StatusError
		r.Message = "IPv4 forwarding: disabled"
		r.Hint = "sysctl -w net.ipv4.ip_forward=1"
		return r
	}
	r.Status = StatusOK
	r.Message = "IPv4 forwarding: enabled"
	return r
}

// FileDescriptorChecker checks the file descriptor soft limit
type FileDescriptorChecker struct {
	getrlimit func(resource int, rlim *unix.Rlimit) error
}

func NewFileDescriptorChecker() *FileDescriptorChecker {
	return &FileDescriptorChecker{getrlimit: unix.Getrlimit}
}

func (c *FileDescriptorChecker) Name() string       { return "File descriptors" }
func (c *FileDescriptorChecker) Category() Category { return CategorySystem }

func (c *FileDescriptorChecker) Check(ctx context.Context) CheckResult {
	r := result(c)

	var rLimit unix.Rlimit
	if err := c.getrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		r.Status = StatusWarning
		r.Message = "File descriptors: unable to check"
		r.Details = err.Error()
		return r
	}

	if rLimit.Cur >= RecommendedFileDescriptors {
		r.Status = StatusOK
		r.Message = fmt.Sprintf("File descriptors: %d (>= %d recommended)", rLimit.Cur, RecommendedFileDescriptors)
	} else {
		r.Status = StatusWarning
		r.Message = fmt.Sprintf("File descriptors: %d (>= %d recommended)", rLimit.Cur, RecommendedFileDescriptors)
		r.Hint = fmt.Sprintf("ulimit -n %d", RecommendedFileDescriptors)
	}
	return r
}

// HostsFileChecker checks that the host hosts file can be rewritten.
type HostsFileChecker struct {
	path string
}

func NewHostsFileChecker(path string) *HostsFileChecker {
	if path == "" {
		path = "/etc/hosts"
	}
	return &HostsFileChecker{path: path}
}

func (c *HostsFileChecker) Name() string       { return "Hosts file" }
func (c *HostsFileChecker) Category() Category { return CategoryConfig }

func (c *HostsFileChecker) Check(ctx context.Context) CheckResult {
	r := result(c)
	f, err := os.OpenFile(c.path, os.O_WRONLY, 0)
	if err != nil {
		r.Status = StatusError
		r.Message = "Hosts file: " + c.path + " is not writable"
		r.Details = err.Error()
		return r
	}
	f.Close()
	r.Status = StatusOK
	r.Message = "Hosts file: " + c.path + " is writable"
	return r
}

// DescriptorChecker checks that the project descriptor parses.
type DescriptorChecker struct {
	path string
}

func NewDescriptorChecker(path string) *DescriptorChecker {
	return &DescriptorChecker{path: path}
}

func (c *DescriptorChecker) Name() string       { return "Descriptor" }
func (c *DescriptorChecker) Category() Category { return CategoryConfig }

func (c *DescriptorChecker) Check(ctx context.Context) CheckResult {
	r := result(c)
	desc, err := types.LoadDescriptor(c.path)
	if err != nil {
		r.Status = StatusError
		if errors.Is(err, os.ErrNotExist) {
			r.Status = StatusSkipped
		}
		r.Message = "Descriptor: " + c.path
		r.Details = err.Error()
		return r
	}
	r.Status = StatusOK
	r.Message = fmt.Sprintf("Descriptor: %s (%d containers)", c.path, len(desc.Containers))
	return r
}
