package runtime

import (
	"fmt"
	"os"
	"os/exec"
	goruntime "runtime"

	"github.com/moltbunker/locker/internal/config"
)

// DetectBackend selects a backend based on preference and what the host
// provides.
//
//	preference="auto":
//	  LXC tools installed        → lxc
//	  containerd socket present  → containerd
//	preference=explicit name     → use as-is
func DetectBackend(preference, socketPath string) (string, error) {
	if preference != config.BackendAuto && preference != "" {
		return preference, nil
	}
	if goruntime.GOOS != "linux" {
		return "", fmt.Errorf("no container backend available on %s", goruntime.GOOS)
	}
	if IsLXCAvailable() {
		return config.BackendLXC, nil
	}
	if _, err := os.Stat(socketPath); err == nil {
		return config.BackendContainerd, nil
	}
	return "", fmt.Errorf("neither LXC tools nor a containerd socket at %s found", socketPath)
}

// IsLXCAvailable checks whether the LXC userspace tools are installed.
func IsLXCAvailable() bool {
	_, err := exec.LookPath("lxc-start")
	return err == nil
}

// New creates the backend selected by cfg.
func New(cfg config.RuntimeConfig) (Backend, error) {
	name, err := DetectBackend(cfg.Backend, cfg.ContainerdSocket)
	if err != nil {
		return nil, err
	}
	switch name {
	case config.BackendLXC:
		return NewLXCBackend(cfg.LXCPath, ExecRunner{}), nil
	case config.BackendContainerd:
		return NewContainerdBackend(cfg.ContainerdSocket, cfg.Namespace, cfg.StateDir, NewCgroupManager(cfg.CgroupRoot))
	}
	return nil, fmt.Errorf("unknown runtime backend: %s", name)
}
