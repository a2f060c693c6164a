package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CgroupManager reads and writes cgroup v2 interface files of containers
// placed under a common parent.
type CgroupManager struct {
	cgroupRoot string
}

// NewCgroupManager creates a new cgroup manager
func NewCgroupManager(cgroupRoot string) *CgroupManager {
	if cgroupRoot == "" {
		cgroupRoot = "/sys/fs/cgroup/locker"
	}

	return &CgroupManager{
		cgroupRoot: cgroupRoot,
	}
}

// Path returns the cgroup directory of a container
func (cm *CgroupManager) Path(name string) string {
	return filepath.Join(cm.cgroupRoot, name)
}

// RelativePath returns the container cgroup relative to the cgroup2 mount
// at mountpoint, in the form the OCI runtime expects.
func (cm *CgroupManager) RelativePath(mountpoint, name string) string {
	rel, err := filepath.Rel(mountpoint, cm.Path(name))
	if err != nil || strings.HasPrefix(rel, "..") {
		return "/" + filepath.Join("locker", name)
	}
	return "/" + rel
}

func (cm *CgroupManager) file(name, key string) (string, error) {
	if key == "" || strings.ContainsRune(key, '/') || strings.HasPrefix(key, ".") {
		return "", fmt.Errorf("invalid cgroup key %q", key)
	}
	return filepath.Join(cm.Path(name), key), nil
}

// Get reads a cgroup interface file such as memory.max
func (cm *CgroupManager) Get(name, key string) (string, error) {
	path, err := cm.file(name, key)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Set writes a cgroup interface file
func (cm *CgroupManager) Set(name, key, value string) error {
	path, err := cm.file(name, key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Apply writes every setting, stopping at the first failure
func (cm *CgroupManager) Apply(name string, settings map[string]string) error {
	for key, value := range settings {
		if err := cm.Set(name, key, value); err != nil {
			return err
		}
	}
	return nil
}
