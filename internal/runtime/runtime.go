// Package runtime adapts container engines to the operations locker needs
// to drive a container through its lifecycle.
package runtime

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/moltbunker/locker/pkg/types"
)

// ErrNotDefined is returned for operations on a container the backend does
// not know.
var ErrNotDefined = errors.New("container not defined")

// State is the backend-reported run state of a container.
type State string

const (
	StateUndefined State = ""
	StateStopped   State = "STOPPED"
	StateStarting  State = "STARTING"
	StateRunning   State = "RUNNING"
	StateStopping  State = "STOPPING"
	StateFrozen    State = "FROZEN"
)

// Family selects the address family of AssignedAddresses.
type Family int

const (
	FamilyAll Family = iota
	FamilyIPv4
	FamilyIPv6
)

// Matches reports whether addr belongs to the family.
func (f Family) Matches(addr netip.Addr) bool {
	switch f {
	case FamilyIPv4:
		return addr.Is4() || addr.Is4In6()
	case FamilyIPv6:
		return addr.Is6() && !addr.Is4In6()
	}
	return true
}

// Configuration keys shared by all backends.
const (
	KeyNetLink         = "lxc.net.0.link"
	KeyNetVethPair     = "lxc.net.0.veth.pair"
	KeyNetIPv4Address  = "lxc.net.0.ipv4.address"
	KeyNetIPv4Gateway  = "lxc.net.0.ipv4.gateway"
	KeyRootfs          = "lxc.rootfs.path"
	KeyMountFstab      = "lxc.mount.fstab"
	CgroupKeyPrefix    = "lxc.cgroup."
	CgroupV2KeyPrefix  = "lxc.cgroup2."
	legacyKeyRootfs    = "lxc.rootfs"
	legacyKeyMountFile = "lxc.mount"
)

// Backend is a container engine. Names are the project-qualified container
// names. Config items are buffered until SaveConfig.
type Backend interface {
	IsDefined(ctx context.Context, name string) (bool, error)
	IsRunning(ctx context.Context, name string) (bool, error)
	State(ctx context.Context, name string) (State, error)

	Create(ctx context.Context, name string, src types.Source) error
	CloneFrom(ctx context.Context, source, name string) error
	Destroy(ctx context.Context, name string) error

	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string, timeout time.Duration) error
	ForceStop(ctx context.Context, name string) error

	AssignedAddresses(ctx context.Context, name string, family Family) ([]netip.Addr, error)

	ConfigItem(ctx context.Context, name, key string) (string, error)
	SetConfigItem(ctx context.Context, name, key, value string) error
	SaveConfig(ctx context.Context, name string) error

	CgroupItem(ctx context.Context, name, key string) (string, error)
	SetCgroupItem(ctx context.Context, name, key, value string) error

	RootfsPath(ctx context.Context, name string) (string, error)
	MountTablePath(ctx context.Context, name string) (string, error)

	List(ctx context.Context) ([]string, error)
	Close() error
}

func isRunning(ctx context.Context, b Backend, name string) (bool, error) {
	state, err := b.State(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotDefined) {
			return false, nil
		}
		return false, err
	}
	return state == StateRunning, nil
}
