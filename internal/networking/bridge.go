// Package networking manages the per-project bridge, subnet selection and
// container address leasing.
package networking

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/netip"
	"time"

	"github.com/moltbunker/locker/internal/firewall"
	"github.com/moltbunker/locker/internal/logging"
)

// ErrBridgeUnavailable is returned when an operation needs the project
// bridge but it has not been created.
var ErrBridgeUnavailable = errors.New("bridge unavailable")

// DefaultLeaseGrace is how long an unconfirmed lease stays reserved.
const DefaultLeaseGrace = time.Minute

// maxIfaceName is the kernel limit on interface names (IFNAMSIZ - 1).
const maxIfaceName = 15

// Link is the observed state of a host interface.
type Link struct {
	Name  string
	Up    bool
	Addrs []netip.Prefix // IPv4 only
}

// HostNetwork is the host interface capability used by Bridge.
type HostNetwork interface {
	LinkByName(name string) (Link, bool, error)
	CreateBridge(name string, addr netip.Prefix) error
	DeleteLink(name string) error
	InterfacePrefixes() ([]netip.Prefix, error)
}

// InUseFunc reports the addresses currently held by project containers.
type InUseFunc func(ctx context.Context) ([]netip.Addr, error)

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	Prefix    string       // interface name prefix
	Candidate netip.Prefix // /24 subnets are carved from here
	InUse     InUseFunc
	Allocator *AddressAllocator

	// LeaseGrace bounds how long a lease InUse does not report is kept.
	// Zero means DefaultLeaseGrace.
	LeaseGrace time.Duration
}

// Bridge is the private network of one project.
type Bridge struct {
	name      string
	host      HostNetwork
	fw        *firewall.Reconciler
	candidate netip.Prefix
	inUse     InUseFunc
	alloc     *AddressAllocator
	grace     time.Duration
	log       *slog.Logger

	subnet  netip.Prefix // invalid until the bridge exists
	gateway netip.Addr
}

// IfaceName returns prefix+name, or prefix plus a hash of name when that
// would exceed the kernel limit on interface names.
func IfaceName(prefix, name string) string {
	if full := prefix + name; len(full) <= maxIfaceName {
		return full
	}
	h := fnv.New32a()
	h.Write([]byte(name))
	return fmt.Sprintf("%s%08x", prefix, h.Sum32())
}

// BridgeName derives the interface name of a project bridge.
func BridgeName(prefix, project string) string {
	return IfaceName(prefix, project)
}

// NewBridge binds a Bridge to project and discovers an existing interface
// of that name. Nothing is created until Start.
func NewBridge(project string, host HostNetwork, fw *firewall.Reconciler, opts BridgeOptions) (*Bridge, error) {
	if opts.Prefix == "" {
		opts.Prefix = "locker_"
	}
	if !opts.Candidate.IsValid() {
		opts.Candidate = netip.MustParsePrefix("10.0.0.0/8")
	}
	if opts.Allocator == nil {
		opts.Allocator = NewAddressAllocator()
	}
	if opts.LeaseGrace <= 0 {
		opts.LeaseGrace = DefaultLeaseGrace
	}
	b := &Bridge{
		name:      BridgeName(opts.Prefix, project),
		host:      host,
		fw:        fw,
		candidate: opts.Candidate,
		inUse:     opts.InUse,
		alloc:     opts.Allocator,
		grace:     opts.LeaseGrace,
	}
	b.log = logging.With(logging.Component("bridge"), "bridge", b.name)
	if err := b.discover(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bridge) discover() error {
	link, found, err := b.host.LinkByName(b.name)
	if err != nil {
		return fmt.Errorf("look up bridge %s: %w", b.name, err)
	}
	if !found {
		b.subnet, b.gateway = netip.Prefix{}, netip.Addr{}
		return nil
	}
	for _, addr := range link.Addrs {
		if addr.Addr().Is4() {
			b.subnet = addr.Masked()
			b.gateway = addr.Addr()
			b.log.Debug("found bridge", "gateway", b.gateway.String(), "subnet", b.subnet.String())
			return nil
		}
	}
	return fmt.Errorf("bridge %s exists but has no IPv4 address", b.name)
}

// Start creates the bridge when missing and installs the project-wide
// forwarding and masquerade rules. Safe to call repeatedly.
func (b *Bridge) Start() error {
	if err := b.fw.EnsureEntryChain(); err != nil {
		return err
	}

	if !b.Exists() {
		claimed, err := b.host.InterfacePrefixes()
		if err != nil {
			return fmt.Errorf("list host prefixes: %w", err)
		}
		subnet, err := PickUnusedSubnet(b.candidate, claimed)
		if err != nil {
			return err
		}
		gateway := Gateway(subnet)
		b.log.Info("creating bridge", "subnet", subnet.String(), "gateway", gateway.String())
		if err := b.host.CreateBridge(b.name, netip.PrefixFrom(gateway, subnet.Bits())); err != nil {
			return fmt.Errorf("create bridge %s: %w", b.name, err)
		}
		b.subnet, b.gateway = subnet, gateway
	}

	if _, err := b.fw.EnableMasquerade(b.subnet, b.name); err != nil {
		return fmt.Errorf("enable NAT for %s: %w", b.name, err)
	}
	return nil
}

// Stop removes the project-wide rules and deletes the bridge if present.
func (b *Bridge) Stop() error {
	if err := b.fw.EnsureEntryChain(); err != nil {
		return err
	}
	if _, err := b.fw.DisableMasquerade(b.name); err != nil {
		return fmt.Errorf("disable NAT for %s: %w", b.name, err)
	}
	if !b.Exists() {
		return nil
	}
	b.log.Info("deleting bridge")
	if err := b.host.DeleteLink(b.name); err != nil {
		return fmt.Errorf("delete bridge %s: %w", b.name, err)
	}
	b.subnet, b.gateway = netip.Prefix{}, netip.Addr{}
	return nil
}

// Lease picks a free address for a container. The result carries the
// subnet's prefix length.
func (b *Bridge) Lease(ctx context.Context) (netip.Prefix, error) {
	if !b.Exists() {
		return netip.Prefix{}, ErrBridgeUnavailable
	}
	excluded := []netip.Addr{b.gateway}
	if b.inUse != nil {
		used, err := b.inUse(ctx)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("collect leased addresses: %w", err)
		}
		excluded = append(excluded, used...)
		if n := b.alloc.Prune(used, b.grace); n > 0 {
			b.log.Debug("dropped stale leases", "count", n)
		}
	}
	addr, err := b.alloc.Allocate(b.subnet, excluded)
	if err != nil {
		return netip.Prefix{}, err
	}
	b.log.Debug("leased address", "address", addr.String())
	return netip.PrefixFrom(addr, b.subnet.Bits()), nil
}

// Release returns a lease handed out by Lease.
func (b *Bridge) Release(addr netip.Addr) {
	b.alloc.Release(addr)
}

// Exists reports whether the bridge interface is present.
func (b *Bridge) Exists() bool {
	return b.subnet.IsValid()
}

// InterfaceName returns the bridge interface name.
func (b *Bridge) InterfaceName() string {
	return b.name
}

// Gateway returns the bridge address, or ErrBridgeUnavailable.
func (b *Bridge) Gateway() (netip.Addr, error) {
	if !b.Exists() {
		return netip.Addr{}, ErrBridgeUnavailable
	}
	return b.gateway, nil
}

// Subnet returns the bridge subnet, or ErrBridgeUnavailable.
func (b *Bridge) Subnet() (netip.Prefix, error) {
	if !b.Exists() {
		return netip.Prefix{}, ErrBridgeUnavailable
	}
	return b.subnet, nil
}
