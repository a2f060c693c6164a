//go:build linux

package networking

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// NetlinkHost implements HostNetwork with rtnetlink.
type NetlinkHost struct{}

// NewHostNetwork returns the platform host network implementation.
func NewHostNetwork() (HostNetwork, error) {
	return NetlinkHost{}, nil
}

func toPrefix(ipnet *net.IPNet) (netip.Prefix, bool) {
	if ipnet == nil {
		return netip.Prefix{}, false
	}
	ip4 := ipnet.IP.To4()
	if ip4 == nil {
		return netip.Prefix{}, false
	}
	addr, _ := netip.AddrFromSlice(ip4)
	ones, _ := ipnet.Mask.Size()
	return netip.PrefixFrom(addr, ones), true
}

func (NetlinkHost) LinkByName(name string) (Link, bool, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return Link{}, false, nil
		}
		return Link{}, false, err
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return Link{}, false, fmt.Errorf("list addresses of %s: %w", name, err)
	}
	out := Link{Name: name, Up: link.Attrs().Flags&net.FlagUp != 0}
	for _, a := range addrs {
		if p, ok := toPrefix(a.IPNet); ok {
			out.Addrs = append(out.Addrs, p)
		}
	}
	return out, true, nil
}

func (NetlinkHost) CreateBridge(name string, addr netip.Prefix) error {
	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := netlink.LinkAdd(br); err != nil {
		return fmt.Errorf("add bridge: %w", err)
	}
	ipnet := &net.IPNet{IP: addr.Addr().AsSlice(), Mask: net.CIDRMask(addr.Bits(), 32)}
	if err := netlink.AddrAdd(br, &netlink.Addr{IPNet: ipnet}); err != nil {
		netlink.LinkDel(br)
		return fmt.Errorf("assign %s: %w", addr, err)
	}
	if err := netlink.LinkSetUp(br); err != nil {
		netlink.LinkDel(br)
		return fmt.Errorf("set up: %w", err)
	}
	return nil
}

func (NetlinkHost) DeleteLink(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return netlink.LinkDel(link)
}

func (NetlinkHost) InterfacePrefixes() ([]netip.Prefix, error) {
	addrs, err := netlink.AddrList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("list host addresses: %w", err)
	}
	var prefixes []netip.Prefix
	for _, a := range addrs {
		if p, ok := toPrefix(a.IPNet); ok {
			prefixes = append(prefixes, p.Masked())
		}
	}
	return prefixes, nil
}

var _ HostNetwork = NetlinkHost{}
