//go:build linux

package runtime

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

const containerIface = "eth0"

// attachVeth creates a veth pair, enslaves the host side to the bridge and
// configures the peer as eth0 inside the network namespace of pid.
func attachVeth(pid int, cfg vethConfig) error {
	bridge, err := netlink.LinkByName(cfg.Bridge)
	if err != nil {
		return fmt.Errorf("failed to get bridge %s: %w", cfg.Bridge, err)
	}
	if old, err := netlink.LinkByName(cfg.HostName); err == nil {
		netlink.LinkDel(old)
	}

	peerName := fmt.Sprintf("lk%d", pid)
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: cfg.HostName, MasterIndex: bridge.Attrs().Index},
		PeerName:  peerName,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("failed to create veth pair: %w", err)
	}

	ns, err := netns.GetFromPid(pid)
	if err != nil {
		netlink.LinkDel(veth)
		return fmt.Errorf("failed to open network namespace of %d: %w", pid, err)
	}
	defer ns.Close()

	peer, err := netlink.LinkByName(peerName)
	if err != nil {
		netlink.LinkDel(veth)
		return fmt.Errorf("failed to get %s: %w", peerName, err)
	}
	if err := netlink.LinkSetNsFd(peer, int(ns)); err != nil {
		netlink.LinkDel(veth)
		return fmt.Errorf("failed to move link to namespace: %w", err)
	}
	if err := netlink.LinkSetUp(veth); err != nil {
		return fmt.Errorf("failed to bring up %s: %w", cfg.HostName, err)
	}

	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return fmt.Errorf("failed to open netlink in namespace: %w", err)
	}
	defer h.Close()

	if lo, err := h.LinkByName("lo"); err == nil {
		h.LinkSetUp(lo)
	}
	link, err := h.LinkByName(peerName)
	if err != nil {
		return err
	}
	if err := h.LinkSetName(link, containerIface); err != nil {
		return fmt.Errorf("failed to rename %s: %w", peerName, err)
	}
	addr := &netlink.Addr{IPNet: &net.IPNet{
		IP:   cfg.Address.Addr().AsSlice(),
		Mask: net.CIDRMask(cfg.Address.Bits(), 32),
	}}
	if err := h.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("failed to assign %s: %w", cfg.Address, err)
	}
	if err := h.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring up %s: %w", containerIface, err)
	}
	if cfg.Gateway.IsValid() {
		route := &netlink.Route{LinkIndex: link.Attrs().Index, Gw: cfg.Gateway.AsSlice()}
		if err := h.RouteAdd(route); err != nil {
			return fmt.Errorf("failed to add default route: %w", err)
		}
	}
	return nil
}

// netnsAddresses lists the global addresses configured inside the network
// namespace of pid.
func netnsAddresses(pid int, family Family) ([]netip.Addr, error) {
	ns, err := netns.GetFromPid(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to open network namespace of %d: %w", pid, err)
	}
	defer ns.Close()

	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	list, err := h.AddrList(nil, netlink.FAMILY_ALL)
	if err != nil {
		return nil, err
	}
	var addrs []netip.Addr
	for _, a := range list {
		addr, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.IsLoopback() || addr.IsLinkLocalUnicast() || !family.Matches(addr) {
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
