package networking

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// ErrAddressSpaceExhausted is returned when no free address or subnet is left.
var ErrAddressSpaceExhausted = errors.New("address space exhausted")

// AddressAllocator hands out host addresses from a subnet. Addresses handed
// out during this process stay reserved until released or pruned, on top of
// whatever the caller reports as in use.
type AddressAllocator struct {
	reserved map[netip.Addr]time.Time
	now      func() time.Time
	mu       sync.Mutex
}

// NewAddressAllocator creates an empty allocator.
func NewAddressAllocator() *AddressAllocator {
	return &AddressAllocator{reserved: make(map[netip.Addr]time.Time), now: time.Now}
}

// Allocate picks and reserves the lowest address of subnet that is neither
// in excluded nor reserved.
func (a *AddressAllocator) Allocate(subnet netip.Prefix, excluded []netip.Addr) (netip.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	all := make([]netip.Addr, 0, len(excluded)+len(a.reserved))
	all = append(all, excluded...)
	for addr := range a.reserved {
		all = append(all, addr)
	}

	addr, err := PickAddress(subnet, all)
	if err != nil {
		return netip.Addr{}, err
	}
	a.reserved[addr] = a.now()
	return addr, nil
}

// Prune drops reservations older than grace that are not listed in keep,
// and returns how many were dropped. Containers stopped by another process
// never release their lease here, so callers prune against the addresses
// they still see in use.
func (a *AddressAllocator) Prune(keep []netip.Addr, grace time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	live := make(map[netip.Addr]bool, len(keep))
	for _, addr := range keep {
		live[addr.Unmap()] = true
	}
	cutoff := a.now().Add(-grace)
	dropped := 0
	for addr, at := range a.reserved {
		if live[addr] || at.After(cutoff) {
			continue
		}
		delete(a.reserved, addr)
		dropped++
	}
	return dropped
}

// Release frees a previously allocated address.
func (a *AddressAllocator) Release(addr netip.Addr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, addr)
}

// IsReserved checks if an address is currently reserved.
func (a *AddressAllocator) IsReserved(addr netip.Addr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.reserved[addr]
	return ok
}

// Count returns the number of reserved addresses.
func (a *AddressAllocator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reserved)
}

// PickAddress returns the lowest usable host address of subnet not listed
// in excluded. Network and broadcast addresses are never returned.
func PickAddress(subnet netip.Prefix, excluded []netip.Addr) (netip.Addr, error) {
	if !subnet.Addr().Is4() || subnet.Bits() > 30 {
		return netip.Addr{}, fmt.Errorf("unsupported subnet %s", subnet)
	}
	skip := make(map[netip.Addr]bool, len(excluded))
	for _, addr := range excluded {
		skip[addr.Unmap()] = true
	}

	subnet = subnet.Masked()
	last := Broadcast(subnet).Prev()
	for addr := subnet.Addr().Next(); addr.Compare(last) <= 0; addr = addr.Next() {
		if !skip[addr] {
			return addr, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: no free address in %s", ErrAddressSpaceExhausted, subnet)
}

// PickUnusedSubnet returns the first /24 inside candidate that overlaps
// none of the claimed prefixes. The third octet is scanned in the outer
// loop and the second in the inner one, and subnets with a zero in an
// octet the candidate leaves open are skipped, so 10.0.0.0/8 yields
// 10.1.1.0/24, 10.2.1.0/24, ... 10.255.1.0/24, 10.1.2.0/24.
func PickUnusedSubnet(candidate netip.Prefix, claimed []netip.Prefix) (netip.Prefix, error) {
	if !candidate.Addr().Is4() || candidate.Bits() > 24 || candidate.Bits() < 8 {
		return netip.Prefix{}, fmt.Errorf("candidate prefix %s must be IPv4 and between /8 and /24", candidate)
	}
	candidate = candidate.Masked()
	base := ipv4ToUint32(candidate.Addr())

	// Free bits of the third octet, then of the second one.
	bits3 := min(24-candidate.Bits(), 8)
	bits2 := 24 - candidate.Bits() - bits3

	for i := uint32(0); i < 1<<bits3; i++ {
		for j := uint32(0); j < 1<<bits2; j++ {
			addr := uint32ToIPv4(base | j<<16 | i<<8)
			b := addr.As4()
			if (bits3 > 0 && b[2] == 0) || (bits2 > 0 && b[1] == 0) {
				continue
			}
			subnet := netip.PrefixFrom(addr, 24)
			if !overlapsAny(subnet, claimed) {
				return subnet, nil
			}
		}
	}
	return netip.Prefix{}, fmt.Errorf("%w: no unused /24 in %s", ErrAddressSpaceExhausted, candidate)
}

func overlapsAny(subnet netip.Prefix, claimed []netip.Prefix) bool {
	for _, c := range claimed {
		if c.Overlaps(subnet) {
			return true
		}
	}
	return false
}

// Gateway returns the first usable address of subnet.
func Gateway(subnet netip.Prefix) netip.Addr {
	return subnet.Masked().Addr().Next()
}

// Broadcast returns the last address of an IPv4 subnet.
func Broadcast(subnet netip.Prefix) netip.Addr {
	host := uint32(1)<<(32-subnet.Bits()) - 1
	return uint32ToIPv4(ipv4ToUint32(subnet.Masked().Addr()) | host)
}

func ipv4ToUint32(addr netip.Addr) uint32 {
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:])
}

func uint32ToIPv4(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
