//go:build !linux

package runtime

import (
	"errors"
	"net/netip"
)

var errNoNetns = errors.New("network namespaces are only supported on linux")

func attachVeth(pid int, cfg vethConfig) error {
	return errNoNetns
}

func netnsAddresses(pid int, family Family) ([]netip.Addr, error) {
	return nil, errNoNetns
}
