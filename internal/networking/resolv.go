package networking

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strings"
)

// HostNameservers returns the non-loopback nameservers listed in the
// resolver configuration at path, in file order.
func HostNameservers(path string) ([]netip.Addr, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read resolver config: %w", err)
	}
	defer f.Close()

	var servers []netip.Addr
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "nameserver" {
			continue
		}
		addr, err := netip.ParseAddr(fields[1])
		if err != nil || addr.IsLoopback() {
			continue
		}
		servers = append(servers, addr.WithZone(""))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read resolver config: %w", err)
	}
	return servers, nil
}
