//go:build !linux

package firewall

import "errors"

// NFTables is only available on Linux.
type NFTables struct{ Table }

// NewNFTables reports that nftables is unavailable on this platform. The
// memory backend can be selected instead.
func NewNFTables(natTable, filterTable string) (*NFTables, error) {
	return nil, errors.New("nftables is only supported on linux")
}
