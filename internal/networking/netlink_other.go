//go:build !linux

package networking

import "errors"

// NewHostNetwork reports that bridge management needs Linux.
func NewHostNetwork() (HostNetwork, error) {
	return nil, errors.New("bridge networking is only supported on linux")
}
