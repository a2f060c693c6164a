package types

import (
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/docker/go-connections/nat"
)

// ErrInvalidDirective is returned for a malformed port, volume, link or
// cgroup directive. Callers log and skip the directive.
var ErrInvalidDirective = errors.New("invalid directive")

var (
	linkPattern   = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9]*)(?::([A-Za-z0-9][A-Za-z0-9.\-]*))?$`)
	cgroupPattern = regexp.MustCompile(`^([A-Za-z0-9_.]+)\s*=\s*(\S.*)$`)
)

// Transport protocols accepted in port directives.
const (
	ProtoTCP = "tcp"
	ProtoUDP = "udp"
)

// PortForward is a parsed "[hostIP:]hostPort:containerPort[/proto]" directive
type PortForward struct {
	HostIP        netip.Addr // invalid when not constrained
	HostPort      uint16
	ContainerPort uint16
	Protocol      string
}

func (p PortForward) String() string {
	s := fmt.Sprintf("%d:%d/%s", p.HostPort, p.ContainerPort, p.Protocol)
	if p.HostIP.IsValid() {
		s = p.HostIP.String() + ":" + s
	}
	return s
}

// ParsePortForward parses a single port forwarding directive. Port ranges,
// a missing host port and protocols other than tcp and udp are rejected.
func ParsePortForward(raw string) (PortForward, error) {
	raw = strings.TrimSpace(raw)
	mappings, err := nat.ParsePortSpec(raw)
	if err != nil {
		return PortForward{}, fmt.Errorf("%w: port %q: %v", ErrInvalidDirective, raw, err)
	}
	if len(mappings) != 1 {
		return PortForward{}, fmt.Errorf("%w: port %q: ranges are not supported", ErrInvalidDirective, raw)
	}
	m := mappings[0]

	proto := m.Port.Proto()
	if proto != ProtoTCP && proto != ProtoUDP {
		return PortForward{}, fmt.Errorf("%w: port %q: unsupported protocol %s", ErrInvalidDirective, raw, proto)
	}
	if m.Binding.HostPort == "" {
		return PortForward{}, fmt.Errorf("%w: port %q: host port is required", ErrInvalidDirective, raw)
	}
	hostPort, err := strconv.ParseUint(m.Binding.HostPort, 10, 16)
	if err != nil || hostPort == 0 {
		return PortForward{}, fmt.Errorf("%w: port %q: invalid host port", ErrInvalidDirective, raw)
	}
	containerPort := m.Port.Int()
	if containerPort <= 0 || containerPort > 65535 {
		return PortForward{}, fmt.Errorf("%w: port %q: invalid container port", ErrInvalidDirective, raw)
	}

	pf := PortForward{
		HostPort:      uint16(hostPort),
		ContainerPort: uint16(containerPort),
		Protocol:      proto,
	}
	if m.Binding.HostIP != "" {
		addr, err := netip.ParseAddr(m.Binding.HostIP)
		if err != nil || !addr.Is4() {
			return PortForward{}, fmt.Errorf("%w: port %q: host IP must be IPv4", ErrInvalidDirective, raw)
		}
		pf.HostIP = addr
	}
	return pf, nil
}

// Vars holds the values substituted for $name, $project and $fqdn.
type Vars struct {
	Name    string // qualified container name
	Project string
	FQDN    string
}

// Expand substitutes the supported variables in s.
func (v Vars) Expand(s string) string {
	return strings.NewReplacer(
		"$name", v.Name,
		"$project", v.Project,
		"$fqdn", v.FQDN,
	).Replace(s)
}

// Volume is a parsed "host-path:container-path" bind mount
type Volume struct {
	Host      string
	Container string
}

// ParseVolume expands variables in raw and splits it into host and
// container paths. Both must be absolute; trailing slashes are dropped.
func ParseVolume(raw string, vars Vars) (Volume, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return Volume{}, fmt.Errorf("%w: volume %q: expected host:container", ErrInvalidDirective, raw)
	}
	host := strings.TrimSpace(vars.Expand(parts[0]))
	inner := strings.TrimSpace(vars.Expand(parts[1]))
	if !filepath.IsAbs(host) || !filepath.IsAbs(inner) {
		return Volume{}, fmt.Errorf("%w: volume %q: paths must be absolute", ErrInvalidDirective, raw)
	}
	return Volume{Host: filepath.Clean(host), Container: filepath.Clean(inner)}, nil
}

// Link is a parsed "name[:alias]" directive
type Link struct {
	Name  string
	Alias string
}

// ParseLink parses a link directive.
func ParseLink(raw string) (Link, error) {
	m := linkPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return Link{}, fmt.Errorf("%w: link %q", ErrInvalidDirective, raw)
	}
	return Link{Name: m[1], Alias: m[2]}, nil
}

// CgroupSetting is a parsed "key=value" directive
type CgroupSetting struct {
	Key   string
	Value string
}

// ParseCgroup parses a cgroup directive.
func ParseCgroup(raw string) (CgroupSetting, error) {
	m := cgroupPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return CgroupSetting{}, fmt.Errorf("%w: cgroup %q", ErrInvalidDirective, raw)
	}
	return CgroupSetting{Key: m[1], Value: strings.TrimSpace(m[2])}, nil
}

// MergeCgroup applies the directive lists in order so later lists override
// earlier ones per key. Keys keep the order of their first appearance.
// Malformed directives are returned as errors and otherwise ignored.
func MergeCgroup(lists ...[]string) ([]CgroupSetting, []error) {
	var (
		merged []CgroupSetting
		errs   []error
		index  = make(map[string]int)
	)
	for _, list := range lists {
		for _, raw := range list {
			setting, err := ParseCgroup(raw)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if i, ok := index[setting.Key]; ok {
				merged[i].Value = setting.Value
				continue
			}
			index[setting.Key] = len(merged)
			merged = append(merged, setting)
		}
	}
	return merged, errs
}
