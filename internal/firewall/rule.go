// Package firewall installs and removes comment-tagged NAT and forwarding
// rules. Rules are owned by a tag and only ever removed by tag.
package firewall

import (
	"fmt"
	"net/netip"
	"strings"
)

// TableKind distinguishes the NAT table from the filter table.
type TableKind string

const (
	NAT    TableKind = "nat"
	Filter TableKind = "filter"
)

// ChainRef names a chain inside one of the two tables.
type ChainRef struct {
	Table TableKind
	Name  string
}

func (c ChainRef) String() string {
	return string(c.Table) + "/" + c.Name
}

// Chains used by the reconciler. The three upper-case base chains are
// hooked into the kernel; the LOCKER_ chains are only reached by jumps.
var (
	ChainPrerouting       = ChainRef{Table: NAT, Name: "PREROUTING"}
	ChainPostrouting      = ChainRef{Table: NAT, Name: "POSTROUTING"}
	ChainForward          = ChainRef{Table: Filter, Name: "FORWARD"}
	ChainLockerPrerouting = ChainRef{Table: NAT, Name: "LOCKER_PREROUTING"}
	ChainLockerForward    = ChainRef{Table: Filter, Name: "LOCKER_FORWARD"}
)

// EntryTag marks the jump rules into the governed chains.
const EntryTag = "LOCKER"

// IsBase reports whether c is hooked into the kernel.
func (c ChainRef) IsBase() bool {
	return c == ChainPrerouting || c == ChainPostrouting || c == ChainForward
}

// Action is the verdict or target of a rule.
type Action string

const (
	ActionAccept     Action = "ACCEPT"
	ActionDNAT       Action = "DNAT"
	ActionMasquerade Action = "MASQUERADE"
	ActionJump       Action = "JUMP"
)

// IfaceMatch matches an interface name, or anything but it when Invert is set.
type IfaceMatch struct {
	Name   string
	Invert bool
}

func (m IfaceMatch) String() string {
	if m.Name == "" {
		return ""
	}
	if m.Invert {
		return "!" + m.Name
	}
	return m.Name
}

// AddrMatch matches an IPv4 prefix, or anything outside it when Invert is set.
type AddrMatch struct {
	Prefix netip.Prefix
	Invert bool
}

func (m AddrMatch) String() string {
	if !m.Prefix.IsValid() {
		return ""
	}
	if m.Invert {
		return "!" + m.Prefix.String()
	}
	return m.Prefix.String()
}

// Host returns a match for exactly addr.
func Host(addr netip.Addr) AddrMatch {
	return AddrMatch{Prefix: netip.PrefixFrom(addr, addr.BitLen())}
}

// Rule is a backend-independent description of a single rule.
type Rule struct {
	Comment     string
	Protocol    string // "", "tcp" or "udp"
	Source      AddrMatch
	Destination AddrMatch
	In          IfaceMatch
	Out         IfaceMatch
	DestPort    uint16 // 0 matches any port
	DestLocal   bool   // destination address type LOCAL
	Action      Action
	JumpTarget  string     // for ActionJump
	ToAddr      netip.Addr // for ActionDNAT
	ToPort      uint16     // for ActionDNAT
	Handle      uint64     // assigned by the table
}

func (r Rule) String() string {
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	add("proto", r.Protocol)
	add("src", r.Source.String())
	add("dst", r.Destination.String())
	add("in", r.In.String())
	add("out", r.Out.String())
	if r.DestPort != 0 {
		add("dport", fmt.Sprint(r.DestPort))
	}
	if r.DestLocal {
		add("dst-type", "LOCAL")
	}
	target := string(r.Action)
	switch r.Action {
	case ActionJump:
		target += " " + r.JumpTarget
	case ActionDNAT:
		target += " " + netip.AddrPortFrom(r.ToAddr, r.ToPort).String()
	}
	parts = append(parts, "-> "+target)
	add("comment", r.Comment)
	return strings.Join(parts, " ")
}

// Matches reports whether r and o describe the same rule, ignoring the handle.
func (r Rule) Matches(o Rule) bool {
	r.Handle, o.Handle = 0, 0
	return r == o
}

// PortForward is a decoded DNAT rule.
type PortForward struct {
	Protocol      string
	HostIP        netip.Addr // invalid when unconstrained
	HostPort      uint16
	ContainerIP   netip.Addr
	ContainerPort uint16
}

func (p PortForward) String() string {
	host := "0.0.0.0"
	if p.HostIP.IsValid() {
		host = p.HostIP.String()
	}
	return fmt.Sprintf("%s:%d->%d/%s", host, p.HostPort, p.ContainerPort, p.Protocol)
}

// LinkTag returns the tag of the link rules owned by a container.
func LinkTag(name string) string {
	return name + ":link"
}
