//go:build linux

package firewall

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"github.com/google/nftables/userdata"
	"golang.org/x/sys/unix"
)

// NFTables implements Table on top of two IPv4 nftables tables, one for
// NAT chains and one for filter chains.
type NFTables struct {
	conn       *nftables.Conn
	tables     map[TableKind]*nftables.Table
	chains     map[ChainRef]*nftables.Chain
	autoCommit bool
}

// NewNFTables opens a netlink connection and binds the two table names.
func NewNFTables(natTable, filterTable string) (*NFTables, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create nftables connection: %w", err)
	}
	return &NFTables{
		conn: conn,
		tables: map[TableKind]*nftables.Table{
			NAT:    {Family: nftables.TableFamilyIPv4, Name: natTable},
			Filter: {Family: nftables.TableFamilyIPv4, Name: filterTable},
		},
		chains:     make(map[ChainRef]*nftables.Chain),
		autoCommit: true,
	}, nil
}

func (n *NFTables) flush() error {
	if !n.autoCommit {
		return nil
	}
	return n.conn.Flush()
}

func baseChainSpec(c ChainRef) (nftables.ChainType, *nftables.ChainHook, *nftables.ChainPriority) {
	switch c {
	case ChainPrerouting:
		return nftables.ChainTypeNAT, nftables.ChainHookPrerouting, nftables.ChainPriorityNATDest
	case ChainPostrouting:
		return nftables.ChainTypeNAT, nftables.ChainHookPostrouting, nftables.ChainPriorityNATSource
	default:
		return nftables.ChainTypeFilter, nftables.ChainHookForward, nftables.ChainPriorityFilter
	}
}

func (n *NFTables) EnsureChain(c ChainRef) error {
	if _, ok := n.chains[c]; ok {
		return nil
	}
	table := n.tables[c.Table]

	existing, err := n.conn.ListChains()
	if err != nil {
		return fmt.Errorf("list chains: %w", err)
	}
	for _, ch := range existing {
		if ch.Table != nil && ch.Table.Family == table.Family && ch.Table.Name == table.Name && ch.Name == c.Name {
			ch.Table = table
			n.chains[c] = ch
			return nil
		}
	}

	n.conn.AddTable(table)
	spec := &nftables.Chain{Name: c.Name, Table: table}
	if c.IsBase() {
		spec.Type, spec.Hooknum, spec.Priority = baseChainSpec(c)
	}
	n.chains[c] = n.conn.AddChain(spec)
	if err := n.flush(); err != nil {
		delete(n.chains, c)
		return fmt.Errorf("add chain %s: %w", c, err)
	}
	return nil
}

func (n *NFTables) chain(c ChainRef) (*nftables.Chain, error) {
	ch, ok := n.chains[c]
	if !ok {
		return nil, fmt.Errorf("chain %s not initialized", c)
	}
	return ch, nil
}

func (n *NFTables) Rules(c ChainRef) ([]Rule, error) {
	ch, err := n.chain(c)
	if err != nil {
		return nil, err
	}
	raw, err := n.conn.GetRules(ch.Table, ch)
	if err != nil {
		return nil, fmt.Errorf("get rules of %s: %w", c, err)
	}
	rules := make([]Rule, 0, len(raw))
	for _, r := range raw {
		rule := decodeRule(r.Exprs)
		rule.Comment, _ = userdata.GetString(r.UserData, userdata.TypeComment)
		rule.Handle = r.Handle
		rules = append(rules, rule)
	}
	return rules, nil
}

func (n *NFTables) Insert(c ChainRef, r Rule) error {
	ch, err := n.chain(c)
	if err != nil {
		return err
	}
	exprs, err := encodeRule(r)
	if err != nil {
		return err
	}
	n.conn.InsertRule(&nftables.Rule{
		Table:    ch.Table,
		Chain:    ch,
		Exprs:    exprs,
		UserData: userdata.AppendString(nil, userdata.TypeComment, r.Comment),
	})
	return n.flush()
}

func (n *NFTables) Delete(c ChainRef, r Rule) error {
	ch, err := n.chain(c)
	if err != nil {
		return err
	}
	if err := n.conn.DelRule(&nftables.Rule{Table: ch.Table, Chain: ch, Handle: r.Handle}); err != nil {
		return err
	}
	return n.flush()
}

func (n *NFTables) SetAutoCommit(on bool) {
	n.autoCommit = on
}

func (n *NFTables) Commit() error {
	return n.conn.Flush()
}

// Refresh drops cached chain handles so the next call re-reads the kernel.
func (n *NFTables) Refresh() error {
	n.chains = make(map[ChainRef]*nftables.Chain)
	for _, c := range []ChainRef{ChainPrerouting, ChainPostrouting, ChainForward, ChainLockerPrerouting, ChainLockerForward} {
		if err := n.EnsureChain(c); err != nil {
			return err
		}
	}
	return nil
}

func ifname(name string) []byte {
	return append([]byte(name), 0)
}

func cmpOp(invert bool) expr.CmpOp {
	if invert {
		return expr.CmpOpNeq
	}
	return expr.CmpOpEq
}

func matchAddr(offset uint32, m AddrMatch) ([]expr.Any, error) {
	if !m.Prefix.IsValid() {
		return nil, nil
	}
	if !m.Prefix.Addr().Is4() {
		return nil, fmt.Errorf("only IPv4 prefixes are supported, got %s", m.Prefix)
	}
	p := m.Prefix.Masked()
	exprs := []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: offset, Len: 4},
	}
	if p.Bits() < 32 {
		exprs = append(exprs, &expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           net.CIDRMask(p.Bits(), 32),
			Xor:            []byte{0, 0, 0, 0},
		})
	}
	return append(exprs, &expr.Cmp{Op: cmpOp(m.Invert), Register: 1, Data: p.Addr().AsSlice()}), nil
}

func encodeRule(r Rule) ([]expr.Any, error) {
	var exprs []expr.Any

	if r.In.Name != "" {
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
			&expr.Cmp{Op: cmpOp(r.In.Invert), Register: 1, Data: ifname(r.In.Name)},
		)
	}
	if r.Out.Name != "" {
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
			&expr.Cmp{Op: cmpOp(r.Out.Invert), Register: 1, Data: ifname(r.Out.Name)},
		)
	}
	if r.DestLocal {
		exprs = append(exprs,
			&expr.Fib{Register: 1, FlagDADDR: true, ResultADDRTYPE: true},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(unix.RTN_LOCAL)},
		)
	}
	for _, m := range []struct {
		offset uint32
		match  AddrMatch
	}{{12, r.Source}, {16, r.Destination}} {
		e, err := matchAddr(m.offset, m.match)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e...)
	}

	if r.Protocol != "" {
		var proto byte
		switch r.Protocol {
		case "tcp":
			proto = unix.IPPROTO_TCP
		case "udp":
			proto = unix.IPPROTO_UDP
		default:
			return nil, fmt.Errorf("unsupported protocol %q", r.Protocol)
		}
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
		)
	}
	if r.DestPort != 0 {
		if r.Protocol == "" {
			return nil, fmt.Errorf("destination port requires a protocol")
		}
		exprs = append(exprs,
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(r.DestPort)},
		)
	}

	exprs = append(exprs, &expr.Counter{})

	switch r.Action {
	case ActionAccept:
		exprs = append(exprs, &expr.Verdict{Kind: expr.VerdictAccept})
	case ActionJump:
		exprs = append(exprs, &expr.Verdict{Kind: expr.VerdictJump, Chain: r.JumpTarget})
	case ActionMasquerade:
		exprs = append(exprs, &expr.Masq{})
	case ActionDNAT:
		if !r.ToAddr.Is4() {
			return nil, fmt.Errorf("DNAT target must be IPv4, got %s", r.ToAddr)
		}
		exprs = append(exprs,
			&expr.Immediate{Register: 1, Data: r.ToAddr.AsSlice()},
			&expr.Immediate{Register: 2, Data: binaryutil.BigEndian.PutUint16(r.ToPort)},
			&expr.NAT{
				Type:        expr.NATTypeDestNAT,
				Family:      unix.NFPROTO_IPV4,
				RegAddrMin:  1,
				RegProtoMin: 2,
			},
		)
	default:
		return nil, fmt.Errorf("unsupported action %q", r.Action)
	}
	return exprs, nil
}

// decodeRule reverses encodeRule. Expressions it does not know are ignored,
// so rules created by other tools decode to a partial description.
func decodeRule(exprs []expr.Any) Rule {
	var (
		r       Rule
		meta    expr.MetaKey
		payload *expr.Payload
		bits    = 32
		fib     bool
		imm     = make(map[uint32][]byte)
	)
	for _, e := range exprs {
		switch e := e.(type) {
		case *expr.Meta:
			meta, payload, fib = e.Key, nil, false
		case *expr.Payload:
			payload, meta, fib, bits = e, 0, false, 32
		case *expr.Fib:
			fib, meta, payload = e.ResultADDRTYPE, 0, nil
		case *expr.Bitwise:
			ones, _ := net.IPMask(e.Mask).Size()
			bits = ones
		case *expr.Cmp:
			invert := e.Op == expr.CmpOpNeq
			switch {
			case fib:
				r.DestLocal = bytes.Equal(e.Data, binaryutil.NativeEndian.PutUint32(unix.RTN_LOCAL))
			case meta == expr.MetaKeyIIFNAME:
				r.In = IfaceMatch{Name: string(bytes.TrimRight(e.Data, "\x00")), Invert: invert}
			case meta == expr.MetaKeyOIFNAME:
				r.Out = IfaceMatch{Name: string(bytes.TrimRight(e.Data, "\x00")), Invert: invert}
			case meta == expr.MetaKeyL4PROTO && len(e.Data) == 1:
				switch e.Data[0] {
				case unix.IPPROTO_TCP:
					r.Protocol = "tcp"
				case unix.IPPROTO_UDP:
					r.Protocol = "udp"
				}
			case payload != nil && payload.Base == expr.PayloadBaseNetworkHeader:
				addr, ok := netip.AddrFromSlice(e.Data)
				if !ok {
					break
				}
				m := AddrMatch{Prefix: netip.PrefixFrom(addr, bits), Invert: invert}
				if payload.Offset == 12 {
					r.Source = m
				} else if payload.Offset == 16 {
					r.Destination = m
				}
			case payload != nil && payload.Base == expr.PayloadBaseTransportHeader && len(e.Data) == 2:
				r.DestPort = uint16(e.Data[0])<<8 | uint16(e.Data[1])
			}
			meta, payload, fib, bits = 0, nil, false, 32
		case *expr.Immediate:
			imm[e.Register] = e.Data
		case *expr.NAT:
			if e.Type == expr.NATTypeDestNAT {
				r.Action = ActionDNAT
				if addr, ok := netip.AddrFromSlice(imm[e.RegAddrMin]); ok {
					r.ToAddr = addr
				}
				if p := imm[e.RegProtoMin]; len(p) == 2 {
					r.ToPort = uint16(p[0])<<8 | uint16(p[1])
				}
			}
		case *expr.Masq:
			r.Action = ActionMasquerade
		case *expr.Verdict:
			switch e.Kind {
			case expr.VerdictAccept:
				r.Action = ActionAccept
			case expr.VerdictJump:
				r.Action = ActionJump
				r.JumpTarget = e.Chain
			}
		}
	}
	return r
}

var _ Table = (*NFTables)(nil)
