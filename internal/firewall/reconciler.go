package firewall

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/moltbunker/locker/internal/logging"
	"github.com/moltbunker/locker/pkg/types"
)

// ErrChainSetup is returned when the governed chains or their entry jumps
// cannot be created. No rule can be installed without them.
var ErrChainSetup = errors.New("firewall chain setup failed")

// Observer is notified about rule changes.
type Observer interface {
	RulesChanged(action string, n int)
}

// PortTarget is one DNAT+FORWARD pair to install.
type PortTarget struct {
	ContainerIP netip.Addr
	Forward     types.PortForward
}

// Reconciler installs and removes tagged rules on a Table.
type Reconciler struct {
	table    Table
	observer Observer
	log      *slog.Logger

	mu       sync.Mutex
	batching int
}

// NewReconciler creates a reconciler over table.
func NewReconciler(table Table) *Reconciler {
	return &Reconciler{
		table: table,
		log:   logging.With(logging.Component("firewall")),
	}
}

// SetObserver registers o for rule change notifications.
func (r *Reconciler) SetObserver(o Observer) {
	r.observer = o
}

func (r *Reconciler) notify(action string, n int) {
	if r.observer != nil && n > 0 {
		r.observer.RulesChanged(action, n)
	}
}

// EnsureEntryChain creates the governed chains and the jump rules leading
// into them. Safe to call any number of times.
func (r *Reconciler) EnsureEntryChain() error {
	for _, c := range []ChainRef{ChainPrerouting, ChainPostrouting, ChainForward, ChainLockerPrerouting, ChainLockerForward} {
		if err := r.table.EnsureChain(c); err != nil {
			return fmt.Errorf("%w: create %s: %v", ErrChainSetup, c, err)
		}
	}

	jumps := []struct {
		from ChainRef
		rule Rule
	}{
		{ChainPrerouting, Rule{Comment: EntryTag, DestLocal: true, Action: ActionJump, JumpTarget: ChainLockerPrerouting.Name}},
		{ChainForward, Rule{Comment: EntryTag, Action: ActionJump, JumpTarget: ChainLockerForward.Name}},
	}
	for _, j := range jumps {
		found, err := r.hasTaggedIn(j.from, EntryTag)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrChainSetup, err)
		}
		if found {
			continue
		}
		r.log.Debug("adding entry jump", "chain", j.from.String(), "target", j.rule.JumpTarget)
		if err := r.table.Insert(j.from, j.rule); err != nil {
			return fmt.Errorf("%w: insert jump in %s: %v", ErrChainSetup, j.from, err)
		}
		r.notify("insert", 1)
	}
	return nil
}

func (r *Reconciler) hasTaggedIn(c ChainRef, tag string) (bool, error) {
	rules, err := r.table.Rules(c)
	if err != nil {
		return false, fmt.Errorf("list %s: %w", c, err)
	}
	for _, rule := range rules {
		if rule.Comment == tag {
			return true, nil
		}
	}
	return false, nil
}

// HasTagged reports whether any governed chain holds a rule tagged tag.
func (r *Reconciler) HasTagged(tag string) (bool, error) {
	for _, c := range []ChainRef{ChainLockerPrerouting, ChainLockerForward} {
		found, err := r.hasTaggedIn(c, tag)
		if err != nil || found {
			return found, err
		}
	}
	return false, nil
}

// AddPortForward installs the DNAT rule and its FORWARD/ACCEPT companion.
// The DNAT rule always goes in first.
func (r *Reconciler) AddPortForward(tag, bridge string, containerIP netip.Addr, pf types.PortForward) error {
	if !containerIP.Is4() {
		return fmt.Errorf("port forwarding requires an IPv4 container address, got %s", containerIP)
	}
	dnat := Rule{
		Comment:  tag,
		Protocol: pf.Protocol,
		In:       IfaceMatch{Name: bridge, Invert: true},
		DestPort: pf.HostPort,
		Action:   ActionDNAT,
		ToAddr:   containerIP,
		ToPort:   pf.ContainerPort,
	}
	if pf.HostIP.IsValid() {
		dnat.Destination = Host(pf.HostIP)
	}
	forward := Rule{
		Comment:     tag,
		Protocol:    pf.Protocol,
		Destination: Host(containerIP),
		In:          IfaceMatch{Name: bridge, Invert: true},
		Out:         IfaceMatch{Name: bridge},
		DestPort:    pf.ContainerPort,
		Action:      ActionAccept,
	}

	if err := r.table.Insert(ChainLockerPrerouting, dnat); err != nil {
		return fmt.Errorf("insert DNAT for %s: %w", pf, err)
	}
	if err := r.table.Insert(ChainLockerForward, forward); err != nil {
		return fmt.Errorf("insert FORWARD for %s: %w", pf, err)
	}
	r.notify("insert", 2)
	r.log.Debug("added port forward", logging.Tag(tag), "forward", pf.String(), "container_ip", containerIP.String())
	return nil
}

// InstallPortForwards adds every target unless rules tagged tag already
// exist, in which case nothing is touched and Skipped is returned.
func (r *Reconciler) InstallPortForwards(tag, bridge string, targets []PortTarget) (types.Outcome, error) {
	found, err := r.HasTagged(tag)
	if err != nil {
		return types.Skipped, err
	}
	if found {
		return types.Skipped, nil
	}
	for _, t := range targets {
		if err := r.AddPortForward(tag, bridge, t.ContainerIP, t.Forward); err != nil {
			return types.Performed, err
		}
	}
	return types.Performed, nil
}

// RemoveByTag deletes every rule tagged tag from both governed chains and
// returns how many were deleted. Inside a batch, delete errors are logged
// and skipped.
func (r *Reconciler) RemoveByTag(tag string) (int, error) {
	return r.removeTagged(tag, ChainLockerPrerouting, ChainLockerForward)
}

func (r *Reconciler) removeTagged(tag string, chains ...ChainRef) (int, error) {
	var (
		removed int
		errs    []error
	)
	for _, c := range chains {
		rules, err := r.table.Rules(c)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s: %w", c, err))
			continue
		}
		for _, rule := range rules {
			if rule.Comment != tag {
				continue
			}
			if err := r.table.Delete(c, rule); err != nil {
				errs = append(errs, fmt.Errorf("delete from %s: %w", c, err))
				continue
			}
			removed++
		}
	}
	r.notify("delete", removed)

	err := errors.Join(errs...)
	if err != nil && r.inBatch() {
		r.log.Warn("error while deleting rules, check for relics", logging.Tag(tag), logging.Err(err))
		return removed, nil
	}
	return removed, err
}

// AddLinkRules installs ACCEPT rules in both directions between every
// address of self and every peer address, tagged with the link tag of name.
func (r *Reconciler) AddLinkRules(name, bridge string, self, peers []netip.Addr) error {
	tag := LinkTag(name)
	found, err := r.hasTaggedIn(ChainLockerForward, tag)
	if err != nil {
		return err
	}
	if found {
		r.log.Debug("link rules present, skipping", logging.Tag(tag))
		return nil
	}
	iface := IfaceMatch{Name: bridge}
	n := 0
	for _, peer := range peers {
		for _, own := range self {
			pair := []Rule{
				{Comment: tag, Source: Host(own), Destination: Host(peer), In: iface, Out: iface, Action: ActionAccept},
				{Comment: tag, Source: Host(peer), Destination: Host(own), In: iface, Out: iface, Action: ActionAccept},
			}
			for _, rule := range pair {
				if err := r.table.Insert(ChainLockerForward, rule); err != nil {
					r.notify("insert", n)
					return fmt.Errorf("insert link rule: %w", err)
				}
				n++
			}
		}
	}
	r.notify("insert", n)
	return nil
}

// RemoveLinkRules deletes the link rules owned by name.
func (r *Reconciler) RemoveLinkRules(name string) (int, error) {
	return r.removeTagged(LinkTag(name), ChainLockerForward)
}

// ReplaceLinkRules removes the link rules of name and installs new ones.
func (r *Reconciler) ReplaceLinkRules(name, bridge string, self, peers []netip.Addr) error {
	if _, err := r.RemoveLinkRules(name); err != nil {
		return err
	}
	if len(self) == 0 || len(peers) == 0 {
		return nil
	}
	return r.AddLinkRules(name, bridge, self, peers)
}

// EnableMasquerade installs the project-wide forwarding and MASQUERADE
// rules for a bridge, tagged with the bridge name.
func (r *Reconciler) EnableMasquerade(subnet netip.Prefix, bridge string) (types.Outcome, error) {
	found, err := r.hasTaggedIn(ChainPostrouting, bridge)
	if err != nil {
		return types.Skipped, err
	}
	if found {
		return types.Skipped, nil
	}

	subnet = subnet.Masked()
	rules := []struct {
		chain ChainRef
		rule  Rule
	}{
		{ChainForward, Rule{Comment: bridge, In: IfaceMatch{Name: bridge}, Out: IfaceMatch{Name: bridge, Invert: true}, Action: ActionAccept}},
		{ChainForward, Rule{Comment: bridge, In: IfaceMatch{Name: bridge, Invert: true}, Out: IfaceMatch{Name: bridge}, Action: ActionAccept}},
		{ChainPostrouting, Rule{Comment: bridge, Source: AddrMatch{Prefix: subnet}, Destination: AddrMatch{Prefix: subnet, Invert: true}, Action: ActionMasquerade}},
	}
	for i, x := range rules {
		if err := r.table.Insert(x.chain, x.rule); err != nil {
			r.notify("insert", i)
			return types.Performed, fmt.Errorf("insert NAT rule in %s: %w", x.chain, err)
		}
	}
	r.notify("insert", len(rules))
	return types.Performed, nil
}

// DisableMasquerade removes the rules installed by EnableMasquerade.
func (r *Reconciler) DisableMasquerade(bridge string) (int, error) {
	return r.removeTagged(bridge, ChainForward, ChainPostrouting)
}

// PortForwards decodes the DNAT rules tagged tag.
func (r *Reconciler) PortForwards(tag string) ([]PortForward, error) {
	rules, err := r.table.Rules(ChainLockerPrerouting)
	if err != nil {
		return nil, err
	}
	var out []PortForward
	// Rules are prepended, so walk backwards to report them in insertion order.
	for i := len(rules) - 1; i >= 0; i-- {
		rule := rules[i]
		if rule.Comment != tag || rule.Action != ActionDNAT {
			continue
		}
		pf := PortForward{
			Protocol:      rule.Protocol,
			HostPort:      rule.DestPort,
			ContainerIP:   rule.ToAddr,
			ContainerPort: rule.ToPort,
		}
		if rule.Destination.Prefix.IsValid() {
			pf.HostIP = rule.Destination.Prefix.Addr()
		}
		out = append(out, pf)
	}
	return out, nil
}

// Batch runs fn with auto-commit disabled and commits once afterwards.
// Nested calls join the outer batch.
func (r *Reconciler) Batch(fn func() error) error {
	r.mu.Lock()
	r.batching++
	outer := r.batching == 1
	r.mu.Unlock()

	if outer {
		r.table.SetAutoCommit(false)
	}

	fnErr := fn()

	r.mu.Lock()
	r.batching--
	r.mu.Unlock()

	if !outer {
		return fnErr
	}

	commitErr := r.table.Commit()
	// Chains recreated by Refresh must be flushed right away.
	r.table.SetAutoCommit(true)
	if err := r.table.Refresh(); err != nil {
		r.log.Warn("refresh after commit failed", logging.Err(err))
	}
	if commitErr != nil {
		commitErr = fmt.Errorf("commit rule batch: %w", commitErr)
	}
	return errors.Join(fnErr, commitErr)
}

func (r *Reconciler) inBatch() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batching > 0
}
