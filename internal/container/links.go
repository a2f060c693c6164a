package container

import (
	"context"
	"errors"
	"io/fs"
	"net/netip"
	"regexp"
	"strings"

	"github.com/moltbunker/locker/internal/hosts"
	"github.com/moltbunker/locker/internal/logging"
	"github.com/moltbunker/locker/pkg/types"
)

// linkEntry is a peer address with the names it is known by.
type linkEntry struct {
	addr  netip.Addr
	peer  string
	names []string
}

// Links makes the declared peers resolvable inside the container and, when
// it runs, allows traffic between them. With auto set, stopped peers are
// expected and only logged at debug level.
func (c *Container) Links(ctx context.Context, auto bool) (types.Outcome, error) {
	defined, err := c.IsDefined(ctx)
	if err != nil {
		return types.Skipped, c.fail("links", err)
	}
	if !defined {
		c.log.Debug("container is not yet defined")
		return types.Skipped, nil
	}
	if len(c.spec.Links) == 0 {
		c.log.Debug("no links defined")
		return types.Skipped, nil
	}

	c.log.Info("updating links")
	var entries []linkEntry
	for _, raw := range c.spec.Links {
		link, err := types.ParseLink(raw)
		if err != nil {
			c.log.Error("invalid link statement", logging.Err(err))
			continue
		}
		var peer *Container
		if c.env.Peer != nil {
			peer = c.env.Peer(link.Name)
		}
		if peer == nil {
			c.log.Error("cannot link with unavailable container", "peer", link.Name)
			continue
		}
		running, err := peer.IsRunning(ctx)
		if err != nil || !running {
			if auto {
				c.log.Debug("cannot link with stopped container", "peer", link.Name)
			} else {
				c.log.Warn("cannot link with stopped container", "peer", link.Name)
			}
			continue
		}
		addrs, err := peer.waitForAddresses(ctx)
		if err != nil {
			c.log.Warn("could not get peer addresses", "peer", link.Name, logging.Err(err))
			continue
		}
		names := dedupe(nonEmpty(peer.spec.FQDN, link.Name, link.Alias))
		for _, addr := range addrs {
			entries = append(entries, linkEntry{addr: addr, peer: link.Name, names: names})
		}
	}

	c.logResults(c.updateEtcHosts(ctx, entries))
	if err := c.updateLinkRules(ctx, entries); err != nil {
		return types.Performed, c.fail("links", err)
	}
	return types.Performed, nil
}

// RmLinks drops every link entry and link rule of the container.
func (c *Container) RmLinks(ctx context.Context) (types.Outcome, error) {
	defined, err := c.IsDefined(ctx)
	if err != nil || !defined {
		return types.Skipped, err
	}
	c.log.Info("removing links")
	c.logResults(c.updateEtcHosts(ctx, nil))
	if err := c.env.Firewall.EnsureEntryChain(); err != nil {
		return types.Performed, err
	}
	if _, err := c.env.Firewall.RemoveLinkRules(c.name); err != nil {
		return types.Performed, c.fail("rmlinks", err)
	}
	return types.Performed, nil
}

func nonEmpty(values ...string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (c *Container) linkComment(peer string) string {
	return types.QualifiedName(c.env.Project, peer)
}

func (c *Container) linkPattern() *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(c.env.Project) + `_.*$`)
}

// updateEtcHosts replaces the project entries of the container's hosts
// file with entries. Entries sharing an address are merged.
func (c *Container) updateEtcHosts(ctx context.Context, entries []linkEntry) []FileResult {
	path, err := c.rootfsPath(ctx, "etc/hosts")
	if err != nil {
		return []FileResult{{Path: "etc/hosts", Err: err}}
	}

	type row struct {
		names   []string
		comment string
	}
	var (
		order []netip.Addr
		rows  = make(map[netip.Addr]*row)
	)
	for _, e := range entries {
		if r, ok := rows[e.addr]; ok {
			r.names = dedupe(append(r.names, e.names...))
			continue
		}
		order = append(order, e.addr)
		rows[e.addr] = &row{names: append([]string(nil), e.names...), comment: c.linkComment(e.peer)}
	}

	err = editHosts(path, func(f *hosts.File) error {
		f.RemoveByCommentPattern(c.linkPattern())
		for _, addr := range order {
			r := rows[addr]
			if err := f.Add(addr, r.names, r.comment); err != nil {
				c.log.Warn("could not add hosts entry", "address", addr.String(), logging.Err(err))
			}
		}
		return nil
	})
	return []FileResult{{Path: path, Err: err}}
}

// updateLinkRules replaces the link rules of a running container.
func (c *Container) updateLinkRules(ctx context.Context, entries []linkEntry) error {
	if err := c.env.Firewall.EnsureEntryChain(); err != nil {
		return err
	}
	running, err := c.IsRunning(ctx)
	if err != nil {
		return err
	}
	if !running {
		_, err := c.env.Firewall.RemoveLinkRules(c.name)
		return err
	}
	self, err := c.waitForAddresses(ctx)
	if err != nil {
		return err
	}
	peers := make([]netip.Addr, 0, len(entries))
	for _, e := range entries {
		if e.addr.Is4() {
			peers = append(peers, e.addr)
		}
	}
	var own []netip.Addr
	for _, a := range self {
		if a.Is4() {
			own = append(own, a)
		}
	}
	return c.env.Firewall.ReplaceLinkRules(c.name, c.env.Network.InterfaceName(), own, peers)
}

// LinkedTo returns the peers present in the container's hosts file.
func (c *Container) LinkedTo(ctx context.Context) ([]string, error) {
	path, err := c.rootfsPath(ctx, "etc/hosts")
	if err != nil {
		return nil, err
	}
	f, err := hosts.Load(path, true)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	prefix := c.env.Project + "_"
	var peers []string
	for _, row := range f.Entries() {
		if row.Disabled || !strings.HasPrefix(row.Comment, prefix) {
			continue
		}
		peers = append(peers, strings.TrimPrefix(row.Comment, prefix))
	}
	return dedupe(peers), nil
}
