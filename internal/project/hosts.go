package project

import (
	"context"
	"net/netip"
	"regexp"

	"github.com/moltbunker/locker/internal/hosts"
	"github.com/moltbunker/locker/internal/logging"
)

func (p *Project) hostsPattern() *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(p.name) + `_.*$`)
}

// ExposeHosts rewrites the project rows of the host hosts file with one row
// per address of every running project container. Rows of other projects
// and unmanaged rows are kept.
func (p *Project) ExposeHosts(ctx context.Context) error {
	type row struct {
		addr    netip.Addr
		names   []string
		comment string
	}
	var rows []row
	for _, c := range p.all {
		addrs, err := c.Addresses(ctx)
		if err != nil {
			c.Logger().Warn("could not get addresses", logging.Err(err))
			continue
		}
		names := []string{c.Name()}
		if fqdn := c.Spec().FQDN; fqdn != "" {
			names = []string{fqdn, c.Name()}
		}
		for _, addr := range addrs {
			rows = append(rows, row{addr: addr, names: names, comment: c.Name()})
		}
	}

	return p.editHostHosts(func(f *hosts.File) {
		for _, r := range rows {
			if err := f.Add(r.addr, r.names, r.comment); err != nil {
				p.log.Warn("could not add host hosts entry", "address", r.addr.String(), logging.Err(err))
			}
		}
	})
}

// hideHosts drops every project row from the host hosts file.
func (p *Project) hideHosts() error {
	return p.editHostHosts(func(*hosts.File) {})
}

func (p *Project) editHostHosts(add func(*hosts.File)) error {
	f, err := hosts.Load(p.hostsFile, true)
	if err != nil {
		return err
	}
	removed := f.RemoveByCommentPattern(p.hostsPattern())
	p.log.Debug("removed host hosts entries", "count", removed)
	add(f)
	return f.Save(p.hostsFile)
}

func (p *Project) logHostsResult(err error) {
	if err != nil {
		p.log.Warn("could not update host hosts file", "path", p.hostsFile, logging.Err(err))
	}
}
