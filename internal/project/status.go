package project

import (
	"context"
	"net/netip"

	"github.com/moltbunker/locker/internal/firewall"
	"github.com/moltbunker/locker/internal/logging"
	"github.com/moltbunker/locker/internal/runtime"
)

// Status describes one container for display.
type Status struct {
	Name      string // short name
	Qualified string
	Color     string
	FQDN      string
	Defined   bool
	State     runtime.State
	Addresses []netip.Addr
	Ports     []firewall.PortForward
	Links     []string
}

// Status returns the state of the selected containers. Values that cannot
// be read are left empty and logged.
func (p *Project) Status(ctx context.Context) ([]Status, error) {
	out := make([]Status, 0, len(p.selected))
	for _, c := range p.selected {
		st := Status{
			Name:      c.ShortName(),
			Qualified: c.Name(),
			Color:     c.Color(),
			FQDN:      c.Spec().FQDN,
		}
		defined, err := c.IsDefined(ctx)
		if err != nil {
			return out, err
		}
		st.Defined = defined
		if !defined {
			out = append(out, st)
			continue
		}

		if st.State, err = c.State(ctx); err != nil {
			c.Logger().Warn("could not get state", logging.Err(err))
		}
		if st.Addresses, err = c.Addresses(ctx); err != nil {
			c.Logger().Warn("could not get addresses", logging.Err(err))
		}
		if st.Ports, err = c.PortForwards(); err != nil {
			c.Logger().Debug("could not read port forwards", logging.Err(err))
		}
		if st.Links, err = c.LinkedTo(ctx); err != nil {
			c.Logger().Warn("could not read links", logging.Err(err))
		}
		out = append(out, st)
	}
	return out, nil
}
