// Package project applies operations to the containers declared in one
// descriptor, sharing a bridge and a firewall between them.
package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"time"

	"github.com/moltbunker/locker/internal/container"
	"github.com/moltbunker/locker/internal/firewall"
	"github.com/moltbunker/locker/internal/logging"
	"github.com/moltbunker/locker/internal/metrics"
	"github.com/moltbunker/locker/internal/networking"
	"github.com/moltbunker/locker/internal/runtime"
	"github.com/moltbunker/locker/pkg/types"
)

var (
	// ErrUnknownContainer is returned when a selected name is not declared.
	ErrUnknownContainer = errors.New("unknown container")
	// ErrCleanupIncomplete is returned when cleanup could not stop every
	// container of the project.
	ErrCleanupIncomplete = errors.New("cleanup incomplete")
)

// Recorder receives operation and lease counts.
type Recorder interface {
	RecordOperation(operation, outcome string, d time.Duration)
	LeaseGranted()
}

type nopRecorder struct{}

func (nopRecorder) RecordOperation(string, string, time.Duration) {}
func (nopRecorder) LeaseGranted()                                 {}

// Options are the command line switches of a project operation.
type Options struct {
	container.Options
	NoPorts   bool // skip port forwarding on start and stop
	NoLinks   bool // skip the link refresh after start and stop
	AddHosts  bool // expose container names in the host hosts file
	NoColor   bool
	HostsFile string // host hosts file, /etc/hosts when empty
}

// Config wires a Project to its environment.
type Config struct {
	Name       string
	Descriptor *types.Descriptor
	Selection  []string // short names; empty selects every container

	Backend  runtime.Backend
	Host     networking.HostNetwork
	Bridge   networking.BridgeOptions
	Firewall *firewall.Reconciler
	Confirm  container.Confirmer
	Recorder Recorder
	Runner   runtime.CommandRunner

	// HostNameservers supplies the addresses used for "$copy" DNS entries.
	HostNameservers func() ([]netip.Addr, error)

	Options Options
}

// Project is the set of containers of one descriptor.
type Project struct {
	name     string
	opts     Options
	bridge   *networking.Bridge
	fw       *firewall.Reconciler
	recorder Recorder
	log      *slog.Logger

	all       []*container.Container // sorted by short name
	selected  []*container.Container
	byName    map[string]*container.Container
	hostsFile string
}

// Display colors assigned to containers in sorted order.
var palette = []string{"39", "208", "170", "82", "214", "141", "45", "203", "228", "117"}

// New builds the project and discovers its bridge. Nothing is changed on
// the host.
func New(cfg Config) (*Project, error) {
	if cfg.Descriptor == nil {
		return nil, errors.New("no descriptor given")
	}
	if cfg.Name == "" {
		return nil, errors.New("empty project name")
	}
	p := &Project{
		name:      cfg.Name,
		opts:      cfg.Options,
		fw:        cfg.Firewall,
		recorder:  cfg.Recorder,
		log:       logging.With(logging.Project(cfg.Name)),
		byName:    make(map[string]*container.Container),
		hostsFile: cfg.Options.HostsFile,
	}
	if p.recorder == nil {
		p.recorder = nopRecorder{}
	}
	if p.hostsFile == "" {
		p.hostsFile = "/etc/hosts"
	}

	bridgeOpts := cfg.Bridge
	bridgeOpts.InUse = p.inUse
	bridge, err := networking.NewBridge(cfg.Name, cfg.Host, cfg.Firewall, bridgeOpts)
	if err != nil {
		return nil, err
	}
	p.bridge = bridge

	env := &container.Env{
		Project:         cfg.Name,
		Backend:         cfg.Backend,
		Network:         leaseCounter{Bridge: bridge, rec: p.recorder},
		Firewall:        cfg.Firewall,
		Confirm:         cfg.Confirm,
		Defaults:        cfg.Descriptor.Defaults,
		Options:         cfg.Options.Options,
		Peer:            p.peer,
		HostNameservers: cfg.HostNameservers,
		Runner:          cfg.Runner,
	}

	names := make([]string, 0, len(cfg.Descriptor.Containers))
	for name := range cfg.Descriptor.Containers {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		color := ""
		if !cfg.Options.NoColor {
			color = palette[i%len(palette)]
		}
		c, err := container.New(name, cfg.Descriptor.Containers[name], env, color)
		if err != nil {
			return nil, err
		}
		p.all = append(p.all, c)
		p.byName[name] = c
	}

	if err := p.selectContainers(cfg.Selection); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Project) selectContainers(names []string) error {
	if len(names) == 0 {
		p.selected = p.all
		return nil
	}
	want := make(map[string]bool, len(names))
	for _, name := range names {
		if _, ok := p.byName[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownContainer, name)
		}
		want[name] = true
	}
	for _, c := range p.all {
		if want[c.ShortName()] {
			p.selected = append(p.selected, c)
		}
	}
	return nil
}

// Name returns the project name.
func (p *Project) Name() string { return p.name }

// Bridge returns the project bridge.
func (p *Project) Bridge() *networking.Bridge { return p.bridge }

// Containers returns all containers of the project sorted by name.
func (p *Project) Containers() []*container.Container { return p.all }

// Selected returns the containers the operations apply to.
func (p *Project) Selected() []*container.Container { return p.selected }

// Container returns the container with the given short name, or nil.
func (p *Project) Container(name string) *container.Container { return p.byName[name] }

func (p *Project) peer(name string) *container.Container {
	return p.byName[name]
}

// inUse collects the IPv4 addresses of every running project container.
func (p *Project) inUse(ctx context.Context) ([]netip.Addr, error) {
	var out []netip.Addr
	for _, c := range p.all {
		addrs, err := c.Addresses(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.ShortName(), err)
		}
		for _, a := range addrs {
			if a.Is4() {
				out = append(out, a)
			}
		}
	}
	return out, nil
}

// leaseCounter counts the leases handed out by the bridge.
type leaseCounter struct {
	*networking.Bridge
	rec Recorder
}

func (l leaseCounter) Lease(ctx context.Context) (netip.Prefix, error) {
	prefix, err := l.Bridge.Lease(ctx)
	if err == nil {
		l.rec.LeaseGranted()
	}
	return prefix, err
}

// fatal reports whether err must abort the whole batch.
func fatal(err error) bool {
	return errors.Is(err, firewall.ErrChainSetup) ||
		errors.Is(err, networking.ErrAddressSpaceExhausted) ||
		errors.Is(err, networking.ErrBridgeUnavailable)
}

type containerOp func(ctx context.Context, c *container.Container) (types.Outcome, error)

// each applies fn to every container of list in order. Failures are logged
// and recorded; a fatal failure stops the loop and is returned.
func (p *Project) each(ctx context.Context, op string, list []*container.Container, fn containerOp) (*Report, error) {
	report := &Report{Operation: op}
	for _, c := range list {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		start := time.Now()
		outcome, err := fn(ctx, c)
		result := outcome.String()
		if err != nil {
			result = metrics.OutcomeFailed
		}
		p.recorder.RecordOperation(op, result, time.Since(start))
		report.add(c.ShortName(), outcome, err)
		if err == nil {
			continue
		}
		if fatal(err) {
			c.Logger().Error("aborting "+op, logging.Err(err))
			return report, err
		}
		c.Logger().Error(op+" failed", logging.Err(err))
	}
	p.log.Debug("operation finished", "operation", op, "summary", report.String())
	return report, nil
}
