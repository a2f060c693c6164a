// Package container drives a single declared container through its
// lifecycle and keeps its network, mounts and name resolution in line with
// the declaration.
package container

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/moltbunker/locker/internal/firewall"
	"github.com/moltbunker/locker/internal/logging"
	"github.com/moltbunker/locker/internal/runtime"
	"github.com/moltbunker/locker/pkg/types"
)

// Network is the project bridge as seen by its containers.
type Network interface {
	InterfaceName() string
	Gateway() (netip.Addr, error)
	Lease(ctx context.Context) (netip.Prefix, error)
	Release(addr netip.Addr)
}

// Confirmer asks the operator a yes/no question.
type Confirmer interface {
	Confirm(question string) (bool, error)
}

// Options are the command line switches affecting container operations.
type Options struct {
	Restart              bool // restart running containers on start
	DontAsk              bool // skip delete and volume move confirmations
	NoCopyOnCreate       bool // skip moving volume contents to the host
	StopTimeout          time.Duration
	AddressRetries       int
	AddressRetryInterval time.Duration
}

// Env is the project environment shared by all containers of a project.
type Env struct {
	Project  string
	Backend  runtime.Backend
	Network  Network
	Firewall *firewall.Reconciler
	Confirm  Confirmer
	Defaults types.Defaults
	Options  Options

	// Peer returns the project container with the given short name, or nil.
	Peer func(name string) *Container
	// HostNameservers supplies the addresses used for "$copy" DNS entries.
	HostNameservers func() ([]netip.Addr, error)
	// Runner executes the copy fallback when a volume cannot be renamed.
	Runner runtime.CommandRunner
}

// Container is one declared container of a project.
type Container struct {
	short string
	name  string
	spec  types.ContainerSpec
	env   *Env
	color string
	log   *slog.Logger
}

// New creates the container short of project env. The container does not
// need to exist in the backend.
func New(short string, spec types.ContainerSpec, env *Env, color string) (*Container, error) {
	if !types.ValidContainerName(short) {
		return nil, &OpError{Op: "load", Container: short, Err: ErrInvalidSpec}
	}
	if env.Runner == nil {
		env.Runner = runtime.ExecRunner{}
	}
	return &Container{
		short: short,
		name:  types.QualifiedName(env.Project, short),
		spec:  spec,
		env:   env,
		color: color,
		log:   logging.With(logging.Container(short), logging.Project(env.Project)),
	}, nil
}

// Name returns the backend name, "<project>_<short>".
func (c *Container) Name() string { return c.name }

// ShortName returns the name used in the descriptor.
func (c *Container) ShortName() string { return c.short }

// Spec returns the declaration of the container.
func (c *Container) Spec() types.ContainerSpec { return c.spec }

// Color returns the display color, empty when colors are disabled.
func (c *Container) Color() string { return c.color }

// Logger returns the logger carrying the container identity.
func (c *Container) Logger() *slog.Logger { return c.log }

func (c *Container) backend() runtime.Backend { return c.env.Backend }

func (c *Container) vars() types.Vars {
	return types.Vars{Name: c.name, Project: c.env.Project, FQDN: c.spec.FQDN}
}

// State returns the backend state, StateUndefined for unknown containers.
func (c *Container) State(ctx context.Context) (runtime.State, error) {
	state, err := c.backend().State(ctx, c.name)
	if errors.Is(err, runtime.ErrNotDefined) {
		return runtime.StateUndefined, nil
	}
	return state, err
}

// IsDefined reports whether the backend knows the container.
func (c *Container) IsDefined(ctx context.Context) (bool, error) {
	return c.backend().IsDefined(ctx, c.name)
}

// IsRunning reports whether the container is running.
func (c *Container) IsRunning(ctx context.Context) (bool, error) {
	return c.backend().IsRunning(ctx, c.name)
}

// Addresses returns the addresses of a running container, nil otherwise.
func (c *Container) Addresses(ctx context.Context) ([]netip.Addr, error) {
	running, err := c.IsRunning(ctx)
	if err != nil || !running {
		return nil, err
	}
	return c.backend().AssignedAddresses(ctx, c.name, runtime.FamilyAll)
}

// PortForwards returns the installed port forwards of the container.
func (c *Container) PortForwards() ([]firewall.PortForward, error) {
	return c.env.Firewall.PortForwards(c.name)
}

// FileResult is the outcome of a best-effort file update.
type FileResult struct {
	Path string
	Err  error
}

func (c *Container) logResults(results []FileResult) {
	for _, r := range results {
		if r.Err != nil {
			c.log.Warn("could not update file", "path", r.Path, logging.Err(r.Err))
			continue
		}
		c.log.Debug("updated file", "path", r.Path)
	}
}
