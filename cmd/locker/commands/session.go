package commands

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"

	"github.com/moltbunker/locker/internal/config"
	"github.com/moltbunker/locker/internal/container"
	"github.com/moltbunker/locker/internal/firewall"
	"github.com/moltbunker/locker/internal/logging"
	"github.com/moltbunker/locker/internal/metrics"
	"github.com/moltbunker/locker/internal/networking"
	"github.com/moltbunker/locker/internal/project"
	"github.com/moltbunker/locker/internal/prompt"
	"github.com/moltbunker/locker/internal/runtime"
	"github.com/moltbunker/locker/pkg/types"
)

// session holds everything one command invocation works with.
type session struct {
	cfg      *config.Config
	name     string
	backend  runtime.Backend
	host     networking.HostNetwork
	fw       *firewall.Reconciler
	metrics  *metrics.Collector
	confirm  container.Confirmer
	project  *project.Project
	selected []string
}

// loadConfig reads the tool configuration and applies command line
// overrides.
func loadConfig() (*config.Config, error) {
	path := ConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if BackendName != "" {
		cfg.Runtime.Backend = BackendName
	}
	if LXCPath != "" {
		cfg.Runtime.LXCPath = LXCPath
	}
	if AddHosts {
		cfg.Hosts.ExposeOnHost = true
	}
	if Verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func configureLogging(cfg *config.Config) error {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	return logging.Configure(os.Stderr, cfg.Log.Format, level)
}

// projectNameFor returns the explicit project name, or the base name of dir.
func projectNameFor(explicit, dir string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	name := filepath.Base(filepath.Clean(dir))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "", errors.New("cannot derive a project name, use --project")
	}
	return name, nil
}

func newTable(cfg config.FirewallConfig) (firewall.Table, error) {
	if cfg.Backend == config.FirewallMemory {
		return firewall.NewMemoryTable(), nil
	}
	return firewall.NewNFTables(cfg.NATTable, cfg.FilterTable)
}

// openSession builds the project named on the command line. The returned
// session must be closed.
func openSession(selection []string) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := configureLogging(cfg); err != nil {
		return nil, err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	name, err := projectNameFor(ProjectName, cwd)
	if err != nil {
		return nil, err
	}

	table, err := newTable(cfg.Firewall)
	if err != nil {
		return nil, fmt.Errorf("open firewall: %w", err)
	}
	host, err := networking.NewHostNetwork()
	if err != nil {
		return nil, err
	}
	backend, err := runtime.New(cfg.Runtime)
	if err != nil {
		return nil, fmt.Errorf("open container backend: %w", err)
	}

	s := &session{
		cfg:      cfg,
		name:     name,
		backend:  backend,
		host:     host,
		fw:       firewall.NewReconciler(table),
		metrics:  metrics.NewCollector(),
		selected: selection,
	}
	s.fw.SetObserver(s.metrics)
	if DontAsk {
		s.confirm = prompt.Fixed(true)
	} else {
		s.confirm = prompt.NewTerminal()
	}

	if err := s.reload(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// reload reads the descriptor again and rebuilds the project.
func (s *session) reload() error {
	desc, err := types.LoadDescriptor(DescriptorFile)
	if err != nil {
		return err
	}
	p, err := project.New(project.Config{
		Name:       s.name,
		Descriptor: desc,
		Selection:  s.selected,
		Backend:    s.backend,
		Host:       s.host,
		Bridge: networking.BridgeOptions{
			Prefix:    s.cfg.Network.BridgePrefix,
			Candidate: netip.MustParsePrefix(s.cfg.Network.CandidatePrefix),
		},
		Firewall: s.fw,
		Confirm:  s.confirm,
		Recorder: s.metrics,
		HostNameservers: func() ([]netip.Addr, error) {
			return networking.HostNameservers(s.cfg.Network.ResolvConf)
		},
		Options: project.Options{
			Options: container.Options{
				Restart:              Restart,
				DontAsk:              DontAsk,
				NoCopyOnCreate:       DontCopy,
				StopTimeout:          s.cfg.Lifecycle.StopTimeout,
				AddressRetries:       s.cfg.Lifecycle.AddressRetries,
				AddressRetryInterval: s.cfg.Lifecycle.AddressRetryInterval,
			},
			NoPorts:   NoPorts,
			NoLinks:   NoLinks,
			AddHosts:  s.cfg.Hosts.ExposeOnHost,
			NoColor:   NoColor,
			HostsFile: s.cfg.Hosts.HostsFile,
		},
	})
	if err != nil {
		return err
	}
	s.project = p
	return nil
}

// Close writes the metrics textfile when configured and releases the
// backend.
func (s *session) Close() {
	if path := s.cfg.Metrics.Textfile; path != "" {
		if err := s.metrics.WriteTextfile(path); err != nil {
			logging.Warn("could not export metrics", logging.Err(err))
		}
	}
	if err := s.backend.Close(); err != nil {
		logging.Warn("could not close backend", logging.Err(err))
	}
}
