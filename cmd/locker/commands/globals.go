package commands

import (
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Global CLI flags
var (
	Verbose        bool
	DontAsk        bool
	DontCopy       bool
	DescriptorFile string
	ProjectName    string
	Restart        bool
	NoPorts        bool
	NoLinks        bool
	AddHosts       bool
	ConfigPath     string
	BackendName    string
	LXCPath        string
	NoColor        bool
)

// RegisterGlobalFlags adds the flags shared by all commands to root.
func RegisterGlobalFlags(root *cobra.Command) {
	f := root.PersistentFlags()
	f.BoolVarP(&Verbose, "verbose", "v", false, "Log debug messages")
	f.BoolVarP(&DontAsk, "delete-dont-ask", "x", false, "Do not ask before deleting containers or moving volumes")
	f.BoolVarP(&DontCopy, "dont-copy-on-create", "d", false, "Do not move volume contents to the host on create")
	f.StringVarP(&DescriptorFile, "file", "f", "locker.yml", "Project descriptor")
	f.StringVarP(&ProjectName, "project", "p", "", "Project name (default: name of the current directory)")
	f.BoolVarP(&Restart, "restart", "r", false, "Restart running containers on start")
	f.BoolVar(&NoPorts, "no-ports", false, "Do not add or remove port forwards on start and stop")
	f.BoolVar(&NoLinks, "no-links", false, "Do not update links on start and stop")
	f.BoolVar(&AddHosts, "add-hosts", false, "Make container names resolvable on the host")
	f.StringVar(&ConfigPath, "config", "", "Tool configuration file (default: "+defaultConfigHint+")")
	f.StringVar(&BackendName, "backend", "", "Container backend: auto, lxc or containerd")
	f.StringVar(&LXCPath, "lxcpath", "", "LXC container directory")
	f.BoolVar(&NoColor, "no-color", false, "Disable colored output")
}

const defaultConfigHint = "~/.config/locker/config.yaml or /etc/locker/config.yaml"

// Version information (set at build time)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// GetVersion returns the version string
func GetVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}

// GetCommit returns the git commit
func GetCommit() string {
	if Commit != "unknown" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				if len(setting.Value) > 8 {
					return setting.Value[:8]
				}
				return setting.Value
			}
		}
	}
	return "unknown"
}

// GetGoVersion returns the Go version
func GetGoVersion() string {
	return runtime.Version()
}
