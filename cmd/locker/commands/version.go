package commands

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/moltbunker/locker/internal/config"
)

func NewVersionCmd() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long: `Display the locker version, build information and the container and
firewall backends the current configuration selects.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Fprintln(cmd.OutOrStdout(), GetVersion())
				return
			}
			writeVersion(cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "Print only the version number")
	return cmd
}

func writeVersion(w io.Writer) {
	fmt.Fprintf(w, "locker %s (%s, built %s)\n", GetVersion(), GetCommit(), BuildDate)
	fmt.Fprintf(w, "  go:        %s %s/%s\n", GetGoVersion(), runtime.GOOS, runtime.GOARCH)

	path := ConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	fmt.Fprintf(w, "  config:    %s\n", path)
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(w, "  error:     %v\n", err)
		return
	}
	fmt.Fprintf(w, "  backend:   %s\n", cfg.Runtime.Backend)
	fmt.Fprintf(w, "  firewall:  %s\n", cfg.Firewall.Backend)
	fmt.Fprintf(w, "  subnets:   %s\n", cfg.Network.CandidatePrefix)
}
