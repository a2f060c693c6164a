package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/moltbunker/locker/cmd/locker/commands"
)

var rootCmd = &cobra.Command{
	Use:   "locker",
	Short: "Declarative orchestration of Linux containers",
	Long: "locker creates, starts and wires up the containers declared in a\n" +
		"locker.yml descriptor: one bridge per project, port forwards, links\n" +
		"and host name resolution.",
	Version:       commands.GetVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	commands.RegisterGlobalFlags(rootCmd)
}

func main() {
	rootCmd.AddCommand(commands.NewStartCmd())
	rootCmd.AddCommand(commands.NewStopCmd())
	rootCmd.AddCommand(commands.NewCreateCmd())
	rootCmd.AddCommand(commands.NewRmCmd())
	rootCmd.AddCommand(commands.NewStatusCmd())
	rootCmd.AddCommand(commands.NewPortsCmd())
	rootCmd.AddCommand(commands.NewRmPortsCmd())
	rootCmd.AddCommand(commands.NewLinksCmd())
	rootCmd.AddCommand(commands.NewRmLinksCmd())
	rootCmd.AddCommand(commands.NewCgroupCmd())
	rootCmd.AddCommand(commands.NewCleanupCmd())
	rootCmd.AddCommand(commands.NewWatchCmd())
	rootCmd.AddCommand(commands.NewDoctorCmd())
	rootCmd.AddCommand(commands.NewVersionCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
