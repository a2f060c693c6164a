package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/moltbunker/locker/internal/project"
)

type projectOp func(p *project.Project, ctx context.Context) (*project.Report, error)

// newProjectCmd builds a command applying op to the containers named as
// arguments, or to all containers of the project.
func newProjectCmd(use, short, long string, op projectOp) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [container...]",
		Short: short,
		Long:  long,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(args)
			if err != nil {
				return err
			}
			defer s.Close()
			report, err := op(s.project, cmd.Context())
			return printReport(report, err)
		},
	}
}

// printReport summarizes report and returns an error when the operation
// was aborted or failed for every container.
func printReport(report *project.Report, err error) error {
	if report != nil {
		if names := report.Performed(); len(names) > 0 {
			Success(fmt.Sprintf("%s: %s", report.Operation, strings.Join(names, ", ")))
		}
		if names := report.Skipped(); len(names) > 0 {
			Info(fmt.Sprintf("%s: nothing to do for %s", report.Operation, strings.Join(names, ", ")))
		}
		if names := report.Failed(); len(names) > 0 {
			Error(fmt.Sprintf("%s failed: %s", report.Operation, strings.Join(names, ", ")))
		}
	}
	if err != nil {
		return err
	}
	if report != nil && report.AllFailed() {
		return fmt.Errorf("%s failed for every container: %w", report.Operation, report.Err())
	}
	return nil
}

func NewStartCmd() *cobra.Command {
	return newProjectCmd("start", "Start containers",
		"Create the project bridge if needed, start the containers and apply\n"+
			"their cgroup settings, port forwards and links.",
		(*project.Project).Start)
}

func NewStopCmd() *cobra.Command {
	return newProjectCmd("stop", "Stop containers",
		"Stop the containers and remove their port forwards and links.",
		(*project.Project).Stop)
}

func NewCreateCmd() *cobra.Command {
	return newProjectCmd("create", "Create containers",
		"Create the containers from their template, download or clone source\n"+
			"and move volume contents to the host.",
		(*project.Project).Create)
}

func NewRmCmd() *cobra.Command {
	return newProjectCmd("rm", "Remove containers",
		"Stop and destroy the containers. Asks for confirmation unless -x is given.",
		(*project.Project).Remove)
}

func NewPortsCmd() *cobra.Command {
	return newProjectCmd("ports", "Add port forwards",
		"Install the port forwarding rules of running containers.",
		(*project.Project).Ports)
}

func NewRmPortsCmd() *cobra.Command {
	return newProjectCmd("rmports", "Remove port forwards",
		"Remove the port forwarding rules of the containers.",
		(*project.Project).RmPorts)
}

func NewLinksCmd() *cobra.Command {
	return newProjectCmd("links", "Update links",
		"Make linked containers resolvable and reachable from each other.",
		(*project.Project).Links)
}

func NewRmLinksCmd() *cobra.Command {
	return newProjectCmd("rmlinks", "Remove links",
		"Remove link entries and link rules of the containers.",
		(*project.Project).RmLinks)
}

func NewCgroupCmd() *cobra.Command {
	return newProjectCmd("cgroup", "Apply cgroup settings",
		"Apply the cgroup settings of the containers, live when running and\n"+
			"persistently in their configuration.",
		(*project.Project).Cgroup)
}

func NewCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Stop the project and remove its bridge",
		Long: "Stop every container of the project. When all are stopped, remove\n" +
			"the project's firewall rules and delete its bridge.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(nil)
			if err != nil {
				return err
			}
			defer s.Close()
			report, err := s.project.Cleanup(cmd.Context())
			if errors.Is(err, project.ErrCleanupIncomplete) {
				Warning("bridge kept, not every container could be stopped")
			}
			return printReport(report, err)
		},
	}
}
