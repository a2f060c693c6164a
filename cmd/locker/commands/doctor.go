package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/moltbunker/locker/internal/doctor"
)

var (
	doctorJSON     bool
	doctorCategory string
)

func NewDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check host prerequisites",
		Long: `Run diagnostic checks to verify the host can run locker projects.

The doctor command checks for:
- Container backends (LXC tools, containerd socket)
- Packet forwarding and file descriptor limits
- Root privileges
- The hosts file and project descriptor

Examples:
  locker doctor                   # Run all checks
  locker doctor --json            # Output results as JSON
  locker doctor --category system # Only check system settings`,
		Args: cobra.NoArgs,
		RunE: runDoctor,
	}

	cmd.Flags().BoolVar(&doctorJSON, "json", false, "Output results as JSON")
	cmd.Flags().StringVar(&doctorCategory, "category", "", "Filter checks by category (runtime, system, config, permissions)")

	return cmd
}

var errUnhealthy = errors.New("host is not ready")

func runDoctor(cmd *cobra.Command, args []string) error {
	category, err := doctor.ParseCategory(doctorCategory)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	d := doctor.New(doctor.Options{JSON: doctorJSON, Category: category}, os.Stdout, isTTY(),
		doctor.DefaultCheckers(cfg, DescriptorFile)...)
	report, err := d.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("doctor check failed: %w", err)
	}

	if !report.Summary.IsHealthy() && !doctorJSON {
		return errUnhealthy
	}
	return nil
}
