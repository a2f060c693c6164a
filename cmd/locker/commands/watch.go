package commands

import (
	"github.com/spf13/cobra"

	"github.com/moltbunker/locker/internal/logging"
	"github.com/moltbunker/locker/internal/watch"
)

func NewWatchCmd() *cobra.Command {
	var debounce = watch.DefaultDebounce
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow descriptor changes",
		Long: "Refresh links and host name exposure of all containers whenever the\n" +
			"descriptor changes. Containers are not started or stopped.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(nil)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			if err := s.project.Refresh(ctx); err != nil {
				return err
			}
			w, err := watch.New(DescriptorFile, debounce)
			if err != nil {
				return err
			}
			Info("watching " + DescriptorFile)
			return w.Run(ctx, func() {
				if err := s.reload(); err != nil {
					logging.Error("could not reload descriptor", logging.Err(err))
					return
				}
				if err := s.project.Refresh(ctx); err != nil {
					logging.Error("refresh failed", logging.Err(err))
					return
				}
				Success("descriptor reloaded")
			})
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", debounce, "Quiet period before reacting to changes")
	return cmd
}
