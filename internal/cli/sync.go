package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <kind>...",
		Short: "Run one CDC pass per entity kind",
		Long: `Fetch every page of each kind from sync.source_url, store new
versions and publish {kind}.inserted, {kind}.updated and {kind}.deleted
events on the configured bus.

Example:
  funnel sync customers orders`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.Sync.SourceURL == "" {
				return NewExitError(ExitCommandError, "sync.source_url is not configured")
			}
			pub, closeBus, err := a.publisher(ctx)
			if err != nil {
				return err
			}
			defer closeBus()

			driver := a.syncer(pub)
			f := rootOpts.formatter(cmd)
			var rows [][]string
			var all []any
			for _, kind := range args {
				stats, err := driver.Sync(ctx, kind)
				if err != nil {
					return WrapExitError(ExitFailure, "sync failed", err)
				}
				all = append(all, stats)
				rows = append(rows, []string{
					stats.Kind,
					fmt.Sprint(stats.Pages),
					fmt.Sprint(stats.Seen),
					fmt.Sprint(stats.Inserted),
					fmt.Sprint(stats.Updated),
					fmt.Sprint(stats.Unchanged),
					fmt.Sprint(stats.Deleted),
				})
			}
			return f.Table([]string{"KIND", "PAGES", "SEEN", "INSERTED", "UPDATED", "UNCHANGED", "DELETED"}, rows, all)
		},
	}
}
