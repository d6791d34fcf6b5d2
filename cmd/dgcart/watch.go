package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/ligustah/dgcart/internal/model"
	"github.com/ligustah/dgcart/internal/progress"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		interval     time.Duration
		stopWhenDone bool
		queryOffset  string
	)
	cmd := &cobra.Command{
		Use:   "watch [id]...",
		Short: "Follow the preparation progress of download jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			if interval <= 0 {
				interval = a.cfg.PollInterval
			}

			reg := a.registry()
			list := func(ctx context.Context) ([]model.DownloadJob, error) {
				jobs, err := reg.List(ctx, queryOffset)
				if err != nil {
					return nil, err
				}
				return selectJobs(jobs, ids)
			}

			w := progress.NewWatcher(list, a.poller(), progress.WatchOptions{
				Output:       a.errOut,
				Interval:     interval,
				StopWhenDone: stopWhenDone,
			})

			ctx := cmd.Context()
			w.Start(ctx)
			select {
			case <-w.Done():
			case <-ctx.Done():
				w.Stop()
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.DurationVar(&interval, "interval", 0, "Polling interval (default: poll_interval from the configuration)")
	f.BoolVar(&stopWhenDone, "stop-when-done", false, "Exit once every watched download is complete")
	f.StringVar(&queryOffset, "query", "", "Raw queryOffset (default: jobs that are not deleted)")
	return cmd
}
