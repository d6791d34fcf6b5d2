package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ligustah/dgcart/internal/fetch"
	"github.com/ligustah/dgcart/internal/model"
	"github.com/ligustah/dgcart/internal/progress"
)

var errFetchIncomplete = errors.New("some downloads could not be fetched")

func newFetchCmd(a *app) *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "fetch [id]...",
		Short: "Copy completed download archives into the bucket",
		Long: `Copy the archives of completed downloads into the configured bucket.
Without ids every completed download is fetched. Archives already in the
bucket are skipped unless --overwrite is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			jobs, err := a.registry().List(ctx, "")
			if err != nil {
				return err
			}
			jobs, err = selectJobs(jobs, ids)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				jobs = readyJobs(jobs)
			}
			if len(jobs) == 0 {
				a.logf("Nothing to fetch")
				return nil
			}

			b, err := a.openBucket(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			a.logf("Fetching %d downloads into %s", len(jobs), a.cfg.Bucket)
			results, err := a.fetcher(b, overwrite).FetchAll(ctx, jobs)

			var total int64
			failed := 0
			for _, res := range results {
				switch {
				case res.JobID == 0:
				case res.Err != nil:
					failed++
					a.logf("#%d failed: %v", res.JobID, res.Err)
				case res.Skipped:
					a.logf("#%d %s already present", res.JobID, res.Key)
				default:
					total += res.Bytes
					a.logf("#%d %s %s", res.JobID, res.Key, progress.FormatBytes(res.Bytes))
				}
			}
			a.logf("Fetched %s", progress.FormatBytes(total))

			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d: %w", failed, len(jobs), errFetchIncomplete)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace archives that are already in the bucket")
	return cmd
}

func readyJobs(jobs []model.DownloadJob) []model.DownloadJob {
	out := make([]model.DownloadJob, 0, len(jobs))
	for _, j := range jobs {
		if fetch.Ready(j) {
			out = append(out, j)
		}
	}
	return out
}
