package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ligustah/dgcart/internal/fetch"
	"github.com/ligustah/dgcart/internal/model"
	"github.com/ligustah/dgcart/internal/progress"
)

func newDownloadsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "downloads",
		Aliases: []string{"dl"},
		Short:   "List and manage your download jobs",
	}
	cmd.AddCommand(
		newDownloadsListCmd(a),
		newDownloadsDeleteCmd(a, "rm", "Delete download jobs", true),
		newDownloadsDeleteCmd(a, "restore", "Restore deleted download jobs", false),
		newDownloadsURLCmd(a),
	)
	return cmd
}

func newDownloadsListCmd(a *app) *cobra.Command {
	var queryOffset string
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List download jobs with their progress",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			jobs, err := a.registry().List(ctx, queryOffset)
			if err != nil {
				return err
			}
			printJobs(a.out, pollAll(cmd, a.poller(), jobs))
			return nil
		},
	}
	cmd.Flags().StringVar(&queryOffset, "query", "", "Raw queryOffset (default: jobs that are not deleted)")
	return cmd
}

// pollAll polls every job once. Failed polls show as unavailable.
func pollAll(cmd *cobra.Command, poller *progress.Poller, jobs []model.DownloadJob) []progress.Line {
	lines := make([]progress.Line, 0, len(jobs))
	for _, job := range jobs {
		prog, err := poller.Poll(cmd.Context(), job)
		if err != nil {
			prog = progress.Unavailable
		}
		lines = append(lines, progress.Line{Job: job, Progress: prog})
	}
	return lines
}

func printJobs(w io.Writer, lines []progress.Line) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILE\tTRANSPORT\tSTATUS\tPROGRESS\tSIZE\tCREATED")
	for _, l := range lines {
		status := string(l.Job.Status)
		if l.Job.IsDeleted {
			status += " (deleted)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			l.Job.ID, l.Job.FileName, l.Job.Transport, status, l.Progress,
			progress.FormatBytes(l.Job.Size), l.Job.CreatedAt)
	}
	tw.Flush()
}

func newDownloadsDeleteCmd(a *app, use, short string, deleted bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>...",
		Short: short,
		Args:  minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			reg := a.registry()
			if _, err := reg.List(ctx, ""); err != nil {
				return err
			}
			for _, id := range ids {
				if err := reg.SetDeleted(ctx, id, deleted); err != nil {
					return err
				}
			}
			a.logf("%d downloads remain", len(reg.Downloads("")))
			return nil
		},
	}
}

func newDownloadsURLCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "url <id>",
		Short: "Print the link to a completed download",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			job, err := a.registry().Job(cmd.Context(), ids[0])
			if err != nil {
				return err
			}
			if !fetch.Ready(job) {
				return fmt.Errorf("download %d is %s: %w", job.ID, job.Status, fetch.ErrNotReady)
			}
			f := a.fetcher(nil, false)
			fmt.Fprintln(a.out, f.DataURL(job))
			return nil
		},
	}
}

// selectJobs returns the jobs with the given ids, or all jobs when ids is
// empty. Unknown ids are an error.
func selectJobs(jobs []model.DownloadJob, ids []int64) ([]model.DownloadJob, error) {
	if len(ids) == 0 {
		return jobs, nil
	}
	byID := make(map[int64]model.DownloadJob, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}
	out := make([]model.DownloadJob, 0, len(ids))
	for _, id := range ids {
		j, ok := byID[id]
		if !ok {
			return nil, usagef("download %d not found", id)
		}
		out = append(out, j)
	}
	return out, nil
}
