package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ligustah/dgcart/internal/cart"
	"github.com/ligustah/dgcart/internal/model"
	"github.com/ligustah/dgcart/internal/progress"
	"github.com/ligustah/dgcart/internal/sizes"
	"github.com/ligustah/dgcart/internal/submit"
)

var errSubmitFailed = errors.New("submission did not produce a download")

func newCartCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cart",
		Short: "Inspect and change the download cart",
	}
	cmd.AddCommand(
		newCartListCmd(a),
		newCartAddCmd(a),
		newCartRemoveCmd(a),
		newCartClearCmd(a),
		newCartSubmitCmd(a),
		newCartQueueCmd(a),
	)
	return cmd
}

func newCartListCmd(a *app) *cobra.Command {
	var withSizes bool
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List the items in the cart",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			items, err := a.cartStore().Fetch(ctx)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(a.out, "Cart is empty")
				return nil
			}
			if !withSizes {
				printItems(a.out, items, nil)
				return nil
			}

			tally := a.aggregator().Start(ctx, items)
			totals, err := tally.Wait(ctx)
			if err != nil {
				return err
			}
			printItems(a.out, items, tally.Entries())
			printTotals(a.out, totals)
			return nil
		},
	}
	cmd.Flags().BoolVar(&withSizes, "sizes", false, "Resolve the size and file count of every item")
	return cmd
}

func printItems(w io.Writer, items []model.CartItem, entries []sizes.Entry) {
	byKey := make(map[model.ItemKey]sizes.Entry, len(entries))
	for _, e := range entries {
		byKey[e.Item] = e
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if entries == nil {
		fmt.Fprintln(tw, "TYPE\tID\tNAME")
	} else {
		fmt.Fprintln(tw, "TYPE\tID\tNAME\tSIZE\tFILES")
	}
	for _, it := range items {
		if entries == nil {
			fmt.Fprintf(tw, "%s\t%d\t%s\n", it.EntityType, it.EntityID, it.Name)
			continue
		}
		e := byKey[it.Key()]
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", it.EntityType, it.EntityID, it.Name,
			formatValue(e.Size, e.SizeErr, progress.FormatBytes),
			formatValue(e.Count, e.CountErr, func(v int64) string { return strconv.FormatInt(v, 10) }),
		)
	}
	tw.Flush()
}

func formatValue(v *int64, err error, format func(int64) string) string {
	switch {
	case v != nil:
		return format(*v)
	case err != nil:
		return "unavailable"
	}
	return "calculating"
}

func printTotals(w io.Writer, t sizes.Totals) {
	fmt.Fprintf(w, "Total size: %s (%s)\n", progress.FormatBytes(t.Size.Sum), t.Size.State)
	fmt.Fprintf(w, "Total files: %d (%s)\n", t.Count.Sum, t.Count.State)
}

func newCartAddCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "add <investigation|dataset|datafile> <id>...",
		Short: "Add entities of one type to the cart",
		Args:  minArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entityType, ids, err := parseEntities(args)
			if err != nil {
				return err
			}
			items, err := a.cartStore().Add(cmd.Context(), entityType, ids...)
			if err != nil {
				return err
			}
			a.logf("Cart now holds %d items", len(items))
			return nil
		},
	}
}

func newCartRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <investigation|dataset|datafile> <id>",
		Short: "Remove one entity from the cart",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entityType, ids, err := parseEntities(args)
			if err != nil {
				return err
			}
			items, err := a.cartStore().RemoveEntity(cmd.Context(), entityType, ids[0])
			if err != nil {
				return err
			}
			a.logf("Cart now holds %d items", len(items))
			return nil
		},
	}
}

func newCartClearCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every item from the cart",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force && !confirm(cmd, "Remove every item from the cart? [y/N]: ") {
				fmt.Fprintln(a.errOut, "Cancelled")
				return nil
			}
			if err := a.cartStore().RemoveAll(cmd.Context()); err != nil {
				return err
			}
			a.logf("Cart cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Skip confirmation prompt")
	return cmd
}

func newCartSubmitCmd(a *app) *cobra.Command {
	var (
		params    cart.SubmitParams
		doFetch   bool
		overwrite bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit the cart as a download job",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if params.FileName == "" {
				return usagef("--file-name is required")
			}

			store := a.cartStore()
			status, err := store.TransportStatus(ctx, params.Transport)
			if err != nil {
				return err
			}
			if status.Disabled {
				return usagef("transport %s is disabled: %s", params.Transport, status.Message)
			}
			if status.Message != "" {
				a.logf("%s: %s", params.Transport, status.Message)
			}

			var trigger submit.Trigger
			if doFetch {
				b, err := a.openBucket(ctx)
				if err != nil {
					return err
				}
				defer b.Close()
				trigger = a.fetcher(b, overwrite)
			}

			s := submit.New(store, a.registry(), trigger)
			s.OnTransition = func(from, to submit.State) {
				a.log.Debug().Stringer("from", from).Stringer("to", to).Msg("submission state")
			}
			out := s.Run(ctx, params)

			switch out.State {
			case submit.SubmitFailed:
				return fmt.Errorf("%w: %w", errSubmitFailed, out.Err)
			case submit.JobUnavailable:
				a.logf("Submitted download #%d, but it could not be loaded", out.DownloadID)
				return out.Err
			}

			job := *out.Job
			prog, _ := a.poller().Poll(ctx, job)
			a.logf("Submitted download #%d %s | %s | %s", job.ID, job.FileName, job.Status, prog)
			if job.Status != model.StatusComplete {
				if twoLevel, err := store.IsTwoLevel(ctx); err == nil && twoLevel {
					a.logf("Data is being restored from archive storage, run 'dgcart watch' to follow it")
				}
			}
			if out.Err != nil {
				return out.Err
			}
			if out.State == submit.DownloadTriggered {
				a.logf("Fetched archive for download #%d", job.ID)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&params.Transport, "transport", "https", "Download transport")
	f.StringVar(&params.Email, "email", "", "Notification email address")
	f.StringVar(&params.FileName, "file-name", "", "Archive file name (required)")
	f.StringVar(&params.ZipType, "zip-type", cart.DefaultZipType, "Archive packaging")
	f.BoolVar(&doFetch, "fetch", false, "Copy the archive into the bucket once it is ready")
	f.BoolVar(&overwrite, "overwrite", false, "Replace an archive that is already in the bucket")
	return cmd
}

func newCartQueueCmd(a *app) *cobra.Command {
	var params cart.SubmitParams
	cmd := &cobra.Command{
		Use:   "queue-visit <visitId>",
		Short: "Queue downloads for every dataset of a visit",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store := a.cartStore()
			allowed, err := store.QueueAllowed(ctx)
			if err != nil {
				return err
			}
			if !allowed {
				return usagef("queueing visits is not allowed for this account")
			}
			if params.FileName == "" {
				params.FileName = args[0]
			}
			ids, err := store.QueueVisit(ctx, args[0], params)
			if err != nil {
				return err
			}
			a.logf("Queued %d downloads for visit %s", len(ids), args[0])
			for _, id := range ids {
				fmt.Fprintln(a.out, id)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&params.Transport, "transport", "https", "Download transport")
	f.StringVar(&params.Email, "email", "", "Notification email address")
	f.StringVar(&params.FileName, "file-name", "", "Archive file name prefix (default: the visit id)")
	return cmd
}

func parseEntities(args []string) (model.EntityType, []int64, error) {
	entityType, err := model.ParseEntityType(args[0])
	if err != nil {
		return "", nil, &usageError{err: err}
	}
	ids, err := parseIDs(args[1:])
	if err != nil {
		return "", nil, err
	}
	return entityType, ids, nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, usagef("invalid id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func confirm(cmd *cobra.Command, prompt string) bool {
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	response, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usagef("%s takes no arguments", cmd.CommandPath())
	}
	return nil
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usagef("%s needs %d arguments, got %d", cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}

func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return usagef("%s needs at least %d arguments, got %d", cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}
