package main

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ligustah/dgcart/internal/model"
	"github.com/ligustah/dgcart/internal/progress"
	"github.com/ligustah/dgcart/internal/registry"
	"github.com/ligustah/dgcart/pkg/queryoffset"
)

// stateFlags collect the admin sort and filter flags.
type stateFlags struct {
	sort     []string
	include  []string
	exclude  []string
	exact    []string
	dates    []string
	booleans []string
}

func (f *stateFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringArrayVar(&f.sort, "sort", nil, "Sort by column, as column or column:desc (repeatable, first is primary)")
	fl.StringArrayVar(&f.include, "filter", nil, "Keep rows whose column contains text, as column=text")
	fl.StringArrayVar(&f.exclude, "exclude", nil, "Drop rows whose column contains text, as column=text")
	fl.StringArrayVar(&f.exact, "exact", nil, "Keep rows whose column equals text, as column=text")
	fl.StringArrayVar(&f.dates, "date", nil, "Keep rows with column in a range, as column=START..END (either end may be empty)")
	fl.StringArrayVar(&f.booleans, "bool", nil, "Keep rows with a boolean column, as column=true|false")
}

func (f *stateFlags) state() (queryoffset.State, error) {
	var st queryoffset.State

	for _, s := range f.sort {
		column, dir, _ := strings.Cut(s, ":")
		d := queryoffset.Asc
		switch strings.ToLower(dir) {
		case "", "asc":
		case "desc":
			d = queryoffset.Desc
		default:
			return st, usagef("invalid sort direction in %q", s)
		}
		st.Sort = st.Sort.Set(column, d)
	}

	text := []struct {
		values []string
		mode   queryoffset.FilterMode
	}{
		{f.include, queryoffset.Include},
		{f.exclude, queryoffset.Exclude},
		{f.exact, queryoffset.Exact},
	}
	for _, t := range text {
		for _, v := range t.values {
			column, value, err := splitAssignment(v)
			if err != nil {
				return st, err
			}
			st.Filters = st.Filters.Set(column, queryoffset.TextFilter{Value: value, Mode: t.mode})
		}
	}

	for _, v := range f.dates {
		column, value, err := splitAssignment(v)
		if err != nil {
			return st, err
		}
		start, end, ok := strings.Cut(value, "..")
		if !ok {
			return st, usagef("date filter %q needs START..END", v)
		}
		st.Filters = st.Filters.Set(column, queryoffset.DateFilter{StartDate: start, EndDate: end})
	}

	for _, v := range f.booleans {
		column, value, err := splitAssignment(v)
		if err != nil {
			return st, err
		}
		b, err := strconv.ParseBool(value)
		if err != nil {
			return st, usagef("invalid boolean in %q", v)
		}
		st.Filters = st.Filters.Set(column, queryoffset.BooleanFilter{Value: b})
	}
	return st, nil
}

func splitAssignment(s string) (string, string, error) {
	column, value, ok := strings.Cut(s, "=")
	if !ok || column == "" {
		return "", "", usagef("expected column=value, got %q", s)
	}
	return column, value, nil
}

func newAdminCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage every download job of the facility",
	}
	cmd.AddCommand(
		newAdminListCmd(a),
		newAdminStatusCmd(a),
		newAdminDeleteCmd(a),
		newAdminRestoreCmd(a),
	)
	return cmd
}

func newAdminListCmd(a *app) *cobra.Command {
	var (
		flags stateFlags
		pages int
		show  bool
	)
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List download jobs page by page",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := flags.state()
			if err != nil {
				return err
			}
			if show {
				a.logf("queryOffset: %s", queryoffset.CompileState(a.cfg.FacilityName, st))
			}

			ctx := cmd.Context()
			reg := a.registry()
			ps, err := reg.AdminList(ctx, st)
			if err != nil {
				return err
			}
			for i := 1; i < pages; i++ {
				before := ps.Len()
				if ps, err = reg.FetchNextPage(ctx, st, registry.Range{}); err != nil {
					return err
				}
				if ps.Len()-before < reg.PageSize() {
					break
				}
			}

			printJobs(a.out, pollAll(cmd, a.poller(), ps.Jobs()))
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&pages, "pages", 1, "Number of pages to load")
	cmd.Flags().BoolVar(&show, "show-query", false, "Print the compiled queryOffset")
	return cmd
}

func newAdminStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Set the status of a download job",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args[:1])
			if err != nil {
				return err
			}
			status := model.DownloadStatus(strings.ToUpper(args[1]))
			if !status.Known() {
				return usagef("unknown status %q", args[1])
			}
			if err := a.registry().AdminSetStatus(cmd.Context(), ids[0], status); err != nil {
				return err
			}
			a.logf("Download #%d set to %s", ids[0], status)
			return nil
		},
	}
}

func newAdminDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>...",
		Short: "Delete download jobs",
		Args:  minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			reg := a.registry()
			for _, id := range ids {
				if err := reg.AdminSetDeleted(cmd.Context(), id, true); err != nil {
					return err
				}
			}
			a.logf("Deleted %d downloads", len(ids))
			return nil
		},
	}
}

func newAdminRestoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>...",
		Short: "Undelete download jobs and restore their data",
		Args:  minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			reg := a.registry()
			for _, id := range ids {
				if err := reg.AdminRestore(cmd.Context(), id); err != nil {
					return err
				}
			}
			a.logf("Restoring %d downloads", len(ids))
			return nil
		},
	}
}
