package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/extforge/pkg/history"
)

func newHistoryCommand(a *app) *cobra.Command {
	var (
		limit int
		name  string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent builds and the publish status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if !a.cfg.History.Enabled {
				return errors.New("build history is disabled")
			}
			env, err := a.paths()
			if err != nil {
				return err
			}
			store, err := a.openHistory(ctx, env)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(ctx, name, limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(a.out, "No builds recorded.")
				return nil
			}

			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tEXTENSION\tVERSION\tMODE\tSTATUS\tDURATION\tSTAGE")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.StartedAt.Local().Format(time.DateTime), r.Name, r.Version, r.Mode, r.Status,
					r.Duration().Round(time.Millisecond), dash(r.Stage))
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if name != "" {
				return a.printStatus(ctx, store, name)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of builds to show")
	cmd.Flags().StringVar(&name, "name", "", "only builds of this extension")
	return cmd
}

func (a *app) printStatus(ctx context.Context, store *history.Store, name string) error {
	st, err := store.Status(ctx, name)
	if errors.Is(err, history.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !st.Failed {
		fmt.Fprintf(a.out, "\nLast publish of %s: %s succeeded\n", name, st.Version)
		return nil
	}
	fmt.Fprintf(a.out, "\nLast publish of %s FAILED during %s: %s\n", name, st.Stage, st.Error)
	if st.Detail != "" {
		fmt.Fprintf(a.out, "  detail: %s\n", st.Detail)
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
