// cmd/tools/lifecyclectl/commands.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"application-lifecycle/internal/models"
	"application-lifecycle/internal/orchestrator"
	"application-lifecycle/internal/search"
	"application-lifecycle/internal/store"
)

const timeLayout = "2006-01-02 15:04:05"

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the state store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			pg, ok := e.store.(*store.PostgresStore)
			if !ok {
				return fmt.Errorf("migrate needs store.driver=postgres, got %q", e.cfg.Store.Driver)
			}
			if err := pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

// Sweeper is the part of the orchestrator the sweep command drives.
type Sweeper interface {
	ExpireSweep(ctx context.Context, now time.Time) (int64, error)
	Purge(ctx context.Context, now time.Time) (int64, error)
}

func sweepCmd() *cobra.Command {
	var skipPurge bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire lapsed sessions and purge those past retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer e.Close()
			return runSweep(cmd.Context(), cmd.OutOrStdout(), e.svc, time.Now().UTC(), skipPurge)
		},
	}
	cmd.Flags().BoolVar(&skipPurge, "no-purge", false, "only expire, keep swept states")
	return cmd
}

func runSweep(ctx context.Context, out io.Writer, s Sweeper, now time.Time, skipPurge bool) error {
	expired, err := s.ExpireSweep(ctx, now)
	if err != nil {
		return fmt.Errorf("expire: %w", err)
	}
	fmt.Fprintf(out, "expired: %d\n", expired)
	if skipPurge {
		return nil
	}
	purged, err := s.Purge(ctx, now)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	fmt.Fprintf(out, "purged: %d\n", purged)
	return nil
}

type TimelineReader interface {
	Timeline(ctx context.Context, sessionID string) ([]models.Transition, error)
}

func timelineCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "timeline <session_id>",
		Short: "Print the transition timeline of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer e.Close()
			return runTimeline(cmd.Context(), cmd.OutOrStdout(), e.svc, args[0], asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func runTimeline(ctx context.Context, out io.Writer, r TimelineReader, sessionID string, asJSON bool) error {
	trs, err := r.Timeline(ctx, sessionID)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(trs)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tAT\tCHANNEL\tFROM\tTO")
	for _, tr := range trs {
		from := tr.FromStep
		if from == "" {
			from = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", tr.Seq, tr.CreatedAt.UTC().Format(timeLayout), tr.Channel, from, tr.ToStep)
	}
	return tw.Flush()
}

type TransitionSearcher interface {
	Search(ctx context.Context, q search.Query) ([]search.Document, int64, error)
}

func statusCmd() *cobra.Command {
	var (
		channel string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "status <step>",
		Short: "List recent transitions into a step across sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer e.Close()
			return runStatus(cmd.Context(), cmd.OutOrStdout(), e.indexer, search.Query{
				ToStep:  args[0],
				Channel: channel,
				Size:    limit,
			})
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "only transitions made on this channel")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum results")
	return cmd
}

func runStatus(ctx context.Context, out io.Writer, s TransitionSearcher, q search.Query) error {
	docs, total, err := s.Search(ctx, q)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tSESSION\tREFERENCE\tCHANNEL\tFROM\tTO")
	for _, d := range docs {
		ref := d.ReferenceCode
		if ref == "" {
			ref = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", d.At.UTC().Format(timeLayout), d.SessionID, ref, d.Channel, d.FromStep, d.ToStep)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d of %d\n", len(docs), total)
	return nil
}

type SyncChecker interface {
	SyncStatus(ctx context.Context, firstSessionID, secondSessionID string) (*orchestrator.SyncReport, error)
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <session_id> <other_session_id>",
		Short: "Compare the answers held by two linked sessions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer e.Close()
			return runSync(cmd.Context(), cmd.OutOrStdout(), e.svc, args[0], args[1])
		},
	}
}

func runSync(ctx context.Context, out io.Writer, c SyncChecker, first, second string) error {
	report, err := c.SyncStatus(ctx, first, second)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "status: %s\n", report.Status)
	if report.LastSync != nil {
		fmt.Fprintf(out, "last sync: %s\n", report.LastSync.UTC().Format(timeLayout))
	}
	if len(report.Inconsistencies) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "FIELD\t%s\t%s\tRESOLUTION\n", first, second)
	for _, inc := range report.Inconsistencies {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", inc.Field, cell(inc.First), cell(inc.Second), inc.Strategy)
	}
	return tw.Flush()
}

func cell(v interface{}) string {
	if v == nil {
		return "-"
	}
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
