package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/njoerd114/platformsync/internal/model"
	"github.com/njoerd114/platformsync/internal/state"
)

func newLogsCmd(g *globalFlags) *cobra.Command {
	var (
		q          state.LogQuery
		status     string
		entityType string
		operation  string
		since      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "logs <integration-id>",
		Short: "Show an integration's sync log, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q.Status = model.LogStatus(status)
			q.Operation = model.Operation(operation)
			if entityType != "" {
				t, err := model.ParseEntityType(entityType)
				if err != nil {
					return err
				}
				q.EntityType = t
			}
			if since > 0 {
				q.From = time.Now().Add(-since)
			}

			a, err := newApp(cmd.Context(), g, false)
			if err != nil {
				return err
			}
			defer a.Close()

			page, err := a.control.Logs(cmd.Context(), args[0], q)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tSTATUS\tOP\tTYPE\tDIRECTION\tEXTERNAL ID\tRETRIES\tTOOK\tERROR")
			for _, l := range page.Logs {
				var msg string
				if l.Error != nil {
					msg = l.Error.Code + ": " + l.Error.Message
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					formatTime(l.CreatedAt), l.Status, l.Operation, l.EntityType, l.Direction,
					l.ExternalID, l.RetryCount, l.ProcessingTime.Round(time.Millisecond), msg)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "page %d of %d (%d rows)\n", page.Page, page.Pages, page.Total)
			return nil
		},
	}
	cmd.Flags().IntVar(&q.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "rows per page")
	cmd.Flags().StringVar(&status, "status", "", "success, error, pending or skipped")
	cmd.Flags().StringVar(&entityType, "type", "", "entity type")
	cmd.Flags().StringVar(&operation, "operation", "", "create, update, delete or sync")
	cmd.Flags().DurationVar(&since, "since", 0, "only rows newer than this, e.g. 2h")
	return cmd
}

func newStatsCmd(g *globalFlags) *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "stats <integration-id>",
		Short: "Count sync log rows per platform and status in the integration's workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), g, false)
			if err != nil {
				return err
			}
			defer a.Close()

			rows, err := a.control.Stats(cmd.Context(), args[0], window)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PLATFORM\tSTATUS\tCOUNT\tAVG TIME")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.Platform, r.Status, r.Count, r.AvgProcessingTime.Round(time.Millisecond))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&window, "window", 0, "trailing window (default 24h)")
	return cmd
}

func newRetryCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <integration-id> [log-id...]",
		Short: "Retry failed sync log rows, all retryable ones when no ids are given",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), g, false)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.control.RetryFailed(cmd.Context(), args[0], args[1:])
			if err != nil {
				return err
			}
			if len(res.Marked) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to retry")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retried %d row(s): created %d, updated %d, skipped %d, errors %d\n",
				len(res.Marked), res.Stats.Created, res.Stats.Updated, res.Stats.Skipped, res.Stats.Errors)
			return nil
		},
	}
}
