package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shopsmart/shopsync/internal/config"
	"github.com/shopsmart/shopsync/internal/store"
	offlinesync "github.com/shopsmart/shopsync/internal/sync"
	"github.com/shopsmart/shopsync/internal/syncqueue"
	"github.com/shopsmart/shopsync/internal/validation"
)

var deadLetterReason string

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay the sync queue",
	Long:  "List, drain and dead-letter queued mutations without running the agent.",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending mutations",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Submit every pending mutation to the origin",
	Args:  cobra.NoArgs,
	RunE:  runQueueDrain,
}

var queueDeadLetterCmd = &cobra.Command{
	Use:   "dead-letter <timestamp>",
	Short: "Move a pending mutation aside so it no longer blocks its model",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueDeadLetter,
}

var queueDeadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List dead-lettered mutations",
	Args:  cobra.NoArgs,
	RunE:  runQueueDeadLetters,
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <timestamp>",
	Short: "Return a dead-lettered mutation to the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRequeue,
}

func init() {
	queueDeadLetterCmd.Flags().StringVar(&deadLetterReason, "reason", "moved aside manually",
		"Why the mutation is being moved aside")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDrainCmd)
	queueCmd.AddCommand(queueDeadLetterCmd)
	queueCmd.AddCommand(queueDeadLettersCmd)
	queueCmd.AddCommand(queueRequeueCmd)
}

// openQueue opens the durable store and a queue over it. Drains post to
// the configured origin.
func openQueue(ctx context.Context, cfg *config.Config) (*syncqueue.Queue, *store.SQLiteStore, error) {
	st, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	client, tokens, err := newOriginClient(cfg)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	synchronizer := offlinesync.NewSynchronizer(cfg.Origin.BaseURL, client, st, tokens,
		time.Duration(cfg.Sync.RequestTimeout))
	q, err := syncqueue.New(ctx, st, synchronizer, syncqueue.Options{
		Tokens:          tokens,
		DeadLetterAfter: cfg.Sync.DeadLetterAfter,
	})
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return q, st, nil
}

func parseTimestamp(raw string) (int64, error) {
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q", raw)
	}
	return ts, nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(stderr)
	if err != nil {
		return err
	}
	q, st, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := q.Entries(ctx)
	if err != nil {
		return fmt.Errorf("list queue: %w", err)
	}

	if jsonOutput {
		if entries == nil {
			entries = []offlinesync.SyncLogEntry{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"entries": entries,
			"pending": len(entries),
		})
	}

	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "TIMESTAMP\tMODEL\tOPERATION\tRECORD\tQUEUED")
	for _, e := range entries {
		record := string(e.RecordID)
		if record == "" || record == "null" {
			record = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			e.Timestamp,
			e.ModelName,
			colorOperation(e.Operation),
			record,
			humanize.Time(time.UnixMilli(e.Timestamp)),
		)
	}
	w.Flush()
	fmt.Fprintf(cmd.OutOrStdout(), "\n%s pending\n", humanize.Comma(int64(len(entries))))
	return nil
}

func runQueueDrain(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(stderr)
	if err != nil {
		return err
	}
	q, st, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	result, drainErr := q.Drain(ctx)
	if drainErr != nil && result.Groups == nil {
		return fmt.Errorf("drain queue: %w", drainErr)
	}

	if jsonOutput {
		resp := map[string]any{
			"synced":        result.Synced,
			"remaining":     result.Remaining,
			"dead_lettered": result.DeadLettered,
			"groups":        result.Groups,
		}
		if drainErr != nil {
			resp["error"] = drainErr.Error()
		}
		if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
			return err
		}
		return drainErr
	}

	out := cmd.OutOrStdout()
	if len(result.Groups) == 0 {
		fmt.Fprintln(out, "Queue is empty.")
		return nil
	}

	w := newTabWriter(out)
	fmt.Fprintln(w, "MODEL\tENTRIES\tSTATUS")
	for _, g := range result.Groups {
		status := colorStatus(g.Error == "", "synced")
		if g.Error != "" {
			status = colorStatus(false, "failed: "+g.Error)
		}
		if g.DeadLettered > 0 {
			status += " " + yellow(fmt.Sprintf("(%d dead-lettered)", g.DeadLettered))
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", g.Model, g.Entries, status)
	}
	w.Flush()
	fmt.Fprintf(out, "\nSynced %d, remaining %d\n", result.Synced, result.Remaining)
	return drainErr
}

func runQueueDeadLetter(cmd *cobra.Command, args []string) error {
	ts, err := parseTimestamp(args[0])
	if err != nil {
		return err
	}
	if errs := validation.ValidateReason(deadLetterReason); len(errs) > 0 {
		return fmt.Errorf("reason %s", errs[0].Message)
	}

	ctx := cmd.Context()
	cfg, err := loadConfig(stderr)
	if err != nil {
		return err
	}
	q, st, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := q.DeadLetter(ctx, ts, deadLetterReason); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"timestamp":     ts,
			"dead_lettered": true,
			"reason":        deadLetterReason,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Dead-lettered %d (%s)\n", ts, deadLetterReason)
	return nil
}

func runQueueDeadLetters(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(stderr)
	if err != nil {
		return err
	}
	q, st, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := q.DeadLetters(ctx)
	if err != nil {
		return fmt.Errorf("list dead letters: %w", err)
	}

	if jsonOutput {
		if entries == nil {
			entries = []offlinesync.DeadLetterEntry{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"entries": entries,
			"total":   len(entries),
		})
	}

	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No dead-lettered mutations.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "TIMESTAMP\tMODEL\tOPERATION\tMOVED\tREASON")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			e.Timestamp,
			e.ModelName,
			colorOperation(e.Operation),
			humanize.Time(e.DeadLetteredAt),
			e.Reason,
		)
	}
	w.Flush()
	return nil
}

func runQueueRequeue(cmd *cobra.Command, args []string) error {
	ts, err := parseTimestamp(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	cfg, err := loadConfig(stderr)
	if err != nil {
		return err
	}
	q, st, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	entry, err := q.Requeue(ctx, ts)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), entry)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s %s as %d\n",
		entry.ModelName, entry.Operation, entry.Timestamp)
	return nil
}
