package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shopsmart/shopsync/internal/config"
	"github.com/shopsmart/shopsync/internal/httpcache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the HTTP cache",
	Long: "Inspect, clear and activate the HTTP cache. These commands need exclusive " +
		"access to the cache database, so stop the agent first.",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache partitions and their sizes",
	Args:  cobra.NoArgs,
	RunE:  runCacheStats,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cache partition",
	Args:  cobra.NoArgs,
	RunE:  runCacheClear,
}

var cacheActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Precache the manifest and activate the configured cache version",
	Long: "Fetch the precache manifest into the static partition and delete " +
		"partitions left behind by older cache versions.",
	Args: cobra.NoArgs,
	RunE: runCacheActivate,
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cacheActivateCmd)
}

// openCacheManager opens the cache database and a manager with no page
// clients attached.
func openCacheManager(cfg *config.Config) (*httpcache.Manager, *httpcache.Storage, error) {
	storage, err := httpcache.OpenStorage(cfg.Cache.Path)
	if err != nil {
		return nil, nil, err
	}
	client, _, err := newOriginClient(cfg)
	if err != nil {
		storage.Close()
		return nil, nil, err
	}
	mgr, err := newCacheManager(cfg, storage, client, nil, nil, nil)
	if err != nil {
		storage.Close()
		return nil, nil, err
	}
	return mgr, storage, nil
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(stderr)
	if err != nil {
		return err
	}
	mgr, storage, err := openCacheManager(cfg)
	if err != nil {
		return err
	}
	defer storage.Close()

	stats, err := mgr.Stats()
	if err != nil {
		return fmt.Errorf("cache stats: %w", err)
	}
	current := make(map[string]bool)
	for _, name := range mgr.CurrentPartitions() {
		current[name] = true
	}

	if jsonOutput {
		if stats == nil {
			stats = []httpcache.PartitionStats{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"version":    mgr.Version(),
			"path":       cfg.Cache.Path,
			"partitions": stats,
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Version: %s\n", mgr.Version())
	fmt.Fprintf(out, "Path:    %s\n\n", cfg.Cache.Path)

	if len(stats) == 0 {
		fmt.Fprintln(out, "No cache partitions.")
		return nil
	}

	var totalEntries int
	var totalBytes int64
	w := newTabWriter(out)
	fmt.Fprintln(w, "PARTITION\tENTRIES\tSIZE\tSTATUS")
	for _, s := range stats {
		status := colorStatus(current[s.Name], "current")
		if !current[s.Name] {
			status = colorStatus(false, "stale")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			s.Name,
			humanize.Comma(int64(s.Entries)),
			formatSize(s.Bytes),
			status,
		)
		totalEntries += s.Entries
		totalBytes += s.Bytes
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t\n", cyan("total"), humanize.Comma(int64(totalEntries)), formatSize(totalBytes))
	w.Flush()
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(stderr)
	if err != nil {
		return err
	}
	mgr, storage, err := openCacheManager(cfg)
	if err != nil {
		return err
	}
	defer storage.Close()

	if err := mgr.ClearAll(cmd.Context()); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"cleared": true})
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared.")
	return nil
}

func runCacheActivate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(stderr)
	if err != nil {
		return err
	}
	mgr, storage, err := openCacheManager(cfg)
	if err != nil {
		return err
	}
	defer storage.Close()
	defer mgr.Wait()

	if err := mgr.Install(cmd.Context()); err != nil {
		return fmt.Errorf("install cache: %w", err)
	}
	if mgr.State() != httpcache.StateActivated {
		if err := mgr.SkipWaiting(cmd.Context()); err != nil {
			return fmt.Errorf("activate cache: %w", err)
		}
	}

	static, err := storage.Count(mgr.PartitionName(httpcache.KindStatic))
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"version":    mgr.Version(),
			"state":      mgr.State().String(),
			"precached":  static,
			"partitions": mgr.CurrentPartitions(),
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cache %s %s (%d static entries)\n",
		mgr.Version(), colorStatus(mgr.State() == httpcache.StateActivated, mgr.State().String()), static)
	return nil
}
