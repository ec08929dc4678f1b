package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vmunix/upflix/internal/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the durable cache",
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Print the cached record for a path",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheGet,
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired records",
	Args:  cobra.NoArgs,
	RunE:  runCachePrune,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache contents summary",
	Args:  cobra.NoArgs,
	RunE:  runCacheStats,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheGetCmd)
	cacheCmd.AddCommand(cachePruneCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
}

func openStore() (*cache.SQLiteStore, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := cache.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	return cache.NewSQLiteStore(db, cfg.Cache.TTL), func() { _ = db.Close() }, nil
}

func runCacheGet(cmd *cobra.Command, args []string) error {
	store, closeDB, err := openStore()
	if err != nil {
		return err
	}
	defer closeDB()

	rec, ok, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no valid record for %s", args[0])
	}
	return printRecord(cmd.OutOrStdout(), rec)
}

func runCachePrune(cmd *cobra.Command, _ []string) error {
	store, closeDB, err := openStore()
	if err != nil {
		return err
	}
	defer closeDB()

	n, err := store.Prune(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d expired records\n", n)
	return nil
}

func runCacheStats(cmd *cobra.Command, _ []string) error {
	store, closeDB, err := openStore()
	if err != nil {
		return err
	}
	defer closeDB()

	stats, err := store.Stats(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return json.NewEncoder(out).Encode(stats)
	}
	fmt.Fprintf(out, "Records:  %d\n", stats.Total)
	fmt.Fprintf(out, "Valid:    %d\n", stats.Valid)
	fmt.Fprintf(out, "Expired:  %d\n", stats.Total-stats.Valid)
	return nil
}
