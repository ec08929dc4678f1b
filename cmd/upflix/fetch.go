package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/vmunix/upflix/internal/media"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <path>",
	Short: "Scrape a catalogue page without touching the cache",
	Long: `Fetches a catalogue page straight from the upstream and prints the
extracted record. The cache and the cooldown are not consulted.`,
	Example: "  upflix fetch /film/incepcja-2010",
	Args:    cobra.ExactArgs(1),
	RunE:    runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client, err := newUpstreamClient(cfg)
	if err != nil {
		return err
	}

	rec, err := client.Fetch(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if rec.HasEnglishTitle(cfg.Limiter.SentinelTitle) {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: upstream served its block page")
	}
	return printRecord(cmd.OutOrStdout(), rec)
}

func printRecord(w io.Writer, rec *media.Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}
