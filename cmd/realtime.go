package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tidbyt.dev/transit"
	"tidbyt.dev/transit/downloader"
)

var realtimeCmd = &cobra.Command{
	Use:   "realtime <url>",
	Short: "Records vehicle positions from a GTFS Realtime feed",
	Args:  cobra.ExactArgs(1),
	RunE:  realtime,
}

func init() {
	rootCmd.AddCommand(realtimeCmd)
}

func realtime(cmd *cobra.Command, args []string) error {
	headers, err := mergedHeaders(realtimeHeaders)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	// Feeds are cached on disk between invocations.
	a.manager.Downloader, err = downloader.NewFilesystem("./transit-rt-cache.json")
	if err != nil {
		return fmt.Errorf("creating downloader: %w", err)
	}

	network, err := a.loadNetwork(cmd.Context())
	if err != nil {
		return err
	}

	result, err := a.manager.LoadRealtime(cmd.Context(), a.newPlanner(network), transit.Source{
		URL:     args[0],
		Headers: headers,
	})
	if err != nil {
		return err
	}

	fmt.Printf(
		"recorded %d, unmatched %d, stale %d, rejected %d\n",
		result.Recorded, result.Unmatched, result.Stale, result.Rejected,
	)
	return nil
}
