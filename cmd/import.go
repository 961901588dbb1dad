package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tidbyt.dev/transit"
	"tidbyt.dev/transit/storage"
)

var importCmd = &cobra.Command{
	Use:   "import <file|url>",
	Short: "Imports a network bundle into storage",
	Args:  cobra.ExactArgs(1),
	RunE:  importNetwork,
}

func init() {
	rootCmd.AddCommand(importCmd)
}

func importNetwork(cmd *cobra.Command, args []string) error {
	location := args[0]

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	var metadata *storage.NetworkMetadata
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		headers, err := mergedHeaders(networkHeaders)
		if err != nil {
			return err
		}
		metadata, err = a.manager.Fetch(cmd.Context(), transit.Source{
			URL:     location,
			Format:  networkFormat,
			Headers: headers,
		})
		if err != nil {
			return err
		}
	} else {
		data, err := os.ReadFile(location)
		if err != nil {
			return fmt.Errorf("reading %s: %w", location, err)
		}
		metadata, err = a.manager.Import(location, networkFormat, data)
		if err != nil {
			return err
		}
	}

	fmt.Printf("imported %s (%s, %s) from %s\n", metadata.Hash, metadata.Format, metadata.Timezone, metadata.Source)
	return nil
}
