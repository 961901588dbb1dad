package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var departuresCmd = &cobra.Command{
	Use:   "departures <stop_id>",
	Short: "Lists the remaining departures of the day from a stop",
	Args:  cobra.ExactArgs(1),
	RunE:  departures,
}

var (
	limit   int
	routeID int64
)

func init() {
	departuresCmd.Flags().IntVarP(&limit, "limit", "l", -1, "Limit the number of departures per route")
	departuresCmd.Flags().Int64VarP(&routeID, "route", "r", 0, "Restrict to a specific route")
	rootCmd.AddCommand(departuresCmd)
}

func departures(cmd *cobra.Command, args []string) error {
	stopID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid stop_id: %w", err)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	network, err := a.loadNetwork(cmd.Context())
	if err != nil {
		return err
	}

	detail, err := network.StopDetails(stopID, a.manager.TimeNow())
	if err != nil {
		return err
	}

	fmt.Printf("%d: %s\n", detail.ID, detail.Name)
	for _, route := range detail.Routes {
		if routeID != 0 && route.ID != routeID {
			continue
		}
		for i, schedule := range route.Schedules {
			if limit >= 0 && i >= limit {
				break
			}
			fmt.Printf("%s %s run %d -> %s\n", schedule.Time, route.Name, schedule.Run, schedule.Destination)
		}
	}

	return nil
}
