package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var stopsCmd = &cobra.Command{
	Use:   "stops <lat> <lng> [radius]",
	Short: "Lists stops near a geographical location",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  stops,
}

func init() {
	rootCmd.AddCommand(stopsCmd)
}

func stops(cmd *cobra.Command, args []string) error {
	lat, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid lat: %w", err)
	}
	lng, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid lng: %w", err)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	radius := a.cfg.Planner.Radius
	if len(args) == 3 {
		radius, err = strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("invalid radius: %w", err)
		}
		if radius < 0 {
			return fmt.Errorf("radius must be >= 0")
		}
	}

	network, err := a.loadNetwork(cmd.Context())
	if err != nil {
		return err
	}

	stops, err := network.NearbyStops(lat, lng, radius)
	if err != nil {
		return err
	}

	for _, stop := range stops {
		fmt.Printf("%d: %s (%dm)\n", stop.ID, stop.Name, stop.Distance)
		for _, route := range stop.Routes {
			fmt.Printf("    %s [%s] %v\n", route.Name, route.Operator, route.Destinations)
		}
	}

	return nil
}
