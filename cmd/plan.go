package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"tidbyt.dev/transit"
)

var planCmd = &cobra.Command{
	Use:   "plan <from_lat> <from_lng> <to_lat> <to_lng>",
	Short: "Plans journeys between two geographical locations",
	Args:  cobra.ExactArgs(4),
	RunE:  plan,
}

var (
	departAt     string
	maxTransfers int
	planRadius   float64
)

func init() {
	planCmd.Flags().StringVarP(&departAt, "time", "t", "", "Departure time (RFC 3339), defaults to now")
	planCmd.Flags().IntVarP(&maxTransfers, "max-transfers", "m", -1, "Maximum number of transfers")
	planCmd.Flags().Float64VarP(&planRadius, "radius", "r", 0, "Walking radius around origin and destination, in metres")
	rootCmd.AddCommand(planCmd)
}

func plan(cmd *cobra.Command, args []string) error {
	coords := make([]float64, 4)
	for i, arg := range args {
		f, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return fmt.Errorf("invalid coordinate '%s': %w", arg, err)
		}
		coords[i] = f
	}

	q := transit.Query{
		FromLat: coords[0],
		FromLon: coords[1],
		ToLat:   coords[2],
		ToLon:   coords[3],
	}
	if departAt != "" {
		t, err := time.Parse(time.RFC3339, departAt)
		if err != nil {
			return fmt.Errorf("invalid time: %w", err)
		}
		q.Time = t
	}
	if maxTransfers >= 0 {
		q.MaxTransfers = &maxTransfers
	}
	if planRadius > 0 {
		q.Radius = &planRadius
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

	itineraries, err := a.newPlanner(network).Plan(cmd.Context(), q)
	if err != nil {
		return err
	}

	if len(itineraries) == 0 {
		fmt.Println("no connections found")
		return nil
	}

	for _, it := range itineraries {
		fmt.Printf(
			"%s %s -> %s %s (%d min, %d transfers)\n",
			it.Departure.Time, it.Departure.Name,
			it.Arrival.Time, it.Arrival.Name,
			it.TravelTime, it.Transfers,
		)
		for _, leg := range it.Legs {
			delay := ""
			if leg.Delay != nil {
				delay = fmt.Sprintf(", delay %d min", *leg.Delay)
			}
			fmt.Printf("    %s run %d -> %s [%s%s]\n", leg.Name, leg.Run, leg.Destination, leg.Operator, delay)
			for _, stop := range leg.Stops {
				fmt.Printf("        %s %s\n", stop.Time, stop.Name)
			}
			for _, report := range leg.Reports {
				fmt.Printf("        ! %s %s\n", report.Type, report.Description)
			}
		}
	}

	return nil
}
