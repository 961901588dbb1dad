package parse

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"

	"tidbyt.dev/transit/model"
	"tidbyt.dev/transit/storage"
)

type RouteCSV struct {
	ID       int64  `csv:"route_id"`
	Name     string `csv:"route_name"`
	Operator string `csv:"operator"`
	Type     string `csv:"route_type"`
}

func ParseRoutes(writer storage.NetworkWriter, data io.Reader) (map[int64]bool, error) {
	routeCsv := []*RouteCSV{}
	if err := gocsv.Unmarshal(data, &routeCsv); err != nil {
		return nil, fmt.Errorf("unmarshaling routes: %v", err)
	}

	routes := map[int64]bool{}

	for _, r := range routeCsv {
		if r.ID <= 0 {
			return nil, fmt.Errorf("invalid route_id %d", r.ID)
		}
		if routes[r.ID] {
			return nil, fmt.Errorf("repeated route_id %d", r.ID)
		}
		routes[r.ID] = true

		if r.Name == "" {
			return nil, fmt.Errorf("route_id %d has no route_name", r.ID)
		}
		if r.Operator == "" {
			return nil, fmt.Errorf("route_id %d has no operator", r.ID)
		}

		mode, err := parseMode(r.Type)
		if err != nil {
			return nil, fmt.Errorf("route_id %d: %w", r.ID, err)
		}

		err = writer.WriteRoute(&model.Route{
			ID:       r.ID,
			Name:     r.Name,
			Operator: r.Operator,
			Type:     mode,
		})
		if err != nil {
			return nil, fmt.Errorf("writing route %d: %w", r.ID, err)
		}
	}

	return routes, nil
}
