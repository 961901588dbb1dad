package model

import "time"

// Response types. Field names and JSON keys are part of the public
// API.

type Coordinates struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

type Itinerary struct {
	Departure  Endpoint `json:"departure"`
	Arrival    Endpoint `json:"arrival"`
	TravelTime int      `json:"travel_time"`
	Transfers  int      `json:"transfers"`
	Legs       []Leg    `json:"routes"`
}

// First or last stop of an itinerary. Time is the effective time,
// adjusted for walking, and Distance is the walk in metres.
type Endpoint struct {
	Name        string      `json:"name"`
	ID          int64       `json:"id"`
	Coordinates Coordinates `json:"coordinates"`
	Time        string      `json:"time"`
	Distance    int         `json:"distance"`
}

type Leg struct {
	ID              int64         `json:"id"`
	Name            string        `json:"name"`
	Operator        string        `json:"operator"`
	Type            Mode          `json:"type"`
	Run             int           `json:"run"`
	CurrentLocation *LivePosition `json:"current_location"`
	Delay           *int          `json:"delay"`
	Stops           []LegStop     `json:"stops"`
	Polyline        string        `json:"polyline"`
	TravelTime      int           `json:"travel_time"`
	Destination     string        `json:"destination"`
	Reports         []ReportView  `json:"reports"`
}

type LivePosition struct {
	Coordinates Coordinates `json:"coordinates"`
	Timestamp   time.Time   `json:"timestamp"`
}

type LegStop struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Coordinates Coordinates `json:"coordinates"`
	Time        string      `json:"time"`
	Sequence    int         `json:"sequence"`
}

type ReportView struct {
	ID          int64       `json:"id"`
	RouteID     int64       `json:"route_id"`
	Run         *int        `json:"run"`
	Type        ReportType  `json:"type"`
	Description string      `json:"description"`
	Image       string      `json:"image,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	Coordinates Coordinates `json:"coordinates"`
}

func NewReportView(r *Report) ReportView {
	return ReportView{
		ID:          r.ID,
		RouteID:     r.RouteID,
		Run:         r.Run,
		Type:        r.Type,
		Description: r.Description,
		Image:       r.Image,
		CreatedAt:   r.CreatedAt,
		Coordinates: Coordinates{Longitude: r.Lon, Latitude: r.Lat},
	}
}

type RouteSummary struct {
	ID           int64    `json:"id"`
	Name         string   `json:"name"`
	Operator     string   `json:"operator"`
	Type         Mode     `json:"type"`
	Destinations []string `json:"destinations"`
}

type NearbyStop struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Coordinates Coordinates    `json:"coordinates"`
	Type        Mode           `json:"type"`
	Routes      []RouteSummary `json:"routes"`
	Distance    int            `json:"distance"`
}

type ConditionView struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ScheduleView struct {
	ID          int64           `json:"id"`
	Time        string          `json:"time"`
	Destination string          `json:"destination"`
	Run         int             `json:"run"`
	Sequence    int             `json:"sequence"`
	Conditions  []ConditionView `json:"conditions"`
}

type StopRoute struct {
	RouteSummary
	Schedules []ScheduleView `json:"schedules"`
}

type StopDetail struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Coordinates Coordinates `json:"coordinates"`
	Type        Mode        `json:"type"`
	Routes      []StopRoute `json:"routes"`
}

type RouteStopDetail struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Type        Mode           `json:"type"`
	Coordinates Coordinates    `json:"coordinates"`
	Schedules   []ScheduleView `json:"schedules"`
}

type RouteDetail struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name"`
	Operator     string            `json:"operator"`
	Type         Mode              `json:"type"`
	Destinations []string          `json:"destinations"`
	Stops        []RouteStopDetail `json:"stops"`
}
