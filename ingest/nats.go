package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"tidbyt.dev/transit"
	"tidbyt.dev/transit/logging"
	"tidbyt.dev/transit/metrics"
	"tidbyt.dev/transit/model"
)

// Vehicle position ping, as published by on-board devices.
type PositionMessage struct {
	RouteID   int64     `json:"route_id"`
	Run       int       `json:"run"`
	Lat       float64   `json:"latitude"`
	Lon       float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// Stores validated position samples. Implemented by
// transit.Planner.
type Recorder interface {
	RecordPosition(ctx context.Context, in transit.PositionInput, source string) (*model.Track, error)
}

// Records position pings received on a NATS subject.
type Subscriber struct {
	Subject string
	Logger  *slog.Logger
	Metrics *metrics.Collector

	recorder Recorder
	nc       *nats.Conn
	sub      *nats.Subscription
}

func NewSubscriber(recorder Recorder, subject string) *Subscriber {
	return &Subscriber{
		Subject:  subject,
		Logger:   logging.Discard(),
		recorder: recorder,
	}
}

// Connects to the NATS server at url and starts consuming.
func (s *Subscriber) Connect(url string) error {
	nc, err := nats.Connect(url,
		nats.Name("transit-ingest"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.Metrics.SetNATSConnected(false)
			s.Logger.Warn("nats disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			s.Metrics.SetNATSConnected(true)
			s.Logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			s.Metrics.SetNATSConnected(false)
			s.Logger.Info("nats closed")
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	s.Metrics.SetNATSConnected(true)

	if err := s.Start(nc); err != nil {
		nc.Close()
		return err
	}
	return nil
}

// Subscribes on an existing connection. The connection is closed by
// Close.
func (s *Subscriber) Start(nc *nats.Conn) error {
	sub, err := nc.Subscribe(s.Subject, func(msg *nats.Msg) {
		err := s.Handle(context.Background(), msg.Data)
		if err != nil {
			logging.LogError(s.Logger, "dropping position", err, slog.String("subject", msg.Subject))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.Subject, err)
	}

	s.nc = nc
	s.sub = sub
	s.Logger.Info("subscribed", slog.String("subject", s.Subject))
	return nil
}

// Decodes and records a single message.
func (s *Subscriber) Handle(ctx context.Context, data []byte) error {
	var msg PositionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.Metrics.PositionRejected(metrics.SourceNATS)
		return fmt.Errorf("decoding message: %w", err)
	}

	_, err := s.recorder.RecordPosition(ctx, transit.PositionInput{
		RouteID: msg.RouteID,
		Run:     msg.Run,
		Lat:     msg.Lat,
		Lon:     msg.Lon,
		Time:    msg.Timestamp,
	}, metrics.SourceNATS)
	if errors.Is(err, transit.ErrInvalidQuery) {
		return fmt.Errorf("invalid position: %w", err)
	}
	if err != nil {
		return fmt.Errorf("recording position: %w", err)
	}

	return nil
}

// Drains the subscription and closes the connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			logging.LogError(s.Logger, "draining subscription", err)
		}
	}
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			logging.LogError(s.Logger, "draining connection", err)
		}
		s.nc.Close()
	}
}
