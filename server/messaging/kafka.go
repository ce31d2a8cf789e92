// Package messaging connects the trip service to brokers: completed trips
// are announced on Kafka, speeding events arrive from Kafka and device
// samples arrive over MQTT.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/san-kum/drive-score/server/models"
	"github.com/san-kum/drive-score/server/processor"
	"github.com/san-kum/drive-score/server/store"
)

// TripCompleted is the record published once per completed trip.
type TripCompleted struct {
	TripID     string                 `json:"trip_id"`
	StartTime  int64                  `json:"start_time"`
	EndTime    int64                  `json:"end_time"`
	Scores     *models.ScoreSet       `json:"scores"`
	Statistics *models.TripStatistics `json:"statistics,omitempty"`
	EventCount int                    `json:"event_count"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// TripPublisher implements processor.Publisher on a Kafka topic, keyed by
// trip id.
type TripPublisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

func NewTripPublisher(brokers []string, topic string, logger *zap.Logger) *TripPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        false,
	}
	return newTripPublisher(writer, topic, logger)
}

func newTripPublisher(writer messageWriter, topic string, logger *zap.Logger) *TripPublisher {
	return &TripPublisher{writer: writer, topic: topic, logger: logger.Named("kafka")}
}

func (p *TripPublisher) PublishTripCompleted(ctx context.Context, trip *models.Trip) error {
	record := TripCompleted{
		TripID:     trip.ID,
		StartTime:  trip.StartTime,
		Scores:     trip.Scores,
		Statistics: trip.Statistics,
		EventCount: trip.Events.Count(),
	}
	if trip.EndTime != nil {
		record.EndTime = *trip.EndTime
	}

	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode trip %s: %w", trip.ID, err)
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(trip.ID), Value: value}); err != nil {
		return fmt.Errorf("failed to publish trip %s to %s: %w", trip.ID, p.topic, err)
	}
	p.logger.Debug("Published completed trip", zap.String("trip_id", trip.ID), zap.String("topic", p.topic))
	return nil
}

func (p *TripPublisher) Close() error {
	return p.writer.Close()
}

// SpeedingRecord is one externally detected speeding event. Speed is the
// measured value reported with the event.
type SpeedingRecord struct {
	TripID    string  `json:"trip_id"`
	Timestamp int64   `json:"timestamp"`
	Speed     float64 `json:"speed"`
	Duration  int     `json:"duration"`
}

// EventInjector attaches external events to active trips.
type EventInjector interface {
	InjectEvent(ctx context.Context, id string, event models.Event) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SpeedingConsumer feeds speeding events from Kafka into trips. It is the
// only source of speeding events.
type SpeedingConsumer struct {
	reader   messageReader
	injector EventInjector
	logger   *zap.Logger
}

func NewSpeedingConsumer(brokers []string, topic, group string, injector EventInjector, logger *zap.Logger) *SpeedingConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  group,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 1e6,
		MaxWait:  500 * time.Millisecond,
	})
	return newSpeedingConsumer(reader, injector, logger)
}

func newSpeedingConsumer(reader messageReader, injector EventInjector, logger *zap.Logger) *SpeedingConsumer {
	return &SpeedingConsumer{reader: reader, injector: injector, logger: logger.Named("kafka")}
}

// Run consumes until ctx is done. Records that cannot be applied are
// logged and committed so they do not block the partition.
func (c *SpeedingConsumer) Run(ctx context.Context) error {
	c.logger.Info("Speeding consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("Failed to fetch speeding record", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Warn("Failed to commit speeding record", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (c *SpeedingConsumer) handle(ctx context.Context, msg kafka.Message) {
	var record SpeedingRecord
	if err := json.Unmarshal(msg.Value, &record); err != nil || record.TripID == "" {
		c.logger.Warn("Dropping malformed speeding record",
			zap.Int64("offset", msg.Offset),
			zap.ByteString("value", msg.Value))
		return
	}

	event := models.Event{
		Kind:            models.Speeding,
		Timestamp:       record.Timestamp,
		Value:           record.Speed,
		DurationSamples: record.Duration,
	}
	err := c.injector.InjectEvent(ctx, record.TripID, event)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrTripNotFound), errors.Is(err, processor.ErrTripNotActive):
		c.logger.Debug("Speeding record for inactive trip", zap.String("trip_id", record.TripID), zap.Error(err))
	default:
		c.logger.Error("Failed to apply speeding record", zap.String("trip_id", record.TripID), zap.Error(err))
	}
}

func (c *SpeedingConsumer) Close() error {
	return c.reader.Close()
}
