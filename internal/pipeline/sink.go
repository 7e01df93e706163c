package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/amr-import-engine/internal/domain"
)

// LogSink is the default notification sink: batch outcomes go to the
// structured log. Deployments needing webhooks or queues supply their own.
type LogSink struct {
	log *logrus.Logger
}

func NewLogSink(log *logrus.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) BatchCompleted(ctx context.Context, batch *domain.ImportBatch, report *domain.BatchReport) {
	s.log.WithFields(logrus.Fields{
		"batch_id":   batch.ID,
		"actor":      batch.Actor,
		"committed":  report.Counts.Committed,
		"errored":    report.Counts.Errored,
		"mean_score": report.Quality.MeanScore,
	}).Info("Batch completed")
}

func (s *LogSink) BatchFailed(ctx context.Context, batch *domain.ImportBatch, cause error) {
	s.log.WithFields(logrus.Fields{
		"batch_id": batch.ID,
		"actor":    batch.Actor,
	}).WithError(cause).Error("Batch failed")
}

// RedisSink publishes batch outcomes on a redis channel for downstream
// consumers (dashboards, surveillance feeds). Publish errors are logged and
// swallowed: notification delivery never fails an import.
type RedisSink struct {
	client  *redis.Client
	channel string
	log     *logrus.Logger
}

func NewRedisSink(cfg domain.RedisConfig, channel string, log *logrus.Logger) (*RedisSink, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if channel == "" {
		channel = "amr:batches"
	}
	return &RedisSink{client: client, channel: channel, log: log}, nil
}

type batchEvent struct {
	Event     string             `json:"event"`
	BatchID   string             `json:"batch_id"`
	Actor     string             `json:"actor"`
	Status    domain.BatchStatus `json:"status"`
	Counts    domain.BatchCounts `json:"counts"`
	MeanScore float64            `json:"mean_score,omitempty"`
	Error     string             `json:"error,omitempty"`
	At        time.Time          `json:"at"`
}

func (s *RedisSink) BatchCompleted(ctx context.Context, batch *domain.ImportBatch, report *domain.BatchReport) {
	s.publish(ctx, batchEvent{
		Event:     "batch.completed",
		BatchID:   batch.ID,
		Actor:     batch.Actor,
		Status:    batch.Status,
		Counts:    report.Counts,
		MeanScore: report.Quality.MeanScore,
		At:        time.Now().UTC(),
	})
}

func (s *RedisSink) BatchFailed(ctx context.Context, batch *domain.ImportBatch, cause error) {
	s.publish(ctx, batchEvent{
		Event:   "batch.failed",
		BatchID: batch.ID,
		Actor:   batch.Actor,
		Status:  batch.Status,
		Counts:  batch.Counts,
		Error:   cause.Error(),
		At:      time.Now().UTC(),
	})
}

func (s *RedisSink) publish(ctx context.Context, ev batchEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.WithError(err).Warn("Encoding batch event")
		return
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		s.log.WithError(err).WithField("batch_id", ev.BatchID).Warn("Publishing batch event")
	}
}

// Close releases the redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
