// Package streamer is the change-data-capture listener: it consumes
// Debezium-formatted change events from Kafka (one topic per mapped source
// table), resolves each changed row to its FHIR resource, and appends the
// fresh resource to the Parquet warehouse and, optionally, the mirror FHIR
// server. Events that cannot be mapped are parked on the dead-letter topic
// for the operator.
package streamer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/clinsight/fhir-pipes/internal/fhir"
	"github.com/clinsight/fhir-pipes/internal/pipeline"
	"github.com/clinsight/fhir-pipes/internal/warehouse"
	"github.com/clinsight/fhir-pipes/pkg/config"
	"github.com/clinsight/fhir-pipes/pkg/kafka"
	"github.com/clinsight/fhir-pipes/pkg/metrics"
	"github.com/clinsight/fhir-pipes/pkg/redis"
	"golang.org/x/sync/errgroup"
)

// ChangeEvent is the Debezium envelope subset the listener reads.
type ChangeEvent struct {
	Payload struct {
		Op    string `json:"op"`
		After struct {
			UUID string `json:"uuid"`
		} `json:"after"`
		Source struct {
			Table string `json:"table"`
			TsMs  int64  `json:"ts_ms"`
		} `json:"source"`
	} `json:"payload"`
}

// Streamer wires the Kafka consumers to the warehouse sink.
type Streamer struct {
	cfg        config.KafkaConfig
	source     *fhir.Client
	sink       *warehouse.Sink
	mirror     *fhir.Client
	reverseMap map[string]string
	watermarks *redis.Store
	deadLetter *kafka.Producer
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New assembles a Streamer over the given table-FHIR mapping. mirror,
// watermarks, and metrics may be nil.
func New(cfg config.KafkaConfig, source *fhir.Client, sink *warehouse.Sink, mirror *fhir.Client,
	entries []pipeline.TableFhirEntry, watermarks *redis.Store, m *metrics.Metrics) (*Streamer, error) {
	// The listener watches every mapped table.
	var allTypes []string
	seen := make(map[string]bool)
	for _, e := range entries {
		if !seen[e.ResourceType] {
			seen[e.ResourceType] = true
			allTypes = append(allTypes, e.ResourceType)
		}
	}
	reverse, err := pipeline.ReverseMap(entries, allTypes)
	if err != nil {
		return nil, err
	}
	s := &Streamer{
		cfg:        cfg,
		source:     source,
		sink:       sink,
		mirror:     mirror,
		reverseMap: reverse,
		watermarks: watermarks,
		metrics:    m,
		logger:     slog.Default().With("component", "cdc-streamer"),
	}
	if cfg.DeadLetter != "" {
		s.deadLetter = kafka.NewProducer(cfg, cfg.DeadLetter)
	}
	return s, nil
}

// Topic returns the Debezium topic of a source table.
func (s *Streamer) Topic(table string) string {
	return fmt.Sprintf("%s.%s", s.cfg.TopicPrefix, table)
}

// Start runs one consumer per mapped table until ctx is cancelled, then
// closes the sink so part files keep valid footers.
func (s *Streamer) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for table := range s.reverseMap {
		consumer := kafka.NewConsumer(s.cfg, s.Topic(table), s.handler(table))
		g.Go(func() error {
			return consumer.Start(ctx)
		})
	}
	err := g.Wait()
	if closeErr := s.sink.CloseAll(); closeErr != nil && err == nil {
		err = closeErr
	}
	if s.deadLetter != nil {
		s.deadLetter.Close()
	}
	return err
}

func (s *Streamer) handler(table string) kafka.MessageHandler {
	resourceType := s.reverseMap[table]
	return func(ctx context.Context, key, value []byte) error {
		event, err := kafka.DecodeJSON[ChangeEvent](value)
		if err != nil || event.Payload.After.UUID == "" {
			s.count(table, "unmappable")
			s.parkDeadLetter(ctx, table, value, err)
			return nil
		}
		if event.Payload.Op == "d" {
			// Hard deletes carry no row image worth fetching; the periodic
			// batch run reconciles them via tombstones.
			s.count(table, "skipped_delete")
			return nil
		}

		resource, err := s.source.GetResource(ctx, resourceType, event.Payload.After.UUID)
		if err != nil {
			s.count(table, "fetch_failed")
			s.logger.Error("failed to fetch changed resource",
				"table", table, "resource_type", resourceType, "uuid", event.Payload.After.UUID, "error", err)
			return err
		}
		if err := s.sink.Write(resource); err != nil {
			return err
		}
		if s.mirror != nil {
			if err := s.mirror.UploadResource(ctx, resource); err != nil {
				s.count(table, "mirror_failed")
				s.logger.Warn("mirror upload failed", "resource_type", resourceType, "id", resource.ID, "error", err)
			}
		}
		s.count(table, "ok")
		if s.watermarks != nil {
			stamp := time.UnixMilli(event.Payload.Source.TsMs)
			if err := s.watermarks.SetWatermark(ctx, "table:"+table, stamp); err != nil {
				s.logger.Warn("failed to record watermark", "table", table, "error", err)
			}
		}
		return nil
	}
}

func (s *Streamer) parkDeadLetter(ctx context.Context, table string, value []byte, cause error) {
	s.logger.Warn("unmappable change event", "table", table, "error", cause)
	if s.deadLetter == nil {
		return
	}
	msg := map[string]any{
		"table": table,
		"event": json.RawMessage(value),
	}
	if cause != nil {
		msg["error"] = cause.Error()
	}
	if err := s.deadLetter.Publish(ctx, kafka.Event{Key: table, Value: msg}); err != nil {
		s.logger.Error("failed to publish to dead-letter topic", "table", table, "error", err)
	}
}

func (s *Streamer) count(table, outcome string) {
	if s.metrics != nil {
		s.metrics.CdcEventsTotal.WithLabelValues(table, outcome).Inc()
	}
}
