package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"phone-auth-service/internal/models"
)

// DocumentIndexer is satisfied by client.ESClient.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// BatchInserter is satisfied by client.ClickHouseClient.
type BatchInserter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

// MessageProducer is satisfied by client.KafkaProducer.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// ElasticsearchSink indexes events into one index per day.
type ElasticsearchSink struct {
	indexer DocumentIndexer
	prefix  string
}

func NewElasticsearchSink(indexer DocumentIndexer, prefix string) *ElasticsearchSink {
	return &ElasticsearchSink{indexer: indexer, prefix: prefix}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, event models.AuthEvent) error {
	index := s.prefix + "-" + event.EventDate
	return s.indexer.IndexDocument(ctx, index, event.EventID, event)
}

// ClickHouseSink appends events to a MergeTree table for analytics.
type ClickHouseSink struct {
	conn  BatchInserter
	table string
}

func NewClickHouseSink(conn BatchInserter, table string) *ClickHouseSink {
	return &ClickHouseSink{conn: conn, table: table}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) EnsureTable(ctx context.Context) error {
	return s.conn.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		event_id     String,
		event_bucket UInt16,
		event_date   Date,
		event_time   DateTime64(3),
		event_type   LowCardinality(String),
		account_id   String,
		phone        String,
		method       LowCardinality(String),
		reason       String,
		count        UInt32
	) ENGINE = MergeTree
	PARTITION BY event_date
	ORDER BY (event_bucket, event_time)`, s.table))
}

func (s *ClickHouseSink) Write(ctx context.Context, event models.AuthEvent) error {
	row := []interface{}{
		event.EventID,
		uint16(event.EventBucket),
		event.EventTime,
		event.EventTime,
		string(event.EventType),
		event.AccountID,
		event.Phone,
		event.Method,
		event.Reason,
		uint32(event.Count),
	}
	return s.conn.BatchInsert(ctx, "INSERT INTO "+s.table, [][]interface{}{row})
}

// KafkaSink streams events as JSON keyed by event type.
type KafkaSink struct {
	producer MessageProducer
	topic    string
}

func NewKafkaSink(producer MessageProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, event models.AuthEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	return s.producer.ProduceMessage(ctx, s.topic, []byte(event.EventType), payload, map[string]string{
		"content-type": "application/json",
		"event-type":   string(event.EventType),
	})
}
