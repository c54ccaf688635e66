// Package events is a producer-side mirror of internal/kafka, design
// §14: it publishes the same audit Event union to a Kafka topic instead
// of (or in addition to) Postgres, built on the same franz-go client.
package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-controld/internal/audit"
	"github.com/route-beacon/bgp-controld/internal/metrics"
)

// Publisher produces audit.Event records to one Kafka topic. A nil
// Publisher (returned by NewPublisher when enabled is false) is a safe
// no-op so Kafka is never a hard dependency for the core's correctness.
type Publisher struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
}

// NewPublisher builds a producer-mode kgo.Client, or returns nil if
// enabled is false.
func NewPublisher(brokers []string, topic, clientID string, tlsCfg *tls.Config, saslMech sasl.Mechanism, enabled bool, logger *zap.Logger) (*Publisher, error) {
	if !enabled {
		return nil, nil
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(topic),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if saslMech != nil {
		opts = append(opts, kgo.SASL(saslMech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("events: new producer client: %w", err)
	}

	return &Publisher{client: client, topic: topic, logger: logger}, nil
}

// Publish JSON-encodes ev and produces it asynchronously, keyed by peer
// ID so per-peer event ordering is preserved within a partition. Publish
// failures are logged and counted, never returned to the caller: a
// publish error must not block the membership/sender scheduling loop
// that raised ev.
func (p *Publisher) Publish(ctx context.Context, ev audit.Event) {
	if p == nil {
		return
	}
	data, err := json.Marshal(eventRecord{Kind: ev.Kind, PeerID: string(ev.PeerID), Table: ev.Table, PartitionIndex: ev.PartitionIndex, Detail: ev.Detail})
	if err != nil {
		p.logger.Error("events: marshal failed", zap.Error(err), zap.String("kind", string(ev.Kind)))
		return
	}

	record := &kgo.Record{Topic: p.topic, Key: []byte(ev.PeerID), Value: data}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			metrics.EventsPublishErrorsTotal.WithLabelValues(p.topic).Inc()
			p.logger.Error("events: publish failed", zap.Error(err), zap.String("kind", string(ev.Kind)))
		}
	})
}

// Close flushes in-flight produces and releases the client. Safe to call
// on a nil Publisher.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.client.Flush(context.Background())
	p.client.Close()
}

type eventRecord struct {
	Kind           audit.Kind     `json:"kind"`
	PeerID         string         `json:"peer_id"`
	Table          string         `json:"table,omitempty"`
	PartitionIndex int            `json:"partition_index,omitempty"`
	Detail         map[string]any `json:"detail,omitempty"`
}
