package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service   ServiceConfig         `koanf:"service"`
	Kafka     KafkaConfig           `koanf:"kafka"`
	Postgres  PostgresConfig        `koanf:"postgres"`
	Ingest    IngestConfig          `koanf:"ingest"`
	Retention RetentionConfig       `koanf:"retention"`
	Routers   map[string]RouterMeta `koanf:"routers"`
	Sender    SenderConfig          `koanf:"sender"`
	Policy    PolicyConfig          `koanf:"policy"`
	Audit     AuditConfig           `koanf:"audit"`
	Events    EventsConfig          `koanf:"events"`
	Rib       RibConfig             `koanf:"rib"`
}

// RibConfig names the internal/ribtable.Table instances cmd/bgp-controld
// loads from Postgres current_routes and refreshes on a fixed interval,
// feeding the C1-C6 control plane from the rib-ingester pipeline's own
// output.
type RibConfig struct {
	Tables            []string `koanf:"tables"`
	RefreshIntervalMs int      `koanf:"refresh_interval_ms"`
}

// SenderConfig sizes the C5/C6 update sender: PartitionCount is both the
// number of BgpUpdateSender partitions and the number of Table partitions
// the core expects GetPeer/entry callbacks to be indexed by; QueueCount
// bounds the per-RibOut queue-id space a RibOut may enqueue into.
type SenderConfig struct {
	PartitionCount int `koanf:"partition_count"`
	QueueCount     int `koanf:"queue_count"`
}

// PolicyConfig holds the export-filter defaults consumed when a RibOut's
// own export.Policy leaves a field at its zero value.
type PolicyConfig struct {
	LocalAS          uint32 `koanf:"local_as"`
	DefaultLocalPref uint32 `koanf:"default_local_pref"`
}

// AuditConfig points internal/audit at a Postgres sink. Enabled=false
// makes the sink a no-op writer.
type AuditConfig struct {
	DSN              string `koanf:"dsn"`
	MaxConns         int32  `koanf:"max_conns"`
	MinConns         int32  `koanf:"min_conns"`
	Enabled          bool   `koanf:"enabled"`
	CompressPayloads bool   `koanf:"compress_payloads"`
	BatchSize        int    `koanf:"batch_size"`
	FlushIntervalMs  int    `koanf:"flush_interval_ms"`
}

// EventsConfig points internal/events at a Kafka producer. Enabled=false
// makes the publisher a no-op.
type EventsConfig struct {
	Brokers  []string   `koanf:"brokers"`
	Topic    string     `koanf:"topic"`
	ClientID string     `koanf:"client_id"`
	Enabled  bool       `koanf:"enabled"`
	TLS      TLSConfig  `koanf:"tls"`
	SASL     SASLConfig `koanf:"sasl"`
}

type RouterMeta struct {
	Name     string `koanf:"name"`
	Location string `koanf:"location"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type KafkaConfig struct {
	Brokers       []string       `koanf:"brokers"`
	ClientID      string         `koanf:"client_id"`
	TLS           TLSConfig      `koanf:"tls"`
	SASL          SASLConfig     `koanf:"sasl"`
	State         ConsumerConfig `koanf:"state"`
	History       ConsumerConfig `koanf:"history"`
	FetchMaxBytes int32          `koanf:"fetch_max_bytes"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type ConsumerConfig struct {
	GroupID string   `koanf:"group_id"`
	Topics  []string `koanf:"topics"`
	// RawMode is only applicable to the state pipeline consumer.
	// The history pipeline always processes raw BMP data directly.
	RawMode bool `koanf:"raw_mode"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type IngestConfig struct {
	// Enabled gates whether a process embeds the state/history Kafka
	// consumers at all. cmd/rib-ingester ignores it (ingestion is its
	// whole job); cmd/bgp-controld checks it so a combined deployment
	// can run ingestion and the control plane in one process, while a
	// split deployment runs cmd/rib-ingester standalone and sets this
	// false on its bgp-controld instances.
	Enabled               bool `koanf:"enabled"`
	BatchSize             int  `koanf:"batch_size"`
	FlushIntervalMs       int  `koanf:"flush_interval_ms"`
	ChannelBufferSize     int  `koanf:"channel_buffer_size"`
	MaxPayloadBytes       int  `koanf:"max_payload_bytes"`
	StoreRawBytes         bool `koanf:"store_raw_bytes"`
	StoreRawBytesCompress bool `koanf:"store_raw_bytes_compress"`
}

type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Timezone string `koanf:"timezone"`
}

// Load loads the rib-ingester service's configuration, overlaying the
// RIB_INGESTER_ environment prefix. Kept as the zero-argument entry point
// cmd/rib-ingester already depends on.
func Load(path string) (*Config, error) {
	return LoadForService(path, "RIB_INGESTER_", "rib-ingester-1")
}

// LoadForService loads configuration for any binary sharing this schema,
// parameterized by its env-var prefix (e.g. "BGPCONTROLD_") and the
// default Service.InstanceID. Both cmd/rib-ingester and cmd/bgp-controld
// read the same YAML file in a combined deployment; the env prefix keeps
// their override namespaces disjoint.
func LoadForService(path, envPrefix, defaultInstanceID string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: <prefix>KAFKA__BROKERS → kafka.brokers
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             defaultInstanceID,
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Kafka: KafkaConfig{
			ClientID:      "rib-ingester",
			FetchMaxBytes: 52428800,
			State: ConsumerConfig{
				GroupID: "rib-ingester-state",
			},
			History: ConsumerConfig{
				GroupID: "rib-ingester-history",
			},
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Ingest: IngestConfig{
			Enabled:               true,
			BatchSize:             1000,
			FlushIntervalMs:       200,
			ChannelBufferSize:     16,
			MaxPayloadBytes:       16777216,
			StoreRawBytesCompress: true,
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
		Sender: SenderConfig{
			PartitionCount: 4,
			QueueCount:     1,
		},
		Policy: PolicyConfig{
			DefaultLocalPref: 100,
		},
		Audit: AuditConfig{
			MaxConns:         10,
			MinConns:         1,
			CompressPayloads: true,
			BatchSize:        100,
			FlushIntervalMs:  1000,
		},
		Events: EventsConfig{
			ClientID: "bgp-controld",
		},
		Rib: RibConfig{
			Tables:            []string{"inet.0"},
			RefreshIntervalMs: 5000,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}
	if len(cfg.Kafka.State.Topics) == 1 && strings.Contains(cfg.Kafka.State.Topics[0], ",") {
		cfg.Kafka.State.Topics = strings.Split(cfg.Kafka.State.Topics[0], ",")
	}
	if len(cfg.Kafka.History.Topics) == 1 && strings.Contains(cfg.Kafka.History.Topics[0], ",") {
		cfg.Kafka.History.Topics = strings.Split(cfg.Kafka.History.Topics[0], ",")
	}
	if len(cfg.Events.Brokers) == 1 && strings.Contains(cfg.Events.Brokers[0], ",") {
		cfg.Events.Brokers = strings.Split(cfg.Events.Brokers[0], ",")
	}
	if len(cfg.Rib.Tables) == 1 && strings.Contains(cfg.Rib.Tables[0], ",") {
		cfg.Rib.Tables = strings.Split(cfg.Rib.Tables[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required")
	}
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if c.Kafka.State.GroupID == "" {
		return fmt.Errorf("config: kafka.state.group_id is required")
	}
	if len(c.Kafka.State.Topics) == 0 {
		return fmt.Errorf("config: kafka.state.topics is required")
	}
	if c.Kafka.History.GroupID == "" {
		return fmt.Errorf("config: kafka.history.group_id is required")
	}
	if len(c.Kafka.History.Topics) == 0 {
		return fmt.Errorf("config: kafka.history.topics is required")
	}
	if c.Ingest.FlushIntervalMs <= 0 {
		return fmt.Errorf("config: ingest.flush_interval_ms must be > 0 (got %d)", c.Ingest.FlushIntervalMs)
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("config: ingest.batch_size must be > 0 (got %d)", c.Ingest.BatchSize)
	}
	if c.Ingest.ChannelBufferSize <= 0 {
		return fmt.Errorf("config: ingest.channel_buffer_size must be > 0 (got %d)", c.Ingest.ChannelBufferSize)
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
	}
	if c.Ingest.MaxPayloadBytes <= 0 {
		return fmt.Errorf("config: ingest.max_payload_bytes must be > 0 (got %d)", c.Ingest.MaxPayloadBytes)
	}
	if c.Kafka.FetchMaxBytes <= 0 {
		return fmt.Errorf("config: kafka.fetch_max_bytes must be > 0 (got %d)", c.Kafka.FetchMaxBytes)
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
		return fmt.Errorf("config: retention.timezone is invalid: %w", err)
	}
	if int32(c.Ingest.MaxPayloadBytes) > c.Kafka.FetchMaxBytes {
		return fmt.Errorf("config: ingest.max_payload_bytes (%d) exceeds kafka.fetch_max_bytes (%d); messages larger than fetch_max_bytes will be dropped by the broker",
			c.Ingest.MaxPayloadBytes, c.Kafka.FetchMaxBytes)
	}
	if c.Sender.PartitionCount <= 0 {
		return fmt.Errorf("config: sender.partition_count must be > 0 (got %d)", c.Sender.PartitionCount)
	}
	if c.Sender.QueueCount <= 0 {
		return fmt.Errorf("config: sender.queue_count must be > 0 (got %d)", c.Sender.QueueCount)
	}
	if c.Audit.Enabled {
		if c.Audit.DSN == "" {
			return fmt.Errorf("config: audit.dsn is required when audit.enabled is true")
		}
		if c.Audit.MaxConns <= 0 {
			return fmt.Errorf("config: audit.max_conns must be > 0 (got %d)", c.Audit.MaxConns)
		}
		if c.Audit.MinConns < 0 {
			return fmt.Errorf("config: audit.min_conns must be >= 0 (got %d)", c.Audit.MinConns)
		}
	}
	if c.Events.Enabled {
		if len(c.Events.Brokers) == 0 {
			return fmt.Errorf("config: events.brokers is required when events.enabled is true")
		}
		if c.Events.Topic == "" {
			return fmt.Errorf("config: events.topic is required when events.enabled is true")
		}
	}
	if len(c.Rib.Tables) == 0 {
		return fmt.Errorf("config: rib.tables must name at least one table")
	}
	if c.Rib.RefreshIntervalMs <= 0 {
		return fmt.Errorf("config: rib.refresh_interval_ms must be > 0 (got %d)", c.Rib.RefreshIntervalMs)
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) { return buildTLSConfig(k.TLS) }

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism { return buildSASLMechanism(k.SASL) }

// BuildTLSConfig creates a *tls.Config from the events producer's TLS
// settings. Returns nil if TLS is disabled.
func (e *EventsConfig) BuildTLSConfig() (*tls.Config, error) { return buildTLSConfig(e.TLS) }

// BuildSASLMechanism creates a SASL mechanism from the events producer's
// SASL settings. Returns nil if SASL is disabled.
func (e *EventsConfig) BuildSASLMechanism() sasl.Mechanism { return buildSASLMechanism(e.SASL) }

func buildTLSConfig(t TLSConfig) (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if t.CAFile != "" {
		caPEM, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if t.CertFile != "" && t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

func buildSASLMechanism(s SASLConfig) sasl.Mechanism {
	if !s.Enabled {
		return nil
	}
	switch strings.ToUpper(s.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: s.Username, Pass: s.Password}.AsMechanism()
	default:
		return nil
	}
}
