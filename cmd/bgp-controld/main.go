package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/route-beacon/bgp-controld/internal/audit"
	"github.com/route-beacon/bgp-controld/internal/config"
	"github.com/route-beacon/bgp-controld/internal/db"
	"github.com/route-beacon/bgp-controld/internal/events"
	"github.com/route-beacon/bgp-controld/internal/history"
	"github.com/route-beacon/bgp-controld/internal/httpapi"
	"github.com/route-beacon/bgp-controld/internal/kafka"
	"github.com/route-beacon/bgp-controld/internal/maintenance"
	"github.com/route-beacon/bgp-controld/internal/membership"
	"github.com/route-beacon/bgp-controld/internal/metrics"
	"github.com/route-beacon/bgp-controld/internal/ribtable"
	"github.com/route-beacon/bgp-controld/internal/sender"
	"github.com/route-beacon/bgp-controld/internal/state"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: bgp-controld <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the membership/sender control plane")
	fmt.Println("  migrate   Run database migrations (audit log schema)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.LoadForService(configPath, "BGPCONTROLD_", "bgp-controld-1")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

// loopDone is the ReadinessProbe httpapi.Server polls for /readyz: ready
// once the scheduling loop behind it has completed at least one pass.
type loopDone struct {
	joined atomic.Bool
}

func (l *loopDone) IsJoined() bool { return l.joined.Load() }

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting bgp-controld",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.Int("sender_partitions", cfg.Sender.PartitionCount),
		zap.Strings("rib_tables", cfg.Rib.Tables),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	// --- Audit log (design §13): optional write-behind Postgres sink. ---
	var auditPool = pool
	if cfg.Audit.Enabled && cfg.Audit.DSN != cfg.Postgres.DSN {
		auditPool, err = db.NewPool(ctx, cfg.Audit.DSN, cfg.Audit.MaxConns, cfg.Audit.MinConns)
		if err != nil {
			logger.Fatal("failed to connect to audit database", zap.Error(err))
		}
		defer auditPool.Close()
	}
	auditSink := audit.NewSink(ctx, auditPool, cfg.Audit.Enabled, cfg.Audit.CompressPayloads,
		cfg.Audit.BatchSize, time.Duration(cfg.Audit.FlushIntervalMs)*time.Millisecond, logger.Named("audit"))
	defer auditSink.Close()

	// --- Event bus (design §14): optional Kafka fan-out for audit events. ---
	eventsTLS, err := cfg.Events.BuildTLSConfig()
	if err != nil {
		logger.Fatal("failed to build events TLS config", zap.Error(err))
	}
	eventsSASL := cfg.Events.BuildSASLMechanism()
	publisher, err := events.NewPublisher(cfg.Events.Brokers, cfg.Events.Topic, cfg.Events.ClientID,
		eventsTLS, eventsSASL, cfg.Events.Enabled, logger.Named("events"))
	if err != nil {
		logger.Fatal("failed to create events publisher", zap.Error(err))
	}
	defer publisher.Close()
	if publisher != nil {
		auditSink.SetPublisher(publisher)
	}

	// --- C4/C5/C6 core ---
	aggregate := sender.NewAggregate(cfg.Sender.PartitionCount, cfg.Sender.QueueCount)
	aggregate.SetAuditSink(auditSink)

	manager := membership.New(aggregate, logger.Named("membership"))
	manager.SetAuditSink(auditSink)

	var wg sync.WaitGroup

	// --- Ingestion: state + history pipelines write the same
	// current_routes table RIB tables below read from, so this binary's
	// own BMP intake feeds the C1-C6 control plane it runs, not just a
	// schema convention shared with a separately deployed rib-ingester.
	if cfg.Ingest.Enabled {
		startIngestion(ctx, cfg, pool, logger, &wg)
	}

	// --- RIB tables fed by the ingestion pipeline's current_routes. ---
	tables := make([]*ribtable.Table, 0, len(cfg.Rib.Tables))
	for _, name := range cfg.Rib.Tables {
		t := ribtable.New(name, cfg.Sender.PartitionCount, cfg.Sender.QueueCount, pool, aggregate, logger.Named("ribtable"))
		if err := t.Refresh(ctx); err != nil {
			logger.Warn("initial ribtable refresh failed", zap.String("table", name), zap.Error(err))
		}
		tables = append(tables, t)
	}

	membershipReady := &loopDone{}
	senderReady := &loopDone{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runMembershipLoop(ctx, manager, membershipReady, logger.Named("membership.loop"))
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runSenderLoop(ctx, aggregate, senderReady, logger.Named("sender.loop"))
	}()

	refreshInterval := time.Duration(cfg.Rib.RefreshIntervalMs) * time.Millisecond
	wg.Add(1)
	go func() {
		defer wg.Done()
		runRibRefreshLoop(ctx, tables, refreshInterval, logger.Named("ribtable.loop"))
	}()

	// --- HTTP server: healthz/readyz/metrics/introspect (design §12). ---
	httpServer := httpapi.NewServer(cfg.Service.HTTPListen, manager, aggregate, pool, membershipReady, senderReady, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("bgp-controld started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all loops stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some loops may not have finished")
	}

	logger.Info("bgp-controld stopped")
}

// startIngestion wires the same Kafka state/history consumer pipelines
// cmd/rib-ingester runs, so the C1-C6 control plane this binary hosts
// eats its own BMP data instead of only ever reading rows a separate
// process wrote. Partition maintenance runs once up front so the
// current_routes/history partitions this pipeline writes into already
// exist, matching rib-ingester's own startup sequence.
func startIngestion(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger, wg *sync.WaitGroup) {
	pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger.Named("maintenance"))
	if err := pm.CreatePartitions(ctx); err != nil {
		logger.Fatal("failed to create partitions on startup", zap.Error(err))
	}

	tlsCfg, err := cfg.Kafka.BuildTLSConfig()
	if err != nil {
		logger.Fatal("failed to build kafka TLS config", zap.Error(err))
	}
	saslMech := cfg.Kafka.BuildSASLMechanism()

	stateWriter := state.NewWriter(pool, logger.Named("state.writer"))
	statePipeline := state.NewPipeline(stateWriter, cfg.Ingest.BatchSize, cfg.Ingest.FlushIntervalMs, cfg.Kafka.State.RawMode, cfg.Ingest.MaxPayloadBytes, logger.Named("state.pipeline"), cfg.Routers)

	stateRecords := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)
	stateFlushed := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)

	stateConsumer, err := kafka.NewStateConsumer(
		cfg.Kafka.Brokers, cfg.Kafka.State.GroupID, cfg.Kafka.State.Topics,
		cfg.Kafka.ClientID+"-state", cfg.Kafka.FetchMaxBytes, tlsCfg, saslMech, logger.Named("kafka.state"),
	)
	if err != nil {
		logger.Fatal("failed to create state consumer", zap.Error(err))
	}

	var commitWg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); stateConsumer.Run(ctx, stateRecords, stateFlushed, &commitWg) }()
	go func() {
		defer wg.Done()
		statePipeline.Run(ctx, stateRecords, stateFlushed)
		close(stateFlushed)
	}()

	logger.Info("state pipeline started",
		zap.Strings("topics", cfg.Kafka.State.Topics),
		zap.String("group_id", cfg.Kafka.State.GroupID),
	)

	historyWriter := history.NewWriter(pool, logger.Named("history.writer"),
		cfg.Ingest.StoreRawBytes, cfg.Ingest.StoreRawBytesCompress)
	historyPipeline := history.NewPipeline(historyWriter,
		cfg.Ingest.BatchSize, cfg.Ingest.FlushIntervalMs, cfg.Ingest.MaxPayloadBytes,
		logger.Named("history.pipeline"), cfg.Routers)

	historyRecords := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)
	historyFlushed := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)

	historyConsumer, err := kafka.NewHistoryConsumer(
		cfg.Kafka.Brokers, cfg.Kafka.History.GroupID, cfg.Kafka.History.Topics,
		cfg.Kafka.ClientID+"-history", cfg.Kafka.FetchMaxBytes, tlsCfg, saslMech, logger.Named("kafka.history"),
	)
	if err != nil {
		logger.Fatal("failed to create history consumer", zap.Error(err))
	}

	wg.Add(2)
	go func() { defer wg.Done(); historyConsumer.Run(ctx, historyRecords, historyFlushed) }()
	go func() {
		defer wg.Done()
		historyPipeline.Run(ctx, historyRecords, historyFlushed)
		close(historyFlushed)
	}()

	logger.Info("history pipeline started",
		zap.Strings("topics", cfg.Kafka.History.Topics),
		zap.String("group_id", cfg.Kafka.History.GroupID),
	)

	go func() {
		<-ctx.Done()
		commitWg.Wait()
		stateConsumer.Close()
		historyConsumer.Close()
	}()
}

// runMembershipLoop drives C4's single-writer scheduling requirement:
// RunReadyWalks is never called concurrently with itself or with the
// Register/Unregister entry points an external session layer would call.
func runMembershipLoop(ctx context.Context, manager *membership.Manager, ready *loopDone, logger *zap.Logger) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("membership loop stopping")
			return
		case <-ticker.C:
			manager.RunReadyWalks()
			ready.joined.Store(true)
		}
	}
}

// runSenderLoop drives C5/C6's work dispatch. CheckInvariants runs on
// every pass rather than only in tests, so a contract violation between
// C3 and C5 is noticed as soon as it occurs in production; a violation
// is logged at Error level and the loop keeps running.
func runSenderLoop(ctx context.Context, aggregate *sender.Aggregate, ready *loopDone, logger *zap.Logger) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("sender loop stopping")
			return
		case <-ticker.C:
			aggregate.RunReadyWork()
			if !aggregate.CheckInvariants() {
				logger.Error("sender invariant violation detected")
			}
			ready.joined.Store(true)
		}
	}
}

func runRibRefreshLoop(ctx context.Context, tables []*ribtable.Table, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("ribtable refresh loop stopping")
			return
		case <-ticker.C:
			for _, t := range tables {
				if err := t.Refresh(ctx); err != nil {
					logger.Warn("ribtable refresh failed", zap.String("table", t.Name()), zap.Error(err))
				}
			}
		}
	}
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	if cfg.Audit.Enabled && cfg.Audit.DSN != cfg.Postgres.DSN {
		auditPool, err := db.NewPool(ctx, cfg.Audit.DSN, cfg.Audit.MaxConns, cfg.Audit.MinConns)
		if err != nil {
			logger.Fatal("failed to connect to audit database", zap.Error(err))
		}
		defer auditPool.Close()
		if err := db.RunMigrations(ctx, auditPool, migrationsDir(), logger); err != nil {
			logger.Fatal("audit migration failed", zap.Error(err))
		}
	}

	logger.Info("migrations complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
