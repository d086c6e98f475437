// dispatchd - command dispatch and result aggregation service
//
// dispatchd fans a command out to a set of remote devices (named directly
// or expanded from organisations through a directory service), collects
// their asynchronous replies, and serves them back through a bounded-wait
// results call.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nerrad567/dispatchd/internal/api"
	"github.com/nerrad567/dispatchd/internal/archive"
	"github.com/nerrad567/dispatchd/internal/channel/kafkachan"
	"github.com/nerrad567/dispatchd/internal/channel/mqttchan"
	"github.com/nerrad567/dispatchd/internal/directory"
	"github.com/nerrad567/dispatchd/internal/dispatch"
	"github.com/nerrad567/dispatchd/internal/infrastructure/config"
	"github.com/nerrad567/dispatchd/internal/infrastructure/database"
	"github.com/nerrad567/dispatchd/internal/infrastructure/influxdb"
	"github.com/nerrad567/dispatchd/internal/infrastructure/logging"
	"github.com/nerrad567/dispatchd/internal/infrastructure/mqtt"
	"github.com/nerrad567/dispatchd/internal/infrastructure/redis"
	"github.com/nerrad567/dispatchd/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting dispatchd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, cfg.Service.ID, version)
	log.Info("configuration loaded",
		"path", configPath,
		"transport", cfg.Transport.Type,
		"directory", cfg.Directory.Type,
	)

	var workers sync.WaitGroup
	checks := map[string]api.HealthChecker{}
	var observers []dispatch.Observer

	// Archive (optional)
	var archiveRepo archive.Repository
	var recorder *archive.Recorder
	if cfg.Database.Enabled {
		db, dbErr := openArchive(ctx, cfg.Database)
		if dbErr != nil {
			return dbErr
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		log.Info("archive database ready", "path", cfg.Database.Path)

		repo := archive.NewSQLiteRepository(db.DB)
		archiveRepo = repo
		recorder = archive.NewRecorder(repo, 0, log.With("component", "archive"))
		observers = append(observers, recorder)
		checks["database"] = db
	} else {
		log.Info("archive disabled")
	}

	// Redis membership cache (optional, http directory only)
	var cache directory.MembershipCache
	if cfg.Redis.Enabled && cfg.Directory.Type == config.DirectoryHTTP {
		redisClient, redisErr := redis.Connect(ctx, cfg.Redis)
		if redisErr != nil {
			return fmt.Errorf("connecting to Redis: %w", redisErr)
		}
		defer func() {
			log.Info("closing Redis connection")
			if closeErr := redisClient.Close(); closeErr != nil {
				log.Error("error closing Redis", "error", closeErr)
			}
		}()
		log.Info("Redis connected", "addr", cfg.Redis.Addr)
		cache = redisClient
		checks["redis"] = redisClient
	}

	dir, err := buildDirectory(cfg.Directory, cache, log)
	if err != nil {
		return err
	}

	// InfluxDB telemetry (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		observers = append(observers, telemetryObserver{w: influxClient})
		checks["influxdb"] = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	// Dispatch channel
	ch, closeChannel, err := openChannel(ctx, cfg, log, checks)
	if err != nil {
		return err
	}
	defer closeChannel()

	// Live stream hub observes the engine and collector directly.
	hub := api.NewHub(cfg.WebSocket, log.With("component", "websocket"))
	observers = append(observers, hub)

	engineLog := log.With("component", "dispatch")
	registry := dispatch.NewRegistry(dispatch.RegistryOptions{
		TTL:    cfg.Dispatch.RetentionTTL,
		Logger: engineLog,
	})
	resolver := dispatch.NewResolver(dir, dispatch.ResolverOptions{
		MaxDevices: cfg.Dispatch.MaxDevices,
		Retry:      retryPolicy(cfg.Directory.Retry),
		Logger:     engineLog,
	})
	engine := dispatch.NewEngine(resolver, registry, ch, dispatch.EngineOptions{
		DefaultTimeout: cfg.Dispatch.DefaultTimeout,
		MaxTimeout:     cfg.Dispatch.MaxTimeout,
		PublishWait:    cfg.Dispatch.PublishWait,
		SendRetry:      retryPolicy(cfg.Transport.Retry),
		Logger:         engineLog,
	}, observers...)
	collector := dispatch.NewCollector(registry, engineLog, observers...)

	server, err := api.New(api.Deps{
		Config:       cfg.API,
		WS:           cfg.WebSocket,
		Logger:       log.With("component", "api"),
		Engine:       engine,
		Archive:      archiveRepo,
		Hub:          hub,
		HealthChecks: checks,
		MaxDevices:   cfg.Dispatch.MaxDevices,
		Version:      version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	// Workers stop and drain before any of the resources above close.
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer workers.Wait()
	defer stopWorkers()

	startWorker(&workers, func() { registry.Run(workerCtx, cfg.Dispatch.SweepInterval) })
	startWorker(&workers, func() { collector.Run(workerCtx, ch.Replies()) })
	startWorker(&workers, func() { hub.Run(workerCtx) })
	if recorder != nil {
		startWorker(&workers, func() { recorder.Run(workerCtx) })
	}
	if kc, ok := ch.(*kafkachan.Channel); ok {
		startWorker(&workers, func() {
			if err := kc.Run(workerCtx); err != nil {
				log.Error("Kafka reply reader stopped", "error", err)
			}
		})
	}

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal",
		"address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port))

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses DISPATCHD_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("DISPATCHD_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func startWorker(wg *sync.WaitGroup, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn()
	}()
}

// openArchive opens the SQLite archive and applies embedded migrations.
func openArchive(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Path,
		WALMode:     cfg.WALMode,
		BusyTimeout: cfg.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// buildDirectory creates the org→device directory named by cfg.Type.
func buildDirectory(cfg config.DirectoryConfig, cache directory.MembershipCache, log *logging.Logger) (dispatch.Directory, error) {
	switch cfg.Type {
	case config.DirectoryStatic:
		dir, err := directory.LoadStatic(cfg.StaticFile)
		if err != nil {
			return nil, fmt.Errorf("loading static directory: %w", err)
		}
		log.Info("static directory loaded", "path", cfg.StaticFile)
		return dir, nil
	case config.DirectoryHTTP:
		dir, err := directory.NewHTTP(cfg.URL, directory.HTTPOptions{
			Timeout:  cfg.RequestTimeout,
			Cache:    cache,
			CacheTTL: cfg.CacheTTL,
			Logger:   log.With("component", "directory"),
		})
		if err != nil {
			return nil, fmt.Errorf("creating directory client: %w", err)
		}
		log.Info("directory client ready", "url", cfg.URL, "cached", cache != nil)
		return dir, nil
	default:
		return nil, fmt.Errorf("unknown directory type %q", cfg.Type)
	}
}

// openChannel connects the configured transport. The returned func closes it.
func openChannel(ctx context.Context, cfg *config.Config, log *logging.Logger, checks map[string]api.HealthChecker) (dispatch.Channel, func(), error) {
	chanLog := log.With("component", "channel", "transport", cfg.Transport.Type)

	switch cfg.Transport.Type {
	case config.TransportMQTT:
		client, err := mqtt.Connect(ctx, cfg.MQTT)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to MQTT: %w", err)
		}
		client.SetLogger(chanLog)
		client.SetOnConnect(func() { chanLog.Info("MQTT connected") })
		client.SetOnDisconnect(func(err error) { chanLog.Warn("MQTT disconnected", "error", err) })
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		ch, err := mqttchan.New(client, mqttchan.Options{
			QoS:         byte(cfg.MQTT.QoS), //nolint:gosec // validated 0-2 by config
			ReplyBuffer: cfg.Dispatch.ReplyBuffer,
			Logger:      chanLog,
		})
		if err != nil {
			client.Close() //nolint:errcheck // Best effort cleanup on error path
			return nil, nil, fmt.Errorf("creating MQTT channel: %w", err)
		}
		checks["mqtt"] = client

		return ch, func() {
			log.Info("closing MQTT channel")
			if err := ch.Close(); err != nil {
				log.Error("error closing MQTT channel", "error", err)
			}
			if err := client.Close(); err != nil {
				log.Error("error closing MQTT", "error", err)
			}
		}, nil

	case config.TransportKafka:
		ch, err := kafkachan.New(cfg.Kafka, kafkachan.Options{
			ReplyBuffer: cfg.Dispatch.ReplyBuffer,
			ReadRetry:   retryPolicy(cfg.Transport.Retry),
			Logger:      chanLog,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("creating Kafka channel: %w", err)
		}
		checks["kafka"] = ch
		log.Info("Kafka channel ready",
			"brokers", cfg.Kafka.Brokers,
			"command_topic", cfg.Kafka.CommandTopic,
			"reply_topic", cfg.Kafka.ReplyTopic,
		)

		return ch, func() {
			log.Info("closing Kafka channel")
			if err := ch.Close(); err != nil {
				log.Error("error closing Kafka channel", "error", err)
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport.Type)
	}
}

// retryPolicy converts a config retry section.
func retryPolicy(cfg config.RetryConfig) dispatch.RetryPolicy {
	return dispatch.RetryPolicy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
	}
}

// healthCheck verifies every registered dependency, in no particular order.
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	for name, hc := range checks {
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
